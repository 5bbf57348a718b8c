// Package artifact 封装 MinIO 对象存储，存放扫描产出的报告等衍生物
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"leadscan/internal/config"
)

// Client MinIO 客户端封装
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient 创建 MinIO 客户端
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "leadscan"
	}

	return &Client{mc: mc, bucket: bucket}, nil
}

// EnsureBucket 确保 bucket 存在
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		log.Printf("[minio] Created bucket: %s", c.bucket)
	}
	return nil
}

// scanPrefix 一个扫描的全部衍生物都挂在同一前缀下，便于整体清理
func scanPrefix(scanID string) string {
	return "scans/" + scanID + "/"
}

// ReportKey 扫描报告的对象键
func ReportKey(scanID string) string {
	return scanPrefix(scanID) + "report.json"
}

// PutReport 上传扫描报告
func (c *Client) PutReport(ctx context.Context, scanID string, report []byte) (string, error) {
	key := ReportKey(scanID)
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(report), int64(len(report)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("upload report %s: %w", key, err)
	}

	log.Printf("[minio] Uploaded report: scan=%s key=%s size=%d", scanID, key, len(report))
	return key, nil
}

// GetReport 下载扫描报告，调用方负责关闭返回的 ReadCloser
func (c *Client) GetReport(ctx context.Context, scanID string) (io.ReadCloser, error) {
	key := ReportKey(scanID)
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	// 验证对象存在（GetObject 不会立即返回错误）
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

// ReportExists 检查扫描报告是否存在
func (c *Client) ReportExists(ctx context.Context, scanID string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, ReportKey(scanID), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteScanArtifacts 删除扫描前缀下的全部对象
func (c *Client) DeleteScanArtifacts(ctx context.Context, scanID string) error {
	prefix := scanPrefix(scanID)

	objects := c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	removed := 0
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if err := c.mc.RemoveObject(ctx, c.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", obj.Key, err)
		}
		removed++
	}

	if removed > 0 {
		log.Printf("[minio] Deleted scan artifacts: scan=%s objects=%d", scanID, removed)
	}
	return nil
}
