// Package redis 基于 Redis Streams 的扫描任务队列实现
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"leadscan/internal/shared/queue"
)

// Options 队列行为参数
type Options struct {
	// MaxAttempts 任务最大尝试次数，超过后进入死亡状态
	MaxAttempts int

	// BackoffTiers 阶梯退避延迟表
	BackoffTiers []time.Duration

	// MaxStalls 消息停滞转移上限
	MaxStalls int
}

// Store Redis 队列存储
type Store struct {
	client *goredis.Client
	opts   Options
}

// NewStore 创建 Redis 队列实例
func NewStore(addr, password string, db int, opts Options) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Queue] Connected to %s", addr)
	return newStore(client, opts), nil
}

// NewStoreFromURL 从 URL 创建 Redis 队列实例
func NewStoreFromURL(redisURL string, opts Options) (*Store, error) {
	parsed, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := goredis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Queue] Connected to %s", parsed.Addr)
	return newStore(client, opts), nil
}

// NewStoreFromClient 从现有 Redis 客户端创建队列实例
func NewStoreFromClient(client *goredis.Client, opts Options) *Store {
	return newStore(client, opts)
}

func newStore(client *goredis.Client, opts Options) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = queue.DefaultMaxAttempts
	}
	if len(opts.BackoffTiers) == 0 {
		opts.BackoffTiers = queue.DefaultBackoffTiers
	}
	if opts.MaxStalls <= 0 {
		opts.MaxStalls = queue.DefaultMaxStalls
	}
	return &Store{client: client, opts: opts}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Client 返回底层 Redis 客户端
func (s *Store) Client() *goredis.Client {
	return s.client
}

// 确保 Store 实现了 ScanJobQueue 接口
var _ queue.ScanJobQueue = (*Store)(nil)
