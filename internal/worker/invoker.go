// 模型调用层实现
//
// ModelInvoker 的两个内置实现：
//   - HTTPInvoker：调用外部模型服务的 HTTP 接口（生产）
//   - StubInvoker：返回确定性结果（本地开发、联调）
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPInvoker 通过 HTTP 调用外部模型服务
//
// 请求格式：POST {endpoint}，Body {"prompt": "...", "schema": {...}}
// 响应格式：模型的结构化输出（原样透传给运行器做 schema 校验）
type HTTPInvoker struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPInvoker 创建 HTTP 模型调用器
//
// 超时交给运行器的 context 控制，client 本身不设 Timeout。
func NewHTTPInvoker(endpoint, apiKey string) *HTTPInvoker {
	return &HTTPInvoker{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

// Invoke 调用模型服务
func (i *HTTPInvoker) Invoke(ctx context.Context, prompt string, schema json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]interface{}{
		"prompt": prompt,
		"schema": schema,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if i.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.apiKey)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model service returned %d: %s", resp.StatusCode, blob)
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// StubInvoker 确定性模型桩
//
// 每次调用返回固定置信度的占位结果，带可配置延迟，
// 用于没有模型服务的本地环境跑通整条流水线。
type StubInvoker struct {
	// Confidence 返回的置信度，默认 80
	Confidence int

	// Delay 模拟的调用耗时
	Delay time.Duration
}

// Invoke 返回占位结果
func (s *StubInvoker) Invoke(ctx context.Context, prompt string, schema json.RawMessage) (json.RawMessage, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	confidence := s.Confidence
	if confidence == 0 {
		confidence = 80
	}
	out, _ := json.Marshal(map[string]interface{}{
		"result":     map[string]string{"summary": "stubbed analysis result"},
		"confidence": confidence,
	})
	return out, nil
}
