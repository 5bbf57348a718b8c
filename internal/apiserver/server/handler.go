// Package server 路由配置与 HTTP 基础设施
//
// 本包将请求分发到各领域独立包：
//   - scan: 扫描生命周期接口（触发/查询/回答/取消/删除/事件补发）
//   - stream: 实时推送（SSE 投影器 + WebSocket 网关）
//
// 本包自身只保留健康检查、Prometheus 指标端点与 HTTP 指标中间件。
package server

import (
	"net/http"

	"leadscan/internal/apiserver/scan"
	"leadscan/internal/apiserver/stream"
	"leadscan/internal/shared/bus"
	"leadscan/internal/shared/queue"
	"leadscan/internal/shared/storage"
)

// Handler API Server 核心处理器
type Handler struct {
	store     storage.ScanStore
	queue     queue.ScanJobQueue
	bus       bus.ScanEventBus
	artifacts scan.ArtifactCleaner // 可为 nil
	metrics   *Metrics
}

// NewHandler 创建核心处理器
func NewHandler(store storage.ScanStore, jobQueue queue.ScanJobQueue, eventBus bus.ScanEventBus, artifacts scan.ArtifactCleaner) *Handler {
	return &Handler{
		store:     store,
		queue:     jobQueue,
		bus:       eventBus,
		artifacts: artifacts,
		metrics:   NewMetrics("leadscan"),
	}
}

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//
// 扫描管理 (Scan):
//   - POST   /api/v1/scans               - 触发扫描
//   - GET    /api/v1/scans               - 列出扫描
//   - GET    /api/v1/scans/{id}          - 获取扫描快照
//   - POST   /api/v1/scans/{id}/answer   - 回答待回答问题
//   - POST   /api/v1/scans/{id}/cancel   - 取消扫描
//   - DELETE /api/v1/scans/{id}          - 管理删除
//   - GET    /api/v1/scans/{id}/events   - 事件补发
//
// 实时推送:
//   - GET /api/v1/scans/{id}/stream - SSE 进度投影
//   - GET /ws/scans/{id}/events     - WebSocket 事件推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler())

	// 扫描接口
	scanHandler := scan.NewHandler(h.store, h.queue, h.bus, h.artifacts)
	scanHandler.RegisterRoutes(mux)

	// 实时推送
	projector := stream.NewProjector(h.store, h.bus)
	projector.RegisterRoutes(mux)

	gateway := stream.NewEventGateway(h.store, h.bus)
	gateway.RegisterRoutes(mux)

	return h.metrics.MetricsMiddleware(mux)
}

// Health 服务健康检查
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
