// Package stream 扫描进度实时推送
//
// 本包提供两种推送通道：
//   - SSE 投影器（sse.go）：单向推送，浏览器原生支持断线重连
//   - WebSocket 网关（websocket.go）：双向通道，支持心跳
//
// 两者都遵循同一套快照 + 增量协议：连接建立后先推送扫描快照，
// 再从快照一致的位置开始推送增量事件，保证客户端不丢事件、
// 不重复事件。
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"leadscan/internal/shared/bus"
	"leadscan/internal/shared/storage"
	"leadscan/pkg/logging"
)

// replayBatchSize 单次历史补发的最大事件数
const replayBatchSize = 1000

// heartbeatInterval SSE 空闲心跳间隔
const heartbeatInterval = 15 * time.Second

// Projector SSE 进度投影器
//
// 将存储中的扫描快照与事件总线上的增量事件投影为一条
// text/event-stream 响应。协议顺序：
//
//	event: connected  → {"scan_id": "..."}
//	event: snapshot   → 完整 Scan 对象
//	event: <type>     → 每条增量事件（id 字段携带事件 ID，供断线重连回传 from_id）
//
// 扫描进入终止状态后推送最终快照并关闭连接。
type Projector struct {
	store storage.ScanStore
	bus   bus.ScanEventBus
	log   *logging.Logger
}

// NewProjector 创建 SSE 投影器
func NewProjector(store storage.ScanStore, eventBus bus.ScanEventBus) *Projector {
	return &Projector{
		store: store,
		bus:   eventBus,
		log:   logging.Default("apiserver.stream"),
	}
}

// RegisterRoutes 注册流式路由
func (p *Projector) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/scans/{id}/stream", p.HandleSSE)
}

// HandleSSE 处理 SSE 连接
//
// 路由: GET /api/v1/scans/{id}/stream
//
// 查询参数：
//   - from_id: 断线重连时回传最后收到的事件 ID，补发其后的事件
func (p *Projector) HandleSSE(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()

	scan, err := p.store.GetScan(ctx, scanID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "scan not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get scan", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sseSubscribers.Inc()
	defer sseSubscribers.Dec()

	writeSSE(w, "", "connected", map[string]string{"scan_id": scanID})
	flusher.Flush()

	// 补发历史事件。快照取在补发之后：快照反映的状态不早于
	// 已补发的事件，后续订阅从补发位置继续，因此不会丢事件。
	fromID := r.URL.Query().Get("from_id")
	lastID, err := p.replayEvents(ctx, w, scanID, fromID)
	if err != nil {
		p.log.WithScanID(scanID).WithError(err).Warn("event replay failed")
		return
	}

	scan, err = p.store.GetScan(ctx, scanID)
	if err != nil {
		return
	}
	writeSSE(w, "", "snapshot", scan)
	flusher.Flush()

	if scan.IsTerminal() {
		return
	}

	// lastID 为空表示流里还没有事件；订阅哨兵位置 "0" 以接住
	// 订阅建立之前刚刚写入的事件
	if lastID == "" {
		lastID = "0"
	}
	ch, err := p.bus.SubscribeScanEvents(ctx, scanID, lastID)
	if err != nil {
		p.log.WithScanID(scanID).WithError(err).Warn("event subscribe failed")
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, ev.ID, string(ev.Type), ev)
			flusher.Flush()

			if ev.Type.IsTerminal() {
				if final, err := p.store.GetScan(ctx, scanID); err == nil {
					writeSSE(w, "", "snapshot", final)
					flusher.Flush()
				}
				return
			}
		}
	}
}

// replayEvents 补发 fromID 之后的历史事件，返回最后一条的 ID
func (p *Projector) replayEvents(ctx context.Context, w http.ResponseWriter, scanID, fromID string) (string, error) {
	events, err := p.bus.GetScanEvents(ctx, scanID, fromID, replayBatchSize)
	if err != nil {
		return "", err
	}

	lastID := fromID
	for _, ev := range events {
		writeSSE(w, ev.ID, string(ev.Type), ev)
		lastID = ev.ID
	}
	return lastID, nil
}

// writeSSE 写入一条 SSE 帧
func writeSSE(w http.ResponseWriter, id, event string, data interface{}) {
	blob, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, blob)
}
