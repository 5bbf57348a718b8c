// WebSocket 事件网关
//
// 与 SSE 投影器共享快照 + 增量协议，额外提供双向心跳：
// 客户端发送 {"type": "ping"}，网关回复 {"type": "pong"}。
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"leadscan/internal/shared/bus"
	"leadscan/internal/shared/storage"
	"leadscan/pkg/logging"
)

// upgrader WebSocket 升级器配置
//
// CheckOrigin 当前允许所有来源，生产环境应限制。
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsMessage WebSocket 推送消息
type wsMessage struct {
	Type string      `json:"type"` // connected, snapshot, event, pong
	Data interface{} `json:"data,omitempty"`
}

// EventGateway WebSocket 事件网关
//
// 网关负责：
//   - 管理按扫描 ID 索引的客户端连接
//   - 推送扫描快照与事件总线上的增量事件
//   - 扫描终止后推送最终快照并关闭连接
type EventGateway struct {
	store   storage.ScanStore
	bus     bus.ScanEventBus
	clients map[string]map[*websocket.Conn]bool
	mu      sync.RWMutex
	log     *logging.Logger
}

// NewEventGateway 创建事件网关
func NewEventGateway(store storage.ScanStore, eventBus bus.ScanEventBus) *EventGateway {
	return &EventGateway{
		store:   store,
		bus:     eventBus,
		clients: make(map[string]map[*websocket.Conn]bool),
		log:     logging.Default("apiserver.ws"),
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (g *EventGateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/scans/{id}/events", g.HandleWebSocket)
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/scans/{id}/events
//
// 查询参数：
//   - from_id: 断线重连时回传最后收到的事件 ID
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	if scanID == "" {
		http.Error(w, "scan_id required", http.StatusBadRequest)
		return
	}

	if _, err := g.store.GetScan(r.Context(), scanID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "scan not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get scan", http.StatusInternalServerError)
		return
	}

	fromID := r.URL.Query().Get("from_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithScanID(scanID).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	g.addClient(scanID, conn)
	defer g.removeClient(scanID, conn)

	wsSubscribers.Inc()
	defer wsSubscribers.Dec()

	g.log.WithScanID(scanID).Debug("websocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, cancel)
	g.writePump(ctx, conn, scanID, fromID)
}

func (g *EventGateway) addClient(scanID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.clients[scanID] == nil {
		g.clients[scanID] = make(map[*websocket.Conn]bool)
	}
	g.clients[scanID][conn] = true
}

func (g *EventGateway) removeClient(scanID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if clients, ok := g.clients[scanID]; ok {
		delete(clients, conn)
		if len(clients) == 0 {
			delete(g.clients, scanID)
		}
	}
}

// readPump 读取客户端消息并响应心跳；连接断开时取消写入端
func (g *EventGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.log.WithError(err).Debug("websocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil && req["type"] == "ping" {
			g.send(conn, wsMessage{Type: "pong"})
		}
	}
}

// writePump 推送快照与增量事件
func (g *EventGateway) writePump(ctx context.Context, conn *websocket.Conn, scanID, fromID string) {
	g.send(conn, wsMessage{Type: "connected", Data: map[string]string{"scan_id": scanID}})

	// 补发历史，再取快照，最后从补发位置订阅增量
	lastID := fromID
	events, err := g.bus.GetScanEvents(ctx, scanID, fromID, replayBatchSize)
	if err == nil {
		for _, ev := range events {
			if !g.send(conn, wsMessage{Type: "event", Data: ev}) {
				return
			}
			lastID = ev.ID
		}
	}

	scan, err := g.store.GetScan(ctx, scanID)
	if err != nil {
		return
	}
	if !g.send(conn, wsMessage{Type: "snapshot", Data: scan}) {
		return
	}
	if scan.IsTerminal() {
		return
	}

	if lastID == "" {
		lastID = "0"
	}
	ch, err := g.bus.SubscribeScanEvents(ctx, scanID, lastID)
	if err != nil {
		g.log.WithScanID(scanID).WithError(err).Warn("event subscribe failed")
		return
	}

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, open := <-ch:
			if !open {
				return
			}
			if !g.send(conn, wsMessage{Type: "event", Data: ev}) {
				return
			}

			if ev.Type.IsTerminal() {
				if final, err := g.store.GetScan(ctx, scanID); err == nil {
					g.send(conn, wsMessage{Type: "snapshot", Data: final})
				}
				return
			}
		}
	}
}

// send 写入一条消息，失败时返回 false
func (g *EventGateway) send(conn *websocket.Conn, msg wsMessage) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		g.log.WithError(err).Debug("websocket write error")
		return false
	}
	return true
}
