package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================================
// 推送通道指标
// ============================================================================

var (
	// sseSubscribers 当前 SSE 订阅连接数
	sseSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadscan",
		Name:      "sse_subscribers",
		Help:      "Number of active SSE subscriber connections",
	})

	// wsSubscribers 当前 WebSocket 订阅连接数
	wsSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadscan",
		Name:      "ws_subscribers",
		Help:      "Number of active WebSocket subscriber connections",
	})
)
