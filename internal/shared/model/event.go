// Package model 定义核心数据模型
//
// event.go 包含扫描进度事件的定义：
//   - ScanEventType：事件类型枚举
//   - ScanEvent：进度事件（经由进度总线分发）
package model

import (
	"time"
)

// ============================================================================
// ScanEventType - 事件类型
// ============================================================================

// ScanEventType 定义扫描进度事件的类型
//
// 事件分类：
//  1. 生命周期事件：phase_start, phase_complete, scan_complete, scan_failed
//  2. Agent 事件：agent_start, agent_progress, agent_complete, agent_failed
//  3. 交互事件：question（流水线暂停等待回答）
//  4. 流控制事件：connected, snapshot, heartbeat（仅推流边界合成，
//     不经过总线，也不落库）
//  5. 错误事件：error
type ScanEventType string

// IsTerminal 判断事件是否宣告扫描进入终止状态
//
// 推流端收到终止事件后发送最终快照并关闭连接。
func (t ScanEventType) IsTerminal() bool {
	return t == EventScanComplete || t == EventScanFailed || t == EventScanCancelled
}

const (
	// === 生命周期事件 ===

	// EventPhaseStart 阶段开始
	// Payload: {"phase": "...", "agents": [...]}
	EventPhaseStart ScanEventType = "phase_start"

	// EventPhaseComplete 阶段结束
	EventPhaseComplete ScanEventType = "phase_complete"

	// EventScanComplete 扫描完成
	EventScanComplete ScanEventType = "scan_complete"

	// EventScanFailed 扫描失败
	// Payload: {"reason": "...", "failed_agents": [...]}
	EventScanFailed ScanEventType = "scan_failed"

	// EventScanCancelled 扫描被外部取消
	// Payload: {"reason": "..."}
	EventScanCancelled ScanEventType = "scan_cancelled"

	// === Agent 事件 ===

	// EventAgentStart Agent 开始执行
	EventAgentStart ScanEventType = "agent_start"

	// EventAgentProgress Agent 进度更新
	// Payload: {"agent": "...", "progress": 42}
	EventAgentProgress ScanEventType = "agent_progress"

	// EventAgentComplete Agent 成功完成
	// Payload: {"agent": "...", "confidence": 85}
	EventAgentComplete ScanEventType = "agent_complete"

	// EventAgentFailed Agent 失败
	// Payload: {"agent": "...", "kind": "timeout"}
	EventAgentFailed ScanEventType = "agent_failed"

	// === 交互事件 ===

	// EventQuestion 流水线暂停，等待外部回答
	// Payload: {"question": {...}}
	EventQuestion ScanEventType = "question"

	// === 流控制事件（推流边界合成） ===

	// EventConnected 连接建立的首个事件
	EventConnected ScanEventType = "connected"

	// EventSnapshot 连接时的存量状态快照
	EventSnapshot ScanEventType = "snapshot"

	// EventHeartbeat 空闲心跳
	EventHeartbeat ScanEventType = "heartbeat"

	// === 错误事件 ===

	// EventError 非致命错误
	EventError ScanEventType = "error"
)

// ============================================================================
// ScanEvent - 进度事件
// ============================================================================

// ScanEvent 表示扫描执行过程中发布到进度总线的一条事件
//
// 进度总线是 fire-and-forget 的：事件用于低延迟实时更新，
// 不保证送达。存储层的 Scan 行才是状态的唯一事实来源，
// 订阅方断线重连时先读快照再续接总线。
//
// 字段说明：
//   - ID：总线分配的事件 ID（Redis Stream ID），订阅方用于续接
//   - ScanID：所属扫描 ID
//   - Type：事件类型
//   - Phase：事件发生时的阶段名（可为空）
//   - Payload：事件数据，不同类型有不同字段
type ScanEvent struct {
	ID        string                 `json:"id,omitempty"`
	ScanID    string                 `json:"scan_id"`
	Type      ScanEventType          `json:"type"`
	Phase     string                 `json:"phase,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}
