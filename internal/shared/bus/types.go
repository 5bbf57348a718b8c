// Package bus 进度总线类型定义
package bus

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// 扫描事件流前缀 - 每个扫描一条独立的 Stream
	KeyScanEvents = "scan_events:"

	// MaxStreamLength 单个扫描事件流的近似最大长度
	MaxStreamLength = 1000
)
