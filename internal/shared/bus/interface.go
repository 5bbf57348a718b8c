// Package bus 扫描进度总线抽象接口
//
// 提供扫描事件的发布/订阅能力，当前由 Redis Streams 实现。
// 总线只承担通知职责：事件可能丢失或乱序到达，扫描的真实
// 状态始终以存储层为准。
package bus

import (
	"context"

	"leadscan/internal/shared/model"
)

// ============================================================================
// 进度总线接口定义
// ============================================================================

// ScanEventBus 扫描事件总线接口
type ScanEventBus interface {
	// PublishScanEvent 发布扫描事件（尽力而为，失败不阻断扫描）
	PublishScanEvent(ctx context.Context, scanID string, event *model.ScanEvent) error

	// GetScanEvents 获取扫描事件列表（fromID 为空时从头读取，
	// 否则返回严格晚于 fromID 的事件）
	GetScanEvents(ctx context.Context, scanID string, fromID string, count int64) ([]*model.ScanEvent, error)

	// GetScanEventCount 获取事件数量
	GetScanEventCount(ctx context.Context, scanID string) (int64, error)

	// SubscribeScanEvents 订阅扫描事件。fromID 为空时只接收订阅之后
	// 的新事件；指定 fromID 则从其后续位置开始补发，保证快照与
	// 实时流之间无缝衔接
	SubscribeScanEvents(ctx context.Context, scanID string, fromID string) (<-chan *model.ScanEvent, error)

	// DeleteScanEvents 删除扫描事件流
	DeleteScanEvents(ctx context.Context, scanID string) error

	Close() error
}
