// Package queue 扫描任务队列抽象接口
//
// 提供任务分发和消费的队列能力，当前由 Redis Streams 实现。
// Worker 进程从队列领取 "执行扫描" 工作单元；崩溃的 Worker
// 持有的消息经停滞检测后重新投递，失败的任务按阶梯退避重试。
package queue

import (
	"context"
	"time"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// ScanJobQueue 扫描任务队列接口
type ScanJobQueue interface {
	// EnqueueScan 将扫描任务加入队列（attempt 从 1 开始）
	EnqueueScan(ctx context.Context, scanID string) (string, error)

	// CreateConsumerGroup 创建 Worker 消费者组（幂等）
	CreateConsumerGroup(ctx context.Context) error

	// ConsumeScanJobs 以消费者身份领取任务
	ConsumeScanJobs(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*ScanJobMessage, error)

	// AckScanJob 确认任务已处理完毕
	AckScanJob(ctx context.Context, messageID string) error

	// NackScanJob 任务执行失败：确认原消息并按阶梯退避调度重试。
	// 重试次数耗尽时返回 dead=true，调用方负责将扫描标记为失败
	NackScanJob(ctx context.Context, msg *ScanJobMessage, reason string) (dead bool, err error)

	// ClaimStalledJobs 认领停滞任务：持有超过 minIdle 未确认的消息
	// 被转移给当前消费者重新执行。停滞转移次数超过上限的消息被
	// 确认移除并以 dead 形式返回
	ClaimStalledJobs(ctx context.Context, consumerID string, minIdle time.Duration, count int64) (claimed []*ScanJobMessage, dead []*ScanJobMessage, err error)

	// PromoteDelayedJobs 将退避期已到的延迟任务移回主队列
	PromoteDelayedJobs(ctx context.Context) (int, error)

	// AcquireScanLease 获取扫描级互斥租约：同一扫描同一时刻
	// 只允许一个 Worker 持有
	AcquireScanLease(ctx context.Context, scanID, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseScanLease 释放租约（仅限持有者）
	ReleaseScanLease(ctx context.Context, scanID, ownerID string) error

	// GetQueueLength 获取主队列长度
	GetQueueLength(ctx context.Context) (int64, error)

	// GetPendingCount 获取已领取未确认的消息数量
	GetPendingCount(ctx context.Context) (int64, error)

	Close() error
}
