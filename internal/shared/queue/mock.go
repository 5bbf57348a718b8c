// Package queue 扫描任务队列 mock 实现
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// NoOpQueue - 空操作的 Queue 实现（用于测试）
// ============================================================================

// NoOpQueue 是一个不做任何操作的 Queue 实现
type NoOpQueue struct{}

// NewNoOpQueue 创建 NoOpQueue 实例
func NewNoOpQueue() *NoOpQueue {
	return &NoOpQueue{}
}

// Close 关闭队列
func (q *NoOpQueue) Close() error {
	return nil
}

func (q *NoOpQueue) EnqueueScan(ctx context.Context, scanID string) (string, error) {
	return "", nil
}
func (q *NoOpQueue) CreateConsumerGroup(ctx context.Context) error {
	return nil
}
func (q *NoOpQueue) ConsumeScanJobs(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*ScanJobMessage, error) {
	return []*ScanJobMessage{}, nil
}
func (q *NoOpQueue) AckScanJob(ctx context.Context, messageID string) error {
	return nil
}
func (q *NoOpQueue) NackScanJob(ctx context.Context, msg *ScanJobMessage, reason string) (bool, error) {
	return false, nil
}
func (q *NoOpQueue) ClaimStalledJobs(ctx context.Context, consumerID string, minIdle time.Duration, count int64) ([]*ScanJobMessage, []*ScanJobMessage, error) {
	return nil, nil, nil
}
func (q *NoOpQueue) PromoteDelayedJobs(ctx context.Context) (int, error) {
	return 0, nil
}
func (q *NoOpQueue) AcquireScanLease(ctx context.Context, scanID, ownerID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (q *NoOpQueue) ReleaseScanLease(ctx context.Context, scanID, ownerID string) error {
	return nil
}
func (q *NoOpQueue) GetQueueLength(ctx context.Context) (int64, error) {
	return 0, nil
}
func (q *NoOpQueue) GetPendingCount(ctx context.Context) (int64, error) {
	return 0, nil
}

// 确保 NoOpQueue 实现了 ScanJobQueue 接口
var _ ScanJobQueue = (*NoOpQueue)(nil)

// ============================================================================
// MemoryQueue - 功能完整的内存队列（用于测试）
// ============================================================================

// delayedEntry 退避中的重试任务
type delayedEntry struct {
	scanID  string
	attempt int
	readyAt time.Time
}

// MemoryQueue 内存队列实现，保留 Redis 实现的语义：
// 领取后未确认的消息停留在 pending，Nack 按退避调度重试
type MemoryQueue struct {
	mu          sync.Mutex
	seq         int
	ready       []*ScanJobMessage
	pending     map[string]*ScanJobMessage
	delayed     []delayedEntry
	leases      map[string]string
	maxAttempts int
	tiers       []time.Duration
}

// NewMemoryQueue 创建内存队列实例
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:     make(map[string]*ScanJobMessage),
		leases:      make(map[string]string),
		maxAttempts: DefaultMaxAttempts,
		tiers:       DefaultBackoffTiers,
	}
}

// Close 关闭队列
func (q *MemoryQueue) Close() error {
	return nil
}

// EnqueueScan 将扫描任务加入队列
func (q *MemoryQueue) EnqueueScan(ctx context.Context, scanID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.add(scanID, 1, 0), nil
}

func (q *MemoryQueue) add(scanID string, attempt, stalls int) string {
	q.seq++
	msg := &ScanJobMessage{
		ID:         fmt.Sprintf("mem-%d", q.seq),
		ScanID:     scanID,
		Attempt:    attempt,
		Stalls:     stalls,
		EnqueuedAt: time.Now(),
	}
	q.ready = append(q.ready, msg)
	return msg.ID
}

// CreateConsumerGroup 创建消费者组（内存队列为空操作）
func (q *MemoryQueue) CreateConsumerGroup(ctx context.Context) error {
	return nil
}

// ConsumeScanJobs 领取任务（不阻塞等待）
func (q *MemoryQueue) ConsumeScanJobs(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*ScanJobMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var messages []*ScanJobMessage
	for len(q.ready) > 0 && int64(len(messages)) < count {
		msg := q.ready[0]
		q.ready = q.ready[1:]
		q.pending[msg.ID] = msg
		messages = append(messages, msg)
	}
	return messages, nil
}

// AckScanJob 确认任务已处理完毕
func (q *MemoryQueue) AckScanJob(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, messageID)
	return nil
}

// NackScanJob 任务执行失败：按退避调度重试或宣告死亡
func (q *MemoryQueue) NackScanJob(ctx context.Context, msg *ScanJobMessage, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.pending, msg.ID)
	if msg.Attempt >= q.maxAttempts {
		return true, nil
	}

	q.delayed = append(q.delayed, delayedEntry{
		scanID:  msg.ScanID,
		attempt: msg.Attempt + 1,
		readyAt: time.Now().Add(BackoffFor(q.tiers, msg.Attempt)),
	})
	return false, nil
}

// ClaimStalledJobs 内存队列没有跨进程崩溃场景，恒返回空
func (q *MemoryQueue) ClaimStalledJobs(ctx context.Context, consumerID string, minIdle time.Duration, count int64) ([]*ScanJobMessage, []*ScanJobMessage, error) {
	return nil, nil, nil
}

// PromoteDelayedJobs 将退避期已到的延迟任务移回主队列
func (q *MemoryQueue) PromoteDelayedJobs(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	promoted := 0
	var remaining []delayedEntry
	for _, entry := range q.delayed {
		if entry.readyAt.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		q.add(entry.scanID, entry.attempt, 0)
		promoted++
	}
	q.delayed = remaining
	return promoted, nil
}

// PromoteAllDelayed 立即搬运全部延迟任务，测试中用来跳过退避等待
func (q *MemoryQueue) PromoteAllDelayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	promoted := 0
	for _, entry := range q.delayed {
		q.add(entry.scanID, entry.attempt, 0)
		promoted++
	}
	q.delayed = nil
	return promoted
}

// AcquireScanLease 获取扫描级互斥租约
func (q *MemoryQueue) AcquireScanLease(ctx context.Context, scanID, ownerID string, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if holder, ok := q.leases[scanID]; ok && holder != ownerID {
		return false, nil
	}
	q.leases[scanID] = ownerID
	return true, nil
}

// ReleaseScanLease 释放租约（仅限持有者）
func (q *MemoryQueue) ReleaseScanLease(ctx context.Context, scanID, ownerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.leases[scanID] == ownerID {
		delete(q.leases, scanID)
	}
	return nil
}

// GetQueueLength 获取主队列长度
func (q *MemoryQueue) GetQueueLength(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

// GetPendingCount 获取已领取未确认的消息数量
func (q *MemoryQueue) GetPendingCount(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

// DelayedCount 获取退避中的任务数量（测试辅助）
func (q *MemoryQueue) DelayedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

// 确保 MemoryQueue 实现了 ScanJobQueue 接口
var _ ScanJobQueue = (*MemoryQueue)(nil)
