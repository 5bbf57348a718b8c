// Package queue 队列类型定义
package queue

import (
	"time"
)

// ============================================================================
// 消息类型
// ============================================================================

// ScanJobMessage 扫描任务消息
type ScanJobMessage struct {
	// ID 队列消息 ID（Redis Stream ID）
	ID string

	// ScanID 待执行的扫描
	ScanID string

	// Attempt 第几次尝试（从 1 开始）
	Attempt int

	// Stalls 停滞转移次数（Worker 崩溃后被重新投递的次数）
	Stalls int

	// EnqueuedAt 入队时间
	EnqueuedAt time.Time
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// 主队列 - 存放待执行的扫描任务
	KeyScanJobs = "scan:jobs"

	// 延迟队列 - 退避中的重试任务（ZSET，score 为就绪时间戳）
	KeyScanJobsDelayed = "scan:jobs:delayed"

	// 扫描租约前缀 - Worker 级互斥
	KeyScanLease = "scan:lease:"

	// 消费者组
	WorkerConsumerGroup = "scan_workers"

	// MaxStreamLength 主队列流的近似最大长度
	MaxStreamLength = 10000
)

// DefaultBackoffTiers 缺省阶梯退避延迟（按尝试次数索引，超出取末档）
var DefaultBackoffTiers = []time.Duration{
	10 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
}

// DefaultMaxAttempts 任务的缺省最大尝试次数
const DefaultMaxAttempts = 3

// DefaultMaxStalls 消息被停滞转移的缺省上限（防毒消息无限重投）
const DefaultMaxStalls = 3

// BackoffFor 返回第 attempt 次失败后的退避延迟
func BackoffFor(tiers []time.Duration, attempt int) time.Duration {
	if len(tiers) == 0 {
		tiers = DefaultBackoffTiers
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(tiers) {
		i = len(tiers) - 1
	}
	return tiers[i]
}
