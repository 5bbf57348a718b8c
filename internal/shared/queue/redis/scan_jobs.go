// Package redis ScanJobQueue 操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"leadscan/internal/shared/queue"
)

// ============================================================================
// 入队 / 消费 / 确认
// ============================================================================

// EnqueueScan 将扫描任务加入主队列（首次尝试）
func (s *Store) EnqueueScan(ctx context.Context, scanID string) (string, error) {
	msgID, err := s.addJob(ctx, scanID, 1, 0)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue scan %s: %w", scanID, err)
	}

	log.Printf("[Redis/Queue] Enqueued scan: scan=%s msg_id=%s", scanID, msgID)
	return msgID, nil
}

func (s *Store) addJob(ctx context.Context, scanID string, attempt, stalls int) (string, error) {
	args := &goredis.XAddArgs{
		Stream: queue.KeyScanJobs,
		MaxLen: queue.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"scan_id":     scanID,
			"attempt":     strconv.Itoa(attempt),
			"stalls":      strconv.Itoa(stalls),
			"enqueued_at": time.Now().Format(time.RFC3339Nano),
		},
	}

	return s.client.XAdd(ctx, args).Result()
}

// CreateConsumerGroup 创建 Worker 消费者组（幂等）
func (s *Store) CreateConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, queue.KeyScanJobs, queue.WorkerConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// ConsumeScanJobs 以消费者身份领取扫描任务
func (s *Store) ConsumeScanJobs(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.ScanJobMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    queue.WorkerConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.KeyScanJobs, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()

	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume scan jobs: %w", err)
	}

	var messages []*queue.ScanJobMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, parseJobMessage(msg))
		}
	}

	if len(messages) > 0 {
		log.Printf("[Redis/Queue] Consumed %d scan jobs: consumer=%s", len(messages), consumerID)
	}

	return messages, nil
}

// AckScanJob 确认任务已处理完毕
func (s *Store) AckScanJob(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, queue.KeyScanJobs, queue.WorkerConsumerGroup, messageID).Err()
}

func parseJobMessage(msg goredis.XMessage) *queue.ScanJobMessage {
	m := &queue.ScanJobMessage{
		ID:      msg.ID,
		Attempt: 1,
	}
	if scanID, ok := msg.Values["scan_id"].(string); ok {
		m.ScanID = scanID
	}
	if attempt, ok := msg.Values["attempt"].(string); ok {
		if n, err := strconv.Atoi(attempt); err == nil && n > 0 {
			m.Attempt = n
		}
	}
	if stalls, ok := msg.Values["stalls"].(string); ok {
		if n, err := strconv.Atoi(stalls); err == nil && n >= 0 {
			m.Stalls = n
		}
	}
	if enqueuedAt, ok := msg.Values["enqueued_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			m.EnqueuedAt = t
		}
	}
	return m
}

// ============================================================================
// 失败重试：阶梯退避 + 延迟队列
// ============================================================================

// delayedJob 延迟队列中的任务载荷（ZSET member，score 为就绪时间戳）
type delayedJob struct {
	ScanID      string `json:"scan_id"`
	Attempt     int    `json:"attempt"`
	ScheduledAt int64  `json:"scheduled_at"`
}

// NackScanJob 任务执行失败：确认原消息并调度退避重试。
// 尝试次数耗尽时返回 dead=true，不再调度
func (s *Store) NackScanJob(ctx context.Context, msg *queue.ScanJobMessage, reason string) (bool, error) {
	if err := s.AckScanJob(ctx, msg.ID); err != nil {
		return false, fmt.Errorf("failed to ack nacked job %s: %w", msg.ID, err)
	}

	if msg.Attempt >= s.opts.MaxAttempts {
		log.Printf("[Redis/Queue] Job dead after max attempts: scan=%s attempt=%d reason=%s", msg.ScanID, msg.Attempt, reason)
		return true, nil
	}

	delay := queue.BackoffFor(s.opts.BackoffTiers, msg.Attempt)
	readyAt := time.Now().Add(delay)

	payload, err := json.Marshal(delayedJob{
		ScanID:      msg.ScanID,
		Attempt:     msg.Attempt + 1,
		ScheduledAt: time.Now().UnixNano(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal delayed job: %w", err)
	}

	err = s.client.ZAdd(ctx, queue.KeyScanJobsDelayed, goredis.Z{
		Score:  float64(readyAt.Unix()),
		Member: string(payload),
	}).Err()
	if err != nil {
		return false, fmt.Errorf("failed to schedule retry for scan %s: %w", msg.ScanID, err)
	}

	log.Printf("[Redis/Queue] Scheduled retry: scan=%s attempt=%d delay=%s reason=%s", msg.ScanID, msg.Attempt+1, delay, reason)
	return false, nil
}

// PromoteDelayedJobs 将退避期已到的延迟任务移回主队列
func (s *Store) PromoteDelayedJobs(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)

	members, err := s.client.ZRangeByScore(ctx, queue.KeyScanJobsDelayed, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	promoted := 0
	for _, member := range members {
		// 先移除再入队，ZRem 返回 0 说明别的进程已搬运
		removed, err := s.client.ZRem(ctx, queue.KeyScanJobsDelayed, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to remove delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}

		var job delayedJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			log.Printf("[Redis/Queue] Dropping malformed delayed job: %v", err)
			continue
		}

		if _, err := s.addJob(ctx, job.ScanID, job.Attempt, 0); err != nil {
			return promoted, fmt.Errorf("failed to promote delayed job for scan %s: %w", job.ScanID, err)
		}

		log.Printf("[Redis/Queue] Promoted delayed job: scan=%s attempt=%d", job.ScanID, job.Attempt)
		promoted++
	}

	return promoted, nil
}

// ============================================================================
// 停滞检测
// ============================================================================

// ClaimStalledJobs 认领超过 minIdle 未确认的消息。转移次数超限的
// 消息被确认移除并以 dead 形式返回
func (s *Store) ClaimStalledJobs(ctx context.Context, consumerID string, minIdle time.Duration, count int64) ([]*queue.ScanJobMessage, []*queue.ScanJobMessage, error) {
	pending, err := s.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: queue.KeyScanJobs,
		Group:  queue.WorkerConsumerGroup,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	var claimed, dead []*queue.ScanJobMessage
	for _, entry := range pending {
		// RetryCount 含首次投递，停滞转移次数为 RetryCount-1
		stalls := int(entry.RetryCount) - 1
		if stalls < 0 {
			stalls = 0
		}

		if stalls > s.opts.MaxStalls {
			msg, err := s.removePoisonedJob(ctx, entry.ID)
			if err != nil {
				return claimed, dead, err
			}
			if msg != nil {
				msg.Stalls = stalls
				dead = append(dead, msg)
			}
			continue
		}

		msgs, err := s.client.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   queue.KeyScanJobs,
			Group:    queue.WorkerConsumerGroup,
			Consumer: consumerID,
			MinIdle:  minIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			if err == goredis.Nil {
				continue
			}
			return claimed, dead, fmt.Errorf("failed to claim stalled job %s: %w", entry.ID, err)
		}

		for _, raw := range msgs {
			m := parseJobMessage(raw)
			m.Stalls = stalls
			claimed = append(claimed, m)
			log.Printf("[Redis/Queue] Claimed stalled job: scan=%s msg_id=%s stalls=%d consumer=%s", m.ScanID, m.ID, m.Stalls, consumerID)
		}
	}

	return claimed, dead, nil
}

// removePoisonedJob 确认并取回停滞超限的消息内容
func (s *Store) removePoisonedJob(ctx context.Context, messageID string) (*queue.ScanJobMessage, error) {
	msgs, err := s.client.XRange(ctx, queue.KeyScanJobs, messageID, messageID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read poisoned job %s: %w", messageID, err)
	}

	if err := s.AckScanJob(ctx, messageID); err != nil {
		return nil, fmt.Errorf("failed to ack poisoned job %s: %w", messageID, err)
	}

	if len(msgs) == 0 {
		// 消息已被流裁剪，仅能确认移除
		log.Printf("[Redis/Queue] Poisoned job trimmed from stream: msg_id=%s", messageID)
		return nil, nil
	}

	m := parseJobMessage(msgs[0])
	log.Printf("[Redis/Queue] Removed poisoned job: scan=%s msg_id=%s", m.ScanID, m.ID)
	return m, nil
}

// ============================================================================
// 扫描级互斥租约
// ============================================================================

// releaseLeaseScript 仅当持有者匹配时删除租约
var releaseLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireScanLease 获取扫描级互斥租约
func (s *Store) AcquireScanLease(ctx context.Context, scanID, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, queue.KeyScanLease+scanID, ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for scan %s: %w", scanID, err)
	}
	return ok, nil
}

// ReleaseScanLease 释放租约（仅限持有者）
func (s *Store) ReleaseScanLease(ctx context.Context, scanID, ownerID string) error {
	err := releaseLeaseScript.Run(ctx, s.client, []string{queue.KeyScanLease + scanID}, ownerID).Err()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("failed to release lease for scan %s: %w", scanID, err)
	}
	return nil
}

// ============================================================================
// 队列统计
// ============================================================================

// GetQueueLength 获取主队列长度
func (s *Store) GetQueueLength(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, queue.KeyScanJobs).Result()
}

// GetPendingCount 获取已领取未确认的消息数量
func (s *Store) GetPendingCount(ctx context.Context) (int64, error) {
	pending, err := s.client.XPending(ctx, queue.KeyScanJobs, queue.WorkerConsumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}
