// Package worker Worker 进程：消费扫描任务并驱动编排器
//
// 每个 Worker 进程持有一个消费者身份，从 Redis Stream 领取任务。
// 同一扫描靠租约互斥：两个 Worker 不可能同时执行同一个扫描。
// 除主消费循环外还有三个维护循环：
//   - 停滞认领：回收崩溃 Worker 持有的未确认消息
//   - 延迟搬运：把退避期已到的重试任务移回主队列
//   - 兜底轮询：捕捞入队丢失的 pending 扫描（队列是主路径，
//     存储轮询是保底路径）
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"leadscan/internal/config"
	"leadscan/internal/shared/bus"
	"leadscan/internal/shared/model"
	"leadscan/internal/shared/queue"
	"leadscan/internal/shared/storage"
	"leadscan/pkg/logging"
)

// Worker 扫描任务消费者
type Worker struct {
	id    string
	store storage.ScanStore
	queue queue.ScanJobQueue
	bus   bus.ScanEventBus
	orch  *Orchestrator
	cfg   config.WorkerConfig
	log   *logging.Logger
}

// NewWorker 创建 Worker
func NewWorker(store storage.ScanStore, jobQueue queue.ScanJobQueue, eventBus bus.ScanEventBus,
	orch *Orchestrator, cfg config.WorkerConfig) *Worker {
	id := cfg.ID
	if id == "" {
		b := make([]byte, 4)
		rand.Read(b)
		id = "worker-" + hex.EncodeToString(b)
	}
	return &Worker{
		id:    id,
		store: store,
		queue: jobQueue,
		bus:   eventBus,
		orch:  orch,
		cfg:   cfg,
		log:   logging.Default("worker").With("worker_id", id),
	}
}

// ID 返回 Worker 标识
func (w *Worker) ID() string {
	return w.id
}

// Run 启动全部循环，阻塞到 ctx 取消
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.CreateConsumerGroup(ctx); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	w.log.Info("worker started",
		"max_concurrency", w.cfg.MaxConcurrency,
		"agent_timeout", w.cfg.AgentTimeout.String())

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); w.consumeLoop(ctx) }()
	go func() { defer wg.Done(); w.stallLoop(ctx) }()
	go func() { defer wg.Done(); w.promoteLoop(ctx) }()
	go func() { defer wg.Done(); w.fallbackLoop(ctx) }()
	wg.Wait()

	w.log.Info("worker stopped")
	return nil
}

// consumeLoop 主消费循环
func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := w.queue.ConsumeScanJobs(ctx, w.id, int64(w.cfg.Consume.Count), w.cfg.Consume.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Warn("consume failed, backing off")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			w.handleJob(ctx, msg)
		}
		w.observeQueueDepth(ctx)
	}
}

// handleJob 处理一条扫描任务
func (w *Worker) handleJob(ctx context.Context, msg *queue.ScanJobMessage) {
	log := w.log.WithScanID(msg.ScanID)

	acquired, err := w.queue.AcquireScanLease(ctx, msg.ScanID, w.id, w.cfg.LeaseTTL)
	if err != nil {
		log.WithError(err).Warn("lease acquire failed")
		if _, nerr := w.queue.NackScanJob(ctx, msg, "lease acquire failed"); nerr != nil {
			log.WithError(nerr).Warn("nack failed")
		}
		return
	}
	if !acquired {
		// 另一个 Worker 正在执行这个扫描，本任务冗余；
		// 万一对方中途崩溃，兜底轮询会把扫描捞回来
		log.Info("scan leased elsewhere, dropping job")
		if aerr := w.queue.AckScanJob(ctx, msg.ID); aerr != nil {
			log.WithError(aerr).Warn("ack failed")
		}
		return
	}
	defer func() {
		if rerr := w.queue.ReleaseScanLease(ctx, msg.ScanID, w.id); rerr != nil {
			log.WithError(rerr).Warn("lease release failed")
		}
	}()

	scansStarted.Inc()
	log.Info("executing scan job", "attempt", msg.Attempt, "stalls", msg.Stalls)

	started := time.Now()
	err = w.orch.ExecuteScan(ctx, msg.ScanID)
	if err != nil {
		// 基础设施故障：退避重试，耗尽后扫描判死
		log.WithError(err).WithDuration(time.Since(started)).Warn("scan execution failed")
		dead, nerr := w.queue.NackScanJob(ctx, msg, err.Error())
		if nerr != nil {
			log.WithError(nerr).Warn("nack failed")
			return
		}
		if dead {
			w.markScanDead(ctx, msg.ScanID, fmt.Sprintf("job failed after %d attempts: %v", msg.Attempt, err))
		}
		return
	}

	if aerr := w.queue.AckScanJob(ctx, msg.ID); aerr != nil {
		log.WithError(aerr).Warn("ack failed")
		return
	}
	log.WithDuration(time.Since(started)).Info("scan job done")
}

// stallLoop 周期回收崩溃 Worker 持有的停滞消息
func (w *Worker) stallLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Stall.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		claimed, dead, err := w.queue.ClaimStalledJobs(ctx, w.id, w.cfg.Stall.MinIdle, 10)
		if err != nil {
			w.log.WithError(err).Warn("stall claim failed")
			continue
		}

		for _, msg := range dead {
			jobsDead.Inc()
			w.markScanDead(ctx, msg.ScanID, fmt.Sprintf("job stalled %d times, giving up", msg.Stalls))
		}
		for _, msg := range claimed {
			jobsStalled.Inc()
			w.handleJob(ctx, msg)
		}
	}
}

// promoteLoop 周期把退避期已到的延迟任务搬回主队列
func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := w.queue.PromoteDelayedJobs(ctx); err != nil {
			w.log.WithError(err).Warn("delayed promotion failed")
		}
	}
}

// fallbackLoop 兜底轮询：pending 超过阈值仍未被领取的扫描重新入队
//
// 入队（Redis）与建行（存储）不是一个事务，入队可能丢失。
// 队列是主路径，这里是保底路径。
func (w *Worker) fallbackLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Fallback.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		scans, err := w.store.ListStalePendingScans(ctx, w.cfg.Fallback.StaleThreshold)
		if err != nil {
			w.log.WithError(err).Warn("stale scan poll failed")
			continue
		}

		for _, scan := range scans {
			if _, err := w.queue.EnqueueScan(ctx, scan.ID); err != nil {
				w.log.WithScanID(scan.ID).WithError(err).Warn("fallback enqueue failed")
				continue
			}
			w.log.WithScanID(scan.ID).Info("fallback enqueue for stale pending scan")
		}
	}
}

// markScanDead 重试预算耗尽：扫描终结为 failed 并携带持久化原因
func (w *Worker) markScanDead(ctx context.Context, scanID, reason string) {
	now := time.Now().UTC()
	err := w.store.SetStatus(ctx, scanID, model.ScanStatusFailed, &storage.StatusExtra{
		Progress:    -1,
		Error:       &reason,
		CompletedAt: &now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			return
		}
		w.log.WithScanID(scanID).WithError(err).Warn("failed to mark scan dead")
		return
	}
	scansFailed.Inc()

	event := &model.ScanEvent{
		ScanID:    scanID,
		Type:      model.EventScanFailed,
		Timestamp: now,
		Payload:   map[string]interface{}{"reason": reason},
	}
	if perr := w.bus.PublishScanEvent(ctx, scanID, event); perr != nil {
		w.log.WithScanID(scanID).WithError(perr).Warn("event publish failed")
	}
	w.log.WithScanID(scanID).Warn("scan dead-lettered", "reason", reason)
}

// observeQueueDepth 刷新队列深度指标
func (w *Worker) observeQueueDepth(ctx context.Context) {
	if n, err := w.queue.GetQueueLength(ctx); err == nil {
		queueLength.Set(float64(n))
	}
	if n, err := w.queue.GetPendingCount(ctx); err == nil {
		queuePending.Set(float64(n))
	}
}
