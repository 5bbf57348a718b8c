// Package worker 编排器：扫描阶段状态机
//
// 编排器在两次调用之间完全无状态，所有跨阶段状态都在
// Scan 行与 Checkpoint 快照里。一次调用可以连续执行多个阶段
// （正确性与"每阶段一个任务"等价，因为每次推进都落快照）。
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"leadscan/internal/shared/bus"
	"leadscan/internal/shared/checkpoint"
	"leadscan/internal/shared/model"
	"leadscan/internal/shared/storage"
	"leadscan/pkg/logging"
)

// ReportUploader 扫描完成后上传最终报告（可选依赖）
type ReportUploader interface {
	PutReport(ctx context.Context, scanID string, report []byte) (string, error)
}

// PhaseFailure 阶段的必需 Agent 全部失败
//
// 作为可重试错误抛给队列层：退避重试时必需 Agent 会被重跑，
// 重试额度耗尽后由死信路径把扫描终止为 failed，原因里带上
// 本错误的文本。
type PhaseFailure struct {
	Phase    string
	Required []string
}

func (e *PhaseFailure) Error() string {
	return fmt.Sprintf("all required agents failed in phase %s: %v", e.Phase, e.Required)
}

// Orchestrator 扫描阶段状态机
//
// 状态流转：Planning → RunningPhase(i) → {RunningPhase(i+1) |
// WaitingForUser/Review | Completed | Failed}；Cancelled 可从任意
// 非终止状态经外部信号进入。
type Orchestrator struct {
	store          storage.ScanStore
	bus            bus.ScanEventBus
	runner         AgentRunner
	reports        ReportUploader // 可为 nil
	maxConcurrency int
	agentTimeout   time.Duration
	log            *logging.Logger
}

// NewOrchestrator 创建编排器
func NewOrchestrator(store storage.ScanStore, eventBus bus.ScanEventBus, runner AgentRunner,
	reports ReportUploader, maxConcurrency int, agentTimeout time.Duration) *Orchestrator {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if agentTimeout <= 0 {
		agentTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		store:          store,
		bus:            eventBus,
		runner:         runner,
		reports:        reports,
		maxConcurrency: maxConcurrency,
		agentTimeout:   agentTimeout,
		log:            logging.Default("orchestrator"),
	}
}

// ExecuteScan 执行一次扫描任务
//
// 返回 error 表示本次执行需要队列层退避重试：基础设施故障
// （存储不可达等）或必需 Agent 全部失败（PhaseFailure）。
// 非必需 Agent 的失败在这里吸收并落库，不向队列抛出。
func (o *Orchestrator) ExecuteScan(ctx context.Context, scanID string) error {
	log := o.log.WithScanID(scanID)

	scan, err := o.store.GetScan(ctx, scanID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// 扫描已被管理删除，任务作废
			log.Warn("scan gone, dropping job")
			return nil
		}
		return err
	}
	if scan.IsTerminal() {
		log.Info("scan already terminal, dropping job", "status", string(scan.Status))
		return nil
	}

	cp, err := o.loadOrPlan(ctx, scan)
	if err != nil {
		return err
	}
	if cp == nil {
		// 暂停中（待回答问题未清除），等待外部回答重新入队
		return nil
	}

	for {
		// 每轮用存储里的最新状态作决策依据
		scan, err = o.store.GetScan(ctx, scanID)
		if err != nil {
			return err
		}
		if scan.IsTerminal() {
			log.Info("scan turned terminal mid-execution, stopping", "status", string(scan.Status))
			return nil
		}

		phase := cp.CurrentPhase()
		if phase == nil {
			// 快照校验保证 Phase ∈ Plan，走到这里只能是计划被外部破坏
			reason := fmt.Sprintf("phase %q not in plan", cp.Phase)
			return o.failScan(ctx, scanID, cp.Phase, reason, scan.FailedAgents)
		}

		ran, err := o.runPhase(ctx, scan, cp, phase)
		if err != nil {
			return err
		}

		// 阶段结算
		scan, err = o.store.GetScan(ctx, scanID)
		if err != nil {
			return err
		}
		if scan.IsTerminal() {
			return nil
		}

		if requiredAllFailed(scan, phase) {
			// 不立即终止：把决定权交给队列的重试额度，
			// 重投递时 runPhase 会重跑这些必需 Agent
			log.Warn("all required agents failed, requeueing for retry",
				"phase", phase.Name, "required", phase.Required)
			return &PhaseFailure{Phase: phase.Name, Required: phase.Required}
		}

		// 只在本次真正结算过 Agent 时发布：暂停后恢复会重入已
		// 结算的阶段，不能重复宣告阶段结束
		if ran > 0 {
			o.publish(ctx, scanID, model.EventPhaseComplete, phase.Name, map[string]interface{}{
				"phase": phase.Name,
			})
		}

		// 暂停点：阶段声明了人工介入且尚未被回答
		if q := PendingQuestionFor(phase); q != nil && !cp.Answered(phase.Name) {
			q.ID = newQuestionID()
			q.AskedAt = time.Now().UTC()
			cp.PendingQuestion = q
			if err := o.store.SaveCheckpoint(ctx, scanID, cp); err != nil {
				return err
			}
			o.publish(ctx, scanID, model.EventQuestion, phase.Name, map[string]interface{}{
				"question": q,
			})
			log.Info("scan paused for user input", "phase", phase.Name, "kind", q.Kind)
			// 任务不重新入队，回答接口负责再次入队
			return nil
		}

		next := cp.NextPhase()
		if next == nil {
			return o.completeScan(ctx, scanID, cp)
		}

		cp.Phase = next.Name
		cp.PendingQuestion = nil
		if err := o.store.SaveCheckpoint(ctx, scanID, cp); err != nil {
			return err
		}
		log.Info("advancing to next phase", "phase", next.Name)
	}
}

// loadOrPlan 加载快照；缺失或损坏时重新规划
//
// 快照损坏按"没有快照"处理：计划重建，但 Scan 行的 Agent 集合
// 仍是事实来源，已结算的 Agent 不会被重跑。
// 返回 (nil, nil) 表示扫描正暂停等待回答，不应继续执行。
func (o *Orchestrator) loadOrPlan(ctx context.Context, scan *model.Scan) (*checkpoint.Checkpoint, error) {
	cp, err := o.store.LoadCheckpoint(ctx, scan.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrCheckpointCorrupt) {
			return nil, err
		}
		o.log.WithScanID(scan.ID).Warn("checkpoint corrupt, replanning from profile")
		cp = nil
	}

	if cp != nil {
		if cp.PendingQuestion != nil {
			return nil, nil
		}
		return cp, nil
	}

	if scan.Profile == nil {
		reason := "cannot plan: subject profile missing"
		return nil, o.failScan(ctx, scan.ID, "", reason, scan.FailedAgents)
	}

	plan := BuildPlan(scan.Profile)
	cp = &checkpoint.Checkpoint{
		Phase: plan[0].Name,
		Plan:  plan,
	}
	if err := o.store.SaveCheckpoint(ctx, scan.ID, cp); err != nil {
		return nil, err
	}
	o.log.WithScanID(scan.ID).Info("plan created",
		"phases", len(plan), "agents", cp.TotalAgents())
	return cp, nil
}

// runPhase 并发执行阶段内尚未结算的 Agent
//
// 已完成的 Agent 永不重跑；已失败的 Agent 仅在它是本阶段必需
// Agent 时重跑（队列重投递给了它第二次机会，成功后会从失败
// 集合迁回完成集合）。所有 Agent 先全部启动再各自等待（有界
// 并发），任何一个结算立即合并落库并发布事件，不等整个批次：
// 崩溃时的数据丢失上界是"尚未结算的 Agent"，已结算的永不丢失。
// 返回本次实际执行的 Agent 数。
func (o *Orchestrator) runPhase(ctx context.Context, scan *model.Scan, cp *checkpoint.Checkpoint, phase *checkpoint.PhasePlan) (int, error) {
	required := make(map[string]bool, len(phase.Required))
	for _, agent := range phase.Required {
		required[agent] = true
	}

	var pending []string
	reruns := 0
	for _, agent := range phase.Agents {
		if scan.HasCompletedAgent(agent) {
			continue
		}
		if scan.HasFailedAgent(agent) {
			if !required[agent] {
				continue
			}
			reruns++
		}
		pending = append(pending, agent)
	}

	log := o.log.WithScanID(scan.ID).WithPhase(phase.Name)
	if len(pending) == 0 {
		log.Info("phase cohort already resolved, skipping execution")
		return 0, nil
	}

	o.publish(ctx, scan.ID, model.EventPhaseStart, phase.Name, map[string]interface{}{
		"phase":  phase.Name,
		"agents": pending,
	})
	log.Info("phase started", "pending", len(pending))

	inputs := &AgentInputs{
		Profile:      scan.Profile,
		Answers:      cp.Answers,
		PriorResults: cp.PhaseResults,
	}

	// 重跑的 Agent 已经计入失败集合，扣掉避免进度重复计数
	total := cp.TotalAgents()
	resolvedBase := len(scan.CompletedAgents) + len(scan.FailedAgents) - reruns

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex // 保护 cp 与 resolved 计数
		resolved int
		infraErr error
		sem      = make(chan struct{}, o.maxConcurrency)
	)

	for _, agent := range pending {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			o.publish(ctx, scan.ID, model.EventAgentStart, phase.Name, map[string]interface{}{
				"agent": agent,
			})

			started := time.Now()
			outcome, runErr := o.runner.Run(ctx, agent, inputs, o.agentTimeout)
			agentRunDuration.WithLabelValues(agent).Observe(time.Since(started).Seconds())

			// 结算前校验当前状态：终止后到达的结果一律丢弃
			current, err := o.store.GetScan(ctx, scan.ID)
			if err != nil {
				mu.Lock()
				if infraErr == nil {
					infraErr = err
				}
				mu.Unlock()
				return
			}
			if current.IsTerminal() {
				log.WithAgent(agent).Warn("discarding straggler result, scan terminal",
					"status", string(current.Status))
				return
			}

			mu.Lock()
			defer mu.Unlock()

			if runErr != nil {
				failure := AsAgentFailure(runErr)
				if failure == nil {
					// 非 Agent 级错误（上游取消等）不记失败
					if infraErr == nil && !errors.Is(runErr, context.Canceled) {
						infraErr = runErr
					}
					return
				}
				if err := o.store.MergeAgentFailed(ctx, scan.ID, agent); err != nil {
					if infraErr == nil {
						infraErr = err
					}
					return
				}
				cp.RecordResult(phase.Name, agent, checkpoint.AgentResult{
					Failed:      true,
					FailureKind: string(failure.Kind),
				})
				o.persistResults(ctx, scan.ID, cp)
				agentsFailed.WithLabelValues(agent, string(failure.Kind)).Inc()
				resolved++
				o.advanceProgress(ctx, scan.ID, resolvedBase+resolved, total)
				o.publish(ctx, scan.ID, model.EventAgentFailed, phase.Name, map[string]interface{}{
					"agent": agent,
					"kind":  string(failure.Kind),
				})
				log.WithAgent(agent).Warn("agent failed", "kind", string(failure.Kind))
				return
			}

			if err := o.store.MergeAgentComplete(ctx, scan.ID, agent, outcome.Confidence); err != nil {
				if infraErr == nil {
					infraErr = err
				}
				return
			}
			cp.RecordResult(phase.Name, agent, checkpoint.AgentResult{
				Output:     outcome.Output,
				Confidence: outcome.Confidence,
			})
			o.persistResults(ctx, scan.ID, cp)
			agentsCompleted.WithLabelValues(agent).Inc()
			resolved++
			o.advanceProgress(ctx, scan.ID, resolvedBase+resolved, total)
			o.publish(ctx, scan.ID, model.EventAgentComplete, phase.Name, map[string]interface{}{
				"agent":      agent,
				"confidence": outcome.Confidence,
			})
			log.WithAgent(agent).Info("agent completed", "confidence", outcome.Confidence)
		}(agent)
	}

	wg.Wait()

	if infraErr != nil {
		return len(pending), infraErr
	}
	return len(pending), nil
}

// persistResults 结算后立即落快照，崩溃不丢已结算 Agent 的结果
//
// 失败只记日志：Agent 集合已经合并进 Scan 行，恢复时不会重跑；
// 阶段推进前还有一次带错误传播的落库兜底。
func (o *Orchestrator) persistResults(ctx context.Context, scanID string, cp *checkpoint.Checkpoint) {
	if err := o.store.SaveCheckpoint(ctx, scanID, cp); err != nil {
		o.log.WithScanID(scanID).WithError(err).Warn("checkpoint save failed")
	}
}

// advanceProgress 按已结算数推进进度，收尾前封顶在 99
func (o *Orchestrator) advanceProgress(ctx context.Context, scanID string, resolved, total int) {
	if total <= 0 {
		return
	}
	progress := resolved * 100 / total
	if progress > 99 {
		progress = 99
	}
	if err := o.store.UpdateProgress(ctx, scanID, progress); err != nil {
		o.log.WithScanID(scanID).WithError(err).Warn("progress update failed")
	}
}

// failScan 必需 Agent 全军覆没或计划不可用：终止为 failed
func (o *Orchestrator) failScan(ctx context.Context, scanID, phase, reason string, failedAgents []string) error {
	now := time.Now().UTC()
	err := o.store.SetStatus(ctx, scanID, model.ScanStatusFailed, &storage.StatusExtra{
		Progress:    -1,
		Error:       &reason,
		CompletedAt: &now,
	})
	if err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		return err
	}
	scansFailed.Inc()
	o.publish(ctx, scanID, model.EventScanFailed, phase, map[string]interface{}{
		"reason":        reason,
		"failed_agents": failedAgents,
	})
	o.log.WithScanID(scanID).Warn("scan failed", "reason", reason)
	return nil
}

// completeScan 计划执行完毕：上传报告并终止为 completed
func (o *Orchestrator) completeScan(ctx context.Context, scanID string, cp *checkpoint.Checkpoint) error {
	scan, err := o.store.GetScan(ctx, scanID)
	if err != nil {
		return err
	}

	if o.reports != nil {
		report, rerr := buildReport(scan, cp)
		if rerr == nil {
			if _, rerr = o.reports.PutReport(ctx, scanID, report); rerr != nil {
				// 报告是衍生物，上传失败不阻断完成
				o.log.WithScanID(scanID).WithError(rerr).Warn("report upload failed")
			}
		}
	}

	now := time.Now().UTC()
	err = o.store.SetStatus(ctx, scanID, model.ScanStatusCompleted, &storage.StatusExtra{
		Progress:    100,
		CompletedAt: &now,
	})
	if err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		return err
	}
	scansCompleted.Inc()
	o.publish(ctx, scanID, model.EventScanComplete, cp.Phase, map[string]interface{}{
		"completed_agents":   scan.CompletedAgents,
		"failed_agents":      scan.FailedAgents,
		"average_confidence": scan.AverageConfidence(),
	})
	o.log.WithScanID(scanID).Info("scan completed",
		"agents", len(scan.CompletedAgents), "avg_confidence", scan.AverageConfidence())
	return nil
}

// buildReport 汇总最终报告
func buildReport(scan *model.Scan, cp *checkpoint.Checkpoint) ([]byte, error) {
	return json.MarshalIndent(map[string]interface{}{
		"scan_id":            scan.ID,
		"subject_id":         scan.SubjectID,
		"profile":            scan.Profile,
		"completed_agents":   scan.CompletedAgents,
		"failed_agents":      scan.FailedAgents,
		"agent_confidences":  scan.AgentConfidences,
		"average_confidence": scan.AverageConfidence(),
		"phase_results":      cp.PhaseResults,
		"answers":            cp.Answers,
		"generated_at":       time.Now().UTC(),
	}, "", "  ")
}

// requiredAllFailed 判断阶段的必需 Agent 是否全部失败
func requiredAllFailed(scan *model.Scan, phase *checkpoint.PhasePlan) bool {
	if len(phase.Required) == 0 {
		return false
	}
	for _, agent := range phase.Required {
		if !scan.HasFailedAgent(agent) {
			return false
		}
	}
	return true
}

// publish fire-and-forget 发布进度事件：失败只记日志，
// 存储层才是状态的事实来源
func (o *Orchestrator) publish(ctx context.Context, scanID string, typ model.ScanEventType, phase string, payload map[string]interface{}) {
	event := &model.ScanEvent{
		ScanID:    scanID,
		Type:      typ,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if err := o.bus.PublishScanEvent(ctx, scanID, event); err != nil {
		o.log.WithScanID(scanID).WithError(err).Warn("event publish failed", "type", string(typ))
	}
}

// newQuestionID 生成问题标识
func newQuestionID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return "q-" + hex.EncodeToString(b)
}
