package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadscan/internal/shared/bus"
	"leadscan/internal/shared/checkpoint"
	"leadscan/internal/shared/model"
	"leadscan/internal/shared/storage"
	"leadscan/internal/shared/storage/memstore"
)

// scriptedRunner 按剧本执行的假运行器
//
// failures 里的 Agent 前 N 次调用返回超时失败，之后成功；
// onRun 在结算前触发，用于在执行中途改变扫描状态。
type scriptedRunner struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int
	kinds    map[string]FailureKind
	onRun    func(agent string)
}

func (r *scriptedRunner) Run(ctx context.Context, agentName string, inputs *AgentInputs, timeout time.Duration) (*AgentOutcome, error) {
	r.mu.Lock()
	r.calls = append(r.calls, agentName)
	remaining := r.failures[agentName]
	if remaining > 0 {
		r.failures[agentName] = remaining - 1
	}
	r.mu.Unlock()

	if r.onRun != nil {
		r.onRun(agentName)
	}

	if remaining > 0 {
		kind := FailureTimeout
		if r.kinds != nil && r.kinds[agentName] != "" {
			kind = r.kinds[agentName]
		}
		return nil, &AgentFailure{Agent: agentName, Kind: kind}
	}
	return &AgentOutcome{
		Output:     json.RawMessage(`{"summary":"ok"}`),
		Confidence: 80,
	}, nil
}

func (r *scriptedRunner) callCount(agent string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == agent {
			n++
		}
	}
	return n
}

func (r *scriptedRunner) allCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestOrchestrator(store storage.ScanStore, b bus.ScanEventBus, runner AgentRunner) *Orchestrator {
	return NewOrchestrator(store, b, runner, nil, 4, time.Second)
}

func seedScan(t *testing.T, store *memstore.Store, id string, profile *model.SubjectProfile) *model.Scan {
	t.Helper()
	scan := &model.Scan{
		ID:              id,
		SubjectID:       profile.SubjectID,
		Profile:         profile,
		Status:          model.ScanStatusPending,
		CompletedAgents: []string{},
		FailedAgents:    []string{},
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.CreateScan(context.Background(), scan))
	return scan
}

// answerScan 模拟回答接口：取出问题、记录回答、写回快照
func answerScan(t *testing.T, store *memstore.Store, scanID, answer string) {
	t.Helper()
	ctx := context.Background()
	cp, err := store.LoadCheckpoint(ctx, scanID)
	require.NoError(t, err)
	require.NotNil(t, cp.PendingQuestion)
	cp.RecordAnswer(cp.PendingQuestion.Phase, answer)
	require.NoError(t, store.SaveCheckpoint(ctx, scanID, cp))
}

func eventTypes(b *bus.MemoryBus, scanID string) []string {
	var out []string
	for _, ev := range b.Events(scanID) {
		out = append(out, string(ev.Type))
	}
	return out
}

func TestExecuteScan_HappyPathToReviewAndComplete(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{}
	orch := newTestOrchestrator(store, b, runner)

	profile := &model.SubjectProfile{
		SubjectID:   "subj-1",
		CompanyName: "Acme",
		WebsiteURL:  "https://acme.example.com",
		BudgetHint:  "50k_200k",
	}
	seedScan(t, store, "scan-1", profile)

	// 第一段：discovery 和 analysis 跑完，estimation 结束后停在复核点
	require.NoError(t, orch.ExecuteScan(ctx, "scan-1"))

	scan, err := store.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusReview, scan.Status)
	assert.ElementsMatch(t, []string{
		AgentTechStack, AgentPerformance, AgentCostEstimate, AgentROIProjection,
	}, scan.CompletedAgents)
	assert.Empty(t, scan.FailedAgents)
	assert.Equal(t, 99, scan.Progress, "progress caps at 99 until finalized")

	cp, err := store.LoadCheckpoint(ctx, "scan-1")
	require.NoError(t, err)
	require.NotNil(t, cp.PendingQuestion)
	assert.Equal(t, "review", cp.PendingQuestion.Kind)
	assert.Equal(t, PhaseEstimation, cp.PendingQuestion.Phase)
	assert.Regexp(t, `^q-[0-9a-f]{12}$`, cp.PendingQuestion.ID)
	assert.False(t, cp.PendingQuestion.AskedAt.IsZero())

	// 第二段：复核通过后重新执行，收尾完成
	answerScan(t, store, "scan-1", "approved")
	require.NoError(t, orch.ExecuteScan(ctx, "scan-1"))

	scan, err = store.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusCompleted, scan.Status)
	assert.Equal(t, 100, scan.Progress)
	require.NotNil(t, scan.CompletedAt)

	// 每个 Agent 恰好执行一次，恢复执行不重跑已完成的
	for _, agent := range []string{AgentTechStack, AgentPerformance, AgentCostEstimate, AgentROIProjection} {
		assert.Equal(t, 1, runner.callCount(agent), agent)
	}

	types := eventTypes(b, "scan-1")
	assert.Contains(t, types, string(model.EventQuestion))
	assert.Contains(t, types, string(model.EventScanComplete))
	assert.NotContains(t, types, string(model.EventScanFailed))
}

func TestExecuteScan_PausesForBudgetQuestion(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{}
	orch := newTestOrchestrator(store, b, runner)

	// 画像缺少预算提示，analysis 结束后必须停下问用户
	profile := &model.SubjectProfile{
		SubjectID:   "subj-2",
		CompanyName: "Acme",
		WebsiteURL:  "https://acme.example.com",
	}
	seedScan(t, store, "scan-2", profile)

	require.NoError(t, orch.ExecuteScan(ctx, "scan-2"))

	scan, err := store.GetScan(ctx, "scan-2")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusWaitingForUser, scan.Status)
	assert.ElementsMatch(t, []string{AgentTechStack, AgentPerformance}, scan.CompletedAgents)
	assert.Equal(t, 50, scan.Progress, "2 of 4 planned agents resolved")

	cp, err := store.LoadCheckpoint(ctx, "scan-2")
	require.NoError(t, err)
	require.NotNil(t, cp.PendingQuestion)
	assert.Equal(t, "question", cp.PendingQuestion.Kind)
	assert.Equal(t, PhaseAnalysis, cp.PendingQuestion.Phase)
	assert.NotEmpty(t, cp.PendingQuestion.Options)

	// estimation 阶段的 Agent 一个都没跑
	assert.Zero(t, runner.callCount(AgentCostEstimate))
	assert.Zero(t, runner.callCount(AgentROIProjection))

	// 暂停中的扫描再次投递，不做任何事
	before := len(runner.allCalls())
	require.NoError(t, orch.ExecuteScan(ctx, "scan-2"))
	assert.Equal(t, before, len(runner.allCalls()))
}

func TestExecuteScan_RequiredAgentRetriedAcrossDeliveries(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{
		failures: map[string]int{AgentPerformance: 2},
	}
	orch := newTestOrchestrator(store, b, runner)

	profile := &model.SubjectProfile{
		SubjectID:    "subj-3",
		CompanyName:  "Acme",
		WebsiteURL:   "https://acme.example.com",
		BudgetHint:   "10k_50k",
		HasMobileApp: true,
	}
	seedScan(t, store, "scan-3", profile)

	// 前两次投递：必需 Agent 超时失败，任务以可重试错误返回
	for attempt := 1; attempt <= 2; attempt++ {
		err := orch.ExecuteScan(ctx, "scan-3")
		require.Error(t, err, "attempt %d", attempt)
		var pf *PhaseFailure
		require.ErrorAs(t, err, &pf)
		assert.Equal(t, PhaseAnalysis, pf.Phase)

		scan, gerr := store.GetScan(ctx, "scan-3")
		require.NoError(t, gerr)
		assert.False(t, scan.IsTerminal(), "scan must stay retryable")
		assert.Contains(t, scan.FailedAgents, AgentPerformance)
	}

	// 第三次投递：重跑成功，失败集合回收该 Agent，扫描推进到复核点
	require.NoError(t, orch.ExecuteScan(ctx, "scan-3"))

	scan, err := store.GetScan(ctx, "scan-3")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusReview, scan.Status)
	assert.Contains(t, scan.CompletedAgents, AgentPerformance)
	assert.NotContains(t, scan.FailedAgents, AgentPerformance)

	assert.Equal(t, 3, runner.callCount(AgentPerformance))
	assert.Equal(t, 1, runner.callCount(AgentMobile), "settled agents never rerun")
	assert.Equal(t, 1, runner.callCount(AgentTechStack))
}

func TestExecuteScan_ResultsPersistedBeforePhaseAdvance(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{
		failures: map[string]int{AgentPerformance: 1},
	}
	orch := newTestOrchestrator(store, b, runner)

	profile := &model.SubjectProfile{
		SubjectID:    "subj-p1",
		CompanyName:  "Acme",
		WebsiteURL:   "https://acme.example.com",
		BudgetHint:   "10k_50k",
		HasMobileApp: true,
	}
	seedScan(t, store, "scan-p1", profile)

	// 必需 Agent 失败让本次投递半途返回：此时既没有阶段推进
	// 也没有暂停落库，进程若在这里崩溃，只能靠结算时的落库兜底
	var pf *PhaseFailure
	require.ErrorAs(t, orch.ExecuteScan(ctx, "scan-p1"), &pf)
	assert.Equal(t, PhaseAnalysis, pf.Phase)

	cp, err := store.LoadCheckpoint(ctx, "scan-p1")
	require.NoError(t, err)
	results := cp.PhaseResults[PhaseAnalysis]
	require.NotNil(t, results, "mid-phase results must survive the delivery")

	mobile, ok := results[AgentMobile]
	require.True(t, ok, "succeeded agent result must be on disk")
	assert.False(t, mobile.Failed)
	assert.Equal(t, 80, mobile.Confidence)

	perf, ok := results[AgentPerformance]
	require.True(t, ok, "failed agent entry must be on disk")
	assert.True(t, perf.Failed)
}

func TestExecuteScan_PhaseCompletePublishedOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{}
	orch := newTestOrchestrator(store, b, runner)

	// 画像缺少预算提示：analysis 结束后暂停提问
	profile := &model.SubjectProfile{
		SubjectID:   "subj-p2",
		CompanyName: "Acme",
		WebsiteURL:  "https://acme.example.com",
	}
	seedScan(t, store, "scan-p2", profile)

	require.NoError(t, orch.ExecuteScan(ctx, "scan-p2"))
	answerScan(t, store, "scan-p2", "50k_200k")
	require.NoError(t, orch.ExecuteScan(ctx, "scan-p2"))

	scan, err := store.GetScan(ctx, "scan-p2")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusReview, scan.Status)

	// 恢复执行会重入已结算的 analysis 阶段，但阶段结束只宣告一次
	count := 0
	for _, ev := range b.Events("scan-p2") {
		if ev.Type == model.EventPhaseComplete && ev.Phase == PhaseAnalysis {
			count++
		}
	}
	assert.Equal(t, 1, count, "phase_complete for a settled phase must not repeat")
}

func TestExecuteScan_NonRequiredFailureAbsorbed(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{
		failures: map[string]int{AgentMobile: 1},
		kinds:    map[string]FailureKind{AgentMobile: FailureSchema},
	}
	orch := newTestOrchestrator(store, b, runner)

	profile := &model.SubjectProfile{
		SubjectID:    "subj-4",
		CompanyName:  "Acme",
		WebsiteURL:   "https://acme.example.com",
		BudgetHint:   "under_10k",
		HasMobileApp: true,
	}
	seedScan(t, store, "scan-4", profile)

	// 非必需 Agent 失败被吸收，不向队列抛出
	require.NoError(t, orch.ExecuteScan(ctx, "scan-4"))
	answerScan(t, store, "scan-4", "approved")
	require.NoError(t, orch.ExecuteScan(ctx, "scan-4"))

	scan, err := store.GetScan(ctx, "scan-4")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusCompleted, scan.Status)
	assert.Equal(t, []string{AgentMobile}, scan.FailedAgents)
	assert.NotContains(t, scan.CompletedAgents, AgentMobile)
	assert.Equal(t, 1, runner.callCount(AgentMobile), "non-required failures are final")

	types := eventTypes(b, "scan-4")
	assert.Contains(t, types, string(model.EventAgentFailed))
	assert.Contains(t, types, string(model.EventScanComplete))
}

func TestExecuteScan_ResumeSkipsSettledAgents(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{}
	orch := newTestOrchestrator(store, b, runner)

	profile := &model.SubjectProfile{
		SubjectID:            "subj-5",
		CompanyName:          "Acme",
		WebsiteURL:           "https://acme.example.com",
		BudgetHint:           "over_200k",
		HasMobileApp:         true,
		RequireAccessibility: true,
	}
	seedScan(t, store, "scan-5", profile)

	// 模拟崩溃前的落库状态：analysis 进行到一半
	plan := BuildPlan(profile)
	cp := &checkpoint.Checkpoint{Phase: PhaseAnalysis, Plan: plan}
	cp.RecordResult(PhaseDiscovery, AgentTechStack, checkpoint.AgentResult{Confidence: 90})
	cp.RecordResult(PhaseAnalysis, AgentPerformance, checkpoint.AgentResult{Confidence: 85})
	require.NoError(t, store.SaveCheckpoint(ctx, "scan-5", cp))
	require.NoError(t, store.MergeAgentComplete(ctx, "scan-5", AgentTechStack, 90))
	require.NoError(t, store.MergeAgentComplete(ctx, "scan-5", AgentPerformance, 85))

	require.NoError(t, orch.ExecuteScan(ctx, "scan-5"))

	// 只补跑未结算的 Agent
	assert.ElementsMatch(t, []string{
		AgentAccessibility, AgentMobile, AgentCostEstimate, AgentROIProjection,
	}, runner.allCalls())

	scan, err := store.GetScan(ctx, "scan-5")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusReview, scan.Status)
	assert.Len(t, scan.CompletedAgents, 6)
}

func TestExecuteScan_CorruptCheckpointReplans(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{}
	orch := newTestOrchestrator(store, b, runner)

	profile := &model.SubjectProfile{
		SubjectID:   "subj-6",
		CompanyName: "Acme",
		WebsiteURL:  "https://acme.example.com",
		BudgetHint:  "10k_50k",
	}
	scan := &model.Scan{
		ID:              "scan-6",
		SubjectID:       profile.SubjectID,
		Profile:         profile,
		Status:          model.ScanStatusRunning,
		CompletedAgents: []string{AgentTechStack},
		FailedAgents:    []string{},
		Checkpoint:      json.RawMessage(`{"schema_version": 2, "plan": not-json`),
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.CreateScan(ctx, scan))

	require.NoError(t, orch.ExecuteScan(ctx, "scan-6"))

	// 用冻结的画像重新规划，但已完成的 Agent 不重跑
	assert.NotContains(t, runner.allCalls(), AgentTechStack)
	assert.Equal(t, 1, runner.callCount(AgentPerformance))

	got, err := store.GetScan(ctx, "scan-6")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusReview, got.Status)
}

func TestExecuteScan_ProfileMissingFailsScan(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{}
	orch := newTestOrchestrator(store, b, runner)

	scan := &model.Scan{
		ID:        "scan-7",
		SubjectID: "subj-7",
		Status:    model.ScanStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateScan(ctx, scan))

	require.NoError(t, orch.ExecuteScan(ctx, "scan-7"))

	got, err := store.GetScan(ctx, "scan-7")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "profile missing")
	assert.Empty(t, runner.allCalls())
	assert.Contains(t, eventTypes(b, "scan-7"), string(model.EventScanFailed))
}

func TestExecuteScan_TerminalScanDropped(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{}
	orch := newTestOrchestrator(store, b, runner)

	profile := &model.SubjectProfile{
		SubjectID:   "subj-8",
		CompanyName: "Acme",
		WebsiteURL:  "https://acme.example.com",
	}
	seedScan(t, store, "scan-8", profile)
	require.NoError(t, store.SetStatus(ctx, "scan-8", model.ScanStatusCancelled, nil))

	require.NoError(t, orch.ExecuteScan(ctx, "scan-8"))
	assert.Empty(t, runner.allCalls())

	require.NoError(t, orch.ExecuteScan(ctx, "scan-missing"))
}

func TestExecuteScan_StragglerResultDiscarded(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()

	// Agent 执行期间扫描被外部取消，返回的结果必须丢弃
	runner := &scriptedRunner{}
	runner.onRun = func(agent string) {
		_ = store.SetStatus(ctx, "scan-9", model.ScanStatusCancelled, nil)
	}
	orch := newTestOrchestrator(store, b, runner)

	profile := &model.SubjectProfile{
		SubjectID:   "subj-9",
		CompanyName: "Acme",
		WebsiteURL:  "https://acme.example.com",
		BudgetHint:  "10k_50k",
	}
	seedScan(t, store, "scan-9", profile)

	require.NoError(t, orch.ExecuteScan(ctx, "scan-9"))

	scan, err := store.GetScan(ctx, "scan-9")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusCancelled, scan.Status)
	assert.Empty(t, scan.CompletedAgents)
	assert.Empty(t, scan.FailedAgents)
}

func TestExecuteScan_ProgressMonotonic(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()
	runner := &scriptedRunner{
		failures: map[string]int{AgentPerformance: 1},
	}
	orch := newTestOrchestrator(store, b, runner)

	profile := &model.SubjectProfile{
		SubjectID:    "subj-10",
		CompanyName:  "Acme",
		WebsiteURL:   "https://acme.example.com",
		BudgetHint:   "10k_50k",
		HasMobileApp: true,
	}
	seedScan(t, store, "scan-10", profile)

	var progression []int
	record := func() {
		scan, err := store.GetScan(ctx, "scan-10")
		require.NoError(t, err)
		progression = append(progression, scan.Progress)
	}

	var pf *PhaseFailure
	require.ErrorAs(t, orch.ExecuteScan(ctx, "scan-10"), &pf)
	record()
	require.NoError(t, orch.ExecuteScan(ctx, "scan-10"))
	record()
	answerScan(t, store, "scan-10", "approved")
	require.NoError(t, orch.ExecuteScan(ctx, "scan-10"))
	record()

	for i := 1; i < len(progression); i++ {
		assert.GreaterOrEqual(t, progression[i], progression[i-1],
			"progress regressed at step "+strconv.Itoa(i))
	}
	assert.Equal(t, 100, progression[len(progression)-1])
}

func TestExecuteScan_InfraErrorPropagates(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore()
	b := bus.NewMemoryBus()

	infra := errors.New("model endpoint unreachable config")
	runner := &scriptedRunner{}
	orch := newTestOrchestrator(store, b, runner)

	profile := &model.SubjectProfile{
		SubjectID:   "subj-11",
		CompanyName: "Acme",
		WebsiteURL:  "https://acme.example.com",
		BudgetHint:  "10k_50k",
	}
	seedScan(t, store, "scan-11", profile)

	orch.runner = runnerFunc(func(ctx context.Context, agent string, inputs *AgentInputs, timeout time.Duration) (*AgentOutcome, error) {
		return nil, infra
	})

	err := orch.ExecuteScan(ctx, "scan-11")
	require.ErrorIs(t, err, infra)

	// 基础设施故障不把 Agent 记为失败
	scan, gerr := store.GetScan(ctx, "scan-11")
	require.NoError(t, gerr)
	assert.Empty(t, scan.FailedAgents)
	assert.False(t, scan.IsTerminal())
}

type runnerFunc func(ctx context.Context, agentName string, inputs *AgentInputs, timeout time.Duration) (*AgentOutcome, error)

func (f runnerFunc) Run(ctx context.Context, agentName string, inputs *AgentInputs, timeout time.Duration) (*AgentOutcome, error) {
	return f(ctx, agentName, inputs, timeout)
}
