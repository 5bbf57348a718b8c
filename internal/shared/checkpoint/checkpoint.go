// Package checkpoint 编排器状态快照的类型与编解码
//
// Checkpoint 是编排器在两次 Worker 调用之间的全部可恢复状态：
//   - Plan：阶段计划（扫描早期一次性确定）
//   - Phase：当前阶段名
//   - PhaseResults：已结算阶段的逐 Agent 结果
//   - PendingQuestion：阻塞流水线的待回答问题（可选）
//
// 快照整体读写（区别于 Scan 的 Agent 集合走部分原子合并）：
// 每次阶段推进、暂停、恢复都整体替换，Worker 领取任务时读取一次。
package checkpoint

import (
	"encoding/json"
	"time"
)

// SchemaVersion 当前快照格式版本
//
// 解码时缺失 schema_version 字段视为版本 1。
// 旧版本快照由 Decode 内部迁移到当前版本。
const SchemaVersion = 2

// ============================================================================
// 快照结构
// ============================================================================

// Checkpoint 编排器可恢复状态
//
// 不变式：
//   - Phase 必定出现在 Plan 中
//   - 某阶段的全部 Agent 都有结论后，该阶段的结果必须先写入
//     PhaseResults，编排器才允许推进 Phase
type Checkpoint struct {
	SchemaVersion int `json:"schema_version"`

	// Phase 当前阶段名
	Phase string `json:"phase"`

	// Plan 有序阶段计划
	Plan []PhasePlan `json:"plan"`

	// PhaseResults 阶段名 → Agent 名 → 结果
	PhaseResults map[string]map[string]AgentResult `json:"phase_results,omitempty"`

	// PendingQuestion 待回答问题；回答后清除
	PendingQuestion *PendingQuestion `json:"pending_question,omitempty"`

	// Answers 阶段名 → 用户回答。回答写入后对应阶段不再暂停，
	// 后续阶段的 Agent 可以读取这些回答作为输入
	Answers map[string]string `json:"answers,omitempty"`

	// UpdatedAt 快照写入时间
	UpdatedAt time.Time `json:"updated_at"`
}

// PhasePlan 单个阶段的计划
type PhasePlan struct {
	// Name 阶段名
	Name string `json:"name"`

	// Agents 本阶段并发执行的 Agent 名集合
	Agents []string `json:"agents"`

	// Required 必需 Agent：全部失败则整个扫描失败
	Required []string `json:"required,omitempty"`

	// AskUser 阶段结束后是否需要人工输入才能继续
	AskUser bool `json:"ask_user,omitempty"`

	// NeedsReview 阶段结束后是否进入人工复核
	NeedsReview bool `json:"needs_review,omitempty"`
}

// AgentResult 单个 Agent 的结算结果
type AgentResult struct {
	// Output Agent 的结构化输出（原样保留，编排器不解释）
	Output json.RawMessage `json:"output,omitempty"`

	// Confidence 置信度 0-100
	Confidence int `json:"confidence"`

	// Failed 是否以失败结算
	Failed bool `json:"failed,omitempty"`

	// FailureKind 失败类别（timeout/transport/schema），成功时为空
	FailureKind string `json:"failure_kind,omitempty"`
}

// PendingQuestion 阻塞流水线的结构化问题
type PendingQuestion struct {
	// ID 问题标识（回答时回传，防止回答过期问题）
	ID string `json:"id"`

	// Phase 提出问题的阶段
	Phase string `json:"phase"`

	// Kind 问题类别："question"（需要具体回答）或 "review"（需要确认）
	Kind string `json:"kind"`

	// Prompt 展示给用户的问题文本
	Prompt string `json:"prompt"`

	// Options 可选项（为空表示自由回答）
	Options []string `json:"options,omitempty"`

	// AskedAt 提出时间
	AskedAt time.Time `json:"asked_at"`
}

// ============================================================================
// 辅助方法
// ============================================================================

// PhaseIndex 返回阶段在计划中的序号；不存在时返回 -1
func (c *Checkpoint) PhaseIndex(name string) int {
	for i, p := range c.Plan {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// CurrentPhase 返回当前阶段的计划；Phase 不在计划内时返回 nil
func (c *Checkpoint) CurrentPhase() *PhasePlan {
	if i := c.PhaseIndex(c.Phase); i >= 0 {
		return &c.Plan[i]
	}
	return nil
}

// NextPhase 返回当前阶段之后的下一阶段；已是最后阶段时返回 nil
func (c *Checkpoint) NextPhase() *PhasePlan {
	i := c.PhaseIndex(c.Phase)
	if i < 0 || i+1 >= len(c.Plan) {
		return nil
	}
	return &c.Plan[i+1]
}

// TotalAgents 返回计划内所有阶段的 Agent 总数
func (c *Checkpoint) TotalAgents() int {
	n := 0
	for _, p := range c.Plan {
		n += len(p.Agents)
	}
	return n
}

// RecordAnswer 记录一个阶段的用户回答并清除待回答问题
func (c *Checkpoint) RecordAnswer(phase, answer string) {
	if c.Answers == nil {
		c.Answers = make(map[string]string)
	}
	c.Answers[phase] = answer
	c.PendingQuestion = nil
}

// Answered 判断阶段的暂停问题是否已被回答
func (c *Checkpoint) Answered(phase string) bool {
	_, ok := c.Answers[phase]
	return ok
}

// RecordResult 将一个 Agent 的结果写入当前阶段的结果表
func (c *Checkpoint) RecordResult(phase, agent string, result AgentResult) {
	if c.PhaseResults == nil {
		c.PhaseResults = make(map[string]map[string]AgentResult)
	}
	if c.PhaseResults[phase] == nil {
		c.PhaseResults[phase] = make(map[string]AgentResult)
	}
	c.PhaseResults[phase][agent] = result
}
