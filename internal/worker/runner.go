// Package worker 扫描执行端：Agent 运行器、阶段规划与编排器
//
// runner.go 定义 Agent 运行器：调用一个命名分析 Agent，在运行器
// 侧强制超时，把底层调用的各种失败归一成带类别的 AgentFailure。
// 运行器没有任何持久化副作用，结果落库由编排器负责。
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadscan/internal/shared/checkpoint"
	"leadscan/internal/shared/model"
)

// ============================================================================
// 失败分类
// ============================================================================

// FailureKind Agent 失败类别
type FailureKind string

const (
	// FailureTimeout 超时：底层调用未在限定时间内返回
	FailureTimeout FailureKind = "timeout"

	// FailureTransport 传输失败：网络/模型服务不可达
	FailureTransport FailureKind = "transport"

	// FailureSchema 输出违反约定格式
	FailureSchema FailureKind = "schema"
)

// AgentFailure 单个 Agent 的类型化失败
//
// 编排器依赖 Kind 区分超时/传输/格式问题，不把它们混成
// 一个笼统的 error 向上抛（避免消耗队列层的重试预算）
type AgentFailure struct {
	Agent string
	Kind  FailureKind
	Err   error
}

func (f *AgentFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("agent %s failed (%s): %v", f.Agent, f.Kind, f.Err)
	}
	return fmt.Sprintf("agent %s failed (%s)", f.Agent, f.Kind)
}

func (f *AgentFailure) Unwrap() error {
	return f.Err
}

// AsAgentFailure 提取类型化失败；不是 AgentFailure 时返回 nil
func AsAgentFailure(err error) *AgentFailure {
	var f *AgentFailure
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// ============================================================================
// 输入输出
// ============================================================================

// AgentInputs 一次 Agent 调用的全部输入
type AgentInputs struct {
	// Profile 商机画像
	Profile *model.SubjectProfile

	// Answers 此前阶段收集到的用户回答（阶段名 → 回答）
	Answers map[string]string

	// PriorResults 此前阶段已结算的逐 Agent 结果
	PriorResults map[string]map[string]checkpoint.AgentResult
}

// AgentOutcome 一次成功调用的结果
type AgentOutcome struct {
	// Output 结构化输出，编排器原样保存不解释
	Output json.RawMessage

	// Confidence 置信度 0-100
	Confidence int
}

// ============================================================================
// 运行器
// ============================================================================

// AgentRunner Agent 运行器接口
//
// 失败以 *AgentFailure 返回；其他 error 视为基础设施故障
type AgentRunner interface {
	Run(ctx context.Context, agentName string, inputs *AgentInputs, timeout time.Duration) (*AgentOutcome, error)
}

// ModelInvoker 语言模型调用层（外部协作方，仅接口）
//
// 给定提示词与输出 schema，返回通过校验的结构化结果。
// 调用方不信任其自限时长，超时由运行器强制
type ModelInvoker interface {
	Invoke(ctx context.Context, prompt string, schema json.RawMessage) (json.RawMessage, error)
}

// ModelRunner 基于 ModelInvoker 的 Agent 运行器实现
type ModelRunner struct {
	invoker ModelInvoker
}

// NewModelRunner 创建运行器
func NewModelRunner(invoker ModelInvoker) *ModelRunner {
	return &ModelRunner{invoker: invoker}
}

// agentOutput 所有 Agent 共用的输出外层：业务字段在 Result 里，
// Confidence 是运行器唯一理解的字段
type agentOutput struct {
	Result     json.RawMessage `json:"result"`
	Confidence *int            `json:"confidence"`
}

// outputSchema 要求模型输出 result + confidence 两个字段
var outputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["result", "confidence"],
	"properties": {
		"result": {"type": "object"},
		"confidence": {"type": "integer", "minimum": 0, "maximum": 100}
	}
}`)

// Run 执行一个命名 Agent
func (r *ModelRunner) Run(ctx context.Context, agentName string, inputs *AgentInputs, timeout time.Duration) (*AgentOutcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt, err := buildPrompt(agentName, inputs)
	if err != nil {
		return nil, &AgentFailure{Agent: agentName, Kind: FailureSchema, Err: err}
	}

	raw, err := r.invoker.Invoke(runCtx, prompt, outputSchema)
	if err != nil {
		return nil, classifyInvokeError(agentName, runCtx, err)
	}

	var out agentOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &AgentFailure{Agent: agentName, Kind: FailureSchema, Err: err}
	}
	if out.Confidence == nil || *out.Confidence < 0 || *out.Confidence > 100 {
		return nil, &AgentFailure{Agent: agentName, Kind: FailureSchema,
			Err: errors.New("confidence missing or out of range")}
	}

	return &AgentOutcome{Output: out.Result, Confidence: *out.Confidence}, nil
}

// classifyInvokeError 把底层调用错误归一成类型化失败
func classifyInvokeError(agentName string, ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &AgentFailure{Agent: agentName, Kind: FailureTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		// 上游取消原样向上传递，让编排器丢弃而不是记失败
		return err
	}
	if f := AsAgentFailure(err); f != nil {
		return f
	}
	return &AgentFailure{Agent: agentName, Kind: FailureTransport, Err: err}
}

// buildPrompt 根据 Agent 名组装提示词
func buildPrompt(agentName string, inputs *AgentInputs) (string, error) {
	if inputs == nil || inputs.Profile == nil {
		return "", errors.New("subject profile is required")
	}

	payload, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Run the %q analysis for the following sales opportunity.\n%s", agentName, payload), nil
}

// 确保 ModelRunner 实现了 AgentRunner 接口
var _ AgentRunner = (*ModelRunner)(nil)
