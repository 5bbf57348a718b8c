// Package model 定义核心数据模型
//
// scan.go 包含扫描执行相关的数据模型定义：
//   - Scan：一次完整的商机分析流水线执行
//   - ScanStatus：扫描状态枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// ScanStatus - 扫描状态
// ============================================================================

// ScanStatus 表示一次扫描（Scan）的状态
//
// Scan 是针对单个商机（Subject）的多阶段分析流水线：
//   - pending：已创建，等待 Worker 领取
//   - running：某个阶段正在执行
//   - phase_complete：阶段刚结束，尚未推进到下一阶段
//   - waiting_for_user：流水线被一个待回答的问题阻塞
//   - review：阶段结果等待人工复核
//   - completed：全部阶段执行完毕
//   - failed：某阶段的必需 Agent 全部失败
//   - cancelled：外部取消
//
// completed/failed/cancelled 为终止状态：进入后状态、进度和
// Agent 集合不再变化，迟到的 Agent 结果一律丢弃。
type ScanStatus string

const (
	// ScanStatusPending 等待中：已入队，尚未被 Worker 领取
	ScanStatusPending ScanStatus = "pending"

	// ScanStatusRunning 执行中：当前阶段的 Agent 正在并发执行
	ScanStatusRunning ScanStatus = "running"

	// ScanStatusPhaseComplete 阶段完成：阶段结算中，即将推进
	ScanStatusPhaseComplete ScanStatus = "phase_complete"

	// ScanStatusWaitingForUser 等待用户：存在未回答的 PendingQuestion
	ScanStatusWaitingForUser ScanStatus = "waiting_for_user"

	// ScanStatusReview 等待复核：阶段结果需要人工确认后继续
	ScanStatusReview ScanStatus = "review"

	// ScanStatusCompleted 已完成：所有阶段执行完毕
	ScanStatusCompleted ScanStatus = "completed"

	// ScanStatusFailed 已失败：必需 Agent 耗尽重试仍未成功
	ScanStatusFailed ScanStatus = "failed"

	// ScanStatusCancelled 已取消：外部信号终止
	ScanStatusCancelled ScanStatus = "cancelled"
)

// ============================================================================
// Scan - 扫描实例
// ============================================================================

// Scan 表示针对一个商机的一次分析流水线执行
//
// Scan 是系统中唯一的共享可变资源，所有变更都经由存储层的
// 原子操作完成：
//   - CompletedAgents/FailedAgents 由并发安全的结构化合并维护，
//     任一时刻两个集合互不相交
//   - Checkpoint 为编排器可恢复状态的不透明快照，整体读写
//   - Progress 在非终止状态下单调不减
//
// 字段说明：
//   - ID：唯一标识符，格式如 "scan-abc123"
//   - SubjectID：被分析的商机 ID
//   - Profile：触发时冻结的商机画像（快照损坏时重新规划的依据）
//   - Phase：当前阶段名（仅编排器理解其含义）
//   - AgentConfidences：Agent 名 → 置信度（0-100），同名覆盖
//   - Checkpoint：编排器状态快照（见 checkpoint 包）
//   - Error：失败原因（终止于 failed 时填充）
type Scan struct {
	ID               string          `json:"id" bson:"_id" db:"id"`
	SubjectID        string          `json:"subject_id" bson:"subject_id" db:"subject_id"`
	Profile          *SubjectProfile `json:"profile,omitempty" bson:"profile,omitempty" db:"profile"`
	Status           ScanStatus      `json:"status" bson:"status" db:"status"`
	Phase            string          `json:"phase,omitempty" bson:"phase,omitempty" db:"phase"`
	Progress         int             `json:"progress" bson:"progress" db:"progress"`
	CompletedAgents  []string        `json:"completed_agents" bson:"completed_agents" db:"completed_agents"`
	FailedAgents     []string        `json:"failed_agents" bson:"failed_agents" db:"failed_agents"`
	AgentConfidences map[string]int  `json:"agent_confidences,omitempty" bson:"agent_confidences,omitempty" db:"agent_confidences"`
	Checkpoint       json.RawMessage `json:"checkpoint,omitempty" bson:"checkpoint,omitempty" db:"checkpoint"`
	Error            *string         `json:"error,omitempty" bson:"error,omitempty" db:"error"`
	CreatedAt        time.Time       `json:"created_at" bson:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" bson:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" bson:"completed_at,omitempty" db:"completed_at"`
}

// ============================================================================
// 辅助方法
// ============================================================================

// IsTerminal 判断 Scan 是否处于终止状态
func (s *Scan) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// IsTerminal 判断状态是否为终止状态
func (st ScanStatus) IsTerminal() bool {
	switch st {
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive 判断 Scan 是否仍在生命周期内（非终止）
func (s *Scan) IsActive() bool {
	return !s.IsTerminal()
}

// HasCompletedAgent 判断指定 Agent 是否已成功完成
func (s *Scan) HasCompletedAgent(name string) bool {
	for _, a := range s.CompletedAgents {
		if a == name {
			return true
		}
	}
	return false
}

// HasFailedAgent 判断指定 Agent 是否已记录失败
func (s *Scan) HasFailedAgent(name string) bool {
	for _, a := range s.FailedAgents {
		if a == name {
			return true
		}
	}
	return false
}

// IsAgentResolved 判断指定 Agent 在本次扫描中是否已有结论（成功或失败）
func (s *Scan) IsAgentResolved(name string) bool {
	return s.HasCompletedAgent(name) || s.HasFailedAgent(name)
}

// AverageConfidence 计算已完成 Agent 的平均置信度
// 没有任何置信度记录时返回 0
func (s *Scan) AverageConfidence() int {
	if len(s.AgentConfidences) == 0 {
		return 0
	}
	sum := 0
	for _, c := range s.AgentConfidences {
		sum += c
	}
	return sum / len(s.AgentConfidences)
}
