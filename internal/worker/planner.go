// Package worker 阶段规划
//
// 规划是商机画像的确定性纯函数：同一画像永远生成同一计划。
// 计划在扫描早期一次性确定并写入快照；快照损坏时用 Scan 行里
// 冻结的画像重新规划，已结算的 Agent 集合仍以 Scan 行为准。
package worker

import (
	"leadscan/internal/shared/checkpoint"
	"leadscan/internal/shared/model"
)

// 阶段名
const (
	PhaseDiscovery  = "discovery"
	PhaseAnalysis   = "analysis"
	PhaseEstimation = "estimation"
)

// Agent 名
const (
	AgentTechStack     = "tech_stack"
	AgentPerformance   = "performance_audit"
	AgentAccessibility = "accessibility_audit"
	AgentMobile        = "mobile_audit"
	AgentCostEstimate  = "cost_estimate"
	AgentROIProjection = "roi_projection"
)

// BuildPlan 根据商机画像生成阶段计划
//
// 三个阶段顺序执行，阶段内 Agent 并发：
//  1. discovery  — 技术栈探测（必需）
//  2. analysis   — 性能审计（必需）+ 按画像追加无障碍/移动端审计；
//     画像缺少预算提示时，阶段结束后暂停向用户索要预算区间
//  3. estimation — 成本评估（必需）+ 投资回报预测；结果进入人工复核
func BuildPlan(profile *model.SubjectProfile) []checkpoint.PhasePlan {
	analysis := checkpoint.PhasePlan{
		Name:     PhaseAnalysis,
		Agents:   []string{AgentPerformance},
		Required: []string{AgentPerformance},
		AskUser:  profile.BudgetHint == "",
	}
	if profile.RequireAccessibility {
		analysis.Agents = append(analysis.Agents, AgentAccessibility)
	}
	if profile.HasMobileApp {
		analysis.Agents = append(analysis.Agents, AgentMobile)
	}

	return []checkpoint.PhasePlan{
		{
			Name:     PhaseDiscovery,
			Agents:   []string{AgentTechStack},
			Required: []string{AgentTechStack},
		},
		analysis,
		{
			Name:        PhaseEstimation,
			Agents:      []string{AgentCostEstimate, AgentROIProjection},
			Required:    []string{AgentCostEstimate},
			NeedsReview: true,
		},
	}
}

// PendingQuestionFor 为需要暂停的阶段生成待回答问题
func PendingQuestionFor(phase *checkpoint.PhasePlan) *checkpoint.PendingQuestion {
	if phase.AskUser {
		return &checkpoint.PendingQuestion{
			Phase:  phase.Name,
			Kind:   "question",
			Prompt: "What budget range should the cost estimation assume?",
			Options: []string{
				"under_10k",
				"10k_50k",
				"50k_200k",
				"over_200k",
			},
		}
	}
	if phase.NeedsReview {
		return &checkpoint.PendingQuestion{
			Phase:  phase.Name,
			Kind:   "review",
			Prompt: "Review the estimation results before the scan is finalized.",
		}
	}
	return nil
}
