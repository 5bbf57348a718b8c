// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：mongostore/（生产默认）、repository/（SQL）、
//     memstore/（测试与单机开发）
//   - 初始化时通过依赖注入传入实现，显式 Close 生命周期
package storage

import (
	"context"
	"time"

	"leadscan/internal/shared/checkpoint"
	"leadscan/internal/shared/model"
)

// ============================================================================
// 扫描存储接口
// ============================================================================

// StatusExtra SetStatus 的可选附加字段
type StatusExtra struct {
	// Progress 进度 0-100；负值表示不更新
	Progress int

	// Phase 当前阶段名；空串表示不更新
	Phase string

	// Error 失败原因；nil 表示不更新
	Error *string

	// CompletedAt 完成时间；nil 表示不更新
	CompletedAt *time.Time
}

// ScanStore 扫描存储接口
//
// 并发契约（本子系统最重要的正确性属性）：
//   - MergeAgentComplete / MergeAgentFailed 必须是单次条件化的
//     结构化更新，严禁实现为"读出整行 → 改数组 → 写回整行"。
//     N 个 Agent 在同一毫秒内完成时不得丢失任何一次追加。
//   - 终止状态（completed/failed/cancelled）之后的任何写入都是
//     记一条 warn 日志的 no-op，不向调用方返回错误——迟到的
//     Agent 结果不能复活一个已取消/已失败的扫描。SetStatus 例外：
//     它返回 ErrInvalidTransition 供调用方感知。
//   - Progress 单调不减由存储侧保证（回退值被忽略）。
type ScanStore interface {
	// CreateScan 插入一条 pending 状态的 Scan
	// 同一 SubjectID 已存在未终止扫描时返回 ErrConflict
	CreateScan(ctx context.Context, scan *model.Scan) error

	// GetScan 读取 Scan；不存在时返回 (nil, ErrNotFound)
	GetScan(ctx context.Context, id string) (*model.Scan, error)

	// ListScans 按条件列出 Scan（subjectID/status 为空表示不过滤）
	ListScans(ctx context.Context, subjectID string, status model.ScanStatus, limit int) ([]*model.Scan, error)

	// FindActiveScanBySubject 查找商机的未终止扫描；没有时返回 (nil, nil)
	FindActiveScanBySubject(ctx context.Context, subjectID string) (*model.Scan, error)

	// ListStalePendingScans 列出超过阈值仍未被领取的 pending Scan
	// （入队丢失的保底轮询路径）
	ListStalePendingScans(ctx context.Context, threshold time.Duration) ([]*model.Scan, error)

	// LoadCheckpoint 解码存储的快照
	// 无快照时返回 (nil, nil)；损坏时返回 (nil, ErrCheckpointCorrupt)
	LoadCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error)

	// SaveCheckpoint 整体覆盖快照，并派生写入 status 与 phase：
	// PendingQuestion 非空 → waiting_for_user（kind=review → review），
	// 否则 → running
	SaveCheckpoint(ctx context.Context, id string, cp *checkpoint.Checkpoint) error

	// MergeAgentComplete 原子合并一次 Agent 成功：
	// completed_agents 不存在则追加、failed_agents 中移除（重试后成功）、
	// agent_confidences[agent] 覆盖写入
	MergeAgentComplete(ctx context.Context, id, agent string, confidence int) error

	// MergeAgentFailed 原子合并一次 Agent 失败：
	// failed_agents 不存在则追加（已在 completed_agents 中的 Agent 不追加）
	MergeAgentFailed(ctx context.Context, id, agent string) error

	// SetStatus 状态变更；当前状态为终止时返回 ErrInvalidTransition
	SetStatus(ctx context.Context, id string, status model.ScanStatus, extra *StatusExtra) error

	// UpdateProgress 单调推进进度（回退值忽略）
	UpdateProgress(ctx context.Context, id string, progress int) error

	// DeleteScan 管理删除：移除 Scan 行
	// 派生产物（事件流、报告对象）由调用方级联清理
	DeleteScan(ctx context.Context, id string) error

	// Close 释放底层连接
	Close() error
}
