// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现（mongostore/repository/memstore）负责将底层错误
// 转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 同一商机已存在未终止的扫描
	ErrConflict = errors.New("conflict: active scan already exists for subject")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")

	// ErrInvalidTransition 对终止状态的扫描执行状态变更
	ErrInvalidTransition = errors.New("invalid transition: scan is terminal")

	// ErrNotWaiting 对非 waiting_for_user 状态的扫描提交回答
	ErrNotWaiting = errors.New("scan is not waiting for user input")

	// ErrCheckpointCorrupt 快照无法解析
	// 调用方必须按"没有快照"处理（重新规划），不得向上抛出致命错误
	ErrCheckpointCorrupt = errors.New("checkpoint blob is corrupt")
)
