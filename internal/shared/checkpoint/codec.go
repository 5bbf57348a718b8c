// Package checkpoint 快照编解码
//
// 兼容性约定：
//   - 前向兼容：解码时忽略未知顶层字段（encoding/json 默认行为，
//     这里显式不启用 DisallowUnknownFields）
//   - 后向兼容：缺失的可选字段（pending_question 等）按"不存在"处理，
//     绝不视为解码失败
//   - schema_version 缺失视为版本 1，由 migrate 升级到当前版本
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecodeError 快照解码失败
//
// 调用方必须把该错误当作"没有快照"处理（重新规划），而不是崩溃。
// Scan 行上的 Agent 集合是独立于快照的持久事实，快照丢失
// 不会导致已完成的 Agent 被重复执行。
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("checkpoint decode failed: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode 将快照序列化为存储用的不透明字节串
func Encode(c *Checkpoint) ([]byte, error) {
	if c.SchemaVersion == 0 {
		c.SchemaVersion = SchemaVersion
	}
	c.UpdatedAt = time.Now().UTC()
	return json.Marshal(c)
}

// Decode 从字节串还原快照
//
// 空输入返回 (nil, nil)：没有快照不是错误。
// 损坏的输入返回 *DecodeError。
func Decode(blob []byte) (*Checkpoint, error) {
	if len(blob) == 0 {
		return nil, nil
	}

	var c Checkpoint
	if err := json.Unmarshal(blob, &c); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}

	// schema_version 缺失 → 版本 1
	if c.SchemaVersion == 0 {
		c.SchemaVersion = 1
	}
	if c.SchemaVersion > SchemaVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("schema version %d is newer than supported %d", c.SchemaVersion, SchemaVersion)}
	}

	if err := migrate(&c); err != nil {
		return nil, &DecodeError{Reason: "migration failed", Err: err}
	}

	// 计划为空的快照无法驱动编排，按损坏处理
	if len(c.Plan) == 0 {
		return nil, &DecodeError{Reason: "empty plan"}
	}
	if c.PhaseIndex(c.Phase) < 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("phase %q not in plan", c.Phase)}
	}

	return &c, nil
}

// migrate 将旧版本快照升级到当前版本
//
// 版本历史：
//   - v1：required 列表尚未拆出，阶段内所有 Agent 都视为必需
//   - v2：引入 PhasePlan.Required 与 PendingQuestion.Kind
func migrate(c *Checkpoint) error {
	if c.SchemaVersion == 1 {
		for i := range c.Plan {
			if len(c.Plan[i].Required) == 0 {
				c.Plan[i].Required = append([]string(nil), c.Plan[i].Agents...)
			}
		}
		if c.PendingQuestion != nil && c.PendingQuestion.Kind == "" {
			c.PendingQuestion.Kind = "question"
		}
		c.SchemaVersion = 2
	}
	return nil
}
