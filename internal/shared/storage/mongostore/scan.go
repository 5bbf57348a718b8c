// Package mongostore Scan 相关的存储操作
//
// 并发契约的落点：MergeAgentComplete / MergeAgentFailed 各自是
// 一条带状态谓词的 UpdateOne。MongoDB 保证单文档更新的原子性，
// $addToSet 去重、$pull 移除、$max 单调推进进度都在服务端完成，
// 应用侧没有读-改-写窗口。
package mongostore

import (
	"context"
	"errors"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"leadscan/internal/shared/checkpoint"
	"leadscan/internal/shared/model"
	"leadscan/internal/shared/storage"
)

// CreateScan 创建 Scan
// 同一商机已有未终止扫描时返回 ErrConflict
func (s *Store) CreateScan(ctx context.Context, scan *model.Scan) error {
	active, err := s.FindActiveScanBySubject(ctx, scan.SubjectID)
	if err != nil {
		return err
	}
	if active != nil {
		return storage.ErrConflict
	}
	return insertOne(ctx, s.col(ColScans), scan)
}

// GetScan 获取 Scan
func (s *Store) GetScan(ctx context.Context, id string) (*model.Scan, error) {
	scan, err := findOne[model.Scan](ctx, s.col(ColScans), bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, storage.ErrNotFound
	}
	return scan, nil
}

// ListScans 按条件列出 Scan
func (s *Store) ListScans(ctx context.Context, subjectID string, status model.ScanStatus, limit int) ([]*model.Scan, error) {
	filter := bson.D{}
	if subjectID != "" {
		filter = append(filter, bson.E{Key: "subject_id", Value: subjectID})
	}
	if status != "" {
		filter = append(filter, bson.E{Key: "status", Value: status})
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findMany[model.Scan](ctx, s.col(ColScans), filter, opts)
}

// FindActiveScanBySubject 查找商机的未终止扫描
func (s *Store) FindActiveScanBySubject(ctx context.Context, subjectID string) (*model.Scan, error) {
	filter := bson.D{
		{Key: "subject_id", Value: subjectID},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses}}},
	}
	return findOne[model.Scan](ctx, s.col(ColScans), filter)
}

// ListStalePendingScans 列出超过阈值仍未被领取的 pending Scan
func (s *Store) ListStalePendingScans(ctx context.Context, threshold time.Duration) ([]*model.Scan, error) {
	cutoff := time.Now().Add(-threshold)
	filter := bson.D{
		{Key: "status", Value: model.ScanStatusPending},
		{Key: "created_at", Value: bson.D{{Key: "$lt", Value: cutoff}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(100)
	return findMany[model.Scan](ctx, s.col(ColScans), filter, opts)
}

// LoadCheckpoint 解码存储的快照
func (s *Store) LoadCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	scan, err := s.GetScan(ctx, id)
	if err != nil {
		return nil, err
	}

	cp, err := checkpoint.Decode(scan.Checkpoint)
	if err != nil {
		var decodeErr *checkpoint.DecodeError
		if errors.As(err, &decodeErr) {
			log.Printf("[mongostore.checkpoint.corrupt] scan_id=%s reason=%s", id, decodeErr.Reason)
			return nil, storage.ErrCheckpointCorrupt
		}
		return nil, err
	}
	return cp, nil
}

// SaveCheckpoint 整体覆盖快照，并派生写入 status 与 phase
func (s *Store) SaveCheckpoint(ctx context.Context, id string, cp *checkpoint.Checkpoint) error {
	blob, err := checkpoint.Encode(cp)
	if err != nil {
		return err
	}

	status := model.ScanStatusRunning
	if cp.PendingQuestion != nil {
		if cp.PendingQuestion.Kind == "review" {
			status = model.ScanStatusReview
		} else {
			status = model.ScanStatusWaitingForUser
		}
	}

	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "checkpoint", Value: blob},
		{Key: "status", Value: status},
		{Key: "phase", Value: cp.Phase},
		{Key: "updated_at", Value: time.Now()},
	}}}

	res, err := s.col(ColScans).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return s.skipIfTerminal(ctx, id, "save_checkpoint")
	}
	return nil
}

// MergeAgentComplete 原子合并一次 Agent 成功
//
// 单条 UpdateOne 同时完成三件事：
//   - completed_agents 去重追加（$addToSet）
//   - failed_agents 移除该 Agent（$pull，重试后成功的场景）
//   - agent_confidences.<agent> 覆盖写入
func (s *Store) MergeAgentComplete(ctx context.Context, id, agent string, confidence int) error {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses}}},
	}
	update := bson.D{
		{Key: "$addToSet", Value: bson.D{{Key: "completed_agents", Value: agent}}},
		{Key: "$pull", Value: bson.D{{Key: "failed_agents", Value: agent}}},
		{Key: "$set", Value: bson.D{
			{Key: "agent_confidences." + agent, Value: confidence},
			{Key: "updated_at", Value: time.Now()},
		}},
	}

	res, err := s.col(ColScans).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return s.skipIfTerminal(ctx, id, "merge_agent_complete")
	}
	return nil
}

// MergeAgentFailed 原子合并一次 Agent 失败
// 已经成功的 Agent 不会被标记失败（谓词排除）
func (s *Store) MergeAgentFailed(ctx context.Context, id, agent string) error {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses}}},
		{Key: "completed_agents", Value: bson.D{{Key: "$ne", Value: agent}}},
	}
	update := bson.D{
		{Key: "$addToSet", Value: bson.D{{Key: "failed_agents", Value: agent}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: time.Now()}}},
	}

	res, err := s.col(ColScans).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		// 三种可能：不存在 / 已终止 / 已成功（后者静默跳过）
		scan, gerr := s.GetScan(ctx, id)
		if gerr != nil {
			return gerr
		}
		if scan.IsTerminal() {
			log.Printf("[mongostore.write.skipped] scan_id=%s op=merge_agent_failed status=%s", id, scan.Status)
		}
		return nil
	}
	return nil
}

// SetStatus 状态变更；终止状态后拒绝
func (s *Store) SetStatus(ctx context.Context, id string, status model.ScanStatus, extra *storage.StatusExtra) error {
	set := bson.D{
		{Key: "status", Value: status},
		{Key: "updated_at", Value: time.Now()},
	}
	update := bson.D{}
	if extra != nil {
		if extra.Phase != "" {
			set = append(set, bson.E{Key: "phase", Value: extra.Phase})
		}
		if extra.Error != nil {
			set = append(set, bson.E{Key: "error", Value: *extra.Error})
		}
		if extra.CompletedAt != nil {
			set = append(set, bson.E{Key: "completed_at", Value: *extra.CompletedAt})
		}
		if extra.Progress >= 0 {
			// $max 保证进度单调不减
			update = append(update, bson.E{Key: "$max", Value: bson.D{{Key: "progress", Value: extra.Progress}}})
		}
	}
	update = append(update, bson.E{Key: "$set", Value: set})

	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses}}},
	}

	res, err := s.col(ColScans).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		if _, gerr := s.GetScan(ctx, id); gerr != nil {
			return gerr
		}
		return storage.ErrInvalidTransition
	}
	return nil
}

// UpdateProgress 单调推进进度
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: bson.D{{Key: "$nin", Value: terminalStatuses}}},
	}
	update := bson.D{
		{Key: "$max", Value: bson.D{{Key: "progress", Value: progress}}},
		{Key: "$set", Value: bson.D{{Key: "updated_at", Value: time.Now()}}},
	}
	res, err := s.col(ColScans).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapError(err)
	}
	if res.MatchedCount == 0 {
		return s.skipIfTerminal(ctx, id, "update_progress")
	}
	return nil
}

// DeleteScan 删除 Scan
func (s *Store) DeleteScan(ctx context.Context, id string) error {
	return deleteByID(ctx, s.col(ColScans), id)
}

// skipIfTerminal 区分"不存在"与"已终止"两种 MatchedCount==0 的情况：
// 前者返回 ErrNotFound，后者记 warn 日志后按 no-op 吞掉
func (s *Store) skipIfTerminal(ctx context.Context, id, op string) error {
	scan, err := s.GetScan(ctx, id)
	if err != nil {
		return err
	}
	if scan.IsTerminal() {
		log.Printf("[mongostore.write.skipped] scan_id=%s op=%s status=%s", id, op, scan.Status)
		return nil
	}
	return nil
}
