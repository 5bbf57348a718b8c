// Package repository Scan 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"leadscan/internal/shared/checkpoint"
	"leadscan/internal/shared/model"
	"leadscan/internal/shared/storage"
)

// casMaxRetries CAS 循环的重试上限
// 同一扫描的并发合并方数量受编排器 max-concurrency 限制，
// 实际冲突次数远低于该值
const casMaxRetries = 16

const scanColumns = `id, subject_id, profile, status, phase, progress, completed_agents, failed_agents,
	agent_confidences, checkpoint, error, version, created_at, updated_at, completed_at`

// scanRow 是 Scan 的行级镜像，集合列以 JSON 文本存储
type scanRow struct {
	scan    model.Scan
	version int64
}

// scanScan 辅助函数
func scanScan(scanner interface {
	Scan(dest ...interface{}) error
}) (*scanRow, error) {
	row := &scanRow{}
	var (
		phase, errMsg             sql.NullString
		completed, failed, confid []byte
		profile, cp               *[]byte
		completedAt               sql.NullTime
	)
	err := scanner.Scan(
		&row.scan.ID, &row.scan.SubjectID, &profile, &row.scan.Status, &phase, &row.scan.Progress,
		&completed, &failed, &confid, &cp, &errMsg, &row.version,
		&row.scan.CreatedAt, &row.scan.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	row.scan.Phase = phase.String
	if errMsg.Valid {
		row.scan.Error = &errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		row.scan.CompletedAt = &t
	}
	if cp != nil {
		row.scan.Checkpoint = *cp
	}
	if profile != nil && len(*profile) > 0 {
		if err := json.Unmarshal(*profile, &row.scan.Profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
	}
	if len(completed) > 0 {
		if err := json.Unmarshal(completed, &row.scan.CompletedAgents); err != nil {
			return nil, fmt.Errorf("decode completed_agents: %w", err)
		}
	}
	if len(failed) > 0 {
		if err := json.Unmarshal(failed, &row.scan.FailedAgents); err != nil {
			return nil, fmt.Errorf("decode failed_agents: %w", err)
		}
	}
	if len(confid) > 0 {
		if err := json.Unmarshal(confid, &row.scan.AgentConfidences); err != nil {
			return nil, fmt.Errorf("decode agent_confidences: %w", err)
		}
	}
	return row, nil
}

// CreateScan 创建 Scan
func (s *Store) CreateScan(ctx context.Context, scan *model.Scan) error {
	active, err := s.FindActiveScanBySubject(ctx, scan.SubjectID)
	if err != nil {
		return err
	}
	if active != nil {
		return storage.ErrConflict
	}

	completed, _ := json.Marshal(emptyIfNil(scan.CompletedAgents))
	failed, _ := json.Marshal(emptyIfNil(scan.FailedAgents))
	confid, _ := json.Marshal(scan.AgentConfidences)

	var profile interface{}
	if scan.Profile != nil {
		data, perr := json.Marshal(scan.Profile)
		if perr != nil {
			return perr
		}
		profile = string(data)
	}

	query := s.rebind(`
		INSERT INTO scans (id, subject_id, profile, status, phase, progress, completed_agents, failed_agents,
			agent_confidences, checkpoint, error, version, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13, $14)
	`)
	_, err = s.db.ExecContext(ctx, query,
		scan.ID, scan.SubjectID, profile, scan.Status, nullStr(scan.Phase), scan.Progress,
		string(completed), string(failed), string(confid), nullBytes(scan.Checkpoint),
		scan.Error, scan.CreatedAt, scan.UpdatedAt, scan.CompletedAt)
	return err
}

// GetScan 获取 Scan
func (s *Store) GetScan(ctx context.Context, id string) (*model.Scan, error) {
	row, err := s.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return &row.scan, nil
}

func (s *Store) getRow(ctx context.Context, id string) (*scanRow, error) {
	query := s.rebind(`SELECT ` + scanColumns + ` FROM scans WHERE id = $1`)
	row, err := scanScan(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return row, err
}

// ListScans 按条件列出 Scan
func (s *Store) ListScans(ctx context.Context, subjectID string, status model.ScanStatus, limit int) ([]*model.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE 1=1`
	var args []interface{}
	n := 0
	if subjectID != "" {
		n++
		query += fmt.Sprintf(" AND subject_id = $%d", n)
		args = append(args, subjectID)
	}
	if status != "" {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectScans(rows)
}

// FindActiveScanBySubject 查找商机的未终止扫描
func (s *Store) FindActiveScanBySubject(ctx context.Context, subjectID string) (*model.Scan, error) {
	query := s.rebind(`SELECT ` + scanColumns + ` FROM scans
		WHERE subject_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`)
	row, err := scanScan(s.db.QueryRowContext(ctx, query, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row.scan, nil
}

// ListStalePendingScans 列出超过阈值仍未被领取的 pending Scan
func (s *Store) ListStalePendingScans(ctx context.Context, threshold time.Duration) ([]*model.Scan, error) {
	cutoff := time.Now().Add(-threshold)
	query := s.rebind(`SELECT ` + scanColumns + ` FROM scans
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC LIMIT 100`)
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectScans(rows)
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
			log.Printf("[repository.checkpoint.corrupt] scan_id=%s reason=%s", id, decodeErr.Reason)
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

	query := s.rebind(`UPDATE scans
		SET checkpoint = $1, status = $2, phase = $3, updated_at = $4
		WHERE id = $5 AND status NOT IN ('completed', 'failed', 'cancelled')`)
	res, err := s.db.ExecContext(ctx, query, string(blob), status, cp.Phase, time.Now(), id)
	if err != nil {
		return err
	}
	return s.skipIfTerminal(ctx, res, id, "save_checkpoint")
}

// MergeAgentComplete 原子合并一次 Agent 成功（CAS 循环）
func (s *Store) MergeAgentComplete(ctx context.Context, id, agent string, confidence int) error {
	return s.casMerge(ctx, id, "merge_agent_complete", func(scan *model.Scan) {
		if !containsStr(scan.CompletedAgents, agent) {
			scan.CompletedAgents = append(scan.CompletedAgents, agent)
		}
		scan.FailedAgents = removeStr(scan.FailedAgents, agent)
		if scan.AgentConfidences == nil {
			scan.AgentConfidences = make(map[string]int)
		}
		scan.AgentConfidences[agent] = confidence
	})
}

// MergeAgentFailed 原子合并一次 Agent 失败
func (s *Store) MergeAgentFailed(ctx context.Context, id, agent string) error {
	return s.casMerge(ctx, id, "merge_agent_failed", func(scan *model.Scan) {
		if containsStr(scan.CompletedAgents, agent) {
			return
		}
		if !containsStr(scan.FailedAgents, agent) {
			scan.FailedAgents = append(scan.FailedAgents, agent)
		}
	})
}

// casMerge 乐观锁合并循环
//
// 每轮：读出当前行（含 version）→ 应用变更 → 带 version 谓词 UPDATE。
// 受影响行数为 0 且行仍存在时说明版本失配（并发兄弟抢先写入），
// 重读后重试。终止状态的行按 no-op 跳过。
func (s *Store) casMerge(ctx context.Context, id, op string, apply func(*model.Scan)) error {
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		row, err := s.getRow(ctx, id)
		if err != nil {
			return err
		}
		if row.scan.IsTerminal() {
			log.Printf("[repository.write.skipped] scan_id=%s op=%s status=%s", id, op, row.scan.Status)
			return nil
		}

		apply(&row.scan)

		completed, _ := json.Marshal(emptyIfNil(row.scan.CompletedAgents))
		failed, _ := json.Marshal(emptyIfNil(row.scan.FailedAgents))
		confid, _ := json.Marshal(row.scan.AgentConfidences)

		query := s.rebind(`UPDATE scans
			SET completed_agents = $1, failed_agents = $2, agent_confidences = $3,
			    version = version + 1, updated_at = $4
			WHERE id = $5 AND version = $6
			  AND status NOT IN ('completed', 'failed', 'cancelled')`)
		res, err := s.db.ExecContext(ctx, query,
			string(completed), string(failed), string(confid), time.Now(), id, row.version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		// 版本失配，重试
	}
	return fmt.Errorf("cas merge for scan %s exceeded %d retries", id, casMaxRetries)
}

// SetStatus 状态变更；终止状态后拒绝
func (s *Store) SetStatus(ctx context.Context, id string, status model.ScanStatus, extra *storage.StatusExtra) error {
	set := "status = $1, updated_at = $2"
	args := []interface{}{status, time.Now()}
	n := 2
	if extra != nil {
		if extra.Phase != "" {
			n++
			set += fmt.Sprintf(", phase = $%d", n)
			args = append(args, extra.Phase)
		}
		if extra.Error != nil {
			n++
			set += fmt.Sprintf(", error = $%d", n)
			args = append(args, *extra.Error)
		}
		if extra.CompletedAt != nil {
			n++
			set += fmt.Sprintf(", completed_at = $%d", n)
			args = append(args, *extra.CompletedAt)
		}
		if extra.Progress >= 0 {
			n++
			// CASE 表达式保证进度单调不减（SQLite/PG 通用写法）
			set += fmt.Sprintf(", progress = CASE WHEN progress < $%d THEN $%d ELSE progress END", n, n+1)
			args = append(args, extra.Progress, extra.Progress)
			n++
		}
	}
	n++
	query := fmt.Sprintf(`UPDATE scans SET %s WHERE id = $%d AND status NOT IN ('completed', 'failed', 'cancelled')`, set, n)
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, gerr := s.GetScan(ctx, id); gerr != nil {
			return gerr
		}
		return storage.ErrInvalidTransition
	}
	return nil
}

// UpdateProgress 单调推进进度
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	query := s.rebind(`UPDATE scans
		SET progress = CASE WHEN progress < $1 THEN $2 ELSE progress END, updated_at = $3
		WHERE id = $4 AND status NOT IN ('completed', 'failed', 'cancelled')`)
	res, err := s.db.ExecContext(ctx, query, progress, progress, time.Now(), id)
	if err != nil {
		return err
	}
	return s.skipIfTerminal(ctx, res, id, "update_progress")
}

// DeleteScan 删除 Scan
func (s *Store) DeleteScan(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scans WHERE id = $1`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ============================================================================
// 工具函数
// ============================================================================

func (s *Store) skipIfTerminal(ctx context.Context, res sql.Result, id, op string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	row, err := s.getRow(ctx, id)
	if err != nil {
		return err
	}
	if row.scan.IsTerminal() {
		log.Printf("[repository.write.skipped] scan_id=%s op=%s status=%s", id, op, row.scan.Status)
	}
	return nil
}

func collectScans(rows *sql.Rows) ([]*model.Scan, error) {
	var scans []*model.Scan
	for rows.Next() {
		row, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, &row.scan)
	}
	return scans, rows.Err()
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeStr(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// 确保 Store 实现了 ScanStore 接口
var _ storage.ScanStore = (*Store)(nil)
