// Package memstore 实现内存版 storage.ScanStore
//
// 用于单元测试和单机开发。所有操作在互斥锁内完成，
// 与生产驱动保持相同的并发契约和终止状态语义，
// 因此编排器测试可以直接用它验证原子合并属性。
package memstore

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"leadscan/internal/shared/checkpoint"
	"leadscan/internal/shared/model"
	"leadscan/internal/shared/storage"
)

// Store 内存扫描存储
type Store struct {
	mu    sync.RWMutex
	scans map[string]*model.Scan
}

// NewStore 创建内存存储实例
func NewStore() *Store {
	return &Store{scans: make(map[string]*model.Scan)}
}

// Close 实现 ScanStore 接口（无资源可释放）
func (s *Store) Close() error {
	return nil
}

// clone 深拷贝，防止调用方拿到内部指针后绕过锁修改
func clone(scan *model.Scan) *model.Scan {
	c := *scan
	c.CompletedAgents = append([]string(nil), scan.CompletedAgents...)
	c.FailedAgents = append([]string(nil), scan.FailedAgents...)
	if scan.AgentConfidences != nil {
		c.AgentConfidences = make(map[string]int, len(scan.AgentConfidences))
		for k, v := range scan.AgentConfidences {
			c.AgentConfidences[k] = v
		}
	}
	c.Checkpoint = append([]byte(nil), scan.Checkpoint...)
	if scan.Profile != nil {
		profile := *scan.Profile
		c.Profile = &profile
	}
	return &c
}

// CreateScan 创建 Scan
func (s *Store) CreateScan(ctx context.Context, scan *model.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scans[scan.ID]; ok {
		return storage.ErrDuplicate
	}
	for _, existing := range s.scans {
		if existing.SubjectID == scan.SubjectID && !existing.IsTerminal() {
			return storage.ErrConflict
		}
	}
	s.scans[scan.ID] = clone(scan)
	return nil
}

// GetScan 获取 Scan
func (s *Store) GetScan(ctx context.Context, id string) (*model.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scan, ok := s.scans[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(scan), nil
}

// ListScans 按条件列出 Scan
func (s *Store) ListScans(ctx context.Context, subjectID string, status model.ScanStatus, limit int) ([]*model.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Scan
	for _, scan := range s.scans {
		if subjectID != "" && scan.SubjectID != subjectID {
			continue
		}
		if status != "" && scan.Status != status {
			continue
		}
		out = append(out, clone(scan))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindActiveScanBySubject 查找商机的未终止扫描
func (s *Store) FindActiveScanBySubject(ctx context.Context, subjectID string) (*model.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, scan := range s.scans {
		if scan.SubjectID == subjectID && !scan.IsTerminal() {
			return clone(scan), nil
		}
	}
	return nil, nil
}

// ListStalePendingScans 列出超过阈值仍未被领取的 pending Scan
func (s *Store) ListStalePendingScans(ctx context.Context, threshold time.Duration) ([]*model.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-threshold)
	var out []*model.Scan
	for _, scan := range s.scans {
		if scan.Status == model.ScanStatusPending && scan.CreatedAt.Before(cutoff) {
			out = append(out, clone(scan))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
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
			log.Printf("[memstore.checkpoint.corrupt] scan_id=%s reason=%s", id, decodeErr.Reason)
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

	s.mu.Lock()
	defer s.mu.Unlock()

	scan, ok := s.scans[id]
	if !ok {
		return storage.ErrNotFound
	}
	if scan.IsTerminal() {
		log.Printf("[memstore.write.skipped] scan_id=%s op=save_checkpoint status=%s", id, scan.Status)
		return nil
	}

	scan.Checkpoint = blob
	scan.Phase = cp.Phase
	scan.Status = model.ScanStatusRunning
	if cp.PendingQuestion != nil {
		if cp.PendingQuestion.Kind == "review" {
			scan.Status = model.ScanStatusReview
		} else {
			scan.Status = model.ScanStatusWaitingForUser
		}
	}
	scan.UpdatedAt = time.Now()
	return nil
}

// MergeAgentComplete 原子合并一次 Agent 成功
func (s *Store) MergeAgentComplete(ctx context.Context, id, agent string, confidence int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, ok := s.scans[id]
	if !ok {
		return storage.ErrNotFound
	}
	if scan.IsTerminal() {
		log.Printf("[memstore.write.skipped] scan_id=%s op=merge_agent_complete status=%s", id, scan.Status)
		return nil
	}

	if !contains(scan.CompletedAgents, agent) {
		scan.CompletedAgents = append(scan.CompletedAgents, agent)
	}
	scan.FailedAgents = remove(scan.FailedAgents, agent)
	if scan.AgentConfidences == nil {
		scan.AgentConfidences = make(map[string]int)
	}
	scan.AgentConfidences[agent] = confidence
	scan.UpdatedAt = time.Now()
	return nil
}

// MergeAgentFailed 原子合并一次 Agent 失败
func (s *Store) MergeAgentFailed(ctx context.Context, id, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, ok := s.scans[id]
	if !ok {
		return storage.ErrNotFound
	}
	if scan.IsTerminal() {
		log.Printf("[memstore.write.skipped] scan_id=%s op=merge_agent_failed status=%s", id, scan.Status)
		return nil
	}
	if contains(scan.CompletedAgents, agent) {
		return nil
	}

	if !contains(scan.FailedAgents, agent) {
		scan.FailedAgents = append(scan.FailedAgents, agent)
	}
	scan.UpdatedAt = time.Now()
	return nil
}

// SetStatus 状态变更；终止状态后拒绝
func (s *Store) SetStatus(ctx context.Context, id string, status model.ScanStatus, extra *storage.StatusExtra) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, ok := s.scans[id]
	if !ok {
		return storage.ErrNotFound
	}
	if scan.IsTerminal() {
		return storage.ErrInvalidTransition
	}

	scan.Status = status
	if extra != nil {
		if extra.Phase != "" {
			scan.Phase = extra.Phase
		}
		if extra.Error != nil {
			scan.Error = extra.Error
		}
		if extra.CompletedAt != nil {
			scan.CompletedAt = extra.CompletedAt
		}
		if extra.Progress > scan.Progress {
			scan.Progress = extra.Progress
		}
	}
	scan.UpdatedAt = time.Now()
	return nil
}

// UpdateProgress 单调推进进度
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, ok := s.scans[id]
	if !ok {
		return storage.ErrNotFound
	}
	if scan.IsTerminal() {
		log.Printf("[memstore.write.skipped] scan_id=%s op=update_progress status=%s", id, scan.Status)
		return nil
	}
	if progress > scan.Progress {
		scan.Progress = progress
		scan.UpdatedAt = time.Now()
	}
	return nil
}

// DeleteScan 删除 Scan
func (s *Store) DeleteScan(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scans[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.scans, id)
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	// 新开切片，不复用底层数组：原切片可能还被别的读者引用
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// 确保 Store 实现了 ScanStore 接口
var _ storage.ScanStore = (*Store)(nil)
