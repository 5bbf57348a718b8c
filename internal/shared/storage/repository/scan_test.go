package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadscan/internal/shared/checkpoint"
	"leadscan/internal/shared/model"
	"leadscan/internal/shared/storage"
	"leadscan/internal/shared/storage/driver/sqlite"
)

// newSQLiteStore 每个用例一个独立的 SQLite 文件
func newSQLiteStore(t *testing.T) *Store {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "leadscan_test.db") + "?cache=shared&mode=rwc"
	db, err := sqlite.Open(dsn)
	require.NoError(t, err)

	dialect := sqlite.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))

	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func createScan(t *testing.T, s *Store, id, subjectID string, status model.ScanStatus) *model.Scan {
	t.Helper()
	scan := &model.Scan{
		ID:        id,
		SubjectID: subjectID,
		Profile:   &model.SubjectProfile{SubjectID: subjectID, CompanyName: "Acme", WebsiteURL: "https://acme.example.com"},
		Status:    status,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateScan(context.Background(), scan))
	return scan
}

// TestSQL_CreateGet 测试创建与读取（含画像持久化）
func TestSQL_CreateGet(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	createScan(t, s, "scan-1", "opp-a", model.ScanStatusPending)

	got, err := s.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, "opp-a", got.SubjectID)
	assert.Equal(t, model.ScanStatusPending, got.Status)
	require.NotNil(t, got.Profile, "profile must survive the round trip")
	assert.Equal(t, "Acme", got.Profile.CompanyName)
	assert.NotNil(t, got.CompletedAgents)
	assert.NotNil(t, got.FailedAgents)

	_, err = s.GetScan(ctx, "scan-nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestSQL_ActiveConflict 测试活跃扫描互斥
func TestSQL_ActiveConflict(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	createScan(t, s, "scan-1", "opp-a", model.ScanStatusRunning)
	err := s.CreateScan(ctx, &model.Scan{ID: "scan-2", SubjectID: "opp-a", Status: model.ScanStatusPending})
	assert.ErrorIs(t, err, storage.ErrConflict)

	require.NoError(t, s.SetStatus(ctx, "scan-1", model.ScanStatusCompleted, nil))
	assert.NoError(t, s.CreateScan(ctx, &model.Scan{ID: "scan-2", SubjectID: "opp-a", Status: model.ScanStatusPending}))
}

// TestSQL_ConcurrentMerges 测试 CAS 循环下并发合并不丢结果
func TestSQL_ConcurrentMerges(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	createScan(t, s, "scan-1", "opp-a", model.ScanStatusRunning)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent_%d", i)
			assert.NoError(t, s.MergeAgentComplete(ctx, "scan-1", agent, 60+i))
		}(i)
	}
	wg.Wait()

	got, err := s.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	assert.Len(t, got.CompletedAgents, n, "no sibling completion may be lost")
	assert.Len(t, got.AgentConfidences, n)
}

// TestSQL_FailThenSucceed 测试重试成功后从失败集合移除
func TestSQL_FailThenSucceed(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	createScan(t, s, "scan-1", "opp-a", model.ScanStatusRunning)

	require.NoError(t, s.MergeAgentFailed(ctx, "scan-1", "tech_stack"))
	require.NoError(t, s.MergeAgentComplete(ctx, "scan-1", "tech_stack", 75))

	got, _ := s.GetScan(ctx, "scan-1")
	assert.Empty(t, got.FailedAgents)
	assert.Equal(t, []string{"tech_stack"}, got.CompletedAgents)
	assert.Equal(t, 75, got.AgentConfidences["tech_stack"])
}

// TestSQL_TerminalImmutability 测试终止后写入为无操作
func TestSQL_TerminalImmutability(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	createScan(t, s, "scan-1", "opp-a", model.ScanStatusRunning)

	reason := "all required agents failed"
	require.NoError(t, s.SetStatus(ctx, "scan-1", model.ScanStatusFailed, &storage.StatusExtra{
		Error: &reason,
	}))

	require.NoError(t, s.MergeAgentComplete(ctx, "scan-1", "late_agent", 99))
	require.NoError(t, s.UpdateProgress(ctx, "scan-1", 80))

	got, _ := s.GetScan(ctx, "scan-1")
	assert.Equal(t, model.ScanStatusFailed, got.Status)
	assert.Empty(t, got.CompletedAgents)
	assert.Equal(t, 0, got.Progress)

	assert.ErrorIs(t, s.SetStatus(ctx, "scan-1", model.ScanStatusRunning, nil), storage.ErrInvalidTransition)
}

// TestSQL_ProgressMonotonic 测试进度单调
func TestSQL_ProgressMonotonic(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	createScan(t, s, "scan-1", "opp-a", model.ScanStatusRunning)

	require.NoError(t, s.UpdateProgress(ctx, "scan-1", 33))
	require.NoError(t, s.UpdateProgress(ctx, "scan-1", 20))

	got, _ := s.GetScan(ctx, "scan-1")
	assert.Equal(t, 33, got.Progress)
}

// TestSQL_CheckpointRoundTrip 测试快照保存、加载与状态派生
func TestSQL_CheckpointRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	createScan(t, s, "scan-1", "opp-a", model.ScanStatusPending)

	cp := &checkpoint.Checkpoint{
		Phase: "discovery",
		Plan:  []checkpoint.PhasePlan{{Name: "discovery", Agents: []string{"tech_stack"}, Required: []string{"tech_stack"}}},
	}
	require.NoError(t, s.SaveCheckpoint(ctx, "scan-1", cp))

	got, err := s.LoadCheckpoint(ctx, "scan-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "discovery", got.Phase)

	scan, _ := s.GetScan(ctx, "scan-1")
	assert.Equal(t, model.ScanStatusRunning, scan.Status)
	assert.Equal(t, "discovery", scan.Phase)

	// 没有快照时返回 (nil, nil)
	createScan(t, s, "scan-2", "opp-b", model.ScanStatusPending)
	none, err := s.LoadCheckpoint(ctx, "scan-2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// TestSQL_ListScans 测试列表过滤与排序
func TestSQL_ListScans(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	first := createScan(t, s, "scan-1", "opp-a", model.ScanStatusCompleted)
	_ = first
	time.Sleep(5 * time.Millisecond)
	createScan(t, s, "scan-2", "opp-a", model.ScanStatusRunning)
	time.Sleep(5 * time.Millisecond)
	createScan(t, s, "scan-3", "opp-b", model.ScanStatusRunning)

	all, err := s.ListScans(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "scan-3", all[0].ID, "newest first")

	bySubject, err := s.ListScans(ctx, "opp-a", "", 10)
	require.NoError(t, err)
	assert.Len(t, bySubject, 2)

	byStatus, err := s.ListScans(ctx, "", model.ScanStatusRunning, 10)
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	limited, err := s.ListScans(ctx, "", "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// TestSQL_Delete 测试删除
func TestSQL_Delete(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	createScan(t, s, "scan-1", "opp-a", model.ScanStatusCancelled)

	require.NoError(t, s.DeleteScan(ctx, "scan-1"))
	_, err := s.GetScan(ctx, "scan-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteScan(ctx, "scan-1"), storage.ErrNotFound)
}
