package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_NackBackoffAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	_, err := q.EnqueueScan(ctx, "scan-1")
	require.NoError(t, err)

	// 尝试 1、2：退避重试
	for attempt := 1; attempt <= 2; attempt++ {
		msgs, err := q.ConsumeScanJobs(ctx, "w1", 10, time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, attempt, msgs[0].Attempt)

		dead, err := q.NackScanJob(ctx, msgs[0], "boom")
		require.NoError(t, err)
		assert.False(t, dead)
		assert.Equal(t, 1, q.DelayedCount())

		// 退避期未到时搬运不出任何任务
		if attempt == 1 {
			promoted, err := q.PromoteDelayedJobs(ctx)
			require.NoError(t, err)
			assert.Zero(t, promoted)
		}
		require.Equal(t, 1, q.PromoteAllDelayed())
	}

	// 尝试 3：预算耗尽，宣告死亡且不再调度
	msgs, err := q.ConsumeScanJobs(ctx, "w1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 3, msgs[0].Attempt)

	dead, err := q.NackScanJob(ctx, msgs[0], "boom")
	require.NoError(t, err)
	assert.True(t, dead)
	assert.Zero(t, q.DelayedCount())

	n, err := q.GetQueueLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryQueue_AckClearsPending(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	_, err := q.EnqueueScan(ctx, "scan-1")
	require.NoError(t, err)

	msgs, err := q.ConsumeScanJobs(ctx, "w1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	pending, err := q.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	require.NoError(t, q.AckScanJob(ctx, msgs[0].ID))
	pending, err = q.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestMemoryQueue_LeaseMutualExclusion(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	acquired, err := q.AcquireScanLease(ctx, "scan-1", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// 他人拿不到，自己可重入
	acquired, err = q.AcquireScanLease(ctx, "scan-1", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
	acquired, err = q.AcquireScanLease(ctx, "scan-1", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// 非持有者释放无效
	require.NoError(t, q.ReleaseScanLease(ctx, "scan-1", "w2"))
	acquired, err = q.AcquireScanLease(ctx, "scan-1", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, q.ReleaseScanLease(ctx, "scan-1", "w1"))
	acquired, err = q.AcquireScanLease(ctx, "scan-1", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestBackoffFor(t *testing.T) {
	tiers := []time.Duration{time.Second, time.Minute}

	tests := []struct {
		name    string
		tiers   []time.Duration
		attempt int
		want    time.Duration
	}{
		{"first attempt", tiers, 1, time.Second},
		{"second attempt", tiers, 2, time.Minute},
		{"beyond tiers clamps to last", tiers, 9, time.Minute},
		{"zero attempt clamps to first", tiers, 0, time.Second},
		{"empty tiers fall back to defaults", nil, 1, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BackoffFor(tt.tiers, tt.attempt))
		})
	}
}
