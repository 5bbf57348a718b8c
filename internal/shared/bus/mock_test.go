package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadscan/internal/shared/model"
)

func publish(t *testing.T, b *MemoryBus, scanID string, typ model.ScanEventType) {
	t.Helper()
	err := b.PublishScanEvent(context.Background(), scanID, &model.ScanEvent{
		Type:      typ,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
}

func TestMemoryBus_HistoryAndResume(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	defer b.Close()

	publish(t, b, "scan-1", model.EventPhaseStart)
	publish(t, b, "scan-1", model.EventAgentComplete)
	publish(t, b, "scan-1", model.EventPhaseComplete)
	publish(t, b, "scan-2", model.EventPhaseStart)

	events, err := b.GetScanEvents(ctx, "scan-1", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "scan-1", events[0].ScanID)

	// ID 字典序与发布顺序一致
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID)
	}

	// from_id 为排他续传点：只返回其后的事件
	resumed, err := b.GetScanEvents(ctx, "scan-1", events[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, resumed, 2)
	assert.Equal(t, events[1].ID, resumed[0].ID)

	limited, err := b.GetScanEvents(ctx, "scan-1", "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	empty, err := b.GetScanEvents(ctx, "scan-missing", "", 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestMemoryBus_SubscribeFromSentinelIsGapFree(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBus()
	defer b.Close()

	// 订阅前已有的事件从 "0" 哨兵补发，订阅后的实时转发
	publish(t, b, "scan-1", model.EventPhaseStart)
	publish(t, b, "scan-1", model.EventAgentComplete)

	ch, err := b.SubscribeScanEvents(ctx, "scan-1", "0")
	require.NoError(t, err)

	publish(t, b, "scan-1", model.EventScanComplete)

	var got []model.ScanEventType
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("timed out, received %v", got)
		}
	}
	assert.Equal(t, []model.ScanEventType{
		model.EventPhaseStart,
		model.EventAgentComplete,
		model.EventScanComplete,
	}, got)
}

func TestMemoryBus_SubscribeTailOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBus()
	defer b.Close()

	publish(t, b, "scan-1", model.EventPhaseStart)

	// fromID 为空表示只要实时事件，不补历史
	ch, err := b.SubscribeScanEvents(ctx, "scan-1", "")
	require.NoError(t, err)

	publish(t, b, "scan-1", model.EventScanComplete)

	select {
	case ev := <-ch:
		assert.Equal(t, model.EventScanComplete, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestMemoryBus_DeleteScanEvents(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	defer b.Close()

	publish(t, b, "scan-1", model.EventPhaseStart)
	require.NoError(t, b.DeleteScanEvents(ctx, "scan-1"))

	count, err := b.GetScanEventCount(ctx, "scan-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMemoryBus_LongHistoryReplayDoesNotBlockBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemoryBus()
	defer b.Close()

	// 历史长度远超转发通道的缓冲，补发必须在锁外进行，
	// 否则订阅调用会抱着总线锁等一个没人读的通道
	const total = 150
	for i := 0; i < total; i++ {
		publish(t, b, "scan-1", model.EventAgentProgress)
	}

	ch, err := b.SubscribeScanEvents(ctx, "scan-1", "0")
	require.NoError(t, err)

	var got []*model.ScanEvent
	for len(got) < total {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("stalled after %d of %d events", len(got), total)
		}
	}
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].ID, got[i-1].ID)
	}

	// 补发进行中总线仍可发布
	publish(t, b, "scan-1", model.EventPhaseComplete)
	select {
	case ev := <-ch:
		assert.Equal(t, model.EventPhaseComplete, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("live event not forwarded after replay")
	}
}
