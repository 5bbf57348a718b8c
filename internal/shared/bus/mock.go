// Package bus 进度总线 mock 实现
package bus

import (
	"context"
	"fmt"
	"sync"

	"leadscan/internal/shared/model"
)

// ============================================================================
// NoOpBus - 空操作的 EventBus 实现（用于测试）
// ============================================================================

// NoOpBus 是一个不做任何操作的 ScanEventBus 实现
type NoOpBus struct{}

// NewNoOpBus 创建 NoOpBus 实例
func NewNoOpBus() *NoOpBus {
	return &NoOpBus{}
}

// Close 关闭事件总线
func (b *NoOpBus) Close() error {
	return nil
}

func (b *NoOpBus) PublishScanEvent(ctx context.Context, scanID string, event *model.ScanEvent) error {
	return nil
}
func (b *NoOpBus) GetScanEvents(ctx context.Context, scanID string, fromID string, count int64) ([]*model.ScanEvent, error) {
	return []*model.ScanEvent{}, nil
}
func (b *NoOpBus) GetScanEventCount(ctx context.Context, scanID string) (int64, error) {
	return 0, nil
}
func (b *NoOpBus) SubscribeScanEvents(ctx context.Context, scanID string, fromID string) (<-chan *model.ScanEvent, error) {
	ch := make(chan *model.ScanEvent)
	close(ch)
	return ch, nil
}
func (b *NoOpBus) DeleteScanEvents(ctx context.Context, scanID string) error {
	return nil
}

// 确保 NoOpBus 实现了 ScanEventBus 接口
var _ ScanEventBus = (*NoOpBus)(nil)

// ============================================================================
// MemoryBus - 记录并转发事件的内存总线（用于测试）
// ============================================================================

// MemoryBus 内存总线实现，按扫描保留事件历史并向订阅者转发
type MemoryBus struct {
	mu     sync.Mutex
	seq    int
	events map[string][]*model.ScanEvent
	subs   map[string][]chan *model.ScanEvent
}

// NewMemoryBus 创建 MemoryBus 实例
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		events: make(map[string][]*model.ScanEvent),
		subs:   make(map[string][]chan *model.ScanEvent),
	}
}

// Close 关闭事件总线
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for scanID, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, scanID)
	}
	return nil
}

// PublishScanEvent 发布扫描事件
func (b *MemoryBus) PublishScanEvent(ctx context.Context, scanID string, event *model.ScanEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	stored := *event
	// 零填充保证 ID 的字典序与发布顺序一致
	stored.ID = fmt.Sprintf("%012d-0", b.seq)
	stored.ScanID = scanID
	b.events[scanID] = append(b.events[scanID], &stored)

	for _, ch := range b.subs[scanID] {
		select {
		case ch <- &stored:
		default:
			// 订阅者消费不及时就丢弃，总线不保证送达
		}
	}
	return nil
}

// GetScanEvents 获取扫描事件列表
func (b *MemoryBus) GetScanEvents(ctx context.Context, scanID string, fromID string, count int64) ([]*model.ScanEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []*model.ScanEvent
	for _, event := range b.events[scanID] {
		if fromID != "" && event.ID <= fromID {
			continue
		}
		events = append(events, event)
		if count > 0 && int64(len(events)) >= count {
			break
		}
	}
	if events == nil {
		events = []*model.ScanEvent{}
	}
	return events, nil
}

// GetScanEventCount 获取事件数量
func (b *MemoryBus) GetScanEventCount(ctx context.Context, scanID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.events[scanID])), nil
}

// SubscribeScanEvents 订阅扫描事件
//
// 历史快照与实时通道的注册在同一临界区内完成，保证不丢不重；
// 补发本身在锁外进行，历史再长也不会把总线锁死。
func (b *MemoryBus) SubscribeScanEvents(ctx context.Context, scanID string, fromID string) (<-chan *model.ScanEvent, error) {
	out := make(chan *model.ScanEvent, 100)
	live := make(chan *model.ScanEvent, 100)

	b.mu.Lock()
	var history []*model.ScanEvent
	if fromID != "" {
		for _, event := range b.events[scanID] {
			if event.ID > fromID {
				history = append(history, event)
			}
		}
	}
	b.subs[scanID] = append(b.subs[scanID], live)
	b.mu.Unlock()

	go func() {
		defer close(out)
		defer b.unsubscribe(scanID, live)

		for _, event := range history {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, open := <-live:
				if !open {
					return
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// unsubscribe 把转发通道摘出订阅表（通道留给 GC，避免双重关闭）
func (b *MemoryBus) unsubscribe(scanID string, ch chan *model.ScanEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.subs[scanID]
	for i, c := range chans {
		if c == ch {
			b.subs[scanID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
}

// DeleteScanEvents 删除扫描事件流
func (b *MemoryBus) DeleteScanEvents(ctx context.Context, scanID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, scanID)
	return nil
}

// Events 返回扫描的全部已发布事件（测试辅助）
func (b *MemoryBus) Events(scanID string) []*model.ScanEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*model.ScanEvent, len(b.events[scanID]))
	copy(out, b.events[scanID])
	return out
}

// 确保 MemoryBus 实现了 ScanEventBus 接口
var _ ScanEventBus = (*MemoryBus)(nil)
