// Package redis ScanEvents 进度总线操作
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"leadscan/internal/shared/bus"
	"leadscan/internal/shared/model"
)

func scanEventsKey(scanID string) string {
	return bus.KeyScanEvents + scanID
}

// PublishScanEvent 发布扫描事件
func (s *Store) PublishScanEvent(ctx context.Context, scanID string, event *model.ScanEvent) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	args := &goredis.XAddArgs{
		Stream: scanEventsKey(scanID),
		MaxLen: bus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      string(event.Type),
			"phase":     event.Phase,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(payloadJSON),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish scan event: %w", err)
	}

	log.Printf("[Redis/EventBus] Published event: scan=%s seq=%s type=%s", scanID, id, event.Type)
	return nil
}

func parseScanEvent(scanID string, msg goredis.XMessage) *model.ScanEvent {
	event := &model.ScanEvent{
		ID:     msg.ID,
		ScanID: scanID,
	}

	if typ, ok := msg.Values["type"].(string); ok {
		event.Type = model.ScanEventType(typ)
	}
	if phase, ok := msg.Values["phase"].(string); ok {
		event.Phase = phase
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}
	if payloadStr, ok := msg.Values["payload"].(string); ok {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(payloadStr), &payload); err == nil {
			event.Payload = payload
		}
	}

	return event
}

// GetScanEvents 获取扫描事件列表。fromID 为空时从头读取，否则
// 返回严格晚于 fromID 的事件
func (s *Store) GetScanEvents(ctx context.Context, scanID string, fromID string, count int64) ([]*model.ScanEvent, error) {
	start := "-"
	if fromID != "" {
		// "(" 前缀表示开区间，跳过 fromID 本身
		start = "(" + fromID
	}

	msgs, err := s.client.XRange(ctx, scanEventsKey(scanID), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get scan events: %w", err)
	}

	events := []*model.ScanEvent{}
	for _, msg := range msgs {
		events = append(events, parseScanEvent(scanID, msg))
		if count > 0 && int64(len(events)) >= count {
			break
		}
	}

	return events, nil
}

// GetScanEventCount 获取事件数量
func (s *Store) GetScanEventCount(ctx context.Context, scanID string) (int64, error) {
	return s.client.XLen(ctx, scanEventsKey(scanID)).Result()
}

// SubscribeScanEvents 订阅扫描事件。fromID 为空时只接收新事件，
// 否则从 fromID 的后续位置开始补发
func (s *Store) SubscribeScanEvents(ctx context.Context, scanID string, fromID string) (<-chan *model.ScanEvent, error) {
	key := scanEventsKey(scanID)
	ch := make(chan *model.ScanEvent, 100)

	go func() {
		defer close(ch)

		lastID := "$"
		if fromID != "" {
			lastID = fromID
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &goredis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if err == goredis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Redis/EventBus] Event subscription error: scan=%s err=%v", scanID, err)
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- parseScanEvent(scanID, msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// DeleteScanEvents 删除扫描事件流
func (s *Store) DeleteScanEvents(ctx context.Context, scanID string) error {
	return s.client.Del(ctx, scanEventsKey(scanID)).Err()
}
