package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/chunk-extractor/internal/models"
)

// RedisMirror copies ledger state to Redis so processes without the
// in-memory ledger (the API in front of a standalone worker) can read
// progress. The latest snapshot lives under ProgressKey with the retention
// TTL; every event is published on EventsChannel.
type RedisMirror struct {
	client    redis.UniversalClient
	retention time.Duration
}

func NewRedisMirror(client redis.UniversalClient, retention time.Duration) *RedisMirror {
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisMirror{client: client, retention: retention}
}

// ProgressKey is the snapshot key of a document.
func ProgressKey(docID string) string {
	return fmt.Sprintf("document:progress:%s", docID)
}

// EventsChannel is the pub/sub channel of a document.
func EventsChannel(docID string) string {
	return fmt.Sprintf("document:%s:progress", docID)
}

// Publish stores the event's progress snapshot and broadcasts the event.
func (m *RedisMirror) Publish(ctx context.Context, event models.ProgressEvent) error {
	snapshot, err := json.Marshal(event.Progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, ProgressKey(event.DocumentID), snapshot, m.retention)
	pipe.Publish(ctx, EventsChannel(event.DocumentID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror progress to redis: %w", err)
	}
	return nil
}

// Snapshot returns the last mirrored progress of a document.
func (m *RedisMirror) Snapshot(ctx context.Context, docID string) (models.DocumentProgress, error) {
	data, err := m.client.Get(ctx, ProgressKey(docID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.DocumentProgress{}, &models.NotFoundError{DocumentID: docID}
	}
	if err != nil {
		return models.DocumentProgress{}, fmt.Errorf("failed to get progress from redis: %w", err)
	}

	var p models.DocumentProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return models.DocumentProgress{}, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return p, nil
}

// Subscribe follows a document's events published by another process. It
// only sees events published after the call; callers read Snapshot first.
// The channel closes after the finalized event or when ctx is done.
func (m *RedisMirror) Subscribe(ctx context.Context, docID string) (<-chan models.ProgressEvent, error) {
	sub := m.client.Subscribe(ctx, EventsChannel(docID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to progress channel: %w", err)
	}

	out := make(chan models.ProgressEvent, subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Type == models.EventFinalized {
					return
				}
			}
		}
	}()
	return out, nil
}
