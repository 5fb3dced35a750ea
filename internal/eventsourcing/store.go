package eventsourcing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
)

// EventStore is an append-only log of per-aggregate streams
type EventStore interface {
	// Load returns the whole stream in version order; an empty slice means no stream
	Load(ctx context.Context, streamID string) ([]domain.Event, error)
	// Append fails with domain.ErrConcurrencyConflict when the stream is not at
	// expectedVersion. Appended events are staged for publishing atomically.
	Append(ctx context.Context, streamID string, expectedVersion int, events []domain.Event) error
}

// PendingEvent is an appended event not yet acknowledged by the event bus
type PendingEvent struct {
	ID        int64
	StreamID  string
	Event     domain.Event
	CreatedAt time.Time
}

// Outbox exposes the pending-publish queue to the publisher
type Outbox interface {
	// ProcessPending hands up to limit pending events, oldest first, to fn.
	// They are removed only if fn returns nil.
	ProcessPending(ctx context.Context, limit int, fn func(ctx context.Context, batch []PendingEvent) error) (int, error)
	CountPending(ctx context.Context) (int, error)
}

func encodeEvent(e domain.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", e.EventType(), err)
	}
	return data, nil
}

func checkVersions(streamID string, expectedVersion int, events []domain.Event) error {
	for i, e := range events {
		if want := expectedVersion + i + 1; e.EventVersion() != want {
			return fmt.Errorf("event %s on %s has version %d, want %d", e.EventType(), streamID, e.EventVersion(), want)
		}
	}
	return nil
}

// NotifyingStore calls notify after every successful append
type NotifyingStore struct {
	EventStore
	notify func()
}

// NewNotifyingStore wraps store so that a publisher can be woken after appends
func NewNotifyingStore(store EventStore, notify func()) *NotifyingStore {
	return &NotifyingStore{EventStore: store, notify: notify}
}

func (s *NotifyingStore) Append(ctx context.Context, streamID string, expectedVersion int, events []domain.Event) error {
	if err := s.EventStore.Append(ctx, streamID, expectedVersion, events); err != nil {
		return err
	}
	if s.notify != nil {
		s.notify()
	}
	return nil
}
