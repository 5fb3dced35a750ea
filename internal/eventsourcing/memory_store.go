package eventsourcing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
)

type storedEvent struct {
	eventType string
	payload   []byte
}

type pendingEntry struct {
	id        int64
	streamID  string
	event     storedEvent
	createdAt time.Time
}

// MemoryStore is an in-process EventStore and Outbox.
// Events are kept encoded so Load always goes through a full decode.
type MemoryStore struct {
	processing sync.Mutex

	mu      sync.Mutex
	streams map[string][]storedEvent
	pending []pendingEntry
	nextID  int64
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]storedEvent)}
}

func (s *MemoryStore) Load(ctx context.Context, streamID string) ([]domain.Event, error) {
	s.mu.Lock()
	stored := append([]storedEvent(nil), s.streams[streamID]...)
	s.mu.Unlock()

	events := make([]domain.Event, 0, len(stored))
	for _, se := range stored {
		e, err := domain.DecodeEvent(se.eventType, se.payload)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *MemoryStore) Append(ctx context.Context, streamID string, expectedVersion int, events []domain.Event) error {
	if err := checkVersions(streamID, expectedVersion, events); err != nil {
		return err
	}

	encoded := make([]storedEvent, 0, len(events))
	for _, e := range events {
		data, err := encodeEvent(e)
		if err != nil {
			return err
		}
		encoded = append(encoded, storedEvent{eventType: e.EventType(), payload: data})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current := len(s.streams[streamID]); current != expectedVersion {
		return fmt.Errorf("%w: stream %s at version %d, expected %d", domain.ErrConcurrencyConflict, streamID, current, expectedVersion)
	}

	now := time.Now()
	s.streams[streamID] = append(s.streams[streamID], encoded...)
	for _, se := range encoded {
		s.nextID++
		s.pending = append(s.pending, pendingEntry{id: s.nextID, streamID: streamID, event: se, createdAt: now})
	}
	return nil
}

// ProcessPending runs one batch at a time; appends may proceed while fn runs
func (s *MemoryStore) ProcessPending(ctx context.Context, limit int, fn func(ctx context.Context, batch []PendingEvent) error) (int, error) {
	s.processing.Lock()
	defer s.processing.Unlock()

	s.mu.Lock()
	n := len(s.pending)
	if limit > 0 && n > limit {
		n = limit
	}
	claimed := append([]pendingEntry(nil), s.pending[:n]...)
	s.mu.Unlock()

	if n == 0 {
		return 0, nil
	}

	batch := make([]PendingEvent, 0, n)
	for _, p := range claimed {
		e, err := domain.DecodeEvent(p.event.eventType, p.event.payload)
		if err != nil {
			return 0, err
		}
		batch = append(batch, PendingEvent{ID: p.id, StreamID: p.streamID, Event: e, CreatedAt: p.createdAt})
	}

	if err := fn(ctx, batch); err != nil {
		return 0, err
	}

	// Only this goroutine removes entries, so the claimed ones are still the head.
	s.mu.Lock()
	s.pending = append([]pendingEntry(nil), s.pending[n:]...)
	s.mu.Unlock()
	return n, nil
}

func (s *MemoryStore) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

// StreamIDs lists every stream, sorted
func (s *MemoryStore) StreamIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
