package processstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
)

type memoryKey struct {
	processType string
	id          string
}

// MemoryBackend keeps process records in memory
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[memoryKey]Record
	created map[memoryKey]int64
	seq     int64
}

// NewMemoryBackend creates an empty MemoryBackend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[memoryKey]Record),
		created: make(map[memoryKey]int64),
	}
}

func (b *MemoryBackend) Save(ctx context.Context, rec Record, expectedVersion int) error {
	key := memoryKey{rec.ProcessType, rec.ID}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists := b.records[key]
	switch {
	case !exists && expectedVersion != 0:
		return fmt.Errorf("%w: process %s does not exist", domain.ErrConcurrencyConflict, rec.ID)
	case exists && current.Version != expectedVersion:
		return fmt.Errorf("%w: process %s at version %d, expected %d", domain.ErrConcurrencyConflict, rec.ID, current.Version, expectedVersion)
	}

	if !exists {
		b.seq++
		b.created[key] = b.seq
	}
	rec.UpdatedAt = time.Now()
	b.records[key] = cloneRecord(rec)
	return nil
}

func (b *MemoryBackend) SetPending(ctx context.Context, processType, id string, version int, pending []json.RawMessage) error {
	key := memoryKey{processType, id}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok {
		return fmt.Errorf("%w: process %s", domain.ErrNotFound, id)
	}
	if rec.Version != version {
		return fmt.Errorf("%w: process %s at version %d, expected %d", domain.ErrConcurrencyConflict, id, rec.Version, version)
	}
	rec.Pending = clonePending(pending)
	rec.UpdatedAt = time.Now()
	b.records[key] = rec
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, processType, id string) (Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[memoryKey{processType, id}]
	if !ok {
		return Record{}, fmt.Errorf("%w: process %s", domain.ErrNotFound, id)
	}
	return cloneRecord(rec), nil
}

func (b *MemoryBackend) Find(ctx context.Context, processType string, filter Filter, completed bool) ([]Record, error) {
	return b.collect(processType, func(rec Record) (bool, error) {
		if rec.Completed != completed {
			return false, nil
		}
		return matches(rec.State, filter)
	})
}

func (b *MemoryBackend) WithPending(ctx context.Context, processType string, limit int) ([]Record, error) {
	recs, err := b.collect(processType, func(rec Record) (bool, error) {
		return len(rec.Pending) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (b *MemoryBackend) collect(processType string, keep func(Record) (bool, error)) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []memoryKey
	for key, rec := range b.records {
		if key.processType != processType {
			continue
		}
		ok, err := keep(rec)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return b.created[keys[i]] < b.created[keys[j]] })

	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		out = append(out, cloneRecord(b.records[key]))
	}
	return out, nil
}

func matches(state json.RawMessage, filter Filter) (bool, error) {
	var fields map[string]any
	if err := json.Unmarshal(state, &fields); err != nil {
		return false, fmt.Errorf("failed to decode process state: %w", err)
	}
	v, ok := fields[filter.Field].(string)
	return ok && v == filter.Value, nil
}

func cloneRecord(rec Record) Record {
	rec.State = append(json.RawMessage(nil), rec.State...)
	rec.Pending = clonePending(rec.Pending)
	return rec
}

func clonePending(pending []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(pending))
	for i, p := range pending {
		out[i] = append(json.RawMessage(nil), p...)
	}
	return out
}
