package eventsourcing

import (
	"fmt"

	"github.com/prohmpiriya/conference-registration/internal/domain"
)

// Aggregate is a consistency boundary rebuilt from its own event stream
type Aggregate interface {
	AggregateID() string
	// Version is the version of the last applied event, uncommitted included
	Version() int
	// Apply mutates state for one event; it never validates or rejects business rules
	Apply(event domain.Event) error
	Uncommitted() []domain.Event
	MarkCommitted()
	SetVersion(version int)
}

// Base implements the bookkeeping shared by all aggregates
type Base struct {
	id          string
	version     int
	uncommitted []domain.Event
}

// NewBase returns a Base for the aggregate id
func NewBase(id string) Base {
	return Base{id: id}
}

func (b *Base) AggregateID() string { return b.id }

func (b *Base) Version() int { return b.version }

func (b *Base) SetVersion(version int) { b.version = version }

// Uncommitted returns events raised since the last save
func (b *Base) Uncommitted() []domain.Event { return b.uncommitted }

// MarkCommitted forgets uncommitted events after they were appended
func (b *Base) MarkCommitted() { b.uncommitted = nil }

// PersistedVersion is the stream version the aggregate was loaded at
func (b *Base) PersistedVersion() int { return b.version - len(b.uncommitted) }

// Raise stamps event with the next version, applies it and queues it for saving
func (b *Base) Raise(event domain.Event, apply func(domain.Event) error) error {
	next := b.version + 1
	event.SetMeta(b.id, next)
	if err := apply(event); err != nil {
		return err
	}
	b.version = next
	b.uncommitted = append(b.uncommitted, event)
	return nil
}

// Rehydrate replays history onto a fresh aggregate
func Rehydrate(agg Aggregate, history []domain.Event) error {
	for _, e := range history {
		if err := agg.Apply(e); err != nil {
			return fmt.Errorf("failed to replay %s v%d on %s: %w", e.EventType(), e.EventVersion(), agg.AggregateID(), err)
		}
		agg.SetVersion(e.EventVersion())
	}
	return nil
}
