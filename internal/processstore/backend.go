package processstore

import (
	"context"
	"encoding/json"
	"time"
)

// Record is the persisted form of one process instance
type Record struct {
	ID          string
	ProcessType string
	State       json.RawMessage
	Completed   bool
	Version     int
	// Pending holds encoded command envelopes not yet handed to the bus
	Pending   []json.RawMessage
	UpdatedAt time.Time
}

// Filter matches a top-level string field of the process state
type Filter struct {
	Field string
	Value string
}

// By returns a filter on field == value
func By(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

// Backend persists process records
type Backend interface {
	// Save writes rec if the stored version equals expectedVersion.
	// An expectedVersion of 0 inserts a new record.
	Save(ctx context.Context, rec Record, expectedVersion int) error
	// SetPending replaces the pending commands of a record still at version.
	// A record saved since then returns ErrConcurrencyConflict and is left as is.
	SetPending(ctx context.Context, processType, id string, version int, pending []json.RawMessage) error
	Get(ctx context.Context, processType, id string) (Record, error)
	// Find returns matching records with the given completed flag, oldest first
	Find(ctx context.Context, processType string, filter Filter, completed bool) ([]Record, error)
	// WithPending returns up to limit records that still have pending commands
	WithPending(ctx context.Context, processType string, limit int) ([]Record, error)
}
