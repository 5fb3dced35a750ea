package processstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/messaging"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"go.uber.org/zap"
)

// Process is a long-running workflow instance persisted by Store.
// Its exported state is stored as JSON.
type Process interface {
	ProcessID() string
	IsCompleted() bool
	Version() int
	SetVersion(version int)
	// PendingCommands returns the commands raised since the last save
	PendingCommands() []messaging.Envelope
	// MarkSaved forgets pending commands after they were persisted
	MarkSaved()
}

// Store persists processes of one type together with the commands they
// raised, then hands those commands to the bus one at a time. A command
// leaves the pending set only after the bus accepted it, so a crash between
// the save and the last send is repaired on the next load or sweep.
type Store[T Process] struct {
	backend     Backend
	processType string
	factory     func() T
	bus         messaging.CommandBus
	log         *logger.Logger
}

// New creates a process store for processType
func New[T Process](backend Backend, processType string, factory func() T, bus messaging.CommandBus, log *logger.Logger) *Store[T] {
	if log == nil {
		log = logger.Get()
	}
	return &Store[T]{
		backend:     backend,
		processType: processType,
		factory:     factory,
		bus:         bus,
		log:         log.Named("process-store").With(zap.String("process_type", processType)),
	}
}

// Save writes the process state and its pending commands in one write, then
// dispatches the commands. A failed dispatch is logged; the commands stay
// pending and are sent again later.
func (s *Store[T]) Save(ctx context.Context, p T) error {
	state, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode process %s: %w", p.ProcessID(), err)
	}

	pending, err := encodeEnvelopes(p.PendingCommands())
	if err != nil {
		return err
	}

	expected := p.Version()
	rec := Record{
		ID:          p.ProcessID(),
		ProcessType: s.processType,
		State:       state,
		Completed:   p.IsCompleted(),
		Version:     expected + 1,
		Pending:     pending,
	}
	if err := s.backend.Save(ctx, rec, expected); err != nil {
		return err
	}

	p.SetVersion(rec.Version)
	p.MarkSaved()

	if err := s.dispatch(ctx, rec.ID, rec.Version, pending); err != nil {
		s.log.Warn("Commands left pending after save",
			zap.String("process_id", rec.ID),
			zap.Error(err),
		)
	}
	return nil
}

// Find returns the process matching filter. Open processes are searched
// first; completed ones only when includeCompleted is set.
func (s *Store[T]) Find(ctx context.Context, filter Filter, includeCompleted bool) (T, error) {
	var zero T

	records, err := s.backend.Find(ctx, s.processType, filter, false)
	if err != nil {
		return zero, err
	}
	if len(records) == 0 && includeCompleted {
		if records, err = s.backend.Find(ctx, s.processType, filter, true); err != nil {
			return zero, err
		}
	}
	if len(records) == 0 {
		return zero, fmt.Errorf("%w: %s with %s=%s", domain.ErrNotFound, s.processType, filter.Field, filter.Value)
	}
	if len(records) > 1 {
		s.log.Warn("Filter matched more than one process",
			zap.String("field", filter.Field),
			zap.String("value", filter.Value),
			zap.Int("matches", len(records)),
		)
	}
	return s.load(ctx, records[0])
}

// FindByID returns a process by id, completed or not
func (s *Store[T]) FindByID(ctx context.Context, id string) (T, error) {
	rec, err := s.backend.Get(ctx, s.processType, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.load(ctx, rec)
}

// DispatchPending sends the leftover commands of up to limit processes and
// returns how many processes were flushed
func (s *Store[T]) DispatchPending(ctx context.Context, limit int) (int, error) {
	records, err := s.backend.WithPending(ctx, s.processType, limit)
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, rec := range records {
		if err := s.dispatch(ctx, rec.ID, rec.Version, rec.Pending); err != nil {
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}

// Sweep calls DispatchPending every interval until ctx is done
func (s *Store[T]) Sweep(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DispatchPending(ctx, batchSize)
			if err != nil && ctx.Err() == nil {
				s.log.Warn("Failed to dispatch pending process commands", zap.Error(err))
			}
			if n > 0 {
				s.log.Info("Dispatched pending process commands", zap.Int("processes", n))
			}
		}
	}
}

// load re-dispatches leftovers before handing the process to the caller
func (s *Store[T]) load(ctx context.Context, rec Record) (T, error) {
	var zero T

	if err := s.dispatch(ctx, rec.ID, rec.Version, rec.Pending); err != nil {
		return zero, err
	}

	p := s.factory()
	if err := json.Unmarshal(rec.State, p); err != nil {
		return zero, fmt.Errorf("failed to decode process %s: %w", rec.ID, err)
	}
	p.SetVersion(rec.Version)
	return p, nil
}

// dispatch sends pending in order and shrinks the stored list after each
// send. It stops quietly once the record moves past version: the newer save
// was made from a load that already flushed this list, and its own pending
// commands belong to whoever saved it.
func (s *Store[T]) dispatch(ctx context.Context, id string, version int, pending []json.RawMessage) error {
	for len(pending) > 0 {
		var env messaging.Envelope
		if err := json.Unmarshal(pending[0], &env); err != nil {
			s.log.Error("Dropping undecodable pending command",
				zap.String("process_id", id),
				zap.ByteString("payload", pending[0]),
				zap.Error(err),
			)
		} else if err := s.bus.Send(ctx, env); err != nil {
			return fmt.Errorf("failed to dispatch %s for process %s: %w", env.Command.CommandType(), id, err)
		}

		pending = pending[1:]
		err := s.backend.SetPending(ctx, s.processType, id, version, pending)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			s.log.Debug("Process saved during dispatch, leaving its pending commands",
				zap.String("process_id", id),
				zap.Int("version", version),
			)
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func encodeEnvelopes(envelopes []messaging.Envelope) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(envelopes))
	for _, env := range envelopes {
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to encode pending command: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}
