package eventsourcing

import (
	"context"
	"errors"
	"fmt"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/pkg/retry"
)

// LoadMode controls what Execute does when the stream does not exist yet
type LoadMode int

const (
	MustExist LoadMode = iota
	CreateIfMissing
)

// Repository loads and saves one aggregate type through an EventStore
type Repository[T Aggregate] struct {
	store      EventStore
	streamType string
	factory    func(id string) T
	retrier    *retry.Retrier
}

// NewRepository creates a repository; streams are named "<streamType>-<id>".
// retrier bounds the reload-and-retry loop of Execute.
func NewRepository[T Aggregate](store EventStore, streamType string, factory func(id string) T, retrier *retry.Retrier) *Repository[T] {
	if retrier == nil {
		retrier = retry.New(nil)
	}
	return &Repository[T]{
		store:      store,
		streamType: streamType,
		factory:    factory,
		retrier:    retrier.WithRetryIf(domain.IsConcurrencyConflict),
	}
}

func (r *Repository[T]) streamID(id string) string {
	return r.streamType + "-" + id
}

// Find rebuilds the aggregate, returning domain.ErrNotFound for an empty stream
func (r *Repository[T]) Find(ctx context.Context, id string) (T, error) {
	var zero T

	history, err := r.store.Load(ctx, r.streamID(id))
	if err != nil {
		return zero, err
	}
	if len(history) == 0 {
		return zero, fmt.Errorf("%w: %s %s", domain.ErrNotFound, r.streamType, id)
	}

	agg := r.factory(id)
	if err := Rehydrate(agg, history); err != nil {
		return zero, err
	}
	return agg, nil
}

// Save appends the uncommitted events at the version the aggregate was loaded at
func (r *Repository[T]) Save(ctx context.Context, agg T) error {
	events := agg.Uncommitted()
	if len(events) == 0 {
		return nil
	}

	expected := agg.Version() - len(events)
	if err := r.store.Append(ctx, r.streamID(agg.AggregateID()), expected, events); err != nil {
		return err
	}
	agg.MarkCommitted()
	return nil
}

// Execute runs fn against a freshly loaded aggregate and saves the result,
// reloading and re-running fn whenever the save hits a concurrency conflict.
// Errors returned by fn are never retried.
func (r *Repository[T]) Execute(ctx context.Context, id string, mode LoadMode, fn func(agg T) error) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		agg, err := r.Find(ctx, id)
		if err != nil {
			if !domain.IsNotFound(err) || mode == MustExist {
				return retry.Permanent(err)
			}
			agg = r.factory(id)
		}

		if err := fn(agg); err != nil {
			return retry.Permanent(err)
		}
		return r.Save(ctx, agg)
	})

	switch {
	case result.Err == nil:
		return nil
	case errors.Is(result.Err, retry.ErrMaxRetriesExceeded):
		return fmt.Errorf("giving up after %d attempts: %w", result.Attempts, result.LastError)
	case errors.Is(result.Err, retry.ErrContextCanceled):
		if result.LastError != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), result.LastError)
		}
		return ctx.Err()
	default:
		return result.Err
	}
}
