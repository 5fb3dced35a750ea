package eventsourcing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/pkg/database"
)

// PostgresStore implements EventStore and Outbox on the events and pending_events tables
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed event store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Load replays a stream in version order
func (s *PostgresStore) Load(ctx context.Context, streamID string) ([]domain.Event, error) {
	query := `
		SELECT event_type, payload
		FROM events
		WHERE stream_id = $1
		ORDER BY version
	`

	rows, err := s.pool.Query(ctx, query, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stream %s: %w", streamID, err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var eventType string
		var payload []byte
		if err := rows.Scan(&eventType, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := domain.DecodeEvent(eventType, payload)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// Append writes events and their pending-publish rows in one transaction
func (s *PostgresStore) Append(ctx context.Context, streamID string, expectedVersion int, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := checkVersions(streamID, expectedVersion, events); err != nil {
		return err
	}

	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var current int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1`,
			streamID,
		).Scan(&current); err != nil {
			return fmt.Errorf("failed to read stream version: %w", err)
		}
		if current != expectedVersion {
			return fmt.Errorf("%w: stream %s at version %d, expected %d", domain.ErrConcurrencyConflict, streamID, current, expectedVersion)
		}

		now := time.Now()
		for _, e := range events {
			payload, err := encodeEvent(e)
			if err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO events (stream_id, version, event_type, source_id, payload, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				streamID, e.EventVersion(), e.EventType(), e.AggregateID(), payload, now,
			); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO pending_events (stream_id, version, event_type, payload, created_at)
				VALUES ($1, $2, $3, $4, $5)`,
				streamID, e.EventVersion(), e.EventType(), payload, now,
			); err != nil {
				return err
			}
		}
		return nil
	})

	if database.IsUniqueViolation(err) {
		// A concurrent writer appended the same version between our read and insert.
		return fmt.Errorf("%w: stream %s: %v", domain.ErrConcurrencyConflict, streamID, err)
	}
	if err != nil && !domain.IsConcurrencyConflict(err) {
		return fmt.Errorf("failed to append to stream %s: %w", streamID, err)
	}
	return err
}

// ProcessPending locks a batch with SKIP LOCKED, hands it to fn and deletes it on success.
// The rows stay locked until fn returns, so concurrent publishers never share a batch.
func (s *PostgresStore) ProcessPending(ctx context.Context, limit int, fn func(ctx context.Context, batch []PendingEvent) error) (int, error) {
	processed := 0

	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, stream_id, event_type, payload, created_at
			FROM pending_events
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`,
			limit,
		)
		if err != nil {
			return fmt.Errorf("failed to query pending events: %w", err)
		}

		var batch []PendingEvent
		for rows.Next() {
			var (
				p         PendingEvent
				eventType string
				payload   []byte
			)
			if err := rows.Scan(&p.ID, &p.StreamID, &eventType, &payload, &p.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan pending event: %w", err)
			}
			e, err := domain.DecodeEvent(eventType, payload)
			if err != nil {
				rows.Close()
				return err
			}
			p.Event = e
			batch = append(batch, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating pending events: %w", err)
		}

		if len(batch) == 0 {
			return nil
		}

		if err := fn(ctx, batch); err != nil {
			return err
		}

		ids := make([]int64, 0, len(batch))
		for _, p := range batch {
			ids = append(ids, p.ID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM pending_events WHERE id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("failed to delete published events: %w", err)
		}

		processed = len(batch)
		return nil
	})

	if err != nil {
		return 0, err
	}
	return processed, nil
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pending_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}
