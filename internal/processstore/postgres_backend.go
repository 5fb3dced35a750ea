package processstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/pkg/database"
)

// PostgresBackend stores processes in the processes table with JSONB state
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a new PostgreSQL process backend
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

const selectColumns = `id, process_type, state, completed, version, pending_commands, updated_at`

func (b *PostgresBackend) Save(ctx context.Context, rec Record, expectedVersion int) error {
	pending, err := encodePending(rec.Pending)
	if err != nil {
		return err
	}

	if expectedVersion == 0 {
		query := `
			INSERT INTO processes (id, process_type, state, completed, version, pending_commands)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		_, err := b.pool.Exec(ctx, query, rec.ID, rec.ProcessType, []byte(rec.State), rec.Completed, rec.Version, pending)
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: process %s already exists", domain.ErrConcurrencyConflict, rec.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert process %s: %w", rec.ID, err)
		}
		return nil
	}

	query := `
		UPDATE processes
		SET state = $3, completed = $4, version = $5, pending_commands = $6, updated_at = NOW()
		WHERE process_type = $1 AND id = $2 AND version = $7
	`
	tag, err := b.pool.Exec(ctx, query, rec.ProcessType, rec.ID, []byte(rec.State), rec.Completed, rec.Version, pending, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update process %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: process %s is not at version %d", domain.ErrConcurrencyConflict, rec.ID, expectedVersion)
	}
	return nil
}

func (b *PostgresBackend) SetPending(ctx context.Context, processType, id string, version int, pending []json.RawMessage) error {
	encoded, err := encodePending(pending)
	if err != nil {
		return err
	}

	query := `
		UPDATE processes
		SET pending_commands = $4, updated_at = NOW()
		WHERE process_type = $1 AND id = $2 AND version = $3
	`
	tag, err := b.pool.Exec(ctx, query, processType, id, version, encoded)
	if err != nil {
		return fmt.Errorf("failed to update pending commands of %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = b.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processes WHERE process_type = $1 AND id = $2)`,
		processType, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check process %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: process %s", domain.ErrNotFound, id)
	}
	return fmt.Errorf("%w: process %s is not at version %d", domain.ErrConcurrencyConflict, id, version)
}

func (b *PostgresBackend) Get(ctx context.Context, processType, id string) (Record, error) {
	query := `SELECT ` + selectColumns + ` FROM processes WHERE process_type = $1 AND id = $2`

	rec, err := scanRecord(b.pool.QueryRow(ctx, query, processType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: process %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get process %s: %w", id, err)
	}
	return rec, nil
}

// Find matches on state containment so the GIN index on state is used
func (b *PostgresBackend) Find(ctx context.Context, processType string, filter Filter, completed bool) ([]Record, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM processes
		WHERE process_type = $1
		  AND completed = $2
		  AND state @> jsonb_build_object($3::text, $4::text)
		ORDER BY created_at
	`
	return b.query(ctx, query, processType, completed, filter.Field, filter.Value)
}

func (b *PostgresBackend) WithPending(ctx context.Context, processType string, limit int) ([]Record, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM processes
		WHERE process_type = $1 AND pending_commands <> '[]'::jsonb
		ORDER BY updated_at
		LIMIT $2
	`
	return b.query(ctx, query, processType, limit)
}

func (b *PostgresBackend) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query processes: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processes: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var state, pending []byte
	if err := row.Scan(&rec.ID, &rec.ProcessType, &state, &rec.Completed, &rec.Version, &pending, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.State = state
	if err := json.Unmarshal(pending, &rec.Pending); err != nil {
		return Record{}, fmt.Errorf("failed to decode pending commands: %w", err)
	}
	return rec, nil
}

func encodePending(pending []json.RawMessage) ([]byte, error) {
	if pending == nil {
		pending = []json.RawMessage{}
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending commands: %w", err)
	}
	return data, nil
}
