// Package postgres provides the authoritative PostgreSQL backend for
// checkpoint records. Writes enforce last-write-wins by update timestamp at
// the row level so concurrent writers cannot regress a record.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/avelsk/gatherd/internal/domain/checkpoint"
	"github.com/avelsk/gatherd/internal/infra/storage"
)

var _ checkpoint.DurableStore = (*recordStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// recordStore provides a PostgreSQL implementation of checkpoint.DurableStore.
type recordStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewRecordStore creates a PostgreSQL-backed durable checkpoint store using
// the provided connection pool.
func NewRecordStore(pool *pgxpool.Pool, tracer trace.Tracer) *recordStore {
	return &recordStore{pool: pool, tracer: tracer}
}

// Save upserts a record. The conflict clause only applies the update when
// the incoming timestamp is newer than the stored row; a rejected write
// surfaces as checkpoint.ErrStaleWrite.
func (s *recordStore) Save(ctx context.Context, record *checkpoint.Record) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("record_id", record.ID().String()),
		attribute.String("level", string(record.Level())),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_checkpoint_record", dbAttrs, func(ctx context.Context) error {
		metadata, err := json.Marshal(record.Metadata())
		if err != nil {
			return fmt.Errorf("failed to marshal record metadata: %w", err)
		}

		tag, err := s.pool.Exec(ctx, `
			INSERT INTO checkpoint_records (
				id, level, job_id, parent_id, status, payload, metadata,
				prev_attempt_id, reconciled, reconciled_at, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				payload = EXCLUDED.payload,
				metadata = EXCLUDED.metadata,
				prev_attempt_id = EXCLUDED.prev_attempt_id,
				reconciled = EXCLUDED.reconciled,
				reconciled_at = EXCLUDED.reconciled_at,
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at
			WHERE checkpoint_records.updated_at < EXCLUDED.updated_at`,
			record.ID(), string(record.Level()), record.JobID(), nullableUUID(record.ParentID()),
			string(record.Status()), []byte(record.Payload()), metadata,
			nullableUUID(record.PrevAttemptID()), record.Reconciled(),
			nullableTime(record.ReconciledAt()), record.Version(),
			record.CreatedAt(), record.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return checkpoint.ErrStaleWrite
		}
		return nil
	})
}

const recordColumns = `id, level, job_id, parent_id, status, payload, metadata,
	prev_attempt_id, reconciled, reconciled_at, version, created_at, updated_at`

// Get retrieves a record by id.
func (s *recordStore) Get(ctx context.Context, id uuid.UUID) (*checkpoint.Record, error) {
	var record *checkpoint.Record
	dbAttrs := append(defaultDBAttributes, attribute.String("record_id", id.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_checkpoint_record", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+recordColumns+` FROM checkpoint_records WHERE id = $1`, id)

		var err error
		record, err = scanRecord(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return checkpoint.ErrRecordNotFound
			}
			return fmt.Errorf("failed to get checkpoint record: %w", err)
		}
		return nil
	})
	return record, err
}

// Query returns records matching the filter, newest first. The external task
// id condition matches against record metadata, where chunk-level records
// carry the dispatching runner's task id.
func (s *recordStore) Query(ctx context.Context, filter checkpoint.Filter) ([]*checkpoint.Record, error) {
	var records []*checkpoint.Record
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.query_checkpoint_records", defaultDBAttributes, func(ctx context.Context) error {
		query := `SELECT ` + recordColumns + ` FROM checkpoint_records WHERE 1=1`
		var args []any

		if filter.JobID != uuid.Nil {
			args = append(args, filter.JobID)
			query += fmt.Sprintf(" AND job_id = $%d", len(args))
		}
		if filter.ParentID != uuid.Nil {
			args = append(args, filter.ParentID)
			query += fmt.Sprintf(" AND parent_id = $%d", len(args))
		}
		if filter.Level != "" {
			args = append(args, string(filter.Level))
			query += fmt.Sprintf(" AND level = $%d", len(args))
		}
		if len(filter.Statuses) > 0 {
			statuses := make([]string, len(filter.Statuses))
			for i, st := range filter.Statuses {
				statuses[i] = string(st)
			}
			args = append(args, statuses)
			query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
		}
		if filter.ExternalTaskID != "" {
			args = append(args, filter.ExternalTaskID)
			query += fmt.Sprintf(" AND metadata->>'external_task_id' = $%d", len(args))
		}
		if !filter.UpdatedBefore.IsZero() {
			args = append(args, filter.UpdatedBefore)
			query += fmt.Sprintf(" AND updated_at < $%d", len(args))
		}
		query += " ORDER BY updated_at DESC"

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query checkpoint records: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				return fmt.Errorf("failed to scan checkpoint record: %w", err)
			}
			records = append(records, record)
		}
		return rows.Err()
	})
	return records, err
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *recordStore) Delete(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("record_id", id.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_checkpoint_record", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoint_records WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete checkpoint record: %w", err)
		}
		return nil
	})
}

// DeleteByJob removes every record belonging to a job and reports how many
// rows were removed.
func (s *recordStore) DeleteByJob(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var deleted int64
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_checkpoint_records_by_job", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM checkpoint_records WHERE job_id = $1`, jobID)
		if err != nil {
			return fmt.Errorf("failed to delete job checkpoint records: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*checkpoint.Record, error) {
	var (
		id, jobID               uuid.UUID
		parentID, prevAttemptID *uuid.UUID
		level, status           string
		payload, metadataRaw    []byte
		reconciled              bool
		reconciledAt            *time.Time
		version                 int64
		createdAt, updatedAt    time.Time
	)
	if err := row.Scan(
		&id, &level, &jobID, &parentID, &status, &payload, &metadataRaw,
		&prevAttemptID, &reconciled, &reconciledAt, &version, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var metadata map[string]any
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record metadata: %w", err)
		}
	}

	return checkpoint.ReconstructRecord(
		id,
		checkpoint.Level(level),
		jobID,
		derefUUID(parentID),
		checkpoint.RecordStatus(status),
		payload,
		metadata,
		derefUUID(prevAttemptID),
		reconciled,
		derefTime(reconciledAt),
		version,
		createdAt,
		updatedAt,
	), nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func derefUUID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
