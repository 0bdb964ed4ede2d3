// Package postgres persists chunks in PostgreSQL. Claims are conditional
// updates on status so at most one worker wins without a distributed lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/avelsk/gatherd/internal/domain/chunking"
	"github.com/avelsk/gatherd/internal/infra/storage"
)

var _ chunking.ChunkRepository = (*chunkStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// chunkStore provides a PostgreSQL implementation of chunking.ChunkRepository.
type chunkStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewChunkStore creates a PostgreSQL-backed chunk repository using the
// provided connection pool.
func NewChunkStore(pool *pgxpool.Pool, tracer trace.Tracer) *chunkStore {
	return &chunkStore{pool: pool, tracer: tracer}
}

const chunkColumns = `id, job_id, chunk_index, range_start, range_end, status,
	priority, retry_count, external_task_id, last_error, created_at, updated_at, touched_at`

// CreateBatch inserts a job's chunks in one transaction so a job never ends
// up with a partial chunk set.
func (s *chunkStore) CreateBatch(ctx context.Context, chunks []*chunking.Chunk) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int("chunk_count", len(chunks)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_chunks", dbAttrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin chunk batch: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, chunk := range chunks {
			if _, err := tx.Exec(ctx, `
				INSERT INTO chunks (
					id, job_id, chunk_index, range_start, range_end, status,
					priority, retry_count, external_task_id, last_error,
					created_at, updated_at, touched_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				chunk.ID(), chunk.JobID(), chunk.Index(), chunk.RangeStart(), chunk.RangeEnd(),
				string(chunk.Status()), chunk.Priority(), chunk.RetryCount(),
				chunk.ExternalTaskID(), chunk.LastError(),
				chunk.CreatedAt(), chunk.UpdatedAt(), chunk.TouchedAt(),
			); err != nil {
				return fmt.Errorf("failed to insert chunk %d: %w", chunk.Index(), err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit chunk batch: %w", err)
		}
		return nil
	})
}

// Get retrieves a chunk by id.
func (s *chunkStore) Get(ctx context.Context, id uuid.UUID) (*chunking.Chunk, error) {
	var chunk *chunking.Chunk
	dbAttrs := append(defaultDBAttributes, attribute.String("chunk_id", id.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_chunk", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = $1`, id)
		var err error
		chunk, err = scanChunk(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return chunking.ErrChunkNotFound
			}
			return fmt.Errorf("failed to get chunk: %w", err)
		}
		return nil
	})
	return chunk, err
}

// Update persists chunk mutations, rejecting writes stamped older than the
// stored row.
func (s *chunkStore) Update(ctx context.Context, chunk *chunking.Chunk) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("chunk_id", chunk.ID().String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_chunk", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE chunks SET
				status = $2,
				priority = $3,
				retry_count = $4,
				external_task_id = $5,
				last_error = $6,
				updated_at = $7,
				touched_at = $8
			WHERE id = $1 AND updated_at < $7`,
			chunk.ID(), string(chunk.Status()), chunk.Priority(), chunk.RetryCount(),
			chunk.ExternalTaskID(), chunk.LastError(), chunk.UpdatedAt(), chunk.TouchedAt(),
		)
		if err != nil {
			return fmt.Errorf("failed to update chunk: %w", err)
		}
		if tag.RowsAffected() == 0 {
			exists, checkErr := s.chunkExists(ctx, chunk.ID())
			if checkErr != nil {
				return checkErr
			}
			if !exists {
				return chunking.ErrChunkNotFound
			}
			return chunking.ErrClaimConflict
		}
		return nil
	})
}

// Claim atomically transitions a PENDING chunk to PROCESSING. The WHERE
// clause is the entire concurrency story: losers match zero rows.
func (s *chunkStore) Claim(ctx context.Context, id uuid.UUID, externalTaskID string) (*chunking.Chunk, error) {
	var chunk *chunking.Chunk
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("chunk_id", id.String()),
		attribute.String("external_task_id", externalTaskID),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.claim_chunk", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			UPDATE chunks SET
				status = $2,
				external_task_id = $3,
				updated_at = now(),
				touched_at = now()
			WHERE id = $1 AND status = $4
			RETURNING `+chunkColumns,
			id, string(chunking.ChunkStatusProcessing), externalTaskID,
			string(chunking.ChunkStatusPending),
		)
		var err error
		chunk, err = scanChunk(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				exists, checkErr := s.chunkExists(ctx, id)
				if checkErr != nil {
					return checkErr
				}
				if !exists {
					return chunking.ErrChunkNotFound
				}
				return chunking.ErrClaimConflict
			}
			return fmt.Errorf("failed to claim chunk: %w", err)
		}
		return nil
	})
	return chunk, err
}

// NextPending returns the oldest chunk in the highest-priority pending set.
func (s *chunkStore) NextPending(ctx context.Context, jobID uuid.UUID) (*chunking.Chunk, error) {
	var chunk *chunking.Chunk
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.next_pending_chunk", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT `+chunkColumns+` FROM chunks
			WHERE job_id = $1 AND status = $2
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`,
			jobID, string(chunking.ChunkStatusPending),
		)
		var err error
		chunk, err = scanChunk(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return chunking.ErrNoPendingChunks
			}
			return fmt.Errorf("failed to select next pending chunk: %w", err)
		}
		return nil
	})
	return chunk, err
}

// ListByJob returns a job's chunks ordered by index, optionally filtered by
// status.
func (s *chunkStore) ListByJob(ctx context.Context, jobID uuid.UUID, statuses ...chunking.ChunkStatus) ([]*chunking.Chunk, error) {
	var chunks []*chunking.Chunk
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_chunks_by_job", dbAttrs, func(ctx context.Context) error {
		query := `SELECT ` + chunkColumns + ` FROM chunks WHERE job_id = $1`
		args := []any{jobID}
		if len(statuses) > 0 {
			names := make([]string, len(statuses))
			for i, st := range statuses {
				names[i] = string(st)
			}
			args = append(args, names)
			query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
		}
		query += " ORDER BY chunk_index ASC"

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list chunks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			chunk, err := scanChunk(rows)
			if err != nil {
				return fmt.Errorf("failed to scan chunk: %w", err)
			}
			chunks = append(chunks, chunk)
		}
		return rows.Err()
	})
	return chunks, err
}

// CountsByStatus returns aggregate chunk counts for a job.
func (s *chunkStore) CountsByStatus(ctx context.Context, jobID uuid.UUID) (chunking.StatusCounts, error) {
	var counts chunking.StatusCounts
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.count_chunks_by_status", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT status, COUNT(*) FROM chunks WHERE job_id = $1 GROUP BY status`, jobID)
		if err != nil {
			return fmt.Errorf("failed to count chunks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("failed to scan chunk counts: %w", err)
			}
			counts.Total += count
			switch chunking.ChunkStatus(status) {
			case chunking.ChunkStatusPending:
				counts.Pending = count
			case chunking.ChunkStatusProcessing:
				counts.Processing = count
			case chunking.ChunkStatusCompleted:
				counts.Completed = count
			case chunking.ChunkStatusFailed:
				counts.Failed = count
			}
		}
		return rows.Err()
	})
	return counts, err
}

// DeleteByJob removes every chunk belonging to a job.
func (s *chunkStore) DeleteByJob(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var deleted int64
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_chunks_by_job", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE job_id = $1`, jobID)
		if err != nil {
			return fmt.Errorf("failed to delete job chunks: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

func (s *chunkStore) chunkExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chunks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check chunk existence: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*chunking.Chunk, error) {
	var (
		id, jobID                       uuid.UUID
		index, rangeStart, rangeEnd     int
		status                          string
		priority, retryCount            int
		externalTaskID, lastError       string
		createdAt, updatedAt, touchedAt time.Time
	)
	if err := row.Scan(
		&id, &jobID, &index, &rangeStart, &rangeEnd, &status,
		&priority, &retryCount, &externalTaskID, &lastError,
		&createdAt, &updatedAt, &touchedAt,
	); err != nil {
		return nil, err
	}
	return chunking.ReconstructChunk(
		id, jobID, index, rangeStart, rangeEnd,
		chunking.ChunkStatus(status), priority, retryCount,
		externalTaskID, lastError,
		createdAt, updatedAt, touchedAt,
	), nil
}
