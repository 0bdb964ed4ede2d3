package chunking

import (
	"context"

	"github.com/google/uuid"
)

// StatusCounts aggregates a job's chunks by status.
type StatusCounts struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// ChunkRepository persists chunks. Claim must be implemented as a
// conditional update (compare-and-swap on status) so that at most one worker
// holds an active attempt on a chunk; there is no distributed lock.
type ChunkRepository interface {
	// CreateBatch persists a set of freshly created chunks for a job.
	CreateBatch(ctx context.Context, chunks []*Chunk) error

	// Get retrieves a chunk by id, returning ErrChunkNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*Chunk, error)

	// Update persists an already-claimed chunk's state. Writes stamped older
	// than the stored row are rejected.
	Update(ctx context.Context, chunk *Chunk) error

	// Claim atomically transitions a PENDING chunk to PROCESSING under the
	// given external task id. A second claimer receives ErrClaimConflict.
	Claim(ctx context.Context, id uuid.UUID, externalTaskID string) (*Chunk, error)

	// NextPending returns the oldest-created chunk among the highest-priority
	// pending set for the job. Returns ErrNoPendingChunks when none remain.
	NextPending(ctx context.Context, jobID uuid.UUID) (*Chunk, error)

	// ListByJob returns the job's chunks, optionally filtered by status,
	// ordered by chunk index.
	ListByJob(ctx context.Context, jobID uuid.UUID, statuses ...ChunkStatus) ([]*Chunk, error)

	// CountsByStatus returns aggregate chunk counts for a job.
	CountsByStatus(ctx context.Context, jobID uuid.UUID) (StatusCounts, error)

	// DeleteByJob removes every chunk belonging to a job.
	DeleteByJob(ctx context.Context, jobID uuid.UUID) (int64, error)
}
