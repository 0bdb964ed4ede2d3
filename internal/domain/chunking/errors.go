package chunking

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrChunkNotFound is returned when a chunk does not exist in storage.
var ErrChunkNotFound = errors.New("chunk not found")

// ErrJobNotFound is returned when an operation references an unknown job.
var ErrJobNotFound = errors.New("job not found")

// ErrNoPendingChunks is returned by NextPending when a job has no claimable
// work left.
var ErrNoPendingChunks = errors.New("no pending chunks")

// ErrClaimConflict is returned when a worker loses the race to claim a chunk.
// The loser's in-flight executor result, if any, is discarded, not retried.
var ErrClaimConflict = errors.New("chunk already claimed by another worker")

// InvalidStateReason represents the specific reason a chunk operation was
// rejected for its current state.
type InvalidStateReason string

const (
	// InvalidStateReasonNotFailed indicates a retry was requested on a chunk
	// that is not in the FAILED state.
	InvalidStateReasonNotFailed InvalidStateReason = "NOT_FAILED"

	// InvalidStateReasonTerminal indicates a mutation was requested on a
	// chunk that already reached a terminal state.
	InvalidStateReasonTerminal InvalidStateReason = "TERMINAL"
)

// InvalidStateError indicates a chunk is in the wrong state for an operation.
type InvalidStateError struct {
	ChunkID uuid.UUID
	Status  ChunkStatus
	Reason  InvalidStateReason
}

// Error returns a string representation of the error.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("chunk %s is in invalid state %s: %s", e.ChunkID, e.Status, e.Reason)
}

// RetryLimitError indicates a retry was requested past the configured bound.
// Exceeding the bound is a terminal failed state, not a silent reset.
type RetryLimitError struct {
	ChunkID    uuid.UUID
	RetryCount int
	MaxRetries int
}

// Error returns a string representation of the error.
func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("chunk %s exhausted retries (%d of %d)", e.ChunkID, e.RetryCount, e.MaxRetries)
}

// ValidationError indicates malformed input to chunk creation. Validation
// errors are rejected synchronously and never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

// Error returns a string representation of the error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
