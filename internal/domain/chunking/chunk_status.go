// Package chunking models the bounded, independently-claimable slices of a
// collection job's target quantity and their forward-only lifecycle.
package chunking

import "fmt"

// ChunkStatus represents the execution state of a chunk. Transitions only
// advance; the single backward edge (FAILED to PENDING) exists for bounded
// retries and is guarded by the retry counter.
type ChunkStatus string

const (
	// ChunkStatusPending indicates a chunk is awaiting a worker claim.
	ChunkStatusPending ChunkStatus = "PENDING"

	// ChunkStatusProcessing indicates a worker holds the chunk's claim.
	ChunkStatusProcessing ChunkStatus = "PROCESSING"

	// ChunkStatusCompleted indicates the chunk's quantity range was collected.
	ChunkStatusCompleted ChunkStatus = "COMPLETED"

	// ChunkStatusFailed indicates the chunk's attempt errored.
	ChunkStatusFailed ChunkStatus = "FAILED"
)

func (s ChunkStatus) String() string { return string(s) }

// IsTerminal reports whether the chunk has reached a final outcome. FAILED is
// terminal only once retries are exhausted; the entity enforces that bound.
func (s ChunkStatus) IsTerminal() bool {
	return s == ChunkStatusCompleted || s == ChunkStatusFailed
}

// ParseChunkStatus converts a string to a ChunkStatus.
func ParseChunkStatus(s string) (ChunkStatus, bool) {
	switch ChunkStatus(s) {
	case ChunkStatusPending, ChunkStatusProcessing, ChunkStatusCompleted, ChunkStatusFailed:
		return ChunkStatus(s), true
	default:
		return "", false
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s ChunkStatus) ValidateTransition(target ChunkStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid chunk status transition from %s to %s", s, target)
	}
	return nil
}

func (s ChunkStatus) isValidTransition(target ChunkStatus) bool {
	switch s {
	case ChunkStatusPending:
		return target == ChunkStatusProcessing
	case ChunkStatusProcessing:
		return target == ChunkStatusCompleted || target == ChunkStatusFailed
	case ChunkStatusFailed:
		// Bounded retry resets a failed chunk to pending.
		return target == ChunkStatusPending
	case ChunkStatusCompleted:
		return false
	default:
		return false
	}
}
