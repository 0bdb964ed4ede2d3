package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/avelsk/gatherd/internal/domain/runner"
)

// Classification is the reconciliation verdict for one dispatched chunk.
type Classification string

const (
	// ClassSilentlyCompleted means the runner finished the work but the
	// local record never heard about it.
	ClassSilentlyCompleted Classification = "SILENTLY_COMPLETED"

	// ClassFailed means the runner reports the task failed.
	ClassFailed Classification = "FAILED"

	// ClassStale means the runner has no definitive answer and the local
	// record has not been updated within the staleness threshold.
	ClassStale Classification = "STALE"

	// ClassActive means the task is demonstrably still making progress and
	// must be left alone.
	ClassActive Classification = "ACTIVE"
)

// ClassifiedChunk pairs a chunk with its reconciliation verdict.
type ClassifiedChunk struct {
	ChunkID        uuid.UUID
	ChunkIndex     int
	ExternalTaskID string
	RunnerStatus   runner.Status
	Class          Classification
	Reason         string
}

// ResumePoint tells a retried chunk exactly where to pick up so it continues
// instead of restarting. FromScratch is set when no usable checkpoint
// survived, in which case the other fields are zero.
type ResumePoint struct {
	ChunkID       uuid.UUID
	ChunkIndex    int
	RetryCount    int
	Engine        string
	LastVariation string
	OffsetStart   int
	OffsetEnd     int
	Downloaded    int
	FromScratch   bool
}

// ResumePlan is the actionable output of reconciliation: which chunks to
// retry and from where, which to give up on, and how much work remains.
type ResumePlan struct {
	JobID uuid.UUID

	// Retry holds failed and stale chunks still below their retry limit.
	Retry []ResumePoint

	// Skip holds chunks that exhausted their retries.
	Skip []uuid.UUID

	// RemainingQuantity is the target minus everything already downloaded.
	RemainingQuantity int

	// EstimatedDone is the projected completion time, extrapolated from
	// historical per-unit throughput. Zero when no throughput history
	// exists or nothing remains.
	EstimatedDone time.Time
}

// Result is the full outcome of one reconciliation pass.
type Result struct {
	JobID       uuid.UUID
	Classified  []ClassifiedChunk
	Plan        ResumePlan
	GeneratedAt time.Time
}

// Count returns how many chunks received the given classification.
func (r *Result) Count(class Classification) int {
	n := 0
	for _, c := range r.Classified {
		if c.Class == class {
			n++
		}
	}
	return n
}
