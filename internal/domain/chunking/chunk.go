package chunking

import (
	"time"

	"github.com/google/uuid"

	"github.com/avelsk/gatherd/internal/domain/shared"
)

// Priority bounds for chunk scheduling. Higher values are claimed first.
const (
	MinPriority = 0
	MaxPriority = 10
)

// Chunk tracks one claimable slice of a job's target quantity. It maintains
// its own lifecycle independent of workflow steps; workers mutate it through
// status transitions validated here and made atomic by the storage layer.
type Chunk struct {
	id    uuid.UUID
	jobID uuid.UUID
	index int

	// Assigned half-open quantity range [rangeStart, rangeEnd).
	rangeStart int
	rangeEnd   int

	status         ChunkStatus
	priority       int
	retryCount     int
	externalTaskID string
	lastError      string

	createdAt time.Time
	updatedAt time.Time
	touchedAt time.Time

	timeProvider shared.TimeProvider
}

// ChunkOption defines functional options for configuring a new Chunk.
type ChunkOption func(*Chunk)

// WithTimeProvider sets a custom time provider for the chunk.
func WithTimeProvider(tp shared.TimeProvider) ChunkOption {
	return func(c *Chunk) { c.timeProvider = tp }
}

// NewChunk creates a pending Chunk covering [rangeStart, rangeEnd) at the
// given index within its parent job.
func NewChunk(jobID uuid.UUID, index, rangeStart, rangeEnd, priority int, opts ...ChunkOption) *Chunk {
	c := &Chunk{
		id:           uuid.New(),
		jobID:        jobID,
		index:        index,
		rangeStart:   rangeStart,
		rangeEnd:     rangeEnd,
		status:       ChunkStatusPending,
		priority:     priority,
		timeProvider: shared.RealTimeProvider{},
	}
	for _, opt := range opts {
		opt(c)
	}
	now := c.timeProvider.Now()
	c.createdAt = now
	c.updatedAt = now
	c.touchedAt = now
	return c
}

// ReconstructChunk creates a Chunk from persisted data without enforcing
// creation-time invariants. This should only be used by repositories when
// reconstructing from storage.
func ReconstructChunk(
	id uuid.UUID,
	jobID uuid.UUID,
	index int,
	rangeStart int,
	rangeEnd int,
	status ChunkStatus,
	priority int,
	retryCount int,
	externalTaskID string,
	lastError string,
	createdAt time.Time,
	updatedAt time.Time,
	touchedAt time.Time,
) *Chunk {
	return &Chunk{
		id:             id,
		jobID:          jobID,
		index:          index,
		rangeStart:     rangeStart,
		rangeEnd:       rangeEnd,
		status:         status,
		priority:       priority,
		retryCount:     retryCount,
		externalTaskID: externalTaskID,
		lastError:      lastError,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
		touchedAt:      touchedAt,
		timeProvider:   shared.RealTimeProvider{},
	}
}

// Getters.
func (c *Chunk) ID() uuid.UUID          { return c.id }
func (c *Chunk) JobID() uuid.UUID       { return c.jobID }
func (c *Chunk) Index() int             { return c.index }
func (c *Chunk) RangeStart() int        { return c.rangeStart }
func (c *Chunk) RangeEnd() int          { return c.rangeEnd }
func (c *Chunk) Quantity() int          { return c.rangeEnd - c.rangeStart }
func (c *Chunk) Status() ChunkStatus    { return c.status }
func (c *Chunk) Priority() int          { return c.priority }
func (c *Chunk) RetryCount() int        { return c.retryCount }
func (c *Chunk) ExternalTaskID() string { return c.externalTaskID }
func (c *Chunk) LastError() string      { return c.lastError }
func (c *Chunk) CreatedAt() time.Time   { return c.createdAt }
func (c *Chunk) UpdatedAt() time.Time   { return c.updatedAt }
func (c *Chunk) TouchedAt() time.Time   { return c.touchedAt }

// MarkProcessing transitions the chunk to PROCESSING under the claiming
// worker's external task id. The storage layer makes the companion update
// conditional so only one claimer can succeed.
func (c *Chunk) MarkProcessing(externalTaskID string) error {
	if err := c.status.ValidateTransition(ChunkStatusProcessing); err != nil {
		return err
	}
	c.status = ChunkStatusProcessing
	c.externalTaskID = externalTaskID
	c.stamp()
	return nil
}

// Complete marks the chunk's range as fully collected. Idempotent.
func (c *Chunk) Complete() error {
	if c.status == ChunkStatusCompleted {
		return nil
	}
	if err := c.status.ValidateTransition(ChunkStatusCompleted); err != nil {
		return err
	}
	c.status = ChunkStatusCompleted
	c.stamp()
	return nil
}

// Fail records the attempt's error and transitions the chunk to FAILED.
func (c *Chunk) Fail(errMsg string) error {
	if err := c.status.ValidateTransition(ChunkStatusFailed); err != nil {
		return err
	}
	c.status = ChunkStatusFailed
	c.lastError = errMsg
	c.stamp()
	return nil
}

// Retry resets a failed chunk to PENDING, increments the retry counter, and
// clears the previous error. Only valid on FAILED chunks below maxRetries.
func (c *Chunk) Retry(maxRetries int) error {
	if c.status != ChunkStatusFailed {
		return &InvalidStateError{
			ChunkID: c.id,
			Status:  c.status,
			Reason:  InvalidStateReasonNotFailed,
		}
	}
	if c.retryCount >= maxRetries {
		return &RetryLimitError{ChunkID: c.id, RetryCount: c.retryCount, MaxRetries: maxRetries}
	}
	c.status = ChunkStatusPending
	c.retryCount++
	c.lastError = ""
	c.externalTaskID = ""
	c.stamp()
	return nil
}

// Touch refreshes the heartbeat timestamp used for staleness detection.
func (c *Chunk) Touch() {
	c.touchedAt = c.timeProvider.Now()
	c.stamp()
}

func (c *Chunk) stamp() {
	now := c.timeProvider.Now()
	if !now.After(c.updatedAt) {
		now = c.updatedAt.Add(time.Microsecond)
	}
	c.updatedAt = now
}
