// Package checkpoint defines the persisted progress ledger used to resume
// collection work without redoing it. Records exist at four granularities
// (job, chunk, engine, batch) and share a single envelope so the storage
// layer can treat them uniformly.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Level identifies the granularity of a checkpoint record.
type Level string

const (
	// LevelJob tracks aggregate progress for an entire collection job.
	LevelJob Level = "job"

	// LevelChunk tracks one claimable slice of a job's target quantity.
	LevelChunk Level = "chunk"

	// LevelEngine tracks one engine's query-variation progress within a chunk.
	LevelEngine Level = "engine"

	// LevelBatch tracks the download lifecycle of one discovered URL batch.
	LevelBatch Level = "batch"
)

// ParseLevel converts a string to a Level, returning false for unknown values.
func ParseLevel(s string) (Level, bool) {
	switch Level(s) {
	case LevelJob, LevelChunk, LevelEngine, LevelBatch:
		return Level(s), true
	default:
		return "", false
	}
}

// Record is the envelope persisted by the checkpoint store. It carries the
// identity, status, and ordering metadata common to every checkpoint level;
// the level-specific body lives in Payload as JSON.
type Record struct {
	// Identity.
	id      uuid.UUID
	level   Level
	jobID   uuid.UUID
	parentID uuid.UUID

	// State.
	status   RecordStatus
	payload  json.RawMessage
	metadata map[string]any

	// Retry lineage: the previous attempt's record, used as a fallback when
	// this record fails schema validation on read.
	prevAttemptID uuid.UUID

	// Reconciliation bookkeeping.
	reconciled   bool
	reconciledAt time.Time

	// Ordering. UpdatedAt is the last-write-wins authority; version increases
	// on every accepted write and backs optimistic concurrency at the store.
	version   int64
	createdAt time.Time
	updatedAt time.Time
}

// NewRecord creates a Record for a fresh checkpoint at the given level.
func NewRecord(level Level, jobID, parentID uuid.UUID, payload json.RawMessage) *Record {
	now := time.Now().UTC()
	return &Record{
		id:        uuid.New(),
		level:     level,
		jobID:     jobID,
		parentID:  parentID,
		status:    RecordStatusActive,
		payload:   payload,
		metadata:  make(map[string]any),
		version:   1,
		createdAt: now,
		updatedAt: now,
	}
}

// ReconstructRecord creates a Record from persisted data without enforcing
// creation-time invariants. This should only be used by repositories when
// reconstructing from storage.
func ReconstructRecord(
	id uuid.UUID,
	level Level,
	jobID uuid.UUID,
	parentID uuid.UUID,
	status RecordStatus,
	payload json.RawMessage,
	metadata map[string]any,
	prevAttemptID uuid.UUID,
	reconciled bool,
	reconciledAt time.Time,
	version int64,
	createdAt time.Time,
	updatedAt time.Time,
) *Record {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Record{
		id:            id,
		level:         level,
		jobID:         jobID,
		parentID:      parentID,
		status:        status,
		payload:       payload,
		metadata:      metadata,
		prevAttemptID: prevAttemptID,
		reconciled:    reconciled,
		reconciledAt:  reconciledAt,
		version:       version,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
	}
}

// Getters.
func (r *Record) ID() uuid.UUID            { return r.id }
func (r *Record) Level() Level             { return r.level }
func (r *Record) JobID() uuid.UUID         { return r.jobID }
func (r *Record) ParentID() uuid.UUID      { return r.parentID }
func (r *Record) Status() RecordStatus     { return r.status }
func (r *Record) Payload() json.RawMessage { return r.payload }
func (r *Record) Metadata() map[string]any { return r.metadata }
func (r *Record) PrevAttemptID() uuid.UUID { return r.prevAttemptID }
func (r *Record) Reconciled() bool         { return r.reconciled }
func (r *Record) ReconciledAt() time.Time  { return r.reconciledAt }
func (r *Record) Version() int64           { return r.version }
func (r *Record) CreatedAt() time.Time     { return r.createdAt }
func (r *Record) UpdatedAt() time.Time     { return r.updatedAt }

// SetPayload replaces the level-specific body and stamps the write.
func (r *Record) SetPayload(payload json.RawMessage, now time.Time) {
	r.payload = payload
	r.stamp(now)
}

// SetMetadata stores an open-ended extension value on the record.
func (r *Record) SetMetadata(key string, value any) {
	if r.metadata == nil {
		r.metadata = make(map[string]any)
	}
	r.metadata[key] = value
}

// SetPrevAttemptID links this record to the attempt it superseded.
func (r *Record) SetPrevAttemptID(id uuid.UUID) { r.prevAttemptID = id }

// MarkReconciled flags the record as updated by reconciliation rather than by
// the worker that owned it, so repeated reconciliation runs can skip it.
func (r *Record) MarkReconciled(now time.Time) {
	r.reconciled = true
	r.reconciledAt = now
	r.stamp(now)
}

// UpdateStatus transitions the record's status after validating the change.
func (r *Record) UpdateStatus(target RecordStatus, now time.Time) error {
	if err := r.status.ValidateTransition(target); err != nil {
		return err
	}
	r.status = target
	r.stamp(now)
	return nil
}

// Touch refreshes the record's update timestamp without other changes, used
// for heartbeat-style staleness suppression.
func (r *Record) Touch(now time.Time) { r.stamp(now) }

func (r *Record) stamp(now time.Time) {
	// Guarantee that every accepted write moves the timestamp forward even
	// when the clock hasn't advanced past the previous write's granularity.
	if !now.After(r.updatedAt) {
		now = r.updatedAt.Add(time.Microsecond)
	}
	r.updatedAt = now
	r.version++
}

// recordDTO is the serialized form shared by MarshalJSON and UnmarshalJSON.
type recordDTO struct {
	ID            string          `json:"id"`
	Level         Level           `json:"level"`
	JobID         string          `json:"job_id"`
	ParentID      string          `json:"parent_id,omitempty"`
	Status        RecordStatus    `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	PrevAttemptID string          `json:"prev_attempt_id,omitempty"`
	Reconciled    bool            `json:"reconciled,omitempty"`
	ReconciledAt  *time.Time      `json:"reconciled_at,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MarshalJSON serializes the Record into a JSON byte array.
func (r *Record) MarshalJSON() ([]byte, error) {
	dto := recordDTO{
		ID:        r.id.String(),
		Level:     r.level,
		JobID:     r.jobID.String(),
		Status:    r.status,
		Payload:   r.payload,
		Metadata:  r.metadata,
		Version:   r.version,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
	if r.parentID != uuid.Nil {
		dto.ParentID = r.parentID.String()
	}
	if r.prevAttemptID != uuid.Nil {
		dto.PrevAttemptID = r.prevAttemptID.String()
	}
	if r.reconciled {
		dto.Reconciled = true
		t := r.reconciledAt
		dto.ReconciledAt = &t
	}
	return json.Marshal(&dto)
}

// UnmarshalJSON deserializes JSON data into a Record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var dto recordDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}

	id, err := uuid.Parse(dto.ID)
	if err != nil {
		return fmt.Errorf("invalid record id: %w", err)
	}
	jobID, err := uuid.Parse(dto.JobID)
	if err != nil {
		return fmt.Errorf("invalid job id: %w", err)
	}

	parentID := uuid.Nil
	if dto.ParentID != "" {
		if parentID, err = uuid.Parse(dto.ParentID); err != nil {
			return fmt.Errorf("invalid parent id: %w", err)
		}
	}
	prevID := uuid.Nil
	if dto.PrevAttemptID != "" {
		if prevID, err = uuid.Parse(dto.PrevAttemptID); err != nil {
			return fmt.Errorf("invalid prev attempt id: %w", err)
		}
	}

	r.id = id
	r.level = dto.Level
	r.jobID = jobID
	r.parentID = parentID
	r.status = dto.Status
	r.payload = dto.Payload
	r.metadata = dto.Metadata
	r.prevAttemptID = prevID
	r.reconciled = dto.Reconciled
	if dto.ReconciledAt != nil {
		r.reconciledAt = *dto.ReconciledAt
	}
	r.version = dto.Version
	r.createdAt = dto.CreatedAt
	r.updatedAt = dto.UpdatedAt
	if r.metadata == nil {
		r.metadata = make(map[string]any)
	}
	return nil
}
