package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows Query results. Zero values are ignored.
type Filter struct {
	JobID          uuid.UUID
	ParentID       uuid.UUID
	Level          Level
	Statuses       []RecordStatus
	ExternalTaskID string
	UpdatedBefore  time.Time
}

// DurableStore is the authoritative persistence backend for checkpoint
// records. Implementations must enforce last-write-wins ordering: an update
// stamped older than the stored row returns ErrStaleWrite.
type DurableStore interface {
	// Save persists a new record or replaces an existing one, subject to the
	// timestamp ordering rule.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a record by id, returning ErrRecordNotFound when absent.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// Query returns all records matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]*Record, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, id uuid.UUID) error

	// DeleteByJob removes every record belonging to a job. Used by the
	// privileged clear/archive operation.
	DeleteByJob(ctx context.Context, jobID uuid.UUID) (int64, error)
}

// FastStore is the advisory cache in front of the durable store. Values are
// opaque serialized records; entries expire after their TTL. The durable
// store remains authoritative: fast-store presence without durable presence
// signals re-persistence, never trust.
type FastStore interface {
	// Set stores a serialized record under the given key with an expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a serialized record, reporting a miss via found=false.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Delete evicts a key. Evicting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Size returns the approximate number of bytes held by the store.
	Size(ctx context.Context) (int64, error)
}
