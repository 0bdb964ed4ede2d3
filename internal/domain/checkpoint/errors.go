package checkpoint

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrRecordNotFound is returned when a checkpoint record does not exist in
// the queried store.
var ErrRecordNotFound = errors.New("checkpoint record not found")

// ErrStaleWrite is returned when a write carries an older timestamp than the
// currently stored record. Last-write-wins by timestamp, not arrival order.
var ErrStaleWrite = errors.New("checkpoint write is stale")

// StoreUnavailableError indicates both persistence backends rejected a write.
// The caller decides whether to proceed without a persisted checkpoint.
type StoreUnavailableError struct {
	RecordID   uuid.UUID
	FastErr    error
	DurableErr error
}

// Error returns a string representation of the error.
func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("checkpoint store unavailable for record %s: fast: %v, durable: %v",
		e.RecordID, e.FastErr, e.DurableErr)
}

// CorruptRecordError indicates a record failed schema validation on read and
// could not be repaired or replaced by a lineage ancestor.
type CorruptRecordError struct {
	RecordID uuid.UUID
	Level    Level
	Cause    error
}

// Error returns a string representation of the error.
func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt %s checkpoint record %s: %v", e.Level, e.RecordID, e.Cause)
}

// Unwrap exposes the underlying validation failure.
func (e *CorruptRecordError) Unwrap() error { return e.Cause }
