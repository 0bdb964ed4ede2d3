package checkpoint

import "fmt"

// RecordStatus represents the lifecycle state of a checkpoint record. The
// status drives expiration tiering in the fast store and archival in the
// durable store.
type RecordStatus string

const (
	// RecordStatusActive indicates work behind the record is still running.
	RecordStatusActive RecordStatus = "ACTIVE"

	// RecordStatusCompleted indicates the underlying work finished successfully.
	RecordStatusCompleted RecordStatus = "COMPLETED"

	// RecordStatusPartiallyCompleted indicates the job finished with some
	// chunks permanently failed after exhausting retries.
	RecordStatusPartiallyCompleted RecordStatus = "PARTIALLY_COMPLETED"

	// RecordStatusFailed indicates the underlying work failed permanently.
	RecordStatusFailed RecordStatus = "FAILED"

	// RecordStatusArchived indicates the record has been moved to
	// durable-only retention and evicted from the fast store.
	RecordStatusArchived RecordStatus = "ARCHIVED"
)

func (s RecordStatus) String() string { return string(s) }

// IsTerminal reports whether the record can no longer return to active work.
func (s RecordStatus) IsTerminal() bool {
	return s == RecordStatusCompleted || s == RecordStatusPartiallyCompleted ||
		s == RecordStatusFailed || s == RecordStatusArchived
}

// ParseRecordStatus converts a string to a RecordStatus.
func ParseRecordStatus(s string) (RecordStatus, bool) {
	switch RecordStatus(s) {
	case RecordStatusActive, RecordStatusCompleted, RecordStatusPartiallyCompleted,
		RecordStatusFailed, RecordStatusArchived:
		return RecordStatus(s), true
	default:
		return "", false
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s RecordStatus) ValidateTransition(target RecordStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid checkpoint record status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the record lifecycle rules. FAILED may return to
// ACTIVE because a bounded retry re-activates the record; archival is the
// only exit from the other terminal states.
func (s RecordStatus) isValidTransition(target RecordStatus) bool {
	switch s {
	case RecordStatusActive:
		return target == RecordStatusCompleted ||
			target == RecordStatusPartiallyCompleted ||
			target == RecordStatusFailed
	case RecordStatusCompleted, RecordStatusPartiallyCompleted:
		return target == RecordStatusArchived
	case RecordStatusFailed:
		return target == RecordStatusActive || target == RecordStatusArchived
	case RecordStatusArchived:
		return false
	default:
		return false
	}
}
