// Package workflow models dependency-gated, retrying step pipelines and the
// persisted state that makes them survivable across process restarts.
package workflow

import "fmt"

// Status represents the current state of a workflow. It is the single source
// of truth for "where is this job in its pipeline".
type Status string

const (
	// StatusPending indicates a workflow has been created but not started.
	StatusPending Status = "PENDING"

	// StatusRunning indicates steps are actively executing.
	StatusRunning Status = "RUNNING"

	// StatusPaused indicates no new steps are scheduled; resumable without
	// consuming a recovery attempt.
	StatusPaused Status = "PAUSED"

	// StatusCompleted indicates all steps finished successfully.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates a step exhausted its retries.
	StatusFailed Status = "FAILED"

	// StatusCancelled indicates the workflow was cancelled by request.
	StatusCancelled Status = "CANCELLED"

	// StatusRecovering indicates a bounded recovery attempt is re-entering
	// the pipeline at a computed resume step.
	StatusRecovering Status = "RECOVERING"
)

func (s Status) String() string { return string(s) }

// IsTerminal reports whether the workflow can make no further progress.
// FAILED is excluded because bounded recovery can re-enter it.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsRecoverable reports whether Recover may be invoked in this state.
func (s Status) IsRecoverable() bool {
	return s == StatusFailed || s == StatusPaused || s == StatusRunning
}

// ParseStatus converts a string to a workflow Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted,
		StatusFailed, StatusCancelled, StatusRecovering:
		return Status(s), true
	default:
		return "", false
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s Status) ValidateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid workflow status transition from %s to %s", s, target)
	}
	return nil
}

func (s Status) isValidTransition(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusRunning || target == StatusCancelled
	case StatusRunning:
		return target == StatusPaused || target == StatusCompleted ||
			target == StatusFailed || target == StatusCancelled ||
			target == StatusRecovering
	case StatusPaused:
		return target == StatusRunning || target == StatusCancelled
	case StatusFailed:
		return target == StatusRecovering
	case StatusRecovering:
		return target == StatusRunning || target == StatusFailed
	case StatusCompleted, StatusCancelled:
		return false
	default:
		return false
	}
}
