package workflow

import "fmt"

// TaskStatus represents the execution state of an individual workflow step
// attempt.
type TaskStatus string

const (
	// TaskStatusPending indicates the step has not been considered yet.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusQueued indicates prerequisites are met and the step awaits
	// execution.
	TaskStatusQueued TaskStatus = "QUEUED"

	// TaskStatusRunning indicates the step's executor is in flight.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusCompleted indicates the step finished successfully.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed indicates the step exhausted its retries.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusRetrying indicates the step errored and is waiting out its
	// backoff before another attempt.
	TaskStatusRetrying TaskStatus = "RETRYING"

	// TaskStatusSkipped indicates a prerequisite failed permanently, so the
	// step was never attempted.
	TaskStatusSkipped TaskStatus = "SKIPPED"

	// TaskStatusCancelled indicates the workflow was cancelled before or
	// during the step.
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether the step attempt reached a final outcome.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed ||
		s == TaskStatusSkipped || s == TaskStatusCancelled
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusRetrying, TaskStatusSkipped, TaskStatusCancelled:
		return TaskStatus(s), true
	default:
		return "", false
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s TaskStatus) ValidateTransition(target TaskStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid workflow task status transition from %s to %s", s, target)
	}
	return nil
}

func (s TaskStatus) isValidTransition(target TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return target == TaskStatusQueued || target == TaskStatusSkipped ||
			target == TaskStatusCancelled
	case TaskStatusQueued:
		return target == TaskStatusRunning || target == TaskStatusSkipped ||
			target == TaskStatusCancelled
	case TaskStatusRunning:
		return target == TaskStatusCompleted || target == TaskStatusFailed ||
			target == TaskStatusRetrying || target == TaskStatusCancelled
	case TaskStatusRetrying:
		return target == TaskStatusRunning || target == TaskStatusFailed ||
			target == TaskStatusCancelled
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusCancelled:
		return false
	default:
		return false
	}
}
