// Package runner defines the port to the external task execution system.
// The orchestration core dispatches work through it and queries it during
// reconciliation; it never assumes the runner's answers are fresh.
package runner

import "context"

// Status is the runner's view of one dispatched task.
type Status string

const (
	// StatusPending means the runner accepted the task but has not
	// started it.
	StatusPending Status = "PENDING"

	// StatusRunning means the task is executing.
	StatusRunning Status = "RUNNING"

	// StatusSuccess means the task finished successfully.
	StatusSuccess Status = "SUCCESS"

	// StatusFailure means the task finished with an error.
	StatusFailure Status = "FAILURE"

	// StatusUnknown means the runner has no record of the task. Expired
	// or evicted results surface this way.
	StatusUnknown Status = "UNKNOWN"
)

// Dispatch describes one task submission.
type Dispatch struct {
	JobID    string
	ChunkID  string
	TaskType string
	Payload  []byte
}

// TaskInfo is the runner's report for one external task.
type TaskInfo struct {
	ExternalTaskID string
	Status         Status
	Error          string
}

// TaskRunner is the external execution port. Implementations wrap whatever
// system actually runs the work.
type TaskRunner interface {
	// Dispatch submits a task and returns the runner's external task ID.
	Dispatch(ctx context.Context, d Dispatch) (string, error)

	// Status queries the runner for a previously dispatched task. A task
	// the runner no longer remembers reports StatusUnknown, not an error.
	Status(ctx context.Context, externalTaskID string) (TaskInfo, error)
}
