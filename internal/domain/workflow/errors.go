package workflow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrWorkflowNotFound indicates the requested workflow does not exist.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrTaskNotFound indicates the requested task does not exist.
var ErrTaskNotFound = errors.New("workflow task not found")

// ErrStaleWrite is returned when an update carries an older timestamp than
// the stored row. The caller lost a concurrent write and must re-read before
// retrying.
var ErrStaleWrite = errors.New("workflow write is stale")

// DefinitionError indicates a structurally invalid step pipeline.
type DefinitionError struct {
	StepIndex int
	Reason    string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid step definition at index %d: %s", e.StepIndex, e.Reason)
}

// InvalidTransitionError indicates a workflow status change that the state
// machine forbids.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid workflow transition from %s to %s", e.From, e.To)
}

// InvalidTaskTransitionError indicates a task status change that the state
// machine forbids.
type InvalidTaskTransitionError struct {
	From TaskStatus
	To   TaskStatus
}

func (e *InvalidTaskTransitionError) Error() string {
	return fmt.Sprintf("invalid task transition from %s to %s", e.From, e.To)
}

// InvalidStateError indicates an operation attempted against a workflow in
// the wrong state.
type InvalidStateError struct {
	WorkflowID uuid.UUID
	Status     Status
	Reason     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("workflow %s in status %s: %s", e.WorkflowID, e.Status, e.Reason)
}

// IncompleteError indicates a completion attempt with steps still pending.
type IncompleteError struct {
	Current int
	Total   int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("workflow incomplete: %d of %d steps finished", e.Current, e.Total)
}

// StepRangeError indicates a step index outside the pipeline bounds.
type StepRangeError struct {
	Step  int
	Total int
}

func (e *StepRangeError) Error() string {
	return fmt.Sprintf("step index %d out of range for %d steps", e.Step, e.Total)
}

// RecoveryLimitError indicates a workflow exhausted its recovery budget.
type RecoveryLimitError struct {
	WorkflowID uuid.UUID
	Attempts   int
}

func (e *RecoveryLimitError) Error() string {
	return fmt.Sprintf("workflow %s exceeded recovery limit after %d attempts", e.WorkflowID, e.Attempts)
}

// TaskRetryLimitError indicates a task exhausted its retry budget.
type TaskRetryLimitError struct {
	TaskID  uuid.UUID
	Retries int
}

func (e *TaskRetryLimitError) Error() string {
	return fmt.Sprintf("task %s exceeded retry limit after %d retries", e.TaskID, e.Retries)
}
