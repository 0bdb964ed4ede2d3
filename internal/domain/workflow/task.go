package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/avelsk/gatherd/internal/domain/shared"
)

// Task is one step attempt within a workflow. A retried step reuses the
// same task with an incremented retry count; a recovered step produces a
// fresh task that records its predecessor through prevAttemptID.
type Task struct {
	id         uuid.UUID
	workflowID uuid.UUID
	stepIndex  int
	stepName   string
	dependsOn  []int
	status     TaskStatus

	retryCount int
	maxRetries int
	lastError  string
	result     json.RawMessage

	prevAttemptID *uuid.UUID

	startedAt   time.Time
	completedAt time.Time
	createdAt   time.Time
	updatedAt   time.Time

	timeProvider shared.TimeProvider
}

// TaskOption configures a Task during construction.
type TaskOption func(*Task)

// WithTaskTimeProvider sets a custom time provider, primarily for tests.
func WithTaskTimeProvider(tp shared.TimeProvider) TaskOption {
	return func(t *Task) { t.timeProvider = tp }
}

// WithPrevAttempt links this task to the attempt it supersedes.
func WithPrevAttempt(prev uuid.UUID) TaskOption {
	return func(t *Task) { t.prevAttemptID = &prev }
}

// NewTask creates a pending task for one step of a workflow.
func NewTask(workflowID uuid.UUID, def StepDefinition, stepIndex int, opts ...TaskOption) *Task {
	t := &Task{
		id:           uuid.New(),
		workflowID:   workflowID,
		stepIndex:    stepIndex,
		stepName:     def.Name,
		dependsOn:    append([]int(nil), def.DependsOn...),
		status:       TaskStatusPending,
		maxRetries:   def.MaxRetries,
		timeProvider: shared.RealTimeProvider{},
	}
	for _, opt := range opts {
		opt(t)
	}
	now := t.timeProvider.Now()
	t.createdAt = now
	t.updatedAt = now
	return t
}

// ReconstructTask rebuilds a task from persistent storage without invoking
// domain validation.
func ReconstructTask(
	id, workflowID uuid.UUID,
	stepIndex int,
	stepName string,
	dependsOn []int,
	status TaskStatus,
	retryCount, maxRetries int,
	lastError string,
	result json.RawMessage,
	prevAttemptID *uuid.UUID,
	startedAt, completedAt, createdAt, updatedAt time.Time,
) *Task {
	return &Task{
		id:            id,
		workflowID:    workflowID,
		stepIndex:     stepIndex,
		stepName:      stepName,
		dependsOn:     dependsOn,
		status:        status,
		retryCount:    retryCount,
		maxRetries:    maxRetries,
		lastError:     lastError,
		result:        result,
		prevAttemptID: prevAttemptID,
		startedAt:     startedAt,
		completedAt:   completedAt,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
		timeProvider:  shared.RealTimeProvider{},
	}
}

// ID returns the task's unique identifier.
func (t *Task) ID() uuid.UUID { return t.id }

// WorkflowID returns the owning workflow.
func (t *Task) WorkflowID() uuid.UUID { return t.workflowID }

// StepIndex returns this task's position in the pipeline.
func (t *Task) StepIndex() int { return t.stepIndex }

// StepName returns the declared step name.
func (t *Task) StepName() string { return t.stepName }

// DependsOn returns the step indices that must complete first.
func (t *Task) DependsOn() []int { return append([]int(nil), t.dependsOn...) }

// Status returns the current task status.
func (t *Task) Status() TaskStatus { return t.status }

// RetryCount returns how many retries have been consumed.
func (t *Task) RetryCount() int { return t.retryCount }

// MaxRetries returns the retry bound for this step.
func (t *Task) MaxRetries() int { return t.maxRetries }

// LastError returns the most recent failure message.
func (t *Task) LastError() string { return t.lastError }

// Result returns the executor's output payload, if the task completed.
func (t *Task) Result() json.RawMessage { return t.result }

// PrevAttemptID returns the superseded attempt, if any.
func (t *Task) PrevAttemptID() *uuid.UUID { return t.prevAttemptID }

// StartedAt returns when execution last began.
func (t *Task) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns when the task reached a terminal status.
func (t *Task) CompletedAt() time.Time { return t.completedAt }

// CreatedAt returns when the task was created.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// UpdatedAt returns when the task was last modified.
func (t *Task) UpdatedAt() time.Time { return t.updatedAt }

// MarkQueued records that all dependencies are satisfied and the task is
// ready to execute.
func (t *Task) MarkQueued() error {
	return t.transition(TaskStatusQueued)
}

// Start records that execution began.
func (t *Task) Start() error {
	if err := t.transition(TaskStatusRunning); err != nil {
		return err
	}
	t.startedAt = t.timeProvider.Now()
	return nil
}

// Complete records a successful result.
func (t *Task) Complete(result json.RawMessage) error {
	if err := t.transition(TaskStatusCompleted); err != nil {
		return err
	}
	t.result = result
	t.completedAt = t.timeProvider.Now()
	return nil
}

// Fail records an attempt failure. When retries remain the task moves to
// RETRYING; once the bound is exhausted it moves to FAILED.
func (t *Task) Fail(errMsg string) error {
	target := TaskStatusFailed
	if t.retryCount < t.maxRetries {
		target = TaskStatusRetrying
	}
	if err := t.transition(target); err != nil {
		return err
	}
	t.lastError = errMsg
	if target == TaskStatusFailed {
		t.completedAt = t.timeProvider.Now()
	}
	return nil
}

// Retry consumes one retry and returns the task to RUNNING.
func (t *Task) Retry() error {
	if t.status != TaskStatusRetrying {
		return &InvalidTaskTransitionError{From: t.status, To: TaskStatusRunning}
	}
	if t.retryCount >= t.maxRetries {
		return &TaskRetryLimitError{TaskID: t.id, Retries: t.retryCount}
	}
	if err := t.transition(TaskStatusRunning); err != nil {
		return err
	}
	t.retryCount++
	t.startedAt = t.timeProvider.Now()
	return nil
}

// Skip marks the task skipped because a dependency failed terminally.
func (t *Task) Skip() error {
	if err := t.transition(TaskStatusSkipped); err != nil {
		return err
	}
	t.completedAt = t.timeProvider.Now()
	return nil
}

// CancelTask marks the task cancelled by workflow-level cancellation.
func (t *Task) CancelTask() error {
	if err := t.transition(TaskStatusCancelled); err != nil {
		return err
	}
	t.completedAt = t.timeProvider.Now()
	return nil
}

func (t *Task) transition(to TaskStatus) error {
	if err := t.status.ValidateTransition(to); err != nil {
		return err
	}
	t.status = to
	t.stamp()
	return nil
}

func (t *Task) stamp() {
	now := t.timeProvider.Now()
	if !now.After(t.updatedAt) {
		now = t.updatedAt.Add(time.Microsecond)
	}
	t.updatedAt = now
}
