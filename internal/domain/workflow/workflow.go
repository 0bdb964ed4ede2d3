package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/avelsk/gatherd/internal/domain/shared"
)

// MaxRecoveryAttempts bounds how many times a workflow may re-enter
// RECOVERING before it is left in FAILED for manual intervention.
const MaxRecoveryAttempts = 3

// Workflow is the aggregate root for one long-running pipeline execution.
// It owns the status machine, step progress, and recovery bookkeeping; the
// per-step tasks live alongside it as separate entities.
type Workflow struct {
	id     uuid.UUID
	jobID  string
	status Status

	currentStep int
	totalSteps  int

	recoveryAttempts int
	lastError        string
	lastCheckpointAt time.Time

	version   int64
	createdAt time.Time
	updatedAt time.Time

	timeProvider shared.TimeProvider
}

// Option configures a Workflow during construction.
type Option func(*Workflow)

// WithTimeProvider sets a custom time provider, primarily for tests.
func WithTimeProvider(tp shared.TimeProvider) Option {
	return func(w *Workflow) { w.timeProvider = tp }
}

// NewWorkflow creates a pending workflow for a job with the given pipeline
// length.
func NewWorkflow(jobID string, totalSteps int, opts ...Option) *Workflow {
	w := &Workflow{
		id:           uuid.New(),
		jobID:        jobID,
		status:       StatusPending,
		totalSteps:   totalSteps,
		timeProvider: shared.RealTimeProvider{},
	}
	for _, opt := range opts {
		opt(w)
	}
	now := w.timeProvider.Now()
	w.createdAt = now
	w.updatedAt = now
	return w
}

// ReconstructWorkflow rebuilds a workflow from persistent storage without
// invoking domain validation.
func ReconstructWorkflow(
	id uuid.UUID,
	jobID string,
	status Status,
	currentStep, totalSteps, recoveryAttempts int,
	lastError string,
	lastCheckpointAt time.Time,
	version int64,
	createdAt, updatedAt time.Time,
) *Workflow {
	return &Workflow{
		id:               id,
		jobID:            jobID,
		status:           status,
		currentStep:      currentStep,
		totalSteps:       totalSteps,
		recoveryAttempts: recoveryAttempts,
		lastError:        lastError,
		lastCheckpointAt: lastCheckpointAt,
		version:          version,
		createdAt:        createdAt,
		updatedAt:        updatedAt,
		timeProvider:     shared.RealTimeProvider{},
	}
}

// ID returns the workflow's unique identifier.
func (w *Workflow) ID() uuid.UUID { return w.id }

// JobID returns the job this workflow executes.
func (w *Workflow) JobID() string { return w.jobID }

// Status returns the current lifecycle status.
func (w *Workflow) Status() Status { return w.status }

// CurrentStep returns the index of the furthest step reached.
func (w *Workflow) CurrentStep() int { return w.currentStep }

// TotalSteps returns the pipeline length.
func (w *Workflow) TotalSteps() int { return w.totalSteps }

// RecoveryAttempts returns how many recoveries have been attempted.
func (w *Workflow) RecoveryAttempts() int { return w.recoveryAttempts }

// LastError returns the most recent failure message, if any.
func (w *Workflow) LastError() string { return w.lastError }

// LastCheckpointAt returns when progress was last persisted.
func (w *Workflow) LastCheckpointAt() time.Time { return w.lastCheckpointAt }

// Version returns the write counter used for optimistic concurrency.
func (w *Workflow) Version() int64 { return w.version }

// CreatedAt returns when the workflow was created.
func (w *Workflow) CreatedAt() time.Time { return w.createdAt }

// UpdatedAt returns when the workflow was last modified.
func (w *Workflow) UpdatedAt() time.Time { return w.updatedAt }

// Progress returns completion as a fraction in [0, 1].
func (w *Workflow) Progress() float64 {
	if w.totalSteps == 0 {
		return 0
	}
	return float64(w.currentStep) / float64(w.totalSteps)
}

// Start transitions the workflow into RUNNING.
func (w *Workflow) Start() error {
	return w.transition(StatusRunning)
}

// Pause suspends a running workflow. In-flight step attempts finish but
// their results are discarded; no new steps launch until Resume.
func (w *Workflow) Pause() error {
	return w.transition(StatusPaused)
}

// Resume continues a paused workflow.
func (w *Workflow) Resume() error {
	if w.status != StatusPaused {
		return &InvalidTransitionError{From: w.status, To: StatusRunning}
	}
	return w.transition(StatusRunning)
}

// Cancel terminates the workflow. Cancellation is final.
func (w *Workflow) Cancel() error {
	return w.transition(StatusCancelled)
}

// Complete marks the workflow as finished. All steps must have been
// advanced past.
func (w *Workflow) Complete() error {
	if w.currentStep < w.totalSteps {
		return &IncompleteError{Current: w.currentStep, Total: w.totalSteps}
	}
	return w.transition(StatusCompleted)
}

// Fail records a failure message and moves the workflow to FAILED.
func (w *Workflow) Fail(errMsg string) error {
	if err := w.transition(StatusFailed); err != nil {
		return err
	}
	w.lastError = errMsg
	return nil
}

// BeginRecovery moves a failed workflow into RECOVERING, bounded by
// MaxRecoveryAttempts.
func (w *Workflow) BeginRecovery() error {
	if w.recoveryAttempts >= MaxRecoveryAttempts {
		return &RecoveryLimitError{WorkflowID: w.id, Attempts: w.recoveryAttempts}
	}
	if err := w.transition(StatusRecovering); err != nil {
		return err
	}
	w.recoveryAttempts++
	return nil
}

// CompleteRecovery returns a recovering workflow to RUNNING, positioned at
// the step the recovery plan chose.
func (w *Workflow) CompleteRecovery(fromStep int) error {
	if w.status != StatusRecovering {
		return &InvalidTransitionError{From: w.status, To: StatusRunning}
	}
	if fromStep < 0 || fromStep > w.totalSteps {
		return &StepRangeError{Step: fromStep, Total: w.totalSteps}
	}
	if err := w.transition(StatusRunning); err != nil {
		return err
	}
	w.currentStep = fromStep
	w.lastError = ""
	return nil
}

// AdvanceStep records that the step at the current index finished and the
// workflow moved past it.
func (w *Workflow) AdvanceStep() error {
	if w.status != StatusRunning {
		return &InvalidStateError{WorkflowID: w.id, Status: w.status, Reason: "workflow is not running"}
	}
	if w.currentStep >= w.totalSteps {
		return &StepRangeError{Step: w.currentStep + 1, Total: w.totalSteps}
	}
	w.currentStep++
	w.stamp()
	return nil
}

// MarkCheckpointed records that progress was persisted.
func (w *Workflow) MarkCheckpointed() {
	w.lastCheckpointAt = w.timeProvider.Now()
	w.stamp()
}

func (w *Workflow) transition(to Status) error {
	if err := w.status.ValidateTransition(to); err != nil {
		return err
	}
	w.status = to
	w.stamp()
	return nil
}

// stamp advances updatedAt strictly forward so last-write-wins comparisons
// never tie between successive mutations.
func (w *Workflow) stamp() {
	now := w.timeProvider.Now()
	if !now.After(w.updatedAt) {
		now = w.updatedAt.Add(time.Microsecond)
	}
	w.updatedAt = now
	w.version++
}
