// Package workflow implements the orchestrator that drives workflow
// pipelines: dependency-gated step execution with bounded retries, pause,
// cancellation, and checkpoint-based recovery.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/avelsk/gatherd/internal/domain/events"
	domain "github.com/avelsk/gatherd/internal/domain/workflow"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

// DefaultMaxConcurrentWorkflows bounds how many workflows execute at once.
const DefaultMaxConcurrentWorkflows = 16

// defaultStepTimeout applies to steps whose definition leaves Timeout zero.
const defaultStepTimeout = 10 * time.Minute

// retryBaseDelay and retryMaxDelay shape the exponential step retry backoff.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 2 * time.Minute
)

// execution is the control handle for one running workflow goroutine.
type execution struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	paused    bool
	cancelled bool
	done      chan struct{}
}

func (e *execution) setPaused() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

func (e *execution) setCancelled() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
	e.cancel()
}

// interrupted reports whether the workflow should stop launching steps and
// whether in-flight results must be discarded.
func (e *execution) interrupted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused || e.cancelled
}

// Orchestrator executes workflow pipelines. Each workflow runs in its own
// goroutine, gated by a weighted semaphore; steps execute in index order,
// which satisfies the earlier-steps-only dependency rule by construction.
type Orchestrator struct {
	workflows domain.WorkflowRepository
	tasks     domain.TaskRepository
	publisher events.DomainEventPublisher

	sem *semaphore.Weighted

	mu      sync.Mutex
	running map[uuid.UUID]*execution
	defs    map[uuid.UUID][]domain.StepDefinition
	resume  map[uuid.UUID]map[int]domain.StepResume

	retryBase time.Duration
	retryMax  time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics OrchestratorMetrics

	wg sync.WaitGroup
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithMaxConcurrent bounds simultaneous workflow executions.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) { o.sem = semaphore.NewWeighted(int64(n)) }
}

// WithRetryBackoff overrides the step retry delay bounds.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(o *Orchestrator) {
		o.retryBase = base
		o.retryMax = max
	}
}

// NewOrchestrator creates a workflow orchestrator.
func NewOrchestrator(
	workflows domain.WorkflowRepository,
	tasks domain.TaskRepository,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics OrchestratorMetrics,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		workflows: workflows,
		tasks:     tasks,
		publisher: publisher,
		sem:       semaphore.NewWeighted(DefaultMaxConcurrentWorkflows),
		retryBase: retryBaseDelay,
		retryMax:  retryMaxDelay,
		running:   make(map[uuid.UUID]*execution),
		defs:      make(map[uuid.UUID][]domain.StepDefinition),
		resume:    make(map[uuid.UUID]map[int]domain.StepResume),
		logger:    log.With("component", "workflow_orchestrator"),
		tracer:    tracer,
		metrics:   metrics,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start validates the pipeline, persists a new workflow with its tasks, and
// launches execution.
func (o *Orchestrator) Start(ctx context.Context, jobID string, defs []domain.StepDefinition) (*domain.Workflow, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.Int("step_count", len(defs)),
		))
	defer span.End()

	if err := domain.ValidateDefinitions(defs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid pipeline")
		return nil, err
	}

	w := domain.NewWorkflow(jobID, len(defs))
	if err := o.workflows.Create(ctx, w); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persisting workflow: %w", err)
	}
	for i, def := range defs {
		task := domain.NewTask(w.ID(), def, i)
		if err := o.tasks.Create(ctx, task); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("persisting task for step %d: %w", i, err)
		}
	}

	if err := w.Start(); err != nil {
		return nil, err
	}
	if err := o.workflows.Update(ctx, w); err != nil {
		return nil, fmt.Errorf("persisting workflow start: %w", err)
	}

	o.metrics.IncWorkflowsStarted(ctx)
	o.publishWorkflowEvent(ctx, events.EventTypeWorkflowStarted, w)
	o.launch(w.ID(), defs)
	span.SetStatus(codes.Ok, "workflow started")
	return w, nil
}

// Pause suspends a running workflow. The in-flight step finishes executing
// but its result is discarded; no new steps launch.
func (o *Orchestrator) Pause(ctx context.Context, id uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.pause",
		trace.WithAttributes(attribute.String("workflow_id", id.String())))
	defer span.End()

	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := w.Pause(); err != nil {
		span.RecordError(err)
		return err
	}
	if err := o.workflows.Update(ctx, w); err != nil {
		return fmt.Errorf("persisting workflow pause: %w", err)
	}

	o.mu.Lock()
	if exec, ok := o.running[id]; ok {
		exec.setPaused()
	}
	o.mu.Unlock()

	o.publishWorkflowEvent(ctx, events.EventTypeWorkflowPaused, w)
	o.logger.Info(ctx, "workflow paused", "workflow_id", id)
	return nil
}

// Resume continues a paused workflow from its current step.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.resume",
		trace.WithAttributes(attribute.String("workflow_id", id.String())))
	defer span.End()

	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := w.Resume(); err != nil {
		span.RecordError(err)
		return err
	}
	if err := o.workflows.Update(ctx, w); err != nil {
		return fmt.Errorf("persisting workflow resume: %w", err)
	}

	o.mu.Lock()
	defs := o.defs[id]
	o.mu.Unlock()
	if defs == nil {
		return &domain.InvalidStateError{
			WorkflowID: id,
			Status:     w.Status(),
			Reason:     "pipeline definitions not registered with this orchestrator",
		}
	}

	o.publishWorkflowEvent(ctx, events.EventTypeWorkflowResumed, w)
	o.launch(id, defs)
	o.logger.Info(ctx, "workflow resumed", "workflow_id", id, "current_step", w.CurrentStep())
	return nil
}

// Cancel terminates a workflow. Cancellation is final: in-flight executor
// results are discarded and remaining tasks are marked cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.cancel",
		trace.WithAttributes(attribute.String("workflow_id", id.String())))
	defer span.End()

	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := w.Cancel(); err != nil {
		span.RecordError(err)
		return err
	}
	if err := o.workflows.Update(ctx, w); err != nil {
		return fmt.Errorf("persisting workflow cancellation: %w", err)
	}

	o.mu.Lock()
	if exec, ok := o.running[id]; ok {
		exec.setCancelled()
	}
	o.mu.Unlock()

	tasks, err := o.tasks.ListByWorkflow(ctx, id)
	if err != nil {
		return fmt.Errorf("listing tasks for cancellation: %w", err)
	}
	for _, task := range tasks {
		if task.Status().IsTerminal() {
			continue
		}
		if err := task.CancelTask(); err != nil {
			continue
		}
		if err := o.tasks.Update(ctx, task); err != nil {
			o.logger.Warn(ctx, "persisting task cancellation failed",
				"task_id", task.ID(), "error", err)
		}
	}

	o.publishWorkflowEvent(ctx, events.EventTypeWorkflowCancelled, w)
	o.logger.Info(ctx, "workflow cancelled", "workflow_id", id)
	return nil
}

// RecoverOption adjusts how a recovery re-enters the pipeline.
type RecoverOption func(*recoverParams)

type recoverParams struct {
	resume map[int]domain.StepResume
}

// WithStepResume supplies the point a recovered step continues from, so the
// executor picks up after already-downloaded work instead of restarting.
func WithStepResume(step int, r domain.StepResume) RecoverOption {
	return func(p *recoverParams) {
		if p.resume == nil {
			p.resume = make(map[int]domain.StepResume)
		}
		p.resume[step] = r
	}
}

// Recover restarts a failed workflow from the given step. Fresh tasks are
// created for every step at or past the resume point, linked to their
// superseded attempts; earlier completed steps are not re-run.
func (o *Orchestrator) Recover(ctx context.Context, id uuid.UUID, fromStep int, opts ...RecoverOption) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.recover",
		trace.WithAttributes(
			attribute.String("workflow_id", id.String()),
			attribute.Int("from_step", fromStep),
		))
	defer span.End()

	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := w.BeginRecovery(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recovery rejected")
		return err
	}
	if err := o.workflows.Update(ctx, w); err != nil {
		return fmt.Errorf("persisting recovery start: %w", err)
	}

	o.mu.Lock()
	defs := o.defs[id]
	o.mu.Unlock()
	if defs == nil {
		return &domain.InvalidStateError{
			WorkflowID: id,
			Status:     w.Status(),
			Reason:     "pipeline definitions not registered with this orchestrator",
		}
	}

	// Supersede every task at or past the resume point.
	existing, err := o.tasks.ListByWorkflow(ctx, id)
	if err != nil {
		return fmt.Errorf("listing tasks for recovery: %w", err)
	}
	latest := latestTasksByStep(existing)
	for i := fromStep; i < len(defs); i++ {
		taskOpts := []domain.TaskOption{}
		if prev, ok := latest[i]; ok {
			taskOpts = append(taskOpts, domain.WithPrevAttempt(prev.ID()))
		}
		task := domain.NewTask(id, defs[i], i, taskOpts...)
		if err := o.tasks.Create(ctx, task); err != nil {
			return fmt.Errorf("persisting recovery task for step %d: %w", i, err)
		}
	}

	var params recoverParams
	for _, opt := range opts {
		opt(&params)
	}
	o.mu.Lock()
	o.resume[id] = params.resume
	o.mu.Unlock()

	if err := w.CompleteRecovery(fromStep); err != nil {
		return err
	}
	if err := o.workflows.Update(ctx, w); err != nil {
		return fmt.Errorf("persisting recovery completion: %w", err)
	}

	o.metrics.IncWorkflowsRecovered(ctx)
	o.publishWorkflowEvent(ctx, events.EventTypeRecoveryStarted, w)
	o.launch(id, defs)
	o.logger.Info(ctx, "workflow recovery started",
		"workflow_id", id, "from_step", fromStep, "attempt", w.RecoveryAttempts())
	span.SetStatus(codes.Ok, "recovery started")
	return nil
}

// Wait blocks until every launched workflow goroutine has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) launch(id uuid.UUID, defs []domain.StepDefinition) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &execution{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.running[id] = exec
	o.defs[id] = defs
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(exec.done)
		defer cancel()

		if err := o.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer o.sem.Release(1)

		o.metrics.AddActiveWorkflows(ctx, 1)
		defer o.metrics.AddActiveWorkflows(ctx, -1)

		o.run(ctx, id, defs)

		// A resume may have installed a fresh handle already; only remove
		// our own.
		o.mu.Lock()
		if o.running[id] == exec {
			delete(o.running, id)
		}
		o.mu.Unlock()
	}()
}

// run drives one workflow: execute each remaining step in order, honoring
// pause and cancellation between steps.
func (o *Orchestrator) run(ctx context.Context, id uuid.UUID, defs []domain.StepDefinition) {
	w, err := o.workflows.Get(ctx, id)
	if err != nil {
		o.logger.Error(ctx, "loading workflow for execution failed", "workflow_id", id, "error", err)
		return
	}

	o.mu.Lock()
	exec := o.running[id]
	o.mu.Unlock()

	for step := w.CurrentStep(); step < len(defs); step++ {
		if exec.interrupted() {
			return
		}

		task, err := o.activeTaskForStep(ctx, id, step)
		if err != nil {
			o.failWorkflow(ctx, w, fmt.Sprintf("loading task for step %d: %v", step, err))
			return
		}

		if skip, reason := o.shouldSkip(ctx, id, task); skip {
			if err := o.skipTask(ctx, task); err != nil {
				o.logger.Warn(ctx, "persisting step skip failed", "task_id", task.ID(), "error", err)
			}
			o.logger.Info(ctx, "step skipped", "workflow_id", id, "step", step, "reason", reason)
			if err := o.advance(ctx, w); err != nil {
				return
			}
			continue
		}

		outcome := o.runStep(ctx, w, task, defs[step], exec)
		switch outcome {
		case stepOutcomeCompleted:
			if err := o.advance(ctx, w); err != nil {
				return
			}
		case stepOutcomeFailed:
			o.skipDependents(ctx, id, step, defs)
			o.failWorkflow(ctx, w, task.LastError())
			return
		case stepOutcomeInterrupted:
			return
		}
	}

	if err := w.Complete(); err != nil {
		o.logger.Error(ctx, "completing workflow failed", "workflow_id", id, "error", err)
		return
	}
	if err := o.workflows.Update(ctx, w); err != nil {
		o.logger.Error(ctx, "persisting workflow completion failed", "workflow_id", id, "error", err)
		return
	}
	o.metrics.IncWorkflowsCompleted(ctx)
	o.publishWorkflowEvent(ctx, events.EventTypeWorkflowCompleted, w)
	o.logger.Info(ctx, "workflow completed", "workflow_id", id)
}

type stepOutcome int

const (
	stepOutcomeCompleted stepOutcome = iota
	stepOutcomeFailed
	stepOutcomeInterrupted
)

// runStep executes one step with its timeout and retry budget. The retry
// delay grows exponentially from retryBaseDelay, capped at retryMaxDelay.
func (o *Orchestrator) runStep(
	ctx context.Context,
	w *domain.Workflow,
	task *domain.Task,
	def domain.StepDefinition,
	exec *execution,
) stepOutcome {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run_step",
		trace.WithAttributes(
			attribute.String("workflow_id", w.ID().String()),
			attribute.Int("step", task.StepIndex()),
			attribute.String("step_name", def.Name),
		))
	defer span.End()

	// A task interrupted by pause resumes in RUNNING or RETRYING; only a
	// fresh attempt walks the full PENDING path.
	switch task.Status() {
	case domain.TaskStatusPending:
		if err := task.MarkQueued(); err != nil {
			span.RecordError(err)
			return stepOutcomeFailed
		}
		if err := task.Start(); err != nil {
			span.RecordError(err)
			return stepOutcomeFailed
		}
	case domain.TaskStatusRetrying:
		if err := task.Retry(); err != nil {
			span.RecordError(err)
			return stepOutcomeFailed
		}
	case domain.TaskStatusRunning:
		// Re-running after an interruption; the prior result was discarded.
	default:
		span.SetStatus(codes.Error, "task not in a runnable state")
		return stepOutcomeFailed
	}
	if err := o.tasks.Update(ctx, task); err != nil {
		o.logger.Warn(ctx, "persisting step start failed", "task_id", task.ID(), "error", err)
	}

	delay := o.retryBase
	for {
		result, execErr := o.executeOnce(ctx, w, task, def)

		// A pause or cancellation that arrived mid-flight discards the
		// result; the step re-runs from its checkpoint on resume.
		if exec.interrupted() {
			span.AddEvent("result_discarded")
			return stepOutcomeInterrupted
		}

		if execErr == nil {
			if err := task.Complete(result); err != nil {
				span.RecordError(err)
				return stepOutcomeFailed
			}
			if err := o.tasks.Update(ctx, task); err != nil {
				o.logger.Warn(ctx, "persisting step completion failed", "task_id", task.ID(), "error", err)
			}
			o.clearStepResume(w.ID(), task.StepIndex())
			o.publishStepEvent(ctx, events.EventTypeStepCompleted, w, task)
			span.SetStatus(codes.Ok, "step completed")
			return stepOutcomeCompleted
		}

		if err := task.Fail(execErr.Error()); err != nil {
			span.RecordError(err)
			return stepOutcomeFailed
		}
		if err := o.tasks.Update(ctx, task); err != nil {
			o.logger.Warn(ctx, "persisting step failure failed", "task_id", task.ID(), "error", err)
		}

		if task.Status() == domain.TaskStatusFailed {
			o.publishStepEvent(ctx, events.EventTypeStepFailed, w, task)
			span.SetStatus(codes.Error, "step exhausted retries")
			return stepOutcomeFailed
		}

		o.metrics.IncStepRetries(ctx, def.Name)
		o.logger.Warn(ctx, "step attempt failed, retrying",
			"workflow_id", w.ID(), "step", task.StepIndex(),
			"retry", task.RetryCount()+1, "max_retries", task.MaxRetries(),
			"delay", delay.String(), "error", execErr)

		select {
		case <-ctx.Done():
			return stepOutcomeInterrupted
		case <-time.After(delay):
		}
		if delay *= 2; delay > o.retryMax {
			delay = o.retryMax
		}

		if err := task.Retry(); err != nil {
			span.RecordError(err)
			return stepOutcomeFailed
		}
		if err := o.tasks.Update(ctx, task); err != nil {
			o.logger.Warn(ctx, "persisting step retry failed", "task_id", task.ID(), "error", err)
		}
	}
}

func (o *Orchestrator) executeOnce(
	ctx context.Context,
	w *domain.Workflow,
	task *domain.Task,
	def domain.StepDefinition,
) ([]byte, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resume := o.stepResume(w.ID(), task.StepIndex())

	start := time.Now()
	result, err := def.Executor.Execute(stepCtx, domain.StepContext{
		WorkflowID:       w.ID().String(),
		JobID:            w.JobID(),
		StepIndex:        task.StepIndex(),
		StepName:         def.Name,
		Params:           def.Params,
		ResumeOffset:     resume.Offset,
		ResumeDownloaded: resume.Downloaded,
	})
	o.metrics.ObserveStepDuration(ctx, def.Name, time.Since(start))

	if err == nil && stepCtx.Err() != nil {
		err = stepCtx.Err()
	}
	return result, err
}

// stepResume returns the registered resume point for a step, zero when the
// attempt is fresh.
func (o *Orchestrator) stepResume(workflowID uuid.UUID, step int) domain.StepResume {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resume[workflowID][step]
}

// clearStepResume drops a step's resume point once the step has completed;
// any later attempt of that step starts fresh.
func (o *Orchestrator) clearStepResume(workflowID uuid.UUID, step int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.resume[workflowID], step)
}

// shouldSkip reports whether a task must be skipped because one of its
// dependencies ended in a non-completed terminal state.
func (o *Orchestrator) shouldSkip(ctx context.Context, workflowID uuid.UUID, task *domain.Task) (bool, string) {
	if len(task.DependsOn()) == 0 {
		return false, ""
	}
	all, err := o.tasks.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return false, ""
	}
	latest := latestTasksByStep(all)
	for _, dep := range task.DependsOn() {
		depTask, ok := latest[dep]
		if !ok {
			continue
		}
		switch depTask.Status() {
		case domain.TaskStatusFailed, domain.TaskStatusSkipped, domain.TaskStatusCancelled:
			return true, fmt.Sprintf("dependency step %d is %s", dep, depTask.Status())
		}
	}
	return false, ""
}

// skipDependents marks every step that transitively depends on the failed
// one as skipped. Steps without a path to the failed step are left alone for
// a later recovery to run.
func (o *Orchestrator) skipDependents(ctx context.Context, workflowID uuid.UUID, failedStep int, defs []domain.StepDefinition) {
	affected := map[int]bool{failedStep: true}
	for i := failedStep + 1; i < len(defs); i++ {
		for _, dep := range defs[i].DependsOn {
			if affected[dep] {
				affected[i] = true
				break
			}
		}
	}

	all, err := o.tasks.ListByWorkflow(ctx, workflowID)
	if err != nil {
		o.logger.Warn(ctx, "listing tasks to skip dependents failed",
			"workflow_id", workflowID, "error", err)
		return
	}
	latest := latestTasksByStep(all)
	for step := failedStep + 1; step < len(defs); step++ {
		if !affected[step] {
			continue
		}
		task, ok := latest[step]
		if !ok || task.Status().IsTerminal() {
			continue
		}
		if err := o.skipTask(ctx, task); err != nil {
			o.logger.Warn(ctx, "skipping dependent step failed",
				"task_id", task.ID(), "error", err)
		}
	}
}

func (o *Orchestrator) skipTask(ctx context.Context, task *domain.Task) error {
	o.metrics.IncStepsSkipped(ctx)
	if err := task.Skip(); err != nil {
		return err
	}
	return o.tasks.Update(ctx, task)
}

func (o *Orchestrator) advance(ctx context.Context, w *domain.Workflow) error {
	if err := w.AdvanceStep(); err != nil {
		return err
	}
	w.MarkCheckpointed()
	if err := o.workflows.Update(ctx, w); err != nil {
		o.logger.Error(ctx, "persisting workflow progress failed",
			"workflow_id", w.ID(), "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) failWorkflow(ctx context.Context, w *domain.Workflow, reason string) {
	if err := w.Fail(reason); err != nil {
		o.logger.Error(ctx, "marking workflow failed rejected",
			"workflow_id", w.ID(), "error", err)
		return
	}
	if err := o.workflows.Update(ctx, w); err != nil {
		o.logger.Error(ctx, "persisting workflow failure failed",
			"workflow_id", w.ID(), "error", err)
	}
	o.metrics.IncWorkflowsFailed(ctx)
	o.publishWorkflowEvent(ctx, events.EventTypeWorkflowFailed, w)
	o.logger.Error(ctx, "workflow failed", "workflow_id", w.ID(), "reason", reason)
}

// activeTaskForStep returns the most recent task attempt for a step.
func (o *Orchestrator) activeTaskForStep(ctx context.Context, workflowID uuid.UUID, step int) (*domain.Task, error) {
	all, err := o.tasks.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	latest := latestTasksByStep(all)
	task, ok := latest[step]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return task, nil
}

// latestTasksByStep keeps only the newest attempt per step index.
func latestTasksByStep(tasks []*domain.Task) map[int]*domain.Task {
	latest := make(map[int]*domain.Task)
	for _, task := range tasks {
		if cur, ok := latest[task.StepIndex()]; !ok || task.CreatedAt().After(cur.CreatedAt()) {
			latest[task.StepIndex()] = task
		}
	}
	return latest
}

func (o *Orchestrator) publishWorkflowEvent(ctx context.Context, eventType events.EventType, w *domain.Workflow) {
	if o.publisher == nil {
		return
	}
	evt := events.DomainEvent{
		Type: eventType,
		Key:  w.JobID(),
		Payload: map[string]any{
			"workflow_id":  w.ID().String(),
			"status":       string(w.Status()),
			"current_step": w.CurrentStep(),
			"total_steps":  w.TotalSteps(),
		},
	}
	if err := o.publisher.PublishDomainEvent(ctx, evt, events.WithKey(w.JobID())); err != nil {
		o.logger.Warn(ctx, "failed to publish workflow event",
			"event_type", string(eventType), "workflow_id", w.ID(), "error", err)
	}
}

func (o *Orchestrator) publishStepEvent(ctx context.Context, eventType events.EventType, w *domain.Workflow, task *domain.Task) {
	if o.publisher == nil {
		return
	}
	evt := events.DomainEvent{
		Type: eventType,
		Key:  w.JobID(),
		Payload: map[string]any{
			"workflow_id": w.ID().String(),
			"task_id":     task.ID().String(),
			"step":        task.StepIndex(),
			"step_name":   task.StepName(),
			"status":      string(task.Status()),
		},
	}
	if err := o.publisher.PublishDomainEvent(ctx, evt, events.WithKey(w.JobID())); err != nil {
		o.logger.Warn(ctx, "failed to publish step event",
			"event_type", string(eventType), "task_id", task.ID(), "error", err)
	}
}

// ErrWorkflowNotRunning is returned by control operations that require an
// in-process execution handle.
var ErrWorkflowNotRunning = errors.New("workflow is not executing in this process")
