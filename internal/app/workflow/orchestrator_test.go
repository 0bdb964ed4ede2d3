package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/avelsk/gatherd/internal/domain/workflow"
	"github.com/avelsk/gatherd/internal/infra/storage"
	wfmem "github.com/avelsk/gatherd/internal/infra/storage/workflow/memory"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

type noopOrchestratorMetrics struct{}

func (noopOrchestratorMetrics) IncWorkflowsStarted(context.Context)               {}
func (noopOrchestratorMetrics) IncWorkflowsCompleted(context.Context)             {}
func (noopOrchestratorMetrics) IncWorkflowsFailed(context.Context)                {}
func (noopOrchestratorMetrics) IncWorkflowsRecovered(context.Context)             {}
func (noopOrchestratorMetrics) AddActiveWorkflows(context.Context, int)           {}
func (noopOrchestratorMetrics) IncStepRetries(context.Context, string)            {}
func (noopOrchestratorMetrics) IncStepsSkipped(context.Context)                   {}
func (noopOrchestratorMetrics) ObserveStepDuration(context.Context, string, time.Duration) {}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *wfmem.WorkflowStore, *wfmem.TaskStore) {
	t.Helper()
	workflows := wfmem.NewWorkflowStore()
	tasks := wfmem.NewTaskStore()
	log := logger.New(testWriter{t}, logger.LevelDebug, "orchestrator-test", nil)
	o := NewOrchestrator(workflows, tasks, nil, log, storage.NoOpTracer(), noopOrchestratorMetrics{},
		WithRetryBackoff(time.Millisecond, 10*time.Millisecond))
	return o, workflows, tasks
}

func succeedingStep(name string) domain.StepDefinition {
	return domain.StepDefinition{
		Name: name,
		Type: "scrape",
		Executor: domain.StepExecutorFunc(func(context.Context, domain.StepContext) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		}),
	}
}

func latestTaskForStep(t *testing.T, tasks []*domain.Task, step int) *domain.Task {
	t.Helper()
	got := latestTasksByStep(tasks)[step]
	require.NotNil(t, got, "no task found for step %d", step)
	return got
}

func TestOrchestratorRunsPipelineToCompletion(t *testing.T) {
	t.Parallel()
	o, workflows, tasks := newTestOrchestrator(t)

	var order []string
	defs := []domain.StepDefinition{
		{
			Name: "discover",
			Type: "discover",
			Executor: domain.StepExecutorFunc(func(_ context.Context, sc domain.StepContext) (json.RawMessage, error) {
				order = append(order, sc.StepName)
				return json.RawMessage(`{"urls":100}`), nil
			}),
		},
		{
			Name:      "download",
			Type:      "download",
			DependsOn: []int{0},
			Executor: domain.StepExecutorFunc(func(_ context.Context, sc domain.StepContext) (json.RawMessage, error) {
				order = append(order, sc.StepName)
				return json.RawMessage(`{"downloaded":100}`), nil
			}),
		},
		{
			Name:      "verify",
			Type:      "verify",
			DependsOn: []int{1},
			Executor: domain.StepExecutorFunc(func(_ context.Context, sc domain.StepContext) (json.RawMessage, error) {
				order = append(order, sc.StepName)
				return nil, nil
			}),
		},
	}

	w, err := o.Start(context.Background(), "job-42", defs)
	require.NoError(t, err)
	o.Wait()

	assert.Equal(t, []string{"discover", "download", "verify"}, order)

	stored, err := workflows.Get(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status())
	assert.Equal(t, len(defs), stored.CurrentStep())
	assert.InDelta(t, 1.0, stored.Progress(), 0.001)

	all, err := tasks.ListByWorkflow(context.Background(), w.ID())
	require.NoError(t, err)
	require.Len(t, all, len(defs))
	for _, task := range all {
		assert.Equal(t, domain.TaskStatusCompleted, task.Status())
	}
	assert.JSONEq(t, `{"urls":100}`, string(latestTaskForStep(t, all, 0).Result()))
}

func TestOrchestratorRejectsInvalidPipeline(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(t)

	defs := []domain.StepDefinition{
		{Name: "first", Type: "scrape", DependsOn: []int{1}, Executor: succeedingStep("x").Executor},
		succeedingStep("second"),
	}

	_, err := o.Start(context.Background(), "job-bad", defs)
	var defErr *domain.DefinitionError
	require.ErrorAs(t, err, &defErr)
}

func TestOrchestratorRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	o, workflows, tasks := newTestOrchestrator(t)

	var calls atomic.Int32
	defs := []domain.StepDefinition{
		{
			Name:       "flaky",
			Type:       "scrape",
			MaxRetries: 3,
			Executor: domain.StepExecutorFunc(func(context.Context, domain.StepContext) (json.RawMessage, error) {
				if calls.Add(1) <= 2 {
					return nil, errors.New("engine timeout")
				}
				return json.RawMessage(`{"ok":true}`), nil
			}),
		},
	}

	w, err := o.Start(context.Background(), "job-flaky", defs)
	require.NoError(t, err)
	o.Wait()

	assert.Equal(t, int32(3), calls.Load())

	stored, err := workflows.Get(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status())

	all, err := tasks.ListByWorkflow(context.Background(), w.ID())
	require.NoError(t, err)
	task := latestTaskForStep(t, all, 0)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status())
	assert.Equal(t, 2, task.RetryCount())
}

func TestOrchestratorFailsAfterRetryBudgetAndSkipsDependents(t *testing.T) {
	t.Parallel()
	o, workflows, tasks := newTestOrchestrator(t)

	var calls atomic.Int32
	var downstreamRan atomic.Bool
	defs := []domain.StepDefinition{
		succeedingStep("discover"),
		{
			Name:       "download",
			Type:       "download",
			DependsOn:  []int{0},
			MaxRetries: 1,
			Executor: domain.StepExecutorFunc(func(context.Context, domain.StepContext) (json.RawMessage, error) {
				calls.Add(1)
				return nil, errors.New("storage quota exceeded")
			}),
		},
		{
			Name:      "verify",
			Type:      "verify",
			DependsOn: []int{1},
			Executor: domain.StepExecutorFunc(func(context.Context, domain.StepContext) (json.RawMessage, error) {
				downstreamRan.Store(true)
				return nil, nil
			}),
		},
	}

	w, err := o.Start(context.Background(), "job-doomed", defs)
	require.NoError(t, err)
	o.Wait()

	// Initial attempt plus one retry, then the budget is spent.
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, downstreamRan.Load())

	stored, err := workflows.Get(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status())
	assert.Contains(t, stored.LastError(), "storage quota exceeded")

	all, err := tasks.ListByWorkflow(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, latestTaskForStep(t, all, 0).Status())
	assert.Equal(t, domain.TaskStatusFailed, latestTaskForStep(t, all, 1).Status())
	assert.Equal(t, domain.TaskStatusSkipped, latestTaskForStep(t, all, 2).Status())
}

func TestOrchestratorPauseDiscardsInFlightResult(t *testing.T) {
	t.Parallel()
	o, workflows, tasks := newTestOrchestrator(t)

	started := make(chan struct{})
	proceed := make(chan struct{})
	var calls atomic.Int32
	defs := []domain.StepDefinition{
		{
			Name: "download",
			Type: "download",
			Executor: domain.StepExecutorFunc(func(context.Context, domain.StepContext) (json.RawMessage, error) {
				if calls.Add(1) == 1 {
					close(started)
					<-proceed
				}
				return json.RawMessage(`{"downloaded":500}`), nil
			}),
		},
	}

	w, err := o.Start(context.Background(), "job-pausable", defs)
	require.NoError(t, err)

	<-started
	require.NoError(t, o.Pause(context.Background(), w.ID()))
	close(proceed)
	o.Wait()

	// The first execution finished after the pause landed, so its result
	// was thrown away and the step is still in flight.
	stored, err := workflows.Get(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, stored.Status())
	assert.Equal(t, 0, stored.CurrentStep())

	all, err := tasks.ListByWorkflow(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, latestTaskForStep(t, all, 0).Status())

	// Resuming re-runs the step from scratch and completes the workflow.
	require.NoError(t, o.Resume(context.Background(), w.ID()))
	o.Wait()

	assert.Equal(t, int32(2), calls.Load())
	stored, err = workflows.Get(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status())
	all, err = tasks.ListByWorkflow(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, latestTaskForStep(t, all, 0).Status())
}

func TestOrchestratorCancelIsFinal(t *testing.T) {
	t.Parallel()
	o, workflows, tasks := newTestOrchestrator(t)

	started := make(chan struct{})
	proceed := make(chan struct{})
	defs := []domain.StepDefinition{
		{
			Name: "download",
			Type: "download",
			Executor: domain.StepExecutorFunc(func(context.Context, domain.StepContext) (json.RawMessage, error) {
				close(started)
				<-proceed
				return json.RawMessage(`{"ok":true}`), nil
			}),
		},
		succeedingStep("verify"),
	}

	w, err := o.Start(context.Background(), "job-cancelled", defs)
	require.NoError(t, err)

	<-started
	require.NoError(t, o.Cancel(context.Background(), w.ID()))
	close(proceed)
	o.Wait()

	stored, err := workflows.Get(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, stored.Status())
	assert.True(t, stored.Status().IsTerminal())

	all, err := tasks.ListByWorkflow(context.Background(), w.ID())
	require.NoError(t, err)
	for _, task := range all {
		assert.Equal(t, domain.TaskStatusCancelled, task.Status())
	}

	// No further lifecycle transitions are accepted.
	require.Error(t, o.Resume(context.Background(), w.ID()))
	require.Error(t, o.Pause(context.Background(), w.ID()))
}

func TestOrchestratorRecoverCreatesLinkedAttempts(t *testing.T) {
	t.Parallel()
	o, workflows, tasks := newTestOrchestrator(t)

	var healthy atomic.Bool
	defs := []domain.StepDefinition{
		succeedingStep("discover"),
		{
			Name: "download",
			Type: "download",
			Executor: domain.StepExecutorFunc(func(context.Context, domain.StepContext) (json.RawMessage, error) {
				if !healthy.Load() {
					return nil, errors.New("engine crashed")
				}
				return json.RawMessage(`{"downloaded":100}`), nil
			}),
		},
	}

	w, err := o.Start(context.Background(), "job-recoverable", defs)
	require.NoError(t, err)
	o.Wait()

	stored, err := workflows.Get(context.Background(), w.ID())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, stored.Status())

	all, err := tasks.ListByWorkflow(context.Background(), w.ID())
	require.NoError(t, err)
	firstAttempt := latestTaskForStep(t, all, 1)
	require.Equal(t, domain.TaskStatusFailed, firstAttempt.Status())

	healthy.Store(true)
	require.NoError(t, o.Recover(context.Background(), w.ID(), 1))
	o.Wait()

	stored, err = workflows.Get(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status())
	assert.Equal(t, 1, stored.RecoveryAttempts())
	assert.Empty(t, stored.LastError())

	all, err = tasks.ListByWorkflow(context.Background(), w.ID())
	require.NoError(t, err)
	secondAttempt := latestTaskForStep(t, all, 1)
	assert.Equal(t, domain.TaskStatusCompleted, secondAttempt.Status())
	require.NotNil(t, secondAttempt.PrevAttemptID())
	assert.Equal(t, firstAttempt.ID(), *secondAttempt.PrevAttemptID())

	// The completed discover step was not re-run: still a single attempt.
	attempts := 0
	for _, task := range all {
		if task.StepIndex() == 0 {
			attempts++
		}
	}
	assert.Equal(t, 1, attempts)
}

func TestOrchestratorRecoverThreadsResumePointIntoStep(t *testing.T) {
	t.Parallel()
	o, workflows, _ := newTestOrchestrator(t)

	var healthy atomic.Bool
	var mu sync.Mutex
	var contexts []domain.StepContext
	defs := []domain.StepDefinition{
		{
			Name: "download",
			Type: "download",
			Executor: domain.StepExecutorFunc(func(_ context.Context, sc domain.StepContext) (json.RawMessage, error) {
				mu.Lock()
				contexts = append(contexts, sc)
				mu.Unlock()
				if !healthy.Load() {
					return nil, errors.New("engine crashed")
				}
				return json.RawMessage(`{"downloaded":160}`), nil
			}),
		},
	}

	w, err := o.Start(context.Background(), "job-resumable", defs)
	require.NoError(t, err)
	o.Wait()

	// Recover with a resume point: the new attempt picks up after the work
	// the crashed attempt already downloaded.
	require.NoError(t, o.Recover(context.Background(), w.ID(), 0,
		WithStepResume(0, domain.StepResume{Offset: 100, Downloaded: 60})))
	o.Wait()

	// Still failing, so recover once more, this time without a resume point:
	// the attempt starts fresh.
	healthy.Store(true)
	require.NoError(t, o.Recover(context.Background(), w.ID(), 0))
	o.Wait()

	stored, err := workflows.Get(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, contexts, 3)
	assert.Zero(t, contexts[0].ResumeOffset)
	assert.Zero(t, contexts[0].ResumeDownloaded)
	assert.Equal(t, 100, contexts[1].ResumeOffset)
	assert.Equal(t, 60, contexts[1].ResumeDownloaded)
	assert.Zero(t, contexts[2].ResumeOffset)
	assert.Zero(t, contexts[2].ResumeDownloaded)
}

func TestOrchestratorRecoveryAttemptsAreBounded(t *testing.T) {
	t.Parallel()
	o, workflows, _ := newTestOrchestrator(t)

	defs := []domain.StepDefinition{
		{
			Name: "download",
			Type: "download",
			Executor: domain.StepExecutorFunc(func(context.Context, domain.StepContext) (json.RawMessage, error) {
				return nil, errors.New("engine crashed")
			}),
		},
	}

	w, err := o.Start(context.Background(), "job-hopeless", defs)
	require.NoError(t, err)
	o.Wait()

	for i := 0; i < domain.MaxRecoveryAttempts; i++ {
		require.NoError(t, o.Recover(context.Background(), w.ID(), 0))
		o.Wait()
	}

	err = o.Recover(context.Background(), w.ID(), 0)
	var limitErr *domain.RecoveryLimitError
	require.ErrorAs(t, err, &limitErr)

	stored, err := workflows.Get(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status())
}
