package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelsk/gatherd/internal/domain/workflow"
	"github.com/avelsk/gatherd/internal/infra/storage"
)

func setupWorkflowStoreTest(t *testing.T) (context.Context, *workflowStore, *taskStore, func()) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)
	return context.Background(),
		NewWorkflowStore(pool, storage.NoOpTracer()),
		NewTaskStore(pool, storage.NoOpTracer()),
		cleanup
}

func stepDef(name string, deps ...int) workflow.StepDefinition {
	return workflow.StepDefinition{
		Name:      name,
		Type:      "scrape",
		DependsOn: deps,
		Executor: workflow.StepExecutorFunc(func(context.Context, workflow.StepContext) (json.RawMessage, error) {
			return nil, nil
		}),
	}
}

func TestPGWorkflowStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx, store, _, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	w := workflow.NewWorkflow("job-1", 3)
	require.NoError(t, store.Create(ctx, w))

	loaded, err := store.Get(ctx, w.ID())
	require.NoError(t, err)
	assert.Equal(t, w.ID(), loaded.ID())
	assert.Equal(t, "job-1", loaded.JobID())
	assert.Equal(t, workflow.StatusPending, loaded.Status())
	assert.Equal(t, 3, loaded.TotalSteps())
	assert.Equal(t, 0, loaded.CurrentStep())
}

func TestPGWorkflowStore_GetNonExistent(t *testing.T) {
	t.Parallel()

	ctx, store, _, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	_, err := store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
}

func TestPGWorkflowStore_UpdateLifecycle(t *testing.T) {
	t.Parallel()

	ctx, store, _, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	w := workflow.NewWorkflow("job-2", 2)
	require.NoError(t, store.Create(ctx, w))

	require.NoError(t, w.Start())
	require.NoError(t, store.Update(ctx, w))
	require.NoError(t, w.AdvanceStep())
	require.NoError(t, store.Update(ctx, w))

	loaded, err := store.Get(ctx, w.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, loaded.Status())
	assert.Equal(t, 1, loaded.CurrentStep())
	assert.InDelta(t, 0.5, loaded.Progress(), 0.001)
}

func TestPGWorkflowStore_StaleUpdateRejected(t *testing.T) {
	t.Parallel()

	ctx, store, _, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	w := workflow.NewWorkflow("job-3", 1)
	require.NoError(t, store.Create(ctx, w))

	stale := workflow.ReconstructWorkflow(
		w.ID(), w.JobID(), workflow.StatusFailed, 0, 1, 0, "old snapshot",
		w.LastCheckpointAt(), w.Version(), w.CreatedAt(), w.CreatedAt().Add(-time.Second))

	err := store.Update(ctx, stale)
	assert.ErrorIs(t, err, workflow.ErrStaleWrite)

	loaded, err := store.Get(ctx, w.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, loaded.Status())
}

func TestPGWorkflowStore_UpdateNonExistent(t *testing.T) {
	t.Parallel()

	ctx, store, _, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	w := workflow.NewWorkflow("job-ghost", 1)
	err := store.Update(ctx, w)
	assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
}

func TestPGWorkflowStore_GetByJobNewest(t *testing.T) {
	t.Parallel()

	ctx, store, _, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	first := workflow.NewWorkflow("job-4", 1)
	require.NoError(t, store.Create(ctx, first))

	second := workflow.ReconstructWorkflow(
		uuid.New(), "job-4", workflow.StatusPending, 0, 1, 0, "",
		first.LastCheckpointAt(), 1, first.CreatedAt().Add(time.Second), first.CreatedAt().Add(time.Second))
	require.NoError(t, store.Create(ctx, second))

	loaded, err := store.GetByJob(ctx, "job-4")
	require.NoError(t, err)
	assert.Equal(t, second.ID(), loaded.ID())
}

func TestPGWorkflowStore_ListByStatus(t *testing.T) {
	t.Parallel()

	ctx, store, _, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	running := workflow.NewWorkflow("job-5", 1)
	require.NoError(t, running.Start())
	require.NoError(t, store.Create(ctx, running))

	pending := workflow.NewWorkflow("job-6", 1)
	require.NoError(t, store.Create(ctx, pending))

	got, err := store.ListByStatus(ctx, workflow.StatusRunning)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID(), got[0].ID())

	both, err := store.ListByStatus(ctx, workflow.StatusRunning, workflow.StatusPending)
	require.NoError(t, err)
	assert.Len(t, both, 2)
}

func TestPGTaskStore_CreateAndList(t *testing.T) {
	t.Parallel()

	ctx, wfStore, taskStore, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	w := workflow.NewWorkflow("job-7", 2)
	require.NoError(t, wfStore.Create(ctx, w))

	first := workflow.NewTask(w.ID(), stepDef("discover"), 0)
	second := workflow.NewTask(w.ID(), stepDef("download", 0), 1)
	require.NoError(t, taskStore.Create(ctx, first))
	require.NoError(t, taskStore.Create(ctx, second))

	tasks, err := taskStore.ListByWorkflow(ctx, w.ID())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "discover", tasks[0].StepName())
	assert.Equal(t, []int{0}, tasks[1].DependsOn())
}

func TestPGTaskStore_UpdateRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, wfStore, taskStore, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	w := workflow.NewWorkflow("job-8", 1)
	require.NoError(t, wfStore.Create(ctx, w))

	task := workflow.NewTask(w.ID(), stepDef("discover"), 0)
	require.NoError(t, taskStore.Create(ctx, task))

	require.NoError(t, task.MarkQueued())
	require.NoError(t, task.Start())
	require.NoError(t, task.Complete(json.RawMessage(`{"urls":120}`)))
	require.NoError(t, taskStore.Update(ctx, task))

	loaded, err := taskStore.Get(ctx, task.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStatusCompleted, loaded.Status())
	assert.JSONEq(t, `{"urls":120}`, string(loaded.Result()))
	assert.False(t, loaded.StartedAt().IsZero())
	assert.False(t, loaded.CompletedAt().IsZero())
}

func TestPGTaskStore_AttemptLineage(t *testing.T) {
	t.Parallel()

	ctx, wfStore, taskStore, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	w := workflow.NewWorkflow("job-9", 1)
	require.NoError(t, wfStore.Create(ctx, w))

	first := workflow.NewTask(w.ID(), stepDef("download"), 0)
	require.NoError(t, taskStore.Create(ctx, first))

	retry := workflow.NewTask(w.ID(), stepDef("download"), 0,
		workflow.WithPrevAttempt(first.ID()))
	require.NoError(t, taskStore.Create(ctx, retry))

	loaded, err := taskStore.Get(ctx, retry.ID())
	require.NoError(t, err)
	require.NotNil(t, loaded.PrevAttemptID())
	assert.Equal(t, first.ID(), *loaded.PrevAttemptID())
}

func TestPGTaskStore_GetNonExistent(t *testing.T) {
	t.Parallel()

	ctx, _, taskStore, cleanup := setupWorkflowStoreTest(t)
	defer cleanup()

	_, err := taskStore.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, workflow.ErrTaskNotFound)
}
