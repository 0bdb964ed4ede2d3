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

	"github.com/avelsk/gatherd/internal/domain/checkpoint"
	"github.com/avelsk/gatherd/internal/infra/storage"
)

func setupRecordStoreTest(t *testing.T) (context.Context, *recordStore, func()) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)
	store := NewRecordStore(pool, storage.NoOpTracer())

	return context.Background(), store, cleanup
}

func TestPGRecordStore_SaveAndGet(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupRecordStoreTest(t)
	defer cleanup()

	jobID := uuid.New()
	record := checkpoint.NewRecord(checkpoint.LevelChunk, jobID, uuid.Nil,
		json.RawMessage(`{"chunk_index":3}`))
	record.SetMetadata("external_task_id", "ext-42")

	require.NoError(t, store.Save(ctx, record))

	loaded, err := store.Get(ctx, record.ID())
	require.NoError(t, err)

	assert.Equal(t, record.ID(), loaded.ID())
	assert.Equal(t, checkpoint.LevelChunk, loaded.Level())
	assert.Equal(t, jobID, loaded.JobID())
	assert.Equal(t, checkpoint.RecordStatusActive, loaded.Status())
	assert.JSONEq(t, `{"chunk_index":3}`, string(loaded.Payload()))
	assert.Equal(t, "ext-42", loaded.Metadata()["external_task_id"])
	assert.False(t, loaded.Reconciled())
}

func TestPGRecordStore_GetNonExistent(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupRecordStoreTest(t)
	defer cleanup()

	_, err := store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, checkpoint.ErrRecordNotFound)
}

func TestPGRecordStore_StaleWriteRejected(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupRecordStoreTest(t)
	defer cleanup()

	record := checkpoint.NewRecord(checkpoint.LevelEngine, uuid.New(), uuid.Nil,
		json.RawMessage(`{"current_offset":100}`))
	require.NoError(t, store.Save(ctx, record))

	newer := record.UpdatedAt().Add(time.Second)
	record.SetPayload(json.RawMessage(`{"current_offset":200}`), newer)
	require.NoError(t, store.Save(ctx, record))

	stale := checkpoint.ReconstructRecord(
		record.ID(), record.Level(), record.JobID(), uuid.Nil,
		record.Status(), json.RawMessage(`{"current_offset":50}`),
		nil, uuid.Nil, false, time.Time{}, record.Version(),
		record.CreatedAt(), record.CreatedAt())

	err := store.Save(ctx, stale)
	assert.ErrorIs(t, err, checkpoint.ErrStaleWrite)

	loaded, err := store.Get(ctx, record.ID())
	require.NoError(t, err)
	assert.JSONEq(t, `{"current_offset":200}`, string(loaded.Payload()))
}

func TestPGRecordStore_QueryFilters(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupRecordStoreTest(t)
	defer cleanup()

	jobID := uuid.New()
	otherJob := uuid.New()

	chunkRec := checkpoint.NewRecord(checkpoint.LevelChunk, jobID, uuid.Nil,
		json.RawMessage(`{}`))
	chunkRec.SetMetadata("external_task_id", "ext-1")
	require.NoError(t, store.Save(ctx, chunkRec))

	engineRec := checkpoint.NewRecord(checkpoint.LevelEngine, jobID, chunkRec.ID(),
		json.RawMessage(`{"engine":"google"}`))
	engineRec.Touch(chunkRec.UpdatedAt().Add(time.Second))
	require.NoError(t, store.Save(ctx, engineRec))

	strayRec := checkpoint.NewRecord(checkpoint.LevelChunk, otherJob, uuid.Nil,
		json.RawMessage(`{}`))
	require.NoError(t, store.Save(ctx, strayRec))

	byJob, err := store.Query(ctx, checkpoint.Filter{JobID: jobID})
	require.NoError(t, err)
	require.Len(t, byJob, 2)
	assert.Equal(t, engineRec.ID(), byJob[0].ID(), "newest first")

	byLevel, err := store.Query(ctx, checkpoint.Filter{JobID: jobID, Level: checkpoint.LevelEngine})
	require.NoError(t, err)
	require.Len(t, byLevel, 1)
	assert.Equal(t, engineRec.ID(), byLevel[0].ID())

	byParent, err := store.Query(ctx, checkpoint.Filter{JobID: jobID, ParentID: chunkRec.ID()})
	require.NoError(t, err)
	require.Len(t, byParent, 1)
	assert.Equal(t, engineRec.ID(), byParent[0].ID())

	byTask, err := store.Query(ctx, checkpoint.Filter{ExternalTaskID: "ext-1"})
	require.NoError(t, err)
	require.Len(t, byTask, 1)
	assert.Equal(t, chunkRec.ID(), byTask[0].ID())

	none, err := store.Query(ctx, checkpoint.Filter{ExternalTaskID: "ext-missing"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPGRecordStore_ReconciledRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupRecordStoreTest(t)
	defer cleanup()

	record := checkpoint.NewRecord(checkpoint.LevelChunk, uuid.New(), uuid.Nil,
		json.RawMessage(`{}`))
	require.NoError(t, store.Save(ctx, record))

	now := record.UpdatedAt().Add(time.Second)
	require.NoError(t, record.UpdateStatus(checkpoint.RecordStatusCompleted, now))
	record.MarkReconciled(now)
	require.NoError(t, store.Save(ctx, record))

	loaded, err := store.Get(ctx, record.ID())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.RecordStatusCompleted, loaded.Status())
	assert.True(t, loaded.Reconciled())
	assert.WithinDuration(t, now, loaded.ReconciledAt(), time.Millisecond)
}

func TestPGRecordStore_DeleteByJob(t *testing.T) {
	t.Parallel()

	ctx, store, cleanup := setupRecordStoreTest(t)
	defer cleanup()

	jobID := uuid.New()
	for range 3 {
		rec := checkpoint.NewRecord(checkpoint.LevelBatch, jobID, uuid.Nil, json.RawMessage(`{}`))
		require.NoError(t, store.Save(ctx, rec))
	}
	keep := checkpoint.NewRecord(checkpoint.LevelJob, uuid.New(), uuid.Nil, json.RawMessage(`{}`))
	require.NoError(t, store.Save(ctx, keep))

	deleted, err := store.DeleteByJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	remaining, err := store.Query(ctx, checkpoint.Filter{JobID: keep.JobID()})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
