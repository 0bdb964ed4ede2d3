package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ckptapp "github.com/avelsk/gatherd/internal/app/checkpoint"
	chunkingapp "github.com/avelsk/gatherd/internal/app/chunking"
	"github.com/avelsk/gatherd/internal/app/reconcile"
	ckpt "github.com/avelsk/gatherd/internal/domain/checkpoint"
	chunkdomain "github.com/avelsk/gatherd/internal/domain/chunking"
	"github.com/avelsk/gatherd/internal/infra/storage"
	ckptmem "github.com/avelsk/gatherd/internal/infra/storage/checkpoint/memory"
	chunkmem "github.com/avelsk/gatherd/internal/infra/storage/chunking/memory"
	wfmem "github.com/avelsk/gatherd/internal/infra/storage/workflow/memory"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

type noopStoreMetrics struct{}

func (noopStoreMetrics) IncCacheHit(context.Context)                  {}
func (noopStoreMetrics) IncCacheMiss(context.Context)                 {}
func (noopStoreMetrics) IncWrite(context.Context, string)             {}
func (noopStoreMetrics) IncDegradedWrite(context.Context)             {}
func (noopStoreMetrics) IncStoreUnavailable(context.Context)          {}
func (noopStoreMetrics) IncRepair(context.Context, string)            {}
func (noopStoreMetrics) SetRetryQueueDepth(context.Context, int)      {}
func (noopStoreMetrics) ObserveRecordSize(context.Context, int, bool) {}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// fakeReconciler returns a canned result.
type fakeReconciler struct {
	result *reconcile.Result
	calls  int
}

func (f *fakeReconciler) Reconcile(_ context.Context, jobID uuid.UUID) (*reconcile.Result, error) {
	f.calls++
	return f.result, nil
}

type fixture struct {
	svc         *Service
	checkpoints *ckptapp.Store
	chunkRepo   *chunkmem.ChunkStore
	reconciler  *fakeReconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New(testWriter{t}, logger.LevelDebug, "reporting-test", nil)

	chunkRepo := chunkmem.NewChunkStore()
	chunkSvc := chunkingapp.NewService(chunkRepo, nil, log, storage.NoOpTracer())
	checkpoints := ckptapp.NewStore(
		ckptmem.NewFastStore(), ckptmem.NewDurableStore(),
		ckptapp.StoreConfig{}, log, storage.NoOpTracer(), noopStoreMetrics{})
	reconciler := &fakeReconciler{result: &reconcile.Result{}}

	svc := NewService(chunkSvc, checkpoints, wfmem.NewWorkflowStore(), reconciler,
		log, storage.NoOpTracer())
	return &fixture{svc: svc, checkpoints: checkpoints, chunkRepo: chunkRepo, reconciler: reconciler}
}

func seedChunk(t *testing.T, repo *chunkmem.ChunkStore, jobID uuid.UUID, index int, status chunkdomain.ChunkStatus) *chunkdomain.Chunk {
	t.Helper()
	now := time.Now().UTC()
	start := index * 100
	chunk := chunkdomain.ReconstructChunk(
		uuid.New(), jobID, index, start, start+100,
		status, 5, 0, "", "", now, now, time.Time{})
	require.NoError(t, repo.CreateBatch(context.Background(), []*chunkdomain.Chunk{chunk}))
	return chunk
}

func TestJobSummaryStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []chunkdomain.ChunkStatus
		want     JobState
	}{
		{
			name:     "all completed",
			statuses: []chunkdomain.ChunkStatus{chunkdomain.ChunkStatusCompleted, chunkdomain.ChunkStatusCompleted},
			want:     JobStateCompleted,
		},
		{
			name:     "partial success",
			statuses: []chunkdomain.ChunkStatus{chunkdomain.ChunkStatusCompleted, chunkdomain.ChunkStatusFailed},
			want:     JobStatePartialSuccess,
		},
		{
			name:     "all failed",
			statuses: []chunkdomain.ChunkStatus{chunkdomain.ChunkStatusFailed, chunkdomain.ChunkStatusFailed},
			want:     JobStateFailed,
		},
		{
			name:     "still processing",
			statuses: []chunkdomain.ChunkStatus{chunkdomain.ChunkStatusCompleted, chunkdomain.ChunkStatusProcessing},
			want:     JobStateInProgress,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			jobID := uuid.New()
			for i, status := range tt.statuses {
				seedChunk(t, f.chunkRepo, jobID, i, status)
			}

			summary, err := f.svc.JobSummary(context.Background(), jobID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, summary.State)
		})
	}
}

func TestJobSummaryCarriesCheckpointDetail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	jobID := uuid.New()
	seedChunk(t, f.chunkRepo, jobID, 0, chunkdomain.ChunkStatusCompleted)
	skipped := seedChunk(t, f.chunkRepo, jobID, 1, chunkdomain.ChunkStatusFailed)

	payload, err := (&ckpt.JobCheckpoint{
		TargetQuantity: 200,
		Keywords:       []string{"sunset", "harbor"},
		TotalChunks:    2,
	}).Marshal()
	require.NoError(t, err)
	record := ckpt.NewRecord(ckpt.LevelJob, jobID, uuid.Nil, payload)
	record.MarkReconciled(time.Now().UTC())
	require.NoError(t, f.checkpoints.Save(context.Background(), record))

	summary, err := f.svc.JobSummary(context.Background(), jobID)
	require.NoError(t, err)

	assert.Equal(t, JobStatePartialSuccess, summary.State)
	assert.Equal(t, 200, summary.TargetQuantity)
	assert.Equal(t, []string{"sunset", "harbor"}, summary.Keywords)
	assert.Equal(t, []uuid.UUID{skipped.ID()}, summary.SkippedChunks)
	assert.False(t, summary.LastReconciledAt.IsZero())
	assert.Equal(t, 100, summary.Progress.QuantityCompleted)
}

func TestEngineBreakdownAggregatesPerEngine(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	jobID := uuid.New()

	save := func(engine string, discovered, downloaded, attempts int) {
		ec := &ckpt.EngineCheckpoint{
			Engine:          engine,
			VariationQueue:  []string{"a", "b"},
			TotalDiscovered: discovered,
			TotalDownloaded: downloaded,
		}
		for i := 0; i < attempts; i++ {
			ec.Attempts = append(ec.Attempts, ckpt.VariationAttempt{
				Template: "a", Status: ckpt.AttemptStatusCompleted,
			})
		}
		payload, err := ec.Marshal()
		require.NoError(t, err)
		require.NoError(t, f.checkpoints.Save(context.Background(),
			ckpt.NewRecord(ckpt.LevelEngine, jobID, uuid.New(), payload)))
	}
	save("google", 100, 80, 2)
	save("google", 50, 40, 1)
	save("bing", 30, 20, 1)

	stats, err := f.svc.EngineBreakdown(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byEngine := make(map[string]EngineStats)
	for _, s := range stats {
		byEngine[s.Engine] = s
	}
	assert.Equal(t, 2, byEngine["google"].Chunks)
	assert.Equal(t, 3, byEngine["google"].Attempts)
	assert.Equal(t, 150, byEngine["google"].TotalDiscovered)
	assert.Equal(t, 120, byEngine["google"].TotalDownloaded)
	assert.Equal(t, 1, byEngine["bing"].Chunks)
	assert.Equal(t, 20, byEngine["bing"].TotalDownloaded)
}

func TestSystemStatsCountsAndHitRate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	jobID := uuid.New()

	jobRec := ckpt.NewRecord(ckpt.LevelJob, jobID, uuid.Nil, []byte(`{"target_quantity":100}`))
	chunkRec := ckpt.NewRecord(ckpt.LevelChunk, jobID, jobRec.ID(), []byte(`{}`))
	require.NoError(t, f.checkpoints.Save(context.Background(), jobRec))
	require.NoError(t, f.checkpoints.Save(context.Background(), chunkRec))

	// One hit, one miss.
	_, err := f.checkpoints.Get(context.Background(), jobRec.ID())
	require.NoError(t, err)
	_, err = f.checkpoints.Get(context.Background(), uuid.New())
	require.Error(t, err)

	stats, err := f.svc.SystemStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.RecordsByLevel[ckpt.LevelJob])
	assert.Equal(t, 1, stats.RecordsByLevel[ckpt.LevelChunk])
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.InDelta(t, 0.5, stats.CacheHitRate, 0.001)
	assert.Positive(t, stats.FastStoreBytes)
}

func TestTriggerResumeRequeuesRetryableChunks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	jobID := uuid.New()

	now := time.Now().UTC()
	retryable := chunkdomain.ReconstructChunk(
		uuid.New(), jobID, 0, 0, 100,
		chunkdomain.ChunkStatusFailed, 5, 1, "ext-0", "quota",
		now, now, time.Time{})
	exhausted := chunkdomain.ReconstructChunk(
		uuid.New(), jobID, 1, 100, 200,
		chunkdomain.ChunkStatusFailed, 5, 3, "ext-1", "quota",
		now, now, time.Time{})
	require.NoError(t, f.chunkRepo.CreateBatch(context.Background(),
		[]*chunkdomain.Chunk{retryable, exhausted}))

	f.reconciler.result = &reconcile.Result{
		JobID: jobID,
		Plan: reconcile.ResumePlan{
			JobID: jobID,
			Retry: []reconcile.ResumePoint{{ChunkID: retryable.ID(), RetryCount: 1}},
			Skip:  []uuid.UUID{exhausted.ID()},
		},
	}

	result, err := f.svc.TriggerResume(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.reconciler.calls)
	require.Len(t, result.Plan.Retry, 1)

	got, err := f.chunkRepo.Get(context.Background(), retryable.ID())
	require.NoError(t, err)
	assert.Equal(t, chunkdomain.ChunkStatusPending, got.Status())
	assert.Equal(t, 2, got.RetryCount())

	got, err = f.chunkRepo.Get(context.Background(), exhausted.ID())
	require.NoError(t, err)
	assert.Equal(t, chunkdomain.ChunkStatusFailed, got.Status())
}

func TestClearJobRemovesEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	jobID := uuid.New()
	other := uuid.New()

	seedChunk(t, f.chunkRepo, jobID, 0, chunkdomain.ChunkStatusCompleted)
	seedChunk(t, f.chunkRepo, jobID, 1, chunkdomain.ChunkStatusFailed)
	kept := seedChunk(t, f.chunkRepo, other, 0, chunkdomain.ChunkStatusPending)

	require.NoError(t, f.checkpoints.Save(context.Background(),
		ckpt.NewRecord(ckpt.LevelJob, jobID, uuid.Nil, []byte(`{"target_quantity":100}`))))
	require.NoError(t, f.checkpoints.Save(context.Background(),
		ckpt.NewRecord(ckpt.LevelJob, other, uuid.Nil, []byte(`{"target_quantity":100}`))))

	chunksDeleted, recordsDeleted, err := f.svc.ClearJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), chunksDeleted)
	assert.Equal(t, int64(1), recordsDeleted)

	// The other job is untouched.
	_, err = f.chunkRepo.Get(context.Background(), kept.ID())
	require.NoError(t, err)
	records, err := f.checkpoints.Query(context.Background(), ckpt.Filter{JobID: other})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestArchiveJobOnlyTouchesTerminalRecords(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	jobID := uuid.New()
	now := time.Now().UTC()

	done := ckpt.NewRecord(ckpt.LevelChunk, jobID, uuid.Nil, []byte(`{}`))
	require.NoError(t, done.UpdateStatus(ckpt.RecordStatusCompleted, now))
	active := ckpt.NewRecord(ckpt.LevelChunk, jobID, uuid.Nil, []byte(`{}`))
	require.NoError(t, f.checkpoints.Save(context.Background(), done))
	require.NoError(t, f.checkpoints.Save(context.Background(), active))

	archived, err := f.svc.ArchiveJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	got, err := f.checkpoints.Get(context.Background(), done.ID())
	require.NoError(t, err)
	assert.Equal(t, ckpt.RecordStatusArchived, got.Status())
	got, err = f.checkpoints.Get(context.Background(), active.ID())
	require.NoError(t, err)
	assert.Equal(t, ckpt.RecordStatusActive, got.Status())
}
