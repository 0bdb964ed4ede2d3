package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/avelsk/gatherd/internal/domain/checkpoint"
	"github.com/avelsk/gatherd/internal/infra/storage"
	checkpointmem "github.com/avelsk/gatherd/internal/infra/storage/checkpoint/memory"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// failingDurable wraps the memory durable store and fails writes on demand.
type failingDurable struct {
	*checkpointmem.DurableStore
	failSaves bool
}

func (f *failingDurable) Save(ctx context.Context, record *domain.Record) error {
	if f.failSaves {
		return errors.New("durable store down")
	}
	return f.DurableStore.Save(ctx, record)
}

// failingFast wraps the memory fast store and fails writes on demand.
type failingFast struct {
	*checkpointmem.FastStore
	failSets bool
}

func (f *failingFast) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failSets {
		return errors.New("fast store down")
	}
	return f.FastStore.Set(ctx, key, value, ttl)
}

type noopMetrics struct{}

func (noopMetrics) IncCacheHit(context.Context)                  {}
func (noopMetrics) IncCacheMiss(context.Context)                 {}
func (noopMetrics) IncWrite(context.Context, string)             {}
func (noopMetrics) IncDegradedWrite(context.Context)             {}
func (noopMetrics) IncStoreUnavailable(context.Context)          {}
func (noopMetrics) IncRepair(context.Context, string)            {}
func (noopMetrics) SetRetryQueueDepth(context.Context, int)      {}
func (noopMetrics) ObserveRecordSize(context.Context, int, bool) {}

func newTestStore(t *testing.T) (*Store, *failingFast, *failingDurable) {
	t.Helper()
	fast := &failingFast{FastStore: checkpointmem.NewFastStore()}
	durable := &failingDurable{DurableStore: checkpointmem.NewDurableStore()}
	log := logger.New(testWriter{t}, logger.LevelDebug, "checkpoint-test", nil)
	store := NewStore(fast, durable, StoreConfig{}, log, storage.NoOpTracer(), noopMetrics{})
	return store, fast, durable
}

func engineRecord(t *testing.T, jobID uuid.UUID) *domain.Record {
	t.Helper()
	payload, err := (&domain.EngineCheckpoint{
		Engine:         "bing",
		VariationQueue: []string{"sunset photo"},
	}).Marshal()
	require.NoError(t, err)
	return domain.NewRecord(domain.LevelEngine, jobID, uuid.Nil, payload)
}

func TestFastStoreTTLTiers(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)

	tests := []struct {
		name   string
		status domain.RecordStatus
		want   time.Duration
	}{
		{name: "active records live longest", status: domain.RecordStatusActive, want: store.cfg.ActiveTTL},
		{name: "completed records age out fast", status: domain.RecordStatusCompleted, want: store.cfg.CompletedTTL},
		{name: "partial completion counts as completed", status: domain.RecordStatusPartiallyCompleted, want: store.cfg.CompletedTTL},
		{name: "failed records stay for debugging", status: domain.RecordStatusFailed, want: store.cfg.FailedTTL},
		{name: "archived records age out fast", status: domain.RecordStatusArchived, want: store.cfg.CompletedTTL},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, store.ttlFor(tt.status))
		})
	}

	// The default tiers order as running long, completed short, failed
	// extended.
	assert.Greater(t, store.cfg.ActiveTTL, store.cfg.CompletedTTL)
	assert.Greater(t, store.cfg.FailedTTL, store.cfg.ActiveTTL)
}

func TestStoreSaveWritesBothLayers(t *testing.T) {
	t.Parallel()

	store, fast, durable := newTestStore(t)
	ctx := context.Background()
	record := engineRecord(t, uuid.New())

	require.NoError(t, store.Save(ctx, record))

	fromDurable, err := durable.Get(ctx, record.ID())
	require.NoError(t, err)
	assert.Equal(t, record.ID(), fromDurable.ID())

	_, found, err := fast.Get(ctx, "checkpoint:"+record.ID().String())
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStoreSaveDegradedMode(t *testing.T) {
	t.Parallel()

	store, _, durable := newTestStore(t)
	ctx := context.Background()
	record := engineRecord(t, uuid.New())

	durable.failSaves = true
	require.NoError(t, store.Save(ctx, record), "degraded write should not error")
	assert.Equal(t, 1, store.RetryQueueLen())

	// The fast copy still serves reads while durable is down.
	got, err := store.Get(ctx, record.ID())
	require.NoError(t, err)
	assert.Equal(t, record.ID(), got.ID())

	// Durable has nothing yet.
	_, err = durable.DurableStore.Get(ctx, record.ID())
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestStoreSaveBothLayersDown(t *testing.T) {
	t.Parallel()

	store, fast, durable := newTestStore(t)
	ctx := context.Background()
	record := engineRecord(t, uuid.New())

	fast.failSets = true
	durable.failSaves = true

	var unavailErr *domain.StoreUnavailableError
	err := store.Save(ctx, record)
	require.ErrorAs(t, err, &unavailErr)
	assert.Equal(t, record.ID(), unavailErr.RecordID)
}

func TestStoreSaveRejectsStaleWrite(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	newer := engineRecord(t, jobID)
	newer.Touch(time.Now().UTC().Add(time.Minute))
	require.NoError(t, store.Save(ctx, newer))

	older := domain.ReconstructRecord(
		newer.ID(), newer.Level(), newer.JobID(), uuid.Nil,
		newer.Status(), newer.Payload(), nil, uuid.Nil,
		false, time.Time{}, 1,
		newer.CreatedAt(), newer.CreatedAt(),
	)
	assert.ErrorIs(t, store.Save(ctx, older), domain.ErrStaleWrite)
}

func TestStoreGetCacheAside(t *testing.T) {
	t.Parallel()

	store, fast, durable := newTestStore(t)
	ctx := context.Background()
	record := engineRecord(t, uuid.New())

	// Seed only the durable store, simulating a cold cache after restart.
	require.NoError(t, durable.DurableStore.Save(ctx, record))

	got, err := store.Get(ctx, record.ID())
	require.NoError(t, err)
	assert.Equal(t, record.ID(), got.ID())

	// The miss repopulated the cache.
	_, found, err := fast.Get(ctx, "checkpoint:"+record.ID().String())
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStoreGetNotFound(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestStoreCompressesLargeRecords(t *testing.T) {
	t.Parallel()

	store, fast, _ := newTestStore(t)
	ctx := context.Background()

	// A payload well past the compression threshold.
	queue := make([]string, 0, 2048)
	for i := 0; i < 2048; i++ {
		queue = append(queue, strings.Repeat("sunset wallpaper 4k ", 3))
	}
	payload, err := (&domain.EngineCheckpoint{Engine: "bing", VariationQueue: queue}).Marshal()
	require.NoError(t, err)
	record := domain.NewRecord(domain.LevelEngine, uuid.New(), uuid.Nil, payload)

	require.NoError(t, store.Save(ctx, record))

	value, found, err := fast.Get(ctx, "checkpoint:"+record.ID().String())
	require.NoError(t, err)
	require.True(t, found)
	assert.Less(t, len(value), len(payload), "stored value should be compressed")

	got, err := store.Get(ctx, record.ID())
	require.NoError(t, err)
	assert.Equal(t, record.ID(), got.ID())

	decoded, err := domain.DecodeEngineCheckpoint(got.Payload())
	require.NoError(t, err)
	assert.Len(t, decoded.VariationQueue, 2048)
}

func TestStoreResolveRepairsPayload(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	ctx := context.Background()

	// Downloaded exceeding discovered fails validation but is repairable.
	payload, err := json.Marshal(&domain.EngineCheckpoint{
		Engine:          "flickr",
		TotalDiscovered: 10,
		TotalDownloaded: 50,
	})
	require.NoError(t, err)
	record := domain.NewRecord(domain.LevelEngine, uuid.New(), uuid.Nil, payload)
	require.NoError(t, store.Save(ctx, record))

	resolved, err := store.Resolve(ctx, record.ID())
	require.NoError(t, err)

	decoded, err := domain.DecodeEngineCheckpoint(resolved.Payload())
	require.NoError(t, err)
	assert.Equal(t, 50, decoded.TotalDiscovered)
	assert.NoError(t, decoded.Validate())
}

func TestStoreResolveFallsBackToLineage(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	// A valid previous attempt.
	prev := engineRecord(t, jobID)
	require.NoError(t, store.Save(ctx, prev))

	// The current attempt lost its engine identity: unrepairable.
	corruptPayload, err := json.Marshal(&domain.EngineCheckpoint{CurrentOffset: 100})
	require.NoError(t, err)
	current := domain.NewRecord(domain.LevelEngine, jobID, uuid.Nil, corruptPayload)
	current.SetPrevAttemptID(prev.ID())
	require.NoError(t, store.Save(ctx, current))

	resolved, err := store.Resolve(ctx, current.ID())
	require.NoError(t, err)
	assert.Equal(t, prev.ID(), resolved.ID())
}

func TestStoreResolveUnsalvageable(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	ctx := context.Background()

	corruptPayload, err := json.Marshal(&domain.EngineCheckpoint{CurrentOffset: 100})
	require.NoError(t, err)
	record := domain.NewRecord(domain.LevelEngine, uuid.New(), uuid.Nil, corruptPayload)
	require.NoError(t, store.Save(ctx, record))

	var corruptErr *domain.CorruptRecordError
	_, err = store.Resolve(ctx, record.ID())
	require.ErrorAs(t, err, &corruptErr)
	assert.Equal(t, record.ID(), corruptErr.RecordID)
}

func TestStoreDeleteByJob(t *testing.T) {
	t.Parallel()

	store, fast, _ := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	records := []*domain.Record{
		engineRecord(t, jobID),
		engineRecord(t, jobID),
		engineRecord(t, uuid.New()),
	}
	for _, record := range records {
		require.NoError(t, store.Save(ctx, record))
	}

	deleted, err := store.DeleteByJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Fast copies of the deleted job are evicted; the other job survives.
	_, found, err := fast.Get(ctx, "checkpoint:"+records[0].ID().String())
	require.NoError(t, err)
	assert.False(t, found)

	_, err = store.Get(ctx, records[2].ID())
	assert.NoError(t, err)
}
