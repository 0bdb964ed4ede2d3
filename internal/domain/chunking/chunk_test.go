package chunking

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelsk/gatherd/internal/domain/shared"
)

func TestNewChunk(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	chunk := NewChunk(jobID, 2, 200, 300, 5)

	assert.NotEqual(t, uuid.Nil, chunk.ID())
	assert.Equal(t, jobID, chunk.JobID())
	assert.Equal(t, 2, chunk.Index())
	assert.Equal(t, 200, chunk.RangeStart())
	assert.Equal(t, 300, chunk.RangeEnd())
	assert.Equal(t, 100, chunk.Quantity())
	assert.Equal(t, ChunkStatusPending, chunk.Status())
	assert.Equal(t, 5, chunk.Priority())
	assert.Zero(t, chunk.RetryCount())
	assert.Empty(t, chunk.ExternalTaskID())
}

func TestChunkLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("pending to processing to completed", func(t *testing.T) {
		t.Parallel()
		chunk := NewChunk(uuid.New(), 0, 0, 100, 0)

		require.NoError(t, chunk.MarkProcessing("ext-task-1"))
		assert.Equal(t, ChunkStatusProcessing, chunk.Status())
		assert.Equal(t, "ext-task-1", chunk.ExternalTaskID())

		require.NoError(t, chunk.Complete())
		assert.Equal(t, ChunkStatusCompleted, chunk.Status())
	})

	t.Run("complete is idempotent", func(t *testing.T) {
		t.Parallel()
		chunk := NewChunk(uuid.New(), 0, 0, 100, 0)
		require.NoError(t, chunk.MarkProcessing("ext-task-1"))
		require.NoError(t, chunk.Complete())

		assert.NoError(t, chunk.Complete())
		assert.Equal(t, ChunkStatusCompleted, chunk.Status())
	})

	t.Run("cannot complete from pending", func(t *testing.T) {
		t.Parallel()
		chunk := NewChunk(uuid.New(), 0, 0, 100, 0)
		assert.Error(t, chunk.Complete())
	})

	t.Run("fail records error", func(t *testing.T) {
		t.Parallel()
		chunk := NewChunk(uuid.New(), 0, 0, 100, 0)
		require.NoError(t, chunk.MarkProcessing("ext-task-1"))

		require.NoError(t, chunk.Fail("engine quota exceeded"))
		assert.Equal(t, ChunkStatusFailed, chunk.Status())
		assert.Equal(t, "engine quota exceeded", chunk.LastError())
	})
}

func TestChunkRetry(t *testing.T) {
	t.Parallel()

	failedChunk := func(t *testing.T) *Chunk {
		t.Helper()
		chunk := NewChunk(uuid.New(), 0, 0, 100, 0)
		require.NoError(t, chunk.MarkProcessing("ext-task-1"))
		require.NoError(t, chunk.Fail("boom"))
		return chunk
	}

	t.Run("retry resets to pending and clears attempt state", func(t *testing.T) {
		t.Parallel()
		chunk := failedChunk(t)

		require.NoError(t, chunk.Retry(3))

		assert.Equal(t, ChunkStatusPending, chunk.Status())
		assert.Equal(t, 1, chunk.RetryCount())
		assert.Empty(t, chunk.LastError())
		assert.Empty(t, chunk.ExternalTaskID())
	})

	t.Run("retry limit is enforced", func(t *testing.T) {
		t.Parallel()
		chunk := failedChunk(t)

		for i := 0; i < 2; i++ {
			require.NoError(t, chunk.Retry(2))
			require.NoError(t, chunk.MarkProcessing("ext-task-n"))
			require.NoError(t, chunk.Fail("boom"))
		}

		var limitErr *RetryLimitError
		err := chunk.Retry(2)
		require.ErrorAs(t, err, &limitErr)
		assert.Equal(t, 2, limitErr.RetryCount)
		assert.Equal(t, ChunkStatusFailed, chunk.Status())
	})

	t.Run("retry on non-failed chunk rejected", func(t *testing.T) {
		t.Parallel()
		chunk := NewChunk(uuid.New(), 0, 0, 100, 0)

		var stateErr *InvalidStateError
		err := chunk.Retry(3)
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, InvalidStateReasonNotFailed, stateErr.Reason)
	})
}

func TestChunkStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    ChunkStatus
		to      ChunkStatus
		wantErr bool
	}{
		{name: "pending to processing", from: ChunkStatusPending, to: ChunkStatusProcessing},
		{name: "processing to completed", from: ChunkStatusProcessing, to: ChunkStatusCompleted},
		{name: "processing to failed", from: ChunkStatusProcessing, to: ChunkStatusFailed},
		{name: "failed to pending", from: ChunkStatusFailed, to: ChunkStatusPending},
		{name: "pending to completed rejected", from: ChunkStatusPending, to: ChunkStatusCompleted, wantErr: true},
		{name: "completed is terminal", from: ChunkStatusCompleted, to: ChunkStatusPending, wantErr: true},
		{name: "failed to processing rejected", from: ChunkStatusFailed, to: ChunkStatusProcessing, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.from.ValidateTransition(tt.to)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestChunkTouchAdvancesHeartbeat(t *testing.T) {
	t.Parallel()

	tp := shared.NewMockTimeProvider(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	chunk := NewChunk(uuid.New(), 0, 0, 50, 0, WithTimeProvider(tp))
	initial := chunk.TouchedAt()

	tp.Advance(45 * time.Second)
	chunk.Touch()

	assert.True(t, chunk.TouchedAt().After(initial))
	assert.True(t, chunk.UpdatedAt().After(initial))
}

func TestChunkUpdatedAtStrictlyIncreases(t *testing.T) {
	t.Parallel()

	tp := shared.NewMockTimeProvider(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	chunk := NewChunk(uuid.New(), 0, 0, 50, 0, WithTimeProvider(tp))

	// Frozen clock: successive writes must still order strictly.
	first := chunk.UpdatedAt()
	require.NoError(t, chunk.MarkProcessing("ext-1"))
	second := chunk.UpdatedAt()
	require.NoError(t, chunk.Complete())
	third := chunk.UpdatedAt()

	assert.True(t, second.After(first))
	assert.True(t, third.After(second))
}
