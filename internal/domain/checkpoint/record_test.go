package checkpoint

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	parentID := uuid.New()

	tests := []struct {
		name  string
		level Level
	}{
		{name: "job level record", level: LevelJob},
		{name: "chunk level record", level: LevelChunk},
		{name: "engine level record", level: LevelEngine},
		{name: "batch level record", level: LevelBatch},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := NewRecord(tt.level, jobID, parentID, json.RawMessage(`{}`))

			assert.NotEqual(t, uuid.Nil, rec.ID())
			assert.Equal(t, tt.level, rec.Level())
			assert.Equal(t, jobID, rec.JobID())
			assert.Equal(t, parentID, rec.ParentID())
			assert.Equal(t, RecordStatusActive, rec.Status())
			assert.False(t, rec.Reconciled())
			assert.Equal(t, int64(1), rec.Version())
			assert.False(t, rec.CreatedAt().IsZero())
			assert.Equal(t, rec.CreatedAt(), rec.UpdatedAt())
		})
	}
}

func TestRecordUpdatedAtStrictlyIncreases(t *testing.T) {
	t.Parallel()

	rec := NewRecord(LevelEngine, uuid.New(), uuid.Nil, nil)

	// The clock is frozen; every accepted write must still move updatedAt
	// strictly forward so last-write-wins comparisons never tie.
	frozen := rec.UpdatedAt()
	rec.Touch(frozen)
	second := rec.UpdatedAt()
	rec.Touch(frozen)
	third := rec.UpdatedAt()

	assert.True(t, second.After(frozen))
	assert.True(t, third.After(second))
	assert.Equal(t, int64(3), rec.Version())
}

func TestRecordStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    RecordStatus
		to      RecordStatus
		wantErr bool
	}{
		{name: "active to completed", from: RecordStatusActive, to: RecordStatusCompleted},
		{name: "active to partially completed", from: RecordStatusActive, to: RecordStatusPartiallyCompleted},
		{name: "active to failed", from: RecordStatusActive, to: RecordStatusFailed},
		{name: "completed to archived", from: RecordStatusCompleted, to: RecordStatusArchived},
		{name: "partially completed to archived", from: RecordStatusPartiallyCompleted, to: RecordStatusArchived},
		{name: "failed back to active", from: RecordStatusFailed, to: RecordStatusActive},
		{name: "failed to archived", from: RecordStatusFailed, to: RecordStatusArchived},
		{name: "completed to active rejected", from: RecordStatusCompleted, to: RecordStatusActive, wantErr: true},
		{name: "archived is terminal", from: RecordStatusArchived, to: RecordStatusActive, wantErr: true},
		{name: "active to archived rejected", from: RecordStatusActive, to: RecordStatusArchived, wantErr: true},
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

func TestRecordUpdateStatus(t *testing.T) {
	t.Parallel()

	rec := NewRecord(LevelChunk, uuid.New(), uuid.Nil, nil)
	now := time.Now().UTC()

	require.NoError(t, rec.UpdateStatus(RecordStatusCompleted, now))
	assert.Equal(t, RecordStatusCompleted, rec.Status())

	err := rec.UpdateStatus(RecordStatusActive, now)
	assert.Error(t, err)
	assert.Equal(t, RecordStatusCompleted, rec.Status())
}

func TestRecordMarkReconciled(t *testing.T) {
	t.Parallel()

	rec := NewRecord(LevelChunk, uuid.New(), uuid.Nil, nil)
	require.False(t, rec.Reconciled())

	now := time.Now().UTC()
	rec.MarkReconciled(now)

	assert.True(t, rec.Reconciled())
	assert.Equal(t, now, rec.ReconciledAt())
}

func TestRecordJSONRoundTrip(t *testing.T) {
	t.Parallel()

	rec := NewRecord(LevelEngine, uuid.New(), uuid.New(), json.RawMessage(`{"engine":"bing"}`))
	rec.SetMetadata("region", "eu")
	rec.SetPrevAttemptID(uuid.New())
	rec.MarkReconciled(time.Now().UTC())

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, rec.ID(), got.ID())
	assert.Equal(t, rec.Level(), got.Level())
	assert.Equal(t, rec.JobID(), got.JobID())
	assert.Equal(t, rec.ParentID(), got.ParentID())
	assert.Equal(t, rec.Status(), got.Status())
	assert.JSONEq(t, `{"engine":"bing"}`, string(got.Payload()))
	assert.Equal(t, "eu", got.Metadata()["region"])
	assert.Equal(t, rec.PrevAttemptID(), got.PrevAttemptID())
	assert.True(t, got.Reconciled())
	assert.Equal(t, rec.Version(), got.Version())
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		want   Level
		wantOK bool
	}{
		{input: "job", want: LevelJob, wantOK: true},
		{input: "chunk", want: LevelChunk, wantOK: true},
		{input: "engine", want: LevelEngine, wantOK: true},
		{input: "batch", want: LevelBatch, wantOK: true},
		{input: "bogus", wantOK: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseLevel(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
