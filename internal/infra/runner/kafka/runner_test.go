package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelsk/gatherd/internal/domain/runner"
	"github.com/avelsk/gatherd/internal/infra/storage"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

type mockSyncProducer struct {
	sarama.SyncProducer

	mu       sync.Mutex
	messages []*sarama.ProducerMessage
	err      error
}

func (m *mockSyncProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, 0, m.err
	}
	m.messages = append(m.messages, msg)
	return 0, int64(len(m.messages)), nil
}

func (m *mockSyncProducer) Close() error { return nil }

func (m *mockSyncProducer) sent() []*sarama.ProducerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*sarama.ProducerMessage(nil), m.messages...)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestRunner(t *testing.T) (*Runner, *mockSyncProducer) {
	t.Helper()
	producer := new(mockSyncProducer)
	log := logger.New(testWriter{t}, logger.LevelDebug, "runner-test", nil)
	r := &Runner{
		producer: producer,
		cfg: Config{
			TaskTopic:   "scrape-tasks",
			StatusTopic: "scrape-task-status",
			GroupID:     "orchestrator",
		},
		statuses: make(map[string]runner.TaskInfo),
		logger:   log,
		tracer:   storage.NoOpTracer(),
	}
	return r, producer
}

func TestDispatchPublishesTaskKeyedByChunk(t *testing.T) {
	r, producer := newTestRunner(t)

	id, err := r.Dispatch(context.Background(), runner.Dispatch{
		JobID:    "job-1",
		ChunkID:  "chunk-4",
		TaskType: "image_scrape",
		Payload:  []byte(`{"keywords":["sunset"]}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sent := producer.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "scrape-tasks", sent[0].Topic)

	key, encErr := sent[0].Key.Encode()
	require.NoError(t, encErr)
	assert.Equal(t, "chunk-4", string(key), "partition key groups attempts by chunk")

	raw, encErr := sent[0].Value.Encode()
	require.NoError(t, encErr)
	var msg taskMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, id, msg.ExternalTaskID)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, "image_scrape", msg.TaskType)
	assert.JSONEq(t, `{"keywords":["sunset"]}`, string(msg.Payload))
	assert.False(t, msg.DispatchedAt.IsZero())

	info, err := r.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, runner.StatusPending, info.Status)
}

func TestDispatchGeneratesUniqueExternalIDs(t *testing.T) {
	r, _ := newTestRunner(t)

	first, err := r.Dispatch(context.Background(), runner.Dispatch{ChunkID: "chunk-1"})
	require.NoError(t, err)
	second, err := r.Dispatch(context.Background(), runner.Dispatch{ChunkID: "chunk-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDispatchSurfacesProducerError(t *testing.T) {
	r, producer := newTestRunner(t)
	producer.err = sarama.ErrOutOfBrokers

	_, err := r.Dispatch(context.Background(), runner.Dispatch{ChunkID: "chunk-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scrape-tasks")
}

func TestStatusUnknownForUndispatchedTask(t *testing.T) {
	r, _ := newTestRunner(t)

	info, err := r.Status(context.Background(), "never-dispatched")
	require.NoError(t, err)
	assert.Equal(t, runner.StatusUnknown, info.Status)
	assert.Equal(t, "never-dispatched", info.ExternalTaskID)
}

func TestApplyStatusReportUpdatesView(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	id, err := r.Dispatch(ctx, runner.Dispatch{ChunkID: "chunk-2"})
	require.NoError(t, err)

	report, _ := json.Marshal(statusMessage{ExternalTaskID: id, Status: "RUNNING"})
	require.NoError(t, r.applyStatusReport(ctx, report))

	info, err := r.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runner.StatusRunning, info.Status)

	report, _ = json.Marshal(statusMessage{
		ExternalTaskID: id,
		Status:         "FAILURE",
		Error:          "engine rate limited",
	})
	require.NoError(t, r.applyStatusReport(ctx, report))

	info, err = r.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runner.StatusFailure, info.Status)
	assert.Equal(t, "engine rate limited", info.Error)
}

func TestApplyStatusReportRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"malformed json", `{"external_task_id":`},
		{"unrecognized status", `{"external_task_id":"task-1","status":"EXPLODED"}`},
		{"empty status", `{"external_task_id":"task-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRunner(t)

			err := r.applyStatusReport(context.Background(), []byte(tt.value))
			require.Error(t, err)

			info, statusErr := r.Status(context.Background(), "task-1")
			require.NoError(t, statusErr)
			assert.Equal(t, runner.StatusUnknown, info.Status, "bad reports must not pollute the view")
		})
	}
}
