package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelsk/gatherd/internal/domain/events"
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

func newTestPublisher(t *testing.T) (*Publisher, *mockSyncProducer) {
	t.Helper()
	producer := new(mockSyncProducer)
	cfg := &PublisherConfig{
		WorkflowTopic:   "workflow-events",
		ChunkTopic:      "chunk-events",
		CheckpointTopic: "checkpoint-events",
	}
	log := logger.New(testWriter{t}, logger.LevelDebug, "kafka-test", nil)
	pub := NewPublisher(producer, cfg, log, nil, storage.NoOpTracer())
	return pub, producer
}

func decodeEnvelope(t *testing.T, msg *sarama.ProducerMessage) eventEnvelope {
	t.Helper()
	raw, err := msg.Value.Encode()
	require.NoError(t, err)
	var env eventEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestPublishRoutesEventToTopicByType(t *testing.T) {
	tests := []struct {
		name      string
		eventType events.EventType
		wantTopic string
	}{
		{"workflow lifecycle", events.EventTypeWorkflowCompleted, "workflow-events"},
		{"step lifecycle", events.EventTypeStepFailed, "workflow-events"},
		{"chunk lifecycle", events.EventTypeChunkCompleted, "chunk-events"},
		{"reconciliation", events.EventTypeJobReconciled, "checkpoint-events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, producer := newTestPublisher(t)

			err := pub.PublishDomainEvent(context.Background(), events.DomainEvent{
				Type:      tt.eventType,
				Key:       "job-1",
				Timestamp: time.Now(),
			})
			require.NoError(t, err)

			sent := producer.sent()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.wantTopic, sent[0].Topic)

			env := decodeEnvelope(t, sent[0])
			assert.Equal(t, tt.eventType, env.Type)
			assert.Equal(t, "job-1", env.Key)
		})
	}
}

func TestPublishOptionKeyOverridesEventKey(t *testing.T) {
	pub, producer := newTestPublisher(t)

	err := pub.PublishDomainEvent(context.Background(), events.DomainEvent{
		Type: events.EventTypeChunkFailed,
		Key:  "original",
	}, events.WithKey("override"))
	require.NoError(t, err)

	sent := producer.sent()
	require.Len(t, sent, 1)

	key, encErr := sent[0].Key.Encode()
	require.NoError(t, encErr)
	assert.Equal(t, "override", string(key))
	assert.Equal(t, "override", decodeEnvelope(t, sent[0]).Key)
}

func TestPublishMergesHeaders(t *testing.T) {
	pub, producer := newTestPublisher(t)

	err := pub.PublishDomainEvent(context.Background(), events.DomainEvent{
		Type:    events.EventTypeCheckpointSaved,
		Key:     "job-7",
		Headers: map[string]string{"origin": "checkpoint_store", "attempt": "1"},
	}, events.WithHeaders(map[string]string{"attempt": "2"}))
	require.NoError(t, err)

	sent := producer.sent()
	require.Len(t, sent, 1)

	env := decodeEnvelope(t, sent[0])
	assert.Equal(t, "checkpoint_store", env.Headers["origin"])
	assert.Equal(t, "2", env.Headers["attempt"], "option headers take precedence")

	got := make(map[string]string)
	for _, h := range sent[0].Headers {
		got[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, "checkpoint_store", got["origin"])
	assert.Equal(t, "2", got["attempt"])
}

func TestPublishUnknownEventType(t *testing.T) {
	pub, producer := newTestPublisher(t)

	err := pub.PublishDomainEvent(context.Background(), events.DomainEvent{
		Type: events.EventType("SomethingElse"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no topic mapped")
	assert.Empty(t, producer.sent())
}

func TestPublishSurfacesProducerError(t *testing.T) {
	pub, producer := newTestPublisher(t)
	producer.err = sarama.ErrOutOfBrokers

	err := pub.PublishDomainEvent(context.Background(), events.DomainEvent{
		Type: events.EventTypeWorkflowStarted,
		Key:  "job-9",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow-events")
}

func TestPublishStampsMissingTimestamp(t *testing.T) {
	pub, producer := newTestPublisher(t)

	before := time.Now().UTC()
	err := pub.PublishDomainEvent(context.Background(), events.DomainEvent{
		Type: events.EventTypeRecoveryStarted,
		Key:  "job-3",
	})
	require.NoError(t, err)

	sent := producer.sent()
	require.Len(t, sent, 1)

	env := decodeEnvelope(t, sent[0])
	assert.False(t, env.Timestamp.Before(before))
	assert.False(t, env.Timestamp.After(time.Now().UTC()))
}
