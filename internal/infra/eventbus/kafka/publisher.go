package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/avelsk/gatherd/internal/domain/events"
	"github.com/avelsk/gatherd/internal/infra/eventbus/kafka/tracing"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

// PublisherConfig defines the topics domain events are routed to.
// Events are partitioned by category so consumers can subscribe to the
// streams they care about without filtering.
type PublisherConfig struct {
	// WorkflowTopic receives workflow and step lifecycle events.
	WorkflowTopic string
	// ChunkTopic receives chunk completion and failure events.
	ChunkTopic string
	// CheckpointTopic receives checkpoint, recovery and reconciliation events.
	CheckpointTopic string
}

var _ events.DomainEventPublisher = (*Publisher)(nil)

// Publisher delivers domain events to Kafka. It routes each event to a topic
// based on its type and uses the publish key for partition placement so
// events about the same job land on the same partition in order.
type Publisher struct {
	producer sarama.SyncProducer
	topics   map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics PublisherMetrics
}

// NewPublisher creates a Publisher backed by the given sync producer.
func NewPublisher(
	producer sarama.SyncProducer,
	cfg *PublisherConfig,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) *Publisher {
	return &Publisher{
		producer: producer,
		topics:   buildTopicRoutes(cfg),
		logger:   log.With("component", "kafka_publisher"),
		tracer:   tracer,
		metrics:  metrics,
	}
}

func buildTopicRoutes(cfg *PublisherConfig) map[events.EventType]string {
	return map[events.EventType]string{
		events.EventTypeWorkflowStarted:   cfg.WorkflowTopic,
		events.EventTypeWorkflowPaused:    cfg.WorkflowTopic,
		events.EventTypeWorkflowResumed:   cfg.WorkflowTopic,
		events.EventTypeWorkflowCompleted: cfg.WorkflowTopic,
		events.EventTypeWorkflowFailed:    cfg.WorkflowTopic,
		events.EventTypeWorkflowCancelled: cfg.WorkflowTopic,
		events.EventTypeStepCompleted:     cfg.WorkflowTopic,
		events.EventTypeStepFailed:        cfg.WorkflowTopic,

		events.EventTypeChunkCompleted: cfg.ChunkTopic,
		events.EventTypeChunkFailed:    cfg.ChunkTopic,

		events.EventTypeCheckpointSaved:  cfg.CheckpointTopic,
		events.EventTypeRecoveryStarted:  cfg.CheckpointTopic,
		events.EventTypeJobReconciled:    cfg.CheckpointTopic,
		events.EventTypeResumePlanIssued: cfg.CheckpointTopic,
	}
}

// eventEnvelope is the wire representation of a domain event.
type eventEnvelope struct {
	Type      events.EventType  `json:"type"`
	Key       string            `json:"key,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload,omitempty"`
}

// PublishDomainEvent routes a domain event to its Kafka topic and blocks
// until the broker acknowledges the write.
func (p *Publisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	topic, ok := p.topics[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, p.tracer)
	defer span.End()

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}

	key := event.Key
	if params.Key != "" {
		key = params.Key
		span.SetAttributes(attribute.String("event.key", key))
	}

	headers := event.Headers
	if len(params.Headers) > 0 {
		merged := make(map[string]string, len(headers)+len(params.Headers))
		for k, v := range headers {
			merged[k] = v
		}
		for k, v := range params.Headers {
			merged[k] = v
		}
		headers = merged
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	envelope := eventEnvelope{
		Type:      event.Type,
		Key:       key,
		Headers:   headers,
		Timestamp: ts,
		Payload:   event.Payload,
	}
	msgBytes, err := json.Marshal(envelope)
	if err != nil {
		span.RecordError(err)
		if p.metrics != nil {
			p.metrics.IncPublishError(ctx, topic)
		}
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key), // Used for partition routing
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, sendErr := p.producer.SendMessage(kafkaMsg)
	if sendErr != nil {
		span.RecordError(sendErr)
		if p.metrics != nil {
			p.metrics.IncPublishError(ctx, topic)
		}
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, sendErr)
	}

	if p.metrics != nil {
		p.metrics.IncMessagePublished(ctx, topic)
	}
	p.logger.Info(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"event_type", event.Type,
		"key", key,
	)

	return nil
}

// Close shuts down the underlying producer.
func (p *Publisher) Close() error { return p.producer.Close() }

// ConnectPublisher creates a Publisher from an existing Kafka client,
// retrying producer creation with exponential backoff. This smooths over
// broker unavailability during startup.
func ConnectPublisher(
	cfg *PublisherConfig,
	client sarama.Client,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) (*Publisher, error) {
	var publisher *Publisher

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		publisher = NewPublisher(producer, cfg, log, metrics, tracer)
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return publisher, nil
}
