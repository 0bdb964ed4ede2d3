// Package kafka implements the task runner port over Kafka topics. Tasks are
// dispatched to a task topic consumed by remote scraper runners, and runner
// status reports are consumed from a status topic into a local view that
// serves status queries.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/avelsk/gatherd/internal/domain/runner"
	"github.com/avelsk/gatherd/internal/infra/eventbus/kafka/tracing"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

// Config contains the topics and consumer group used by the runner adapter.
type Config struct {
	// TaskTopic is where dispatched tasks are published for remote runners.
	TaskTopic string
	// StatusTopic is where remote runners publish task status reports.
	StatusTopic string
	// GroupID identifies the consumer group reading status reports.
	GroupID string
}

// taskMessage is the wire format for a dispatched task.
type taskMessage struct {
	ExternalTaskID string          `json:"external_task_id"`
	JobID          string          `json:"job_id"`
	ChunkID        string          `json:"chunk_id"`
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	DispatchedAt   time.Time       `json:"dispatched_at"`
}

// statusMessage is the wire format for a runner status report.
type statusMessage struct {
	ExternalTaskID string `json:"external_task_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

var validStatuses = map[runner.Status]struct{}{
	runner.StatusPending: {},
	runner.StatusRunning: {},
	runner.StatusSuccess: {},
	runner.StatusFailure: {},
}

var _ runner.TaskRunner = (*Runner)(nil)

// Runner is a Kafka-backed task runner. Dispatch publishes to the task topic
// keyed by chunk ID so all attempts for a chunk stay on one partition.
// Status answers from the locally consumed view; a task with no report yet
// answers with its last dispatched state, and a task never seen answers
// UNKNOWN.
type Runner struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	cfg      Config

	mu       sync.RWMutex
	statuses map[string]runner.TaskInfo

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics RunnerMetrics
}

// NewRunner creates a Runner from an existing Kafka client.
func NewRunner(
	client sarama.Client,
	cfg Config,
	log *logger.Logger,
	metrics RunnerMetrics,
	tracer trace.Tracer,
) (*Runner, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}

	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	return &Runner{
		producer: producer,
		group:    group,
		cfg:      cfg,
		statuses: make(map[string]runner.TaskInfo),
		logger:   log.With("component", "kafka_task_runner"),
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

// Dispatch publishes a task to the task topic and returns the generated
// external task ID. The task is tracked as PENDING until a runner reports
// otherwise.
func (r *Runner) Dispatch(ctx context.Context, d runner.Dispatch) (string, error) {
	ctx, span := tracing.StartProducerSpan(ctx, r.cfg.TaskTopic, r.tracer)
	defer span.End()

	externalID := uuid.New().String()
	msg := taskMessage{
		ExternalTaskID: externalID,
		JobID:          d.JobID,
		ChunkID:        d.ChunkID,
		TaskType:       d.TaskType,
		Payload:        d.Payload,
		DispatchedAt:   time.Now().UTC(),
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to serialize task %s: %w", externalID, err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: r.cfg.TaskTopic,
		Key:   sarama.StringEncoder(d.ChunkID),
		Value: sarama.ByteEncoder(msgBytes),
	}
	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, sendErr := r.producer.SendMessage(kafkaMsg)
	if sendErr != nil {
		span.RecordError(sendErr)
		if r.metrics != nil {
			r.metrics.IncDispatchError(ctx)
		}
		return "", fmt.Errorf("failed to dispatch task to topic %s: %w", r.cfg.TaskTopic, sendErr)
	}

	r.mu.Lock()
	r.statuses[externalID] = runner.TaskInfo{
		ExternalTaskID: externalID,
		Status:         runner.StatusPending,
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.IncTaskDispatched(ctx)
	}
	r.logger.Info(ctx, "Dispatched task",
		"external_task_id", externalID,
		"chunk_id", d.ChunkID,
		"task_type", d.TaskType,
		"partition", partition,
		"offset", offset,
	)

	return externalID, nil
}

// Status reports the last known state of a dispatched task.
func (r *Runner) Status(ctx context.Context, externalTaskID string) (runner.TaskInfo, error) {
	r.mu.RLock()
	info, ok := r.statuses[externalTaskID]
	r.mu.RUnlock()
	if !ok {
		return runner.TaskInfo{
			ExternalTaskID: externalTaskID,
			Status:         runner.StatusUnknown,
		}, nil
	}
	return info, nil
}

// Run consumes runner status reports until the context is cancelled. It must
// be running for Status to reflect anything beyond the dispatched state.
func (r *Runner) Run(ctx context.Context) error {
	handler := &statusHandler{runner: r}
	for {
		if err := r.group.Consume(ctx, []string{r.cfg.StatusTopic}, handler); err != nil {
			r.logger.Error(ctx, "Error from status consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close shuts down the producer and consumer group connections.
func (r *Runner) Close() error {
	if err := r.producer.Close(); err != nil {
		return err
	}
	return r.group.Close()
}

// statusHandler implements sarama.ConsumerGroupHandler for status reports.
type statusHandler struct{ runner *Runner }

func (h *statusHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.runner.logger.Info(context.Background(), "Status consumer session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *statusHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.runner.logger.Info(context.Background(), "Status consumer session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *statusHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for msg := range claim.Messages() {
		msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
		msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.runner.tracer)

		if err := h.runner.applyStatusReport(msgCtx, msg.Value); err != nil {
			span.RecordError(err)
			h.runner.logger.Error(msgCtx, "Failed to apply status report",
				"error", err,
				"offset", msg.Offset,
			)
		}

		sess.MarkMessage(msg, "")
		span.End()
	}
	sess.Commit()
	return nil
}

// applyStatusReport decodes one status report and updates the local view.
// Malformed or unrecognized reports are counted and dropped so one bad
// message cannot wedge the partition.
func (r *Runner) applyStatusReport(ctx context.Context, value []byte) error {
	var report statusMessage
	if err := json.Unmarshal(value, &report); err != nil {
		if r.metrics != nil {
			r.metrics.IncStatusDecodeError(ctx)
		}
		return fmt.Errorf("failed to decode status report: %w", err)
	}

	status := runner.Status(report.Status)
	if _, ok := validStatuses[status]; !ok {
		if r.metrics != nil {
			r.metrics.IncStatusDecodeError(ctx)
		}
		return fmt.Errorf("status report for task %s has unrecognized status %q",
			report.ExternalTaskID, report.Status)
	}

	r.mu.Lock()
	r.statuses[report.ExternalTaskID] = runner.TaskInfo{
		ExternalTaskID: report.ExternalTaskID,
		Status:         status,
		Error:          report.Error,
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.IncStatusUpdate(ctx, string(status))
	}
	r.logger.Info(ctx, "Applied runner status report",
		"external_task_id", report.ExternalTaskID,
		"status", status,
	)

	return nil
}
