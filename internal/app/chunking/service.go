// Package chunking implements the job chunking service: it splits a job's
// target quantity into fixed-size prioritized chunks and manages their
// claim, completion, and bounded-retry lifecycle.
package chunking

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/avelsk/gatherd/internal/domain/chunking"
	"github.com/avelsk/gatherd/internal/domain/events"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

// DefaultMaxRetries bounds how many times a failed chunk may be retried
// before it stays FAILED.
const DefaultMaxRetries = 3

// CreateChunksParams carries validated input for chunk creation.
type CreateChunksParams struct {
	JobID         uuid.UUID `validate:"required"`
	TotalQuantity int       `validate:"required,gt=0"`
	ChunkSize     int       `validate:"required,gt=0"`
	Priority      int       `validate:"gte=0,lte=10"`
}

// Progress summarizes a job's chunk-level completion.
type Progress struct {
	Counts            domain.StatusCounts
	CompletedFraction float64

	// SuccessRate is completed over settled (completed + failed) chunks.
	// Zero while no chunk has settled.
	SuccessRate float64

	QuantityTotal     int
	QuantityCompleted int
}

// Service coordinates chunk creation and lifecycle against the repository.
type Service struct {
	repo       domain.ChunkRepository
	publisher  events.DomainEventPublisher
	maxRetries int

	validate *validator.Validate
	logger   *logger.Logger
	tracer   trace.Tracer
}

// Option configures the Service.
type Option func(*Service)

// WithMaxRetries overrides the per-chunk retry bound.
func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

// NewService creates a chunking service.
func NewService(
	repo domain.ChunkRepository,
	publisher events.DomainEventPublisher,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Service {
	s := &Service{
		repo:       repo,
		publisher:  publisher,
		maxRetries: DefaultMaxRetries,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     log.With("component", "chunking_service"),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateChunks splits a job's target quantity into contiguous half-open
// ranges of the requested size. The last chunk absorbs the remainder; every
// unit of quantity lands in exactly one chunk.
func (s *Service) CreateChunks(ctx context.Context, params CreateChunksParams) ([]*domain.Chunk, error) {
	ctx, span := s.tracer.Start(ctx, "chunking_service.create_chunks",
		trace.WithAttributes(
			attribute.String("job_id", params.JobID.String()),
			attribute.Int("total_quantity", params.TotalQuantity),
			attribute.Int("chunk_size", params.ChunkSize),
		))
	defer span.End()

	if err := s.validate.Struct(params); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid chunk creation params")
		return nil, &domain.ValidationError{Field: "params", Reason: err.Error()}
	}

	count := (params.TotalQuantity + params.ChunkSize - 1) / params.ChunkSize
	chunks := make([]*domain.Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * params.ChunkSize
		end := start + params.ChunkSize
		if end > params.TotalQuantity {
			end = params.TotalQuantity
		}
		chunks = append(chunks, domain.NewChunk(params.JobID, i, start, end, params.Priority))
	}

	if err := s.repo.CreateBatch(ctx, chunks); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist chunks")
		return nil, fmt.Errorf("persisting chunks for job %s: %w", params.JobID, err)
	}

	s.logger.Info(ctx, "chunks created",
		"job_id", params.JobID, "chunk_count", count, "chunk_size", params.ChunkSize)
	span.SetAttributes(attribute.Int("chunk_count", count))
	span.SetStatus(codes.Ok, "chunks created")
	return chunks, nil
}

// Claim atomically hands a specific pending chunk to a worker. Exactly one
// concurrent claimer wins; losers receive ErrClaimConflict and must discard
// any in-flight result.
func (s *Service) Claim(ctx context.Context, chunkID uuid.UUID, externalTaskID string) (*domain.Chunk, error) {
	ctx, span := s.tracer.Start(ctx, "chunking_service.claim",
		trace.WithAttributes(
			attribute.String("chunk_id", chunkID.String()),
			attribute.String("external_task_id", externalTaskID),
		))
	defer span.End()

	chunk, err := s.repo.Claim(ctx, chunkID, externalTaskID)
	if err != nil {
		if errors.Is(err, domain.ErrClaimConflict) {
			span.AddEvent("claim_conflict")
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "chunk claimed")
	return chunk, nil
}

// ClaimNext claims the next pending chunk for a job, preferring higher
// priority and older creation. Racing claimers that lose simply move on to
// the following chunk.
func (s *Service) ClaimNext(ctx context.Context, jobID uuid.UUID, externalTaskID string) (*domain.Chunk, error) {
	ctx, span := s.tracer.Start(ctx, "chunking_service.claim_next",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	for {
		next, err := s.repo.NextPending(ctx, jobID)
		if err != nil {
			if errors.Is(err, domain.ErrNoPendingChunks) {
				return nil, err
			}
			span.RecordError(err)
			return nil, err
		}

		chunk, err := s.repo.Claim(ctx, next.ID(), externalTaskID)
		if err == nil {
			span.SetAttributes(attribute.Int("chunk_index", chunk.Index()))
			span.SetStatus(codes.Ok, "chunk claimed")
			return chunk, nil
		}
		if errors.Is(err, domain.ErrClaimConflict) {
			// Lost the race for this chunk; try the next one.
			continue
		}
		span.RecordError(err)
		return nil, err
	}
}

// MarkCompleted records that a chunk's range was fully collected.
func (s *Service) MarkCompleted(ctx context.Context, chunkID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "chunking_service.mark_completed",
		trace.WithAttributes(attribute.String("chunk_id", chunkID.String())))
	defer span.End()

	chunk, err := s.repo.Get(ctx, chunkID)
	if err != nil {
		return err
	}
	if err := chunk.Complete(); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.repo.Update(ctx, chunk); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist completion")
		return fmt.Errorf("persisting chunk completion: %w", err)
	}

	s.publish(ctx, events.EventTypeChunkCompleted, chunk)
	span.SetStatus(codes.Ok, "chunk completed")
	return nil
}

// MarkFailed records a chunk attempt failure and, when the retry budget
// allows, immediately requeues it as PENDING. Past the budget the chunk
// stays FAILED.
func (s *Service) MarkFailed(ctx context.Context, chunkID uuid.UUID, errMsg string) error {
	ctx, span := s.tracer.Start(ctx, "chunking_service.mark_failed",
		trace.WithAttributes(attribute.String("chunk_id", chunkID.String())))
	defer span.End()

	chunk, err := s.repo.Get(ctx, chunkID)
	if err != nil {
		return err
	}
	if err := chunk.Fail(errMsg); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.repo.Update(ctx, chunk); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persisting chunk failure: %w", err)
	}

	s.publish(ctx, events.EventTypeChunkFailed, chunk)
	s.logger.Warn(ctx, "chunk failed",
		"chunk_id", chunkID, "retry_count", chunk.RetryCount(), "error", errMsg)
	span.SetStatus(codes.Ok, "chunk failure recorded")
	return nil
}

// Retry requeues a failed chunk within the retry bound.
func (s *Service) Retry(ctx context.Context, chunkID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "chunking_service.retry",
		trace.WithAttributes(attribute.String("chunk_id", chunkID.String())))
	defer span.End()

	chunk, err := s.repo.Get(ctx, chunkID)
	if err != nil {
		return err
	}
	if err := chunk.Retry(s.maxRetries); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.repo.Update(ctx, chunk); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persisting chunk retry: %w", err)
	}

	s.logger.Info(ctx, "chunk requeued",
		"chunk_id", chunkID, "retry_count", chunk.RetryCount())
	span.SetStatus(codes.Ok, "chunk requeued")
	return nil
}

// Touch refreshes a chunk's heartbeat so staleness detection leaves an
// actively worked chunk alone.
func (s *Service) Touch(ctx context.Context, chunkID uuid.UUID) error {
	chunk, err := s.repo.Get(ctx, chunkID)
	if err != nil {
		return err
	}
	chunk.Touch()
	return s.repo.Update(ctx, chunk)
}

// ListByJob returns a job's chunks, optionally filtered by status.
func (s *Service) ListByJob(ctx context.Context, jobID uuid.UUID, statuses ...domain.ChunkStatus) ([]*domain.Chunk, error) {
	return s.repo.ListByJob(ctx, jobID, statuses...)
}

// JobProgress computes a job's chunk-level completion. Progress numbers are
// always derived from the chunk set, never stored.
func (s *Service) JobProgress(ctx context.Context, jobID uuid.UUID) (Progress, error) {
	ctx, span := s.tracer.Start(ctx, "chunking_service.job_progress",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	counts, err := s.repo.CountsByStatus(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return Progress{}, fmt.Errorf("counting chunks for job %s: %w", jobID, err)
	}

	progress := Progress{Counts: counts}
	if counts.Total > 0 {
		progress.CompletedFraction = float64(counts.Completed) / float64(counts.Total)
	}
	if settled := counts.Completed + counts.Failed; settled > 0 {
		progress.SuccessRate = float64(counts.Completed) / float64(settled)
	}

	chunks, err := s.repo.ListByJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return Progress{}, fmt.Errorf("listing chunks for job %s: %w", jobID, err)
	}
	for _, chunk := range chunks {
		progress.QuantityTotal += chunk.Quantity()
		if chunk.Status() == domain.ChunkStatusCompleted {
			progress.QuantityCompleted += chunk.Quantity()
		}
	}
	return progress, nil
}

// DeleteByJob removes a job's chunks. Backs the privileged clear operation.
func (s *Service) DeleteByJob(ctx context.Context, jobID uuid.UUID) (int64, error) {
	return s.repo.DeleteByJob(ctx, jobID)
}

func (s *Service) publish(ctx context.Context, eventType events.EventType, chunk *domain.Chunk) {
	if s.publisher == nil {
		return
	}
	evt := events.DomainEvent{
		Type: eventType,
		Key:  chunk.JobID().String(),
		Payload: map[string]any{
			"chunk_id":    chunk.ID().String(),
			"chunk_index": chunk.Index(),
			"status":      string(chunk.Status()),
		},
	}
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(chunk.JobID().String())); err != nil {
		s.logger.Warn(ctx, "failed to publish chunk event",
			"event_type", string(eventType), "chunk_id", chunk.ID(), "error", err)
	}
}
