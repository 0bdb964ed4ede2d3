// Package reporting exposes the orchestration core's observable surface:
// job summaries, chunk listings, per-engine breakdowns, and system-wide
// aggregate stats, plus the mutating triggers for resume, manual
// reconciliation, and the privileged clear/archive operations.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	chunkingapp "github.com/avelsk/gatherd/internal/app/chunking"
	"github.com/avelsk/gatherd/internal/app/reconcile"
	ckpt "github.com/avelsk/gatherd/internal/domain/checkpoint"
	chunkdomain "github.com/avelsk/gatherd/internal/domain/chunking"
	"github.com/avelsk/gatherd/internal/domain/shared"
	wfdomain "github.com/avelsk/gatherd/internal/domain/workflow"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

// CheckpointStore is the slice of the checkpoint store reporting needs.
type CheckpointStore interface {
	Save(ctx context.Context, record *ckpt.Record) error
	Query(ctx context.Context, filter ckpt.Filter) ([]*ckpt.Record, error)
	DeleteByJob(ctx context.Context, jobID uuid.UUID) (int64, error)
	CacheStats() (hits, misses int64)
	FastSize(ctx context.Context) (int64, error)
}

// Reconciler triggers reconciliation passes on demand.
type Reconciler interface {
	Reconcile(ctx context.Context, jobID uuid.UUID) (*reconcile.Result, error)
}

// JobState is the coarse user-facing state of a collection job.
type JobState string

const (
	// JobStateInProgress means chunks are still pending or processing.
	JobStateInProgress JobState = "IN_PROGRESS"

	// JobStateCompleted means every chunk finished successfully.
	JobStateCompleted JobState = "COMPLETED"

	// JobStatePartialSuccess means the job finished but some chunks
	// exhausted their retries and were skipped.
	JobStatePartialSuccess JobState = "PARTIAL_SUCCESS"

	// JobStateFailed means every chunk ended in failure.
	JobStateFailed JobState = "FAILED"
)

// JobSummary is the job-level report.
type JobSummary struct {
	JobID            uuid.UUID
	State            JobState
	WorkflowStatus   wfdomain.Status
	Progress         chunkingapp.Progress
	TargetQuantity   int
	Keywords         []string
	SkippedChunks    []uuid.UUID
	LastReconciledAt time.Time
}

// EngineStats aggregates one engine's checkpointed progress across a job.
type EngineStats struct {
	Engine          string
	Chunks          int
	Attempts        int
	TotalDiscovered int
	TotalDownloaded int
}

// SystemStats is the cross-job aggregate view.
type SystemStats struct {
	RecordsByLevel map[ckpt.Level]int
	FastStoreBytes int64
	CacheHits      int64
	CacheMisses    int64
	CacheHitRate   float64
}

// Service answers reporting queries and hosts the mutating triggers.
type Service struct {
	chunks      *chunkingapp.Service
	checkpoints CheckpointStore
	workflows   wfdomain.WorkflowRepository
	reconciler  Reconciler

	clock  shared.TimeProvider
	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures the Service.
type Option func(*Service)

// WithTimeProvider overrides the clock used for archival stamps.
func WithTimeProvider(tp shared.TimeProvider) Option {
	return func(s *Service) { s.clock = tp }
}

// NewService creates a reporting service. The workflow repository and
// reconciler may be nil when the corresponding surfaces are not needed.
func NewService(
	chunks *chunkingapp.Service,
	checkpoints CheckpointStore,
	workflows wfdomain.WorkflowRepository,
	reconciler Reconciler,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Service {
	s := &Service{
		chunks:      chunks,
		checkpoints: checkpoints,
		workflows:   workflows,
		reconciler:  reconciler,
		clock:       shared.RealTimeProvider{},
		logger:      log.With("component", "reporting_service"),
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JobSummary builds the job-level report: chunk progress, target and
// keywords from the job checkpoint, skipped chunks, and the coarse state. A
// job whose chunks all reached a terminal status but some failed reports
// PARTIAL_SUCCESS with the skipped chunks listed.
func (s *Service) JobSummary(ctx context.Context, jobID uuid.UUID) (JobSummary, error) {
	ctx, span := s.tracer.Start(ctx, "reporting_service.job_summary",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	summary := JobSummary{JobID: jobID}

	progress, err := s.chunks.JobProgress(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return JobSummary{}, err
	}
	summary.Progress = progress
	summary.State = jobState(progress.Counts)

	failed, err := s.chunks.ListByJob(ctx, jobID, chunkdomain.ChunkStatusFailed)
	if err != nil {
		span.RecordError(err)
		return JobSummary{}, err
	}
	for _, chunk := range failed {
		summary.SkippedChunks = append(summary.SkippedChunks, chunk.ID())
	}

	jobRecs, err := s.checkpoints.Query(ctx, ckpt.Filter{JobID: jobID, Level: ckpt.LevelJob})
	if err != nil {
		span.RecordError(err)
		return JobSummary{}, fmt.Errorf("querying job checkpoint: %w", err)
	}
	if len(jobRecs) > 0 {
		record := jobRecs[0]
		summary.LastReconciledAt = record.ReconciledAt()
		if jc, err := ckpt.DecodeJobCheckpoint(record.Payload()); err == nil {
			summary.TargetQuantity = jc.TargetQuantity
			summary.Keywords = jc.Keywords
		}
	}

	if s.workflows != nil {
		w, err := s.workflows.GetByJob(ctx, jobID.String())
		switch {
		case err == nil:
			summary.WorkflowStatus = w.Status()
		case errors.Is(err, wfdomain.ErrWorkflowNotFound):
			// A job chunked but never handed to the orchestrator.
		default:
			s.logger.Warn(ctx, "loading workflow for summary failed", "job_id", jobID, "error", err)
		}
	}

	span.SetStatus(codes.Ok, "summary built")
	return summary, nil
}

// ListChunks returns the job's chunks, optionally filtered by status.
func (s *Service) ListChunks(ctx context.Context, jobID uuid.UUID, statuses ...chunkdomain.ChunkStatus) ([]*chunkdomain.Chunk, error) {
	return s.chunks.ListByJob(ctx, jobID, statuses...)
}

// EngineBreakdown aggregates engine-level checkpoints per engine across the
// job's chunks.
func (s *Service) EngineBreakdown(ctx context.Context, jobID uuid.UUID) ([]EngineStats, error) {
	ctx, span := s.tracer.Start(ctx, "reporting_service.engine_breakdown",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	records, err := s.checkpoints.Query(ctx, ckpt.Filter{JobID: jobID, Level: ckpt.LevelEngine})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying engine checkpoints: %w", err)
	}

	byEngine := make(map[string]*EngineStats)
	var order []string
	for _, record := range records {
		ec, err := ckpt.DecodeEngineCheckpoint(record.Payload())
		if err != nil {
			s.logger.Warn(ctx, "skipping undecodable engine checkpoint",
				"record_id", record.ID(), "error", err)
			continue
		}
		stats, ok := byEngine[ec.Engine]
		if !ok {
			stats = &EngineStats{Engine: ec.Engine}
			byEngine[ec.Engine] = stats
			order = append(order, ec.Engine)
		}
		stats.Chunks++
		stats.Attempts += len(ec.Attempts)
		stats.TotalDiscovered += ec.TotalDiscovered
		stats.TotalDownloaded += ec.TotalDownloaded
	}

	out := make([]EngineStats, 0, len(order))
	for _, engine := range order {
		out = append(out, *byEngine[engine])
	}
	return out, nil
}

// SystemStats reports cross-job aggregates: checkpoint counts per level,
// fast-store usage, and the cache hit rate.
func (s *Service) SystemStats(ctx context.Context) (SystemStats, error) {
	ctx, span := s.tracer.Start(ctx, "reporting_service.system_stats")
	defer span.End()

	records, err := s.checkpoints.Query(ctx, ckpt.Filter{})
	if err != nil {
		span.RecordError(err)
		return SystemStats{}, fmt.Errorf("querying checkpoint records: %w", err)
	}

	stats := SystemStats{RecordsByLevel: make(map[ckpt.Level]int)}
	for _, record := range records {
		stats.RecordsByLevel[record.Level()]++
	}

	if size, err := s.checkpoints.FastSize(ctx); err == nil {
		stats.FastStoreBytes = size
	} else {
		s.logger.Warn(ctx, "reading fast store size failed", "error", err)
	}

	stats.CacheHits, stats.CacheMisses = s.checkpoints.CacheStats()
	if total := stats.CacheHits + stats.CacheMisses; total > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(total)
	}
	return stats, nil
}

// TriggerReconciliation runs a reconciliation pass on demand.
func (s *Service) TriggerReconciliation(ctx context.Context, jobID uuid.UUID) (*reconcile.Result, error) {
	if s.reconciler == nil {
		return nil, errors.New("no reconciler configured")
	}
	return s.reconciler.Reconcile(ctx, jobID)
}

// TriggerResume reconciles the job and re-queues every retryable chunk from
// the resulting plan. Chunks on the skip list stay failed; per-chunk requeue
// errors are logged and do not abort the rest of the plan.
func (s *Service) TriggerResume(ctx context.Context, jobID uuid.UUID) (*reconcile.Result, error) {
	ctx, span := s.tracer.Start(ctx, "reporting_service.trigger_resume",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	if s.reconciler == nil {
		return nil, errors.New("no reconciler configured")
	}
	result, err := s.reconciler.Reconcile(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconciliation failed")
		return nil, err
	}

	requeued := 0
	for _, point := range result.Plan.Retry {
		if err := s.chunks.Retry(ctx, point.ChunkID); err != nil {
			s.logger.Warn(ctx, "re-queueing chunk from resume plan failed",
				"chunk_id", point.ChunkID, "error", err)
			continue
		}
		requeued++
	}

	s.logger.Info(ctx, "resume triggered",
		"job_id", jobID, "requeued", requeued, "skipped", len(result.Plan.Skip))
	span.SetAttributes(attribute.Int("requeued", requeued))
	span.SetStatus(codes.Ok, "resume triggered")
	return result, nil
}

// ClearJob permanently removes a job's chunks and checkpoint records.
// Privileged: callers must gate access before invoking it.
func (s *Service) ClearJob(ctx context.Context, jobID uuid.UUID) (chunksDeleted, recordsDeleted int64, err error) {
	ctx, span := s.tracer.Start(ctx, "reporting_service.clear_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	recordsDeleted, err = s.checkpoints.DeleteByJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return 0, 0, fmt.Errorf("clearing checkpoint records for job %s: %w", jobID, err)
	}
	chunksDeleted, err = s.chunks.DeleteByJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return 0, recordsDeleted, fmt.Errorf("clearing chunks for job %s: %w", jobID, err)
	}

	s.logger.Info(ctx, "job data cleared",
		"job_id", jobID, "chunks_deleted", chunksDeleted, "records_deleted", recordsDeleted)
	span.SetStatus(codes.Ok, "job cleared")
	return chunksDeleted, recordsDeleted, nil
}

// ArchiveJob moves the job's terminal checkpoint records to ARCHIVED
// retention. Records still active are left untouched. Privileged.
func (s *Service) ArchiveJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	ctx, span := s.tracer.Start(ctx, "reporting_service.archive_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	records, err := s.checkpoints.Query(ctx, ckpt.Filter{JobID: jobID})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("querying records to archive for job %s: %w", jobID, err)
	}

	now := s.clock.Now()
	archived := 0
	for _, record := range records {
		if record.Status() == ckpt.RecordStatusArchived || !record.Status().IsTerminal() {
			continue
		}
		if err := record.UpdateStatus(ckpt.RecordStatusArchived, now); err != nil {
			s.logger.Warn(ctx, "archiving record rejected",
				"record_id", record.ID(), "error", err)
			continue
		}
		if err := s.checkpoints.Save(ctx, record); err != nil {
			s.logger.Warn(ctx, "persisting archived record failed",
				"record_id", record.ID(), "error", err)
			continue
		}
		archived++
	}

	s.logger.Info(ctx, "job checkpoints archived", "job_id", jobID, "archived", archived)
	span.SetAttributes(attribute.Int("archived", archived))
	return archived, nil
}

// jobState collapses chunk counts into the coarse user-facing state.
func jobState(counts chunkdomain.StatusCounts) JobState {
	if counts.Total == 0 || counts.Pending > 0 || counts.Processing > 0 {
		return JobStateInProgress
	}
	switch {
	case counts.Failed == 0:
		return JobStateCompleted
	case counts.Completed == 0:
		return JobStateFailed
	default:
		return JobStatePartialSuccess
	}
}
