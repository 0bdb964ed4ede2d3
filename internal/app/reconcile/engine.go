// Package reconcile bridges the gap between persisted checkpoint state and
// the task runner's live view of the world. After crashes, network
// partitions, or missed status callbacks the two diverge; the engine diffs
// them, classifies every dispatched chunk, and emits a resume plan telling
// the orchestrator what to skip, what to retry, and from exactly where.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ckpt "github.com/avelsk/gatherd/internal/domain/checkpoint"
	"github.com/avelsk/gatherd/internal/domain/chunking"
	"github.com/avelsk/gatherd/internal/domain/events"
	"github.com/avelsk/gatherd/internal/domain/runner"
	"github.com/avelsk/gatherd/internal/domain/shared"
	"github.com/avelsk/gatherd/pkg/common"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

// DefaultStalenessThreshold is how long a chunk may go without a checkpoint
// update before an indefinite runner answer marks it stale.
const DefaultStalenessThreshold = 30 * time.Minute

// DefaultMaxChunkRetries bounds retry scheduling when the config leaves it
// zero.
const DefaultMaxChunkRetries = 3

const (
	defaultRunnerRPS   = 25.0
	defaultRunnerBurst = 5
)

// CheckpointStore is the slice of the checkpoint store the engine needs.
type CheckpointStore interface {
	Save(ctx context.Context, record *ckpt.Record) error
	Query(ctx context.Context, filter ckpt.Filter) ([]*ckpt.Record, error)
	Resolve(ctx context.Context, id uuid.UUID) (*ckpt.Record, error)
}

// Config tunes reconciliation behavior. Zero values select defaults.
type Config struct {
	// StalenessThreshold is the no-update window after which an
	// unknown/pending runner answer classifies a chunk as stale. The
	// comparison is strict: a chunk updated exactly at the threshold is
	// still active.
	StalenessThreshold time.Duration

	// MaxChunkRetries is the retry limit above which failed or stale
	// chunks land on the skip list instead of the retry set.
	MaxChunkRetries int

	// RunnerRPS and RunnerBurst throttle status queries against the task
	// runner so reconciling a large job does not hammer it.
	RunnerRPS   float64
	RunnerBurst int
}

func (c Config) withDefaults() Config {
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = DefaultStalenessThreshold
	}
	if c.MaxChunkRetries <= 0 {
		c.MaxChunkRetries = DefaultMaxChunkRetries
	}
	if c.RunnerRPS <= 0 {
		c.RunnerRPS = defaultRunnerRPS
	}
	if c.RunnerBurst <= 0 {
		c.RunnerBurst = defaultRunnerBurst
	}
	return c
}

// Engine performs reconciliation passes. It is read-heavy and idempotent:
// two passes with no intervening runner state change produce identical plans
// and never touch already-completed records.
type Engine struct {
	checkpoints CheckpointStore
	chunks      chunking.ChunkRepository
	runner      runner.TaskRunner
	publisher   events.DomainEventPublisher

	limiter       *common.RateLimiter
	clock         shared.TimeProvider
	cfg           Config
	runnerBackoff func() backoff.BackOff

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EngineMetrics
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithTimeProvider overrides the clock used for staleness math.
func WithTimeProvider(tp shared.TimeProvider) EngineOption {
	return func(e *Engine) { e.clock = tp }
}

// WithRunnerBackoff overrides the retry policy for runner status queries.
func WithRunnerBackoff(factory func() backoff.BackOff) EngineOption {
	return func(e *Engine) { e.runnerBackoff = factory }
}

// NewEngine creates a reconciliation engine.
func NewEngine(
	checkpoints CheckpointStore,
	chunks chunking.ChunkRepository,
	taskRunner runner.TaskRunner,
	publisher events.DomainEventPublisher,
	cfg Config,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics EngineMetrics,
	opts ...EngineOption,
) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		checkpoints: checkpoints,
		chunks:      chunks,
		runner:      taskRunner,
		publisher:   publisher,
		limiter:     common.NewRateLimiter(cfg.RunnerRPS, cfg.RunnerBurst),
		clock:       shared.RealTimeProvider{},
		cfg:         cfg,
		runnerBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
		logger:      log.With("component", "reconciliation_engine"),
		tracer:      tracer,
		metrics:     metrics,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile diffs the job's persisted state against the task runner and
// builds a resume plan. Chunks the runner is still working on are left
// untouched; silently completed work is marked completed without re-running.
func (e *Engine) Reconcile(ctx context.Context, jobID uuid.UUID) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "reconciliation.reconcile",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	start := time.Now()
	now := e.clock.Now()
	e.metrics.IncReconciliations(ctx)

	allChunks, err := e.chunks.ListByJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "loading chunks failed")
		return nil, fmt.Errorf("loading chunks for job %s: %w", jobID, err)
	}

	result := &Result{JobID: jobID, GeneratedAt: now}
	result.Plan.JobID = jobID

	for _, chunk := range allChunks {
		// Only dispatched, not-yet-completed chunks can diverge from the
		// runner. Completed chunks are never re-examined, which keeps
		// repeated passes from double-counting them.
		if chunk.ExternalTaskID() == "" || chunk.Status() == chunking.ChunkStatusCompleted {
			continue
		}

		classified, err := e.classify(ctx, chunk, now)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		result.Classified = append(result.Classified, classified)
		e.metrics.IncClassified(ctx, string(classified.Class))

		if classified.Class == ClassFailed || classified.Class == ClassStale {
			e.scheduleRetry(ctx, chunk, &result.Plan)
		}
	}

	if err := e.computeRemaining(ctx, jobID, allChunks, now, &result.Plan); err != nil {
		e.logger.Warn(ctx, "computing remaining work failed", "job_id", jobID, "error", err)
	}

	e.markJobReconciled(ctx, jobID, now)
	e.notify(ctx, result)

	e.metrics.ObserveReconcileDuration(ctx, time.Since(start))
	e.logger.Info(ctx, "reconciliation pass finished",
		"job_id", jobID,
		"classified", len(result.Classified),
		"silently_completed", result.Count(ClassSilentlyCompleted),
		"failed", result.Count(ClassFailed),
		"stale", result.Count(ClassStale),
		"active", result.Count(ClassActive),
		"retry", len(result.Plan.Retry),
		"skip", len(result.Plan.Skip),
		"remaining", result.Plan.RemainingQuantity)
	span.SetAttributes(
		attribute.Int("classified", len(result.Classified)),
		attribute.Int("retry", len(result.Plan.Retry)),
		attribute.Int("skip", len(result.Plan.Skip)))
	span.SetStatus(codes.Ok, "reconciled")
	return result, nil
}

// classify queries the runner for one chunk and applies the verdict.
func (e *Engine) classify(ctx context.Context, chunk *chunking.Chunk, now time.Time) (ClassifiedChunk, error) {
	out := ClassifiedChunk{
		ChunkID:        chunk.ID(),
		ChunkIndex:     chunk.Index(),
		ExternalTaskID: chunk.ExternalTaskID(),
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return out, fmt.Errorf("rate limiter interrupted: %w", err)
	}

	info, err := e.queryRunner(ctx, chunk.ExternalTaskID())
	if err != nil {
		// A runner we cannot reach is indistinguishable from one that is
		// busy; leave the chunk alone rather than guess.
		e.metrics.IncRunnerQueryFailures(ctx)
		e.logger.Warn(ctx, "task runner status query exhausted retries",
			"chunk_id", chunk.ID(), "external_task_id", chunk.ExternalTaskID(), "error", err)
		out.RunnerStatus = runner.StatusUnknown
		out.Class = ClassActive
		out.Reason = "runner unreachable"
		return out, nil
	}
	out.RunnerStatus = info.Status

	switch info.Status {
	case runner.StatusSuccess:
		out.Class = ClassSilentlyCompleted
		out.Reason = "runner reports success"
		e.markSilentlyCompleted(ctx, chunk, now)

	case runner.StatusFailure:
		out.Class = ClassFailed
		out.Reason = info.Error
		if chunk.Status() != chunking.ChunkStatusFailed {
			if err := chunk.Fail(info.Error); err != nil {
				e.logger.Warn(ctx, "recording runner failure on chunk rejected",
					"chunk_id", chunk.ID(), "error", err)
			} else if err := e.chunks.Update(ctx, chunk); err != nil {
				e.logger.Warn(ctx, "persisting runner failure on chunk failed",
					"chunk_id", chunk.ID(), "error", err)
			}
		}

	case runner.StatusRunning:
		out.Class = ClassActive
		out.Reason = "runner reports running"

	default: // PENDING or UNKNOWN
		cutoff := now.Add(-e.cfg.StalenessThreshold)
		if lastActivity(chunk).Before(cutoff) {
			out.Class = ClassStale
			out.Reason = fmt.Sprintf("no checkpoint update since %s with runner status %s",
				lastActivity(chunk).Format(time.RFC3339), info.Status)
		} else {
			out.Class = ClassActive
			out.Reason = "within staleness threshold"
		}
	}
	return out, nil
}

// markSilentlyCompleted records a runner-confirmed completion the local
// state never observed. The work is not re-run.
func (e *Engine) markSilentlyCompleted(ctx context.Context, chunk *chunking.Chunk, now time.Time) {
	if chunk.Status() == chunking.ChunkStatusProcessing {
		if err := chunk.Complete(); err != nil {
			e.logger.Warn(ctx, "completing silently finished chunk rejected",
				"chunk_id", chunk.ID(), "error", err)
		} else if err := e.chunks.Update(ctx, chunk); err != nil {
			e.logger.Warn(ctx, "persisting silently finished chunk failed",
				"chunk_id", chunk.ID(), "error", err)
		}
	}

	record := e.chunkRecord(ctx, chunk)
	if record == nil || record.Reconciled() {
		return
	}
	if record.Status() == ckpt.RecordStatusActive {
		if err := record.UpdateStatus(ckpt.RecordStatusCompleted, now); err != nil {
			e.logger.Warn(ctx, "completing chunk checkpoint rejected",
				"record_id", record.ID(), "error", err)
		}
	}
	record.MarkReconciled(now)
	if err := e.checkpoints.Save(ctx, record); err != nil {
		e.logger.Warn(ctx, "persisting reconciled checkpoint failed",
			"record_id", record.ID(), "error", err)
	}
}

// scheduleRetry adds a failed or stale chunk to the plan: a resume point if
// it still has retry budget, the skip list otherwise.
func (e *Engine) scheduleRetry(ctx context.Context, chunk *chunking.Chunk, plan *ResumePlan) {
	if chunk.RetryCount() >= e.cfg.MaxChunkRetries {
		plan.Skip = append(plan.Skip, chunk.ID())
		return
	}
	point, _ := e.progress(ctx, chunk)
	plan.Retry = append(plan.Retry, point)
}

// progress resolves the chunk's deepest usable checkpoint into a resume
// point and the quantity already downloaded. A chunk with no valid
// checkpoint lineage restarts from zero.
func (e *Engine) progress(ctx context.Context, chunk *chunking.Chunk) (ResumePoint, int) {
	point := ResumePoint{
		ChunkID:     chunk.ID(),
		ChunkIndex:  chunk.Index(),
		RetryCount:  chunk.RetryCount(),
		FromScratch: true,
	}

	record := e.chunkRecord(ctx, chunk)
	if record == nil {
		return point, 0
	}

	engineRecs, err := e.checkpoints.Query(ctx, ckpt.Filter{
		JobID:    chunk.JobID(),
		ParentID: record.ID(),
		Level:    ckpt.LevelEngine,
	})
	if err != nil || len(engineRecs) == 0 {
		return point, 0
	}

	resolved, err := e.checkpoints.Resolve(ctx, engineRecs[0].ID())
	if err != nil {
		var corrupt *ckpt.CorruptRecordError
		if errors.As(err, &corrupt) {
			e.logger.Error(ctx, "engine checkpoint corrupt beyond repair, restarting chunk from zero",
				"chunk_id", chunk.ID(), "record_id", engineRecs[0].ID(), "error", err)
		} else {
			e.logger.Warn(ctx, "resolving engine checkpoint failed",
				"chunk_id", chunk.ID(), "error", err)
		}
		return point, 0
	}

	ec, err := ckpt.DecodeEngineCheckpoint(resolved.Payload())
	if err != nil {
		e.logger.Warn(ctx, "decoding engine checkpoint failed",
			"chunk_id", chunk.ID(), "record_id", resolved.ID(), "error", err)
		return point, 0
	}

	point.FromScratch = false
	point.Engine = ec.Engine
	point.Downloaded = ec.TotalDownloaded
	if last := ec.LastAttempt(); last != nil {
		point.LastVariation = last.Template
		point.OffsetStart = last.OffsetStart
		point.OffsetEnd = last.OffsetEnd
	}
	return point, ec.TotalDownloaded
}

// chunkRecord returns the newest chunk-level checkpoint carrying the
// chunk's external task id, or nil when none exists.
func (e *Engine) chunkRecord(ctx context.Context, chunk *chunking.Chunk) *ckpt.Record {
	records, err := e.checkpoints.Query(ctx, ckpt.Filter{
		JobID:          chunk.JobID(),
		Level:          ckpt.LevelChunk,
		ExternalTaskID: chunk.ExternalTaskID(),
	})
	if err != nil {
		e.logger.Warn(ctx, "querying chunk checkpoint failed",
			"chunk_id", chunk.ID(), "error", err)
		return nil
	}
	if len(records) == 0 {
		return nil
	}
	return records[0]
}

// computeRemaining fills in the plan's remaining-quantity and ETA fields
// from the job checkpoint and per-chunk progress.
func (e *Engine) computeRemaining(
	ctx context.Context,
	jobID uuid.UUID,
	allChunks []*chunking.Chunk,
	now time.Time,
	plan *ResumePlan,
) error {
	target := 0
	var jobCreatedAt time.Time

	jobRecs, err := e.checkpoints.Query(ctx, ckpt.Filter{JobID: jobID, Level: ckpt.LevelJob})
	if err != nil {
		return fmt.Errorf("querying job checkpoint: %w", err)
	}
	if len(jobRecs) > 0 {
		jobCreatedAt = jobRecs[0].CreatedAt()
		if jc, err := ckpt.DecodeJobCheckpoint(jobRecs[0].Payload()); err == nil {
			target = jc.TargetQuantity
		}
	}
	if target == 0 {
		for _, chunk := range allChunks {
			target += chunk.Quantity()
		}
	}

	downloaded := 0
	for _, chunk := range allChunks {
		switch {
		case chunk.Status() == chunking.ChunkStatusCompleted:
			downloaded += chunk.Quantity()
		case chunk.ExternalTaskID() != "":
			_, got := e.progress(ctx, chunk)
			downloaded += got
		}
	}

	plan.RemainingQuantity = target - downloaded
	if plan.RemainingQuantity < 0 {
		plan.RemainingQuantity = 0
	}

	if downloaded > 0 && plan.RemainingQuantity > 0 && !jobCreatedAt.IsZero() {
		elapsed := now.Sub(jobCreatedAt)
		if elapsed > 0 {
			perUnit := elapsed / time.Duration(downloaded)
			plan.EstimatedDone = now.Add(perUnit * time.Duration(plan.RemainingQuantity))
		}
	}
	return nil
}

// markJobReconciled refreshes the job-level checkpoint's reconciliation
// flag so observers can tell when the last pass ran.
func (e *Engine) markJobReconciled(ctx context.Context, jobID uuid.UUID, now time.Time) {
	jobRecs, err := e.checkpoints.Query(ctx, ckpt.Filter{JobID: jobID, Level: ckpt.LevelJob})
	if err != nil || len(jobRecs) == 0 {
		return
	}
	record := jobRecs[0]
	if record.Status().IsTerminal() {
		return
	}
	record.MarkReconciled(now)
	if err := e.checkpoints.Save(ctx, record); err != nil {
		e.logger.Warn(ctx, "persisting job reconciliation flag failed",
			"record_id", record.ID(), "error", err)
	}
}

// queryRunner asks the task runner for a status, retrying transient
// failures with exponential backoff up to a cap.
func (e *Engine) queryRunner(ctx context.Context, externalTaskID string) (runner.TaskInfo, error) {
	var info runner.TaskInfo
	b := e.runnerBackoff()

	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		var qErr error
		info, qErr = e.runner.Status(ctx, externalTaskID)
		return qErr
	}, b)
	return info, err
}

// notify publishes the reconciliation outcome. Notification failures are
// logged and swallowed; the plan itself is already computed.
func (e *Engine) notify(ctx context.Context, result *Result) {
	if e.publisher == nil {
		return
	}

	reconciled := events.DomainEvent{
		Type: events.EventTypeJobReconciled,
		Key:  result.JobID.String(),
		Payload: map[string]any{
			"job_id":             result.JobID.String(),
			"silently_completed": result.Count(ClassSilentlyCompleted),
			"failed":             result.Count(ClassFailed),
			"stale":              result.Count(ClassStale),
			"active":             result.Count(ClassActive),
		},
	}
	if err := e.publisher.PublishDomainEvent(ctx, reconciled, events.WithKey(result.JobID.String())); err != nil {
		e.logger.Warn(ctx, "failed to publish reconciliation event",
			"job_id", result.JobID, "error", err)
	}

	plan := events.DomainEvent{
		Type: events.EventTypeResumePlanIssued,
		Key:  result.JobID.String(),
		Payload: map[string]any{
			"job_id":             result.JobID.String(),
			"retry_chunks":       len(result.Plan.Retry),
			"skipped_chunks":     len(result.Plan.Skip),
			"remaining_quantity": result.Plan.RemainingQuantity,
		},
	}
	if err := e.publisher.PublishDomainEvent(ctx, plan, events.WithKey(result.JobID.String())); err != nil {
		e.logger.Warn(ctx, "failed to publish resume plan event",
			"job_id", result.JobID, "error", err)
	}
}

// lastActivity is the freshest signal a chunk's worker left behind.
func lastActivity(chunk *chunking.Chunk) time.Time {
	if chunk.TouchedAt().After(chunk.UpdatedAt()) {
		return chunk.TouchedAt()
	}
	return chunk.UpdatedAt()
}
