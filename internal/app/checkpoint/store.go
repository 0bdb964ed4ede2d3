// Package checkpoint implements the dual-layer checkpoint store: a fast
// advisory cache in front of an authoritative durable backend, with
// degraded-mode buffering when the durable side is down and a validation
// and repair policy applied on read.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/avelsk/gatherd/internal/domain/checkpoint"
	"github.com/avelsk/gatherd/pkg/common/logger"
)

// maxLineageDepth bounds how far back the read-repair policy walks the
// previous-attempt chain before declaring a record unsalvageable.
const maxLineageDepth = 5

// StoreConfig tunes the checkpoint store's cache and degradation behavior.
type StoreConfig struct {
	// ActiveTTL is the fast-store expiration for records still in flight,
	// the longest tier: in-flight records are the ones resumption reads.
	ActiveTTL time.Duration

	// CompletedTTL is the short expiration for successfully completed
	// records; they age out of the cache quickly and live on durably.
	CompletedTTL time.Duration

	// FailedTTL is the extended expiration for failed records, kept
	// around for debugging and post-restart reconciliation.
	FailedTTL time.Duration

	// DegradedTTL is the extended expiration applied while the durable
	// store is unavailable, buying the retry queue time to drain.
	DegradedTTL time.Duration

	// CompressThreshold is the serialized size above which fast-store
	// values are compressed. Zero selects the default.
	CompressThreshold int

	// RetryQueueSize bounds the number of writes buffered for durable
	// re-persistence.
	RetryQueueSize int
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = 24 * time.Hour
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = time.Hour
	}
	if c.FailedTTL <= 0 {
		c.FailedTTL = 72 * time.Hour
	}
	if c.DegradedTTL <= 0 {
		c.DegradedTTL = 72 * time.Hour
	}
	if c.RetryQueueSize <= 0 {
		c.RetryQueueSize = 1024
	}
	return c
}

// Store coordinates the fast and durable checkpoint backends. Writes go to
// both; reads prefer the fast store and fall back to the durable store,
// repopulating the cache on a miss. The durable store is authoritative.
type Store struct {
	fast    domain.FastStore
	durable domain.DurableStore
	codec   *codec
	cfg     StoreConfig

	retryQueue *durableRetryQueue

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics StoreMetrics

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	wg sync.WaitGroup
}

// CacheStats reports cumulative fast-store hit and miss counts since the
// store was created.
func (s *Store) CacheStats() (hits, misses int64) {
	return s.cacheHits.Load(), s.cacheMisses.Load()
}

// FastSize returns the approximate number of bytes held by the fast store.
func (s *Store) FastSize(ctx context.Context) (int64, error) {
	return s.fast.Size(ctx)
}

// NewStore creates a checkpoint store over the given backends.
func NewStore(
	fast domain.FastStore,
	durable domain.DurableStore,
	cfg StoreConfig,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics StoreMetrics,
) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		fast:       fast,
		durable:    durable,
		codec:      newCodec(cfg.CompressThreshold),
		cfg:        cfg,
		retryQueue: newDurableRetryQueue(cfg.RetryQueueSize),
		logger:     log.With("component", "checkpoint_store"),
		tracer:     tracer,
		metrics:    metrics,
	}
}

// Run drains the durable retry queue until the context is cancelled. Call it
// once from the process's error group.
func (s *Store) Run(ctx context.Context) error {
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.retryQueue.Notify():
			s.drainRetryQueue(ctx)
		}
	}
}

func (s *Store) drainRetryQueue(ctx context.Context) {
	for {
		record := s.retryQueue.Dequeue()
		if record == nil {
			s.metrics.SetRetryQueueDepth(ctx, 0)
			return
		}
		s.metrics.SetRetryQueueDepth(ctx, s.retryQueue.Len())

		err := retryWithContext(ctx, newDurableBackoff(), func() error {
			saveErr := s.durable.Save(ctx, record)
			if errors.Is(saveErr, domain.ErrStaleWrite) {
				// A newer write already landed; nothing left to do.
				return nil
			}
			return saveErr
		})
		if err != nil {
			if ctx.Err() != nil {
				// Keep the record for the next process; the extended fast
				// TTL covers the gap.
				s.retryQueue.Enqueue(record)
				return
			}
			s.logger.Error(ctx, "durable re-persistence exhausted retries",
				"record_id", record.ID(), "error", err)
			s.retryQueue.Enqueue(record)
			return
		}
		s.logger.Info(ctx, "durable re-persistence succeeded", "record_id", record.ID())
	}
}

// Save persists a record through both layers, fast store first. A durable
// failure degrades rather than fails: the fast copy gets an extended TTL and
// the write queues for re-persistence. Only when both layers reject does the
// caller see StoreUnavailableError.
func (s *Store) Save(ctx context.Context, record *domain.Record) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint_store.save",
		trace.WithAttributes(
			attribute.String("record_id", record.ID().String()),
			attribute.String("level", string(record.Level())),
			attribute.String("status", string(record.Status())),
		))
	defer span.End()

	fastErr := s.writeFast(ctx, record, s.ttlFor(record.Status()))
	if fastErr != nil {
		s.logger.Warn(ctx, "fast store write failed, continuing with durable only",
			"record_id", record.ID(), "error", fastErr)
	}

	durableErr := s.durable.Save(ctx, record)
	switch {
	case durableErr == nil:
		s.retryQueue.Remove(record.ID())
		s.metrics.IncWrite(ctx, string(record.Level()))
		span.SetStatus(codes.Ok, "record saved")
		return nil

	case errors.Is(durableErr, domain.ErrStaleWrite):
		// The fast write already landed; evict it so reads repopulate
		// from the authoritative row instead of the regressed copy.
		if err := s.fast.Delete(ctx, fastKey(record.ID())); err != nil {
			s.logger.Warn(ctx, "evicting stale fast copy failed",
				"record_id", record.ID(), "error", err)
		}
		span.AddEvent("stale_write_rejected")
		return durableErr

	case fastErr == nil:
		// Degraded mode: fast copy holds the truth until the durable side
		// recovers. Extend its TTL and queue the write.
		if err := s.writeFast(ctx, record, s.cfg.DegradedTTL); err != nil {
			s.logger.Warn(ctx, "extending degraded fast TTL failed",
				"record_id", record.ID(), "error", err)
		}
		if !s.retryQueue.Enqueue(record) {
			s.logger.Error(ctx, "durable retry queue full, write may be lost on restart",
				"record_id", record.ID())
		}
		s.metrics.SetRetryQueueDepth(ctx, s.retryQueue.Len())
		s.metrics.IncDegradedWrite(ctx)
		s.logger.Warn(ctx, "durable store unavailable, write buffered",
			"record_id", record.ID(), "error", durableErr)
		span.AddEvent("degraded_write")
		span.SetStatus(codes.Ok, "record buffered in degraded mode")
		return nil

	default:
		s.metrics.IncStoreUnavailable(ctx)
		span.RecordError(durableErr)
		span.SetStatus(codes.Error, "both stores rejected write")
		return &domain.StoreUnavailableError{
			RecordID:   record.ID(),
			FastErr:    fastErr,
			DurableErr: durableErr,
		}
	}
}

// Get retrieves a record, preferring the fast store. A fast miss falls back
// to the durable store and repopulates the cache. An undecodable fast value
// is evicted and treated as a miss.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint_store.get",
		trace.WithAttributes(attribute.String("record_id", id.String())))
	defer span.End()

	if value, found, err := s.fast.Get(ctx, fastKey(id)); err != nil {
		s.logger.Warn(ctx, "fast store read failed", "record_id", id, "error", err)
	} else if found {
		record, decodeErr := s.codec.Decode(value)
		if decodeErr == nil {
			s.cacheHits.Add(1)
			s.metrics.IncCacheHit(ctx)
			span.AddEvent("cache_hit")
			return record, nil
		}
		s.logger.Warn(ctx, "evicting undecodable fast store value",
			"record_id", id, "error", decodeErr)
		if delErr := s.fast.Delete(ctx, fastKey(id)); delErr != nil {
			s.logger.Warn(ctx, "fast store eviction failed", "record_id", id, "error", delErr)
		}
	}
	s.cacheMisses.Add(1)
	s.metrics.IncCacheMiss(ctx)
	span.AddEvent("cache_miss")

	record, err := s.durable.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "durable read failed")
		return nil, fmt.Errorf("reading checkpoint record %s: %w", id, err)
	}

	if err := s.writeFast(ctx, record, s.ttlFor(record.Status())); err != nil {
		s.logger.Warn(ctx, "fast store repopulation failed", "record_id", id, "error", err)
	}
	return record, nil
}

// Query returns records matching the filter from the durable store. Queries
// never consult the cache; filtered scans need the authoritative view.
func (s *Store) Query(ctx context.Context, filter domain.Filter) ([]*domain.Record, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint_store.query")
	defer span.End()

	records, err := s.durable.Query(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "durable query failed")
		return nil, fmt.Errorf("querying checkpoint records: %w", err)
	}
	span.SetAttributes(attribute.Int("result_count", len(records)))
	return records, nil
}

// Resolve returns a record whose payload passed validation, applying the
// repair policy on failure: repair in place, then walk the previous-attempt
// lineage, and finally report CorruptRecordError so the caller can restart
// the work from zero.
func (s *Store) Resolve(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint_store.resolve",
		trace.WithAttributes(attribute.String("record_id", id.String())))
	defer span.End()

	var firstCause error
	current := id
	for depth := 0; depth <= maxLineageDepth; depth++ {
		record, err := s.Get(ctx, current)
		if err != nil {
			if errors.Is(err, domain.ErrRecordNotFound) && firstCause != nil {
				break
			}
			return nil, err
		}

		validateErr := validatePayload(record)
		if validateErr == nil {
			if depth > 0 {
				span.AddEvent("lineage_fallback", trace.WithAttributes(
					attribute.Int("depth", depth)))
				s.metrics.IncRepair(ctx, "lineage")
			}
			return record, nil
		}
		if firstCause == nil {
			firstCause = validateErr
		}

		if repairPayload(record) {
			s.metrics.IncRepair(ctx, "repaired")
			s.logger.Info(ctx, "checkpoint payload repaired", "record_id", record.ID())
			if err := s.Save(ctx, record); err != nil {
				s.logger.Warn(ctx, "persisting repaired payload failed",
					"record_id", record.ID(), "error", err)
			}
			return record, nil
		}

		if record.PrevAttemptID() == uuid.Nil {
			break
		}
		current = record.PrevAttemptID()
	}

	s.metrics.IncRepair(ctx, "unsalvageable")
	span.SetStatus(codes.Error, "record unsalvageable")
	return nil, &domain.CorruptRecordError{RecordID: id, Cause: firstCause}
}

// Delete removes a record from both layers.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint_store.delete",
		trace.WithAttributes(attribute.String("record_id", id.String())))
	defer span.End()

	if err := s.fast.Delete(ctx, fastKey(id)); err != nil {
		s.logger.Warn(ctx, "fast store delete failed", "record_id", id, "error", err)
	}
	s.retryQueue.Remove(id)
	if err := s.durable.Delete(ctx, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting checkpoint record %s: %w", id, err)
	}
	return nil
}

// DeleteByJob removes every record belonging to a job from both layers and
// returns the number of durable rows removed. This backs the privileged
// clear operation and is irreversible.
func (s *Store) DeleteByJob(ctx context.Context, jobID uuid.UUID) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint_store.delete_by_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	records, err := s.durable.Query(ctx, domain.Filter{JobID: jobID})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("listing checkpoint records for job %s: %w", jobID, err)
	}
	for _, record := range records {
		if err := s.fast.Delete(ctx, fastKey(record.ID())); err != nil {
			s.logger.Warn(ctx, "fast store delete failed",
				"record_id", record.ID(), "error", err)
		}
		s.retryQueue.Remove(record.ID())
	}

	deleted, err := s.durable.DeleteByJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "durable delete failed")
		return 0, fmt.Errorf("deleting checkpoint records for job %s: %w", jobID, err)
	}
	span.SetAttributes(attribute.Int64("deleted_count", deleted))
	return deleted, nil
}

// RetryQueueLen reports the number of writes awaiting durable persistence.
func (s *Store) RetryQueueLen() int { return s.retryQueue.Len() }

func (s *Store) writeFast(ctx context.Context, record *domain.Record, ttl time.Duration) error {
	value, compressed, err := s.codec.Encode(record)
	if err != nil {
		return err
	}
	s.metrics.ObserveRecordSize(ctx, len(value), compressed)
	return s.fast.Set(ctx, fastKey(record.ID()), value, ttl)
}

// ttlFor maps record status to its fast-store expiration tier: active
// records outlive everything but failures, completed and archived records
// age out quickly, failed records stick around for debugging.
func (s *Store) ttlFor(status domain.RecordStatus) time.Duration {
	switch {
	case status == domain.RecordStatusFailed:
		return s.cfg.FailedTTL
	case status.IsTerminal():
		return s.cfg.CompletedTTL
	default:
		return s.cfg.ActiveTTL
	}
}

func fastKey(id uuid.UUID) string { return "checkpoint:" + id.String() }

// validatePayload applies the level-specific schema check to a record's
// payload. Levels without a typed payload always pass.
func validatePayload(record *domain.Record) error {
	switch record.Level() {
	case domain.LevelJob:
		payload, err := domain.DecodeJobCheckpoint(record.Payload())
		if err != nil {
			return err
		}
		return payload.Validate()
	case domain.LevelEngine:
		payload, err := domain.DecodeEngineCheckpoint(record.Payload())
		if err != nil {
			return err
		}
		return payload.Validate()
	case domain.LevelBatch:
		payload, err := domain.DecodeBatchCheckpoint(record.Payload())
		if err != nil {
			return err
		}
		return payload.Validate()
	default:
		return nil
	}
}

// repairPayload attempts an in-place repair of a record's payload, returning
// true when the repaired form was written back to the record.
func repairPayload(record *domain.Record) bool {
	var (
		repaired bool
		raw      []byte
		err      error
	)
	switch record.Level() {
	case domain.LevelJob:
		payload, decodeErr := domain.DecodeJobCheckpoint(record.Payload())
		if decodeErr != nil {
			return false
		}
		if repaired = payload.Repair(); repaired {
			raw, err = payload.Marshal()
		}
	case domain.LevelEngine:
		payload, decodeErr := domain.DecodeEngineCheckpoint(record.Payload())
		if decodeErr != nil {
			return false
		}
		if repaired = payload.Repair(); repaired {
			raw, err = payload.Marshal()
		}
	case domain.LevelBatch:
		payload, decodeErr := domain.DecodeBatchCheckpoint(record.Payload())
		if decodeErr != nil {
			return false
		}
		if repaired = payload.Repair(); repaired {
			raw, err = payload.Marshal()
		}
	default:
		return false
	}
	if !repaired || err != nil {
		return false
	}
	record.SetPayload(raw, time.Now().UTC())
	return true
}
