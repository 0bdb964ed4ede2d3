package checkpoint

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StoreMetrics defines metrics operations needed by the checkpoint store.
type StoreMetrics interface {
	IncCacheHit(ctx context.Context)
	IncCacheMiss(ctx context.Context)
	IncWrite(ctx context.Context, level string)
	IncDegradedWrite(ctx context.Context)
	IncStoreUnavailable(ctx context.Context)
	IncRepair(ctx context.Context, outcome string)
	SetRetryQueueDepth(ctx context.Context, depth int)
	ObserveRecordSize(ctx context.Context, bytes int, compressed bool)
}

// storeMetrics implements StoreMetrics.
type storeMetrics struct {
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	writes           metric.Int64Counter
	degradedWrites   metric.Int64Counter
	storeUnavailable metric.Int64Counter
	repairs          metric.Int64Counter
	retryQueueDepth  metric.Int64Gauge
	recordSize       metric.Int64Histogram
}

const namespace = "checkpoint_store"

// NewStoreMetrics creates a new checkpoint store metrics instance.
func NewStoreMetrics(mp metric.MeterProvider) (*storeMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(storeMetrics)
	var err error

	if m.cacheHits, err = meter.Int64Counter(
		"cache_hits_total",
		metric.WithDescription("Total number of fast-store read hits"),
	); err != nil {
		return nil, err
	}

	if m.cacheMisses, err = meter.Int64Counter(
		"cache_misses_total",
		metric.WithDescription("Total number of fast-store read misses"),
	); err != nil {
		return nil, err
	}

	if m.writes, err = meter.Int64Counter(
		"writes_total",
		metric.WithDescription("Total number of checkpoint writes accepted"),
	); err != nil {
		return nil, err
	}

	if m.degradedWrites, err = meter.Int64Counter(
		"degraded_writes_total",
		metric.WithDescription("Total number of writes persisted to the fast store only"),
	); err != nil {
		return nil, err
	}

	if m.storeUnavailable, err = meter.Int64Counter(
		"store_unavailable_total",
		metric.WithDescription("Total number of writes rejected by both stores"),
	); err != nil {
		return nil, err
	}

	if m.repairs, err = meter.Int64Counter(
		"payload_repairs_total",
		metric.WithDescription("Total number of payload repair attempts by outcome"),
	); err != nil {
		return nil, err
	}

	if m.retryQueueDepth, err = meter.Int64Gauge(
		"durable_retry_queue_depth",
		metric.WithDescription("Number of writes awaiting durable re-persistence"),
	); err != nil {
		return nil, err
	}

	if m.recordSize, err = meter.Int64Histogram(
		"record_size_bytes",
		metric.WithDescription("Serialized checkpoint record sizes"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *storeMetrics) IncCacheHit(ctx context.Context)  { m.cacheHits.Add(ctx, 1) }
func (m *storeMetrics) IncCacheMiss(ctx context.Context) { m.cacheMisses.Add(ctx, 1) }

func (m *storeMetrics) IncWrite(ctx context.Context, level string) {
	m.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

func (m *storeMetrics) IncDegradedWrite(ctx context.Context)    { m.degradedWrites.Add(ctx, 1) }
func (m *storeMetrics) IncStoreUnavailable(ctx context.Context) { m.storeUnavailable.Add(ctx, 1) }

func (m *storeMetrics) IncRepair(ctx context.Context, outcome string) {
	m.repairs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *storeMetrics) SetRetryQueueDepth(ctx context.Context, depth int) {
	m.retryQueueDepth.Record(ctx, int64(depth))
}

func (m *storeMetrics) ObserveRecordSize(ctx context.Context, bytes int, compressed bool) {
	m.recordSize.Record(ctx, int64(bytes), metric.WithAttributes(attribute.Bool("compressed", compressed)))
}
