package reconcile

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics defines metrics operations needed by the reconciliation
// engine.
type EngineMetrics interface {
	IncReconciliations(ctx context.Context)
	IncClassified(ctx context.Context, class string)
	IncRunnerQueryFailures(ctx context.Context)
	ObserveReconcileDuration(ctx context.Context, d time.Duration)
}

// engineMetrics implements EngineMetrics.
type engineMetrics struct {
	reconciliations     metric.Int64Counter
	classified          metric.Int64Counter
	runnerQueryFailures metric.Int64Counter
	duration            metric.Float64Histogram
}

const namespace = "reconciliation"

// NewEngineMetrics creates a new reconciliation engine metrics instance.
func NewEngineMetrics(mp metric.MeterProvider) (*engineMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(engineMetrics)
	var err error

	if m.reconciliations, err = meter.Int64Counter(
		"runs_total",
		metric.WithDescription("Total number of reconciliation passes"),
	); err != nil {
		return nil, err
	}

	if m.classified, err = meter.Int64Counter(
		"classified_chunks_total",
		metric.WithDescription("Total chunks classified, by verdict"),
	); err != nil {
		return nil, err
	}

	if m.runnerQueryFailures, err = meter.Int64Counter(
		"runner_query_failures_total",
		metric.WithDescription("Total task runner status queries that exhausted retries"),
	); err != nil {
		return nil, err
	}

	if m.duration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Wall time of one reconciliation pass"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *engineMetrics) IncReconciliations(ctx context.Context) {
	m.reconciliations.Add(ctx, 1)
}

func (m *engineMetrics) IncClassified(ctx context.Context, class string) {
	m.classified.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

func (m *engineMetrics) IncRunnerQueryFailures(ctx context.Context) {
	m.runnerQueryFailures.Add(ctx, 1)
}

func (m *engineMetrics) ObserveReconcileDuration(ctx context.Context, d time.Duration) {
	m.duration.Record(ctx, d.Seconds())
}
