package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunnerMetrics defines metrics operations needed to monitor task dispatch
// and status consumption.
type RunnerMetrics interface {
	IncTaskDispatched(ctx context.Context)
	IncDispatchError(ctx context.Context)
	IncStatusUpdate(ctx context.Context, status string)
	IncStatusDecodeError(ctx context.Context)
}

// runnerMetrics implements RunnerMetrics.
type runnerMetrics struct {
	dispatched         metric.Int64Counter
	dispatchErrors     metric.Int64Counter
	statusUpdates      metric.Int64Counter
	statusDecodeErrors metric.Int64Counter
}

const namespace = "kafka_task_runner"

// NewRunnerMetrics creates a new task runner metrics instance.
func NewRunnerMetrics(mp metric.MeterProvider) (*runnerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(runnerMetrics)
	var err error

	if m.dispatched, err = meter.Int64Counter(
		"tasks_dispatched_total",
		metric.WithDescription("Total number of tasks dispatched to remote runners"),
	); err != nil {
		return nil, err
	}

	if m.dispatchErrors, err = meter.Int64Counter(
		"dispatch_errors_total",
		metric.WithDescription("Total number of task dispatch failures"),
	); err != nil {
		return nil, err
	}

	if m.statusUpdates, err = meter.Int64Counter(
		"status_updates_total",
		metric.WithDescription("Total number of runner status reports applied"),
	); err != nil {
		return nil, err
	}

	if m.statusDecodeErrors, err = meter.Int64Counter(
		"status_decode_errors_total",
		metric.WithDescription("Total number of runner status reports dropped as malformed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *runnerMetrics) IncTaskDispatched(ctx context.Context) {
	m.dispatched.Add(ctx, 1)
}

func (m *runnerMetrics) IncDispatchError(ctx context.Context) {
	m.dispatchErrors.Add(ctx, 1)
}

func (m *runnerMetrics) IncStatusUpdate(ctx context.Context, status string) {
	m.statusUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *runnerMetrics) IncStatusDecodeError(ctx context.Context) {
	m.statusDecodeErrors.Add(ctx, 1)
}
