package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OrchestratorMetrics defines metrics operations needed by the orchestrator.
type OrchestratorMetrics interface {
	IncWorkflowsStarted(ctx context.Context)
	IncWorkflowsCompleted(ctx context.Context)
	IncWorkflowsFailed(ctx context.Context)
	IncWorkflowsRecovered(ctx context.Context)
	AddActiveWorkflows(ctx context.Context, delta int)
	IncStepRetries(ctx context.Context, stepName string)
	IncStepsSkipped(ctx context.Context)
	ObserveStepDuration(ctx context.Context, stepName string, d time.Duration)
}

type orchestratorMetrics struct {
	workflowsStarted   metric.Int64Counter
	workflowsCompleted metric.Int64Counter
	workflowsFailed    metric.Int64Counter
	workflowsRecovered metric.Int64Counter
	activeWorkflows    metric.Int64UpDownCounter
	stepRetries        metric.Int64Counter
	stepsSkipped       metric.Int64Counter
	stepDuration       metric.Float64Histogram
}

const namespace = "workflow_orchestrator"

// NewOrchestratorMetrics creates a new orchestrator metrics instance.
func NewOrchestratorMetrics(mp metric.MeterProvider) (*orchestratorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(orchestratorMetrics)
	var err error

	if m.workflowsStarted, err = meter.Int64Counter(
		"workflows_started_total",
		metric.WithDescription("Total number of workflows started"),
	); err != nil {
		return nil, err
	}

	if m.workflowsCompleted, err = meter.Int64Counter(
		"workflows_completed_total",
		metric.WithDescription("Total number of workflows completed successfully"),
	); err != nil {
		return nil, err
	}

	if m.workflowsFailed, err = meter.Int64Counter(
		"workflows_failed_total",
		metric.WithDescription("Total number of workflows that failed"),
	); err != nil {
		return nil, err
	}

	if m.workflowsRecovered, err = meter.Int64Counter(
		"workflows_recovered_total",
		metric.WithDescription("Total number of workflow recovery attempts"),
	); err != nil {
		return nil, err
	}

	if m.activeWorkflows, err = meter.Int64UpDownCounter(
		"active_workflows",
		metric.WithDescription("Number of workflows currently executing"),
	); err != nil {
		return nil, err
	}

	if m.stepRetries, err = meter.Int64Counter(
		"step_retries_total",
		metric.WithDescription("Total number of step retry attempts"),
	); err != nil {
		return nil, err
	}

	if m.stepsSkipped, err = meter.Int64Counter(
		"steps_skipped_total",
		metric.WithDescription("Total number of steps skipped due to failed dependencies"),
	); err != nil {
		return nil, err
	}

	if m.stepDuration, err = meter.Float64Histogram(
		"step_duration_seconds",
		metric.WithDescription("Step execution durations"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *orchestratorMetrics) IncWorkflowsStarted(ctx context.Context) {
	m.workflowsStarted.Add(ctx, 1)
}

func (m *orchestratorMetrics) IncWorkflowsCompleted(ctx context.Context) {
	m.workflowsCompleted.Add(ctx, 1)
}

func (m *orchestratorMetrics) IncWorkflowsFailed(ctx context.Context) {
	m.workflowsFailed.Add(ctx, 1)
}

func (m *orchestratorMetrics) IncWorkflowsRecovered(ctx context.Context) {
	m.workflowsRecovered.Add(ctx, 1)
}

func (m *orchestratorMetrics) AddActiveWorkflows(ctx context.Context, delta int) {
	m.activeWorkflows.Add(ctx, int64(delta))
}

func (m *orchestratorMetrics) IncStepRetries(ctx context.Context, stepName string) {
	m.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("step", stepName)))
}

func (m *orchestratorMetrics) IncStepsSkipped(ctx context.Context) {
	m.stepsSkipped.Add(ctx, 1)
}

func (m *orchestratorMetrics) ObserveStepDuration(ctx context.Context, stepName string, d time.Duration) {
	m.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("step", stepName)))
}
