package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// StepContext carries everything an executor needs to perform one unit of
// work: the owning identifiers, the step's parameters, and the resume point
// computed by reconciliation when the attempt continues earlier work.
type StepContext struct {
	WorkflowID string
	JobID      string
	StepIndex  int
	StepName   string
	Params     map[string]any

	// ResumeOffset and ResumeDownloaded are zero for a fresh attempt.
	ResumeOffset     int
	ResumeDownloaded int
}

// StepResume is the point a recovered step continues from, taken from a
// reconciliation resume plan.
type StepResume struct {
	Offset     int
	Downloaded int
}

// StepExecutor performs one unit of work. The orchestrator treats it as
// opaque: it either returns a result payload or an error.
type StepExecutor interface {
	Execute(ctx context.Context, sc StepContext) (json.RawMessage, error)
}

// StepExecutorFunc adapts a function to the StepExecutor interface.
type StepExecutorFunc func(ctx context.Context, sc StepContext) (json.RawMessage, error)

// Execute implements StepExecutor.
func (f StepExecutorFunc) Execute(ctx context.Context, sc StepContext) (json.RawMessage, error) {
	return f(ctx, sc)
}

// StepDefinition declares one step of a workflow pipeline. Dependencies are
// step indices and may only reference earlier steps; this is validated when
// the workflow is defined, not at runtime.
type StepDefinition struct {
	Name       string
	Type       string
	DependsOn  []int
	MaxRetries int
	Timeout    time.Duration
	Params     map[string]any
	Executor   StepExecutor
}

// ValidateDefinitions checks a step pipeline for structural errors: empty
// pipelines, missing executors, and forward or self references.
func ValidateDefinitions(defs []StepDefinition) error {
	if len(defs) == 0 {
		return &DefinitionError{Reason: "workflow requires at least one step"}
	}
	for i, def := range defs {
		if def.Name == "" {
			return &DefinitionError{StepIndex: i, Reason: "step name is required"}
		}
		if def.Executor == nil {
			return &DefinitionError{StepIndex: i, Reason: "step executor is required"}
		}
		if def.MaxRetries < 0 {
			return &DefinitionError{StepIndex: i, Reason: "max retries must be non-negative"}
		}
		for _, dep := range def.DependsOn {
			if dep < 0 || dep >= i {
				return &DefinitionError{
					StepIndex: i,
					Reason:    "dependencies must reference earlier step indices",
				}
			}
		}
	}
	return nil
}
