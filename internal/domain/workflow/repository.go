package workflow

import (
	"context"

	"github.com/google/uuid"
)

// WorkflowRepository persists workflow aggregates.
type WorkflowRepository interface {
	// Create persists a new workflow.
	Create(ctx context.Context, w *Workflow) error

	// Update persists workflow mutations. Writes carrying an older
	// updatedAt than the stored row are rejected with ErrStaleWrite.
	Update(ctx context.Context, w *Workflow) error

	// Get retrieves a workflow by ID, returning ErrWorkflowNotFound when
	// it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*Workflow, error)

	// GetByJob retrieves the workflow executing a job.
	GetByJob(ctx context.Context, jobID string) (*Workflow, error)

	// ListByStatus returns workflows in any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Workflow, error)
}

// TaskRepository persists workflow step tasks.
type TaskRepository interface {
	// Create persists a new task.
	Create(ctx context.Context, t *Task) error

	// Update persists task mutations.
	Update(ctx context.Context, t *Task) error

	// Get retrieves a task by ID, returning ErrTaskNotFound when it does
	// not exist.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)

	// ListByWorkflow returns all tasks for a workflow ordered by step
	// index.
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*Task, error)
}
