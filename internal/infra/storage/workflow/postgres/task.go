package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/avelsk/gatherd/internal/domain/workflow"
	"github.com/avelsk/gatherd/internal/infra/storage"
)

var _ workflow.TaskRepository = (*taskStore)(nil)

// taskStore provides a PostgreSQL implementation of workflow.TaskRepository.
type taskStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTaskStore creates a PostgreSQL-backed workflow task repository.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *taskStore {
	return &taskStore{pool: pool, tracer: tracer}
}

const taskColumns = `id, workflow_id, step_index, step_name, depends_on, status,
	retry_count, max_retries, last_error, result, prev_attempt_id,
	started_at, completed_at, created_at, updated_at`

// Create persists a new task.
func (s *taskStore) Create(ctx context.Context, t *workflow.Task) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", t.ID().String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_workflow_task", dbAttrs, func(ctx context.Context) error {
		dependsOn, err := json.Marshal(t.DependsOn())
		if err != nil {
			return fmt.Errorf("failed to marshal task dependencies: %w", err)
		}
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO workflow_tasks (
				id, workflow_id, step_index, step_name, depends_on, status,
				retry_count, max_retries, last_error, result, prev_attempt_id,
				started_at, completed_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			t.ID(), t.WorkflowID(), t.StepIndex(), t.StepName(), dependsOn,
			string(t.Status()), t.RetryCount(), t.MaxRetries(), t.LastError(),
			[]byte(t.Result()), t.PrevAttemptID(),
			nullableTime(t.StartedAt()), nullableTime(t.CompletedAt()),
			t.CreatedAt(), t.UpdatedAt(),
		); err != nil {
			return fmt.Errorf("failed to create workflow task: %w", err)
		}
		return nil
	})
}

// Update persists task mutations.
func (s *taskStore) Update(ctx context.Context, t *workflow.Task) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", t.ID().String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_workflow_task", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE workflow_tasks SET
				status = $2,
				retry_count = $3,
				last_error = $4,
				result = $5,
				started_at = $6,
				completed_at = $7,
				updated_at = $8
			WHERE id = $1 AND updated_at < $8`,
			t.ID(), string(t.Status()), t.RetryCount(), t.LastError(),
			[]byte(t.Result()), nullableTime(t.StartedAt()),
			nullableTime(t.CompletedAt()), t.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("failed to update workflow task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return workflow.ErrTaskNotFound
		}
		return nil
	})
}

// Get retrieves a task by id.
func (s *taskStore) Get(ctx context.Context, id uuid.UUID) (*workflow.Task, error) {
	var task *workflow.Task
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_workflow_task", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM workflow_tasks WHERE id = $1`, id)
		var err error
		task, err = scanTask(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return workflow.ErrTaskNotFound
			}
			return fmt.Errorf("failed to get workflow task: %w", err)
		}
		return nil
	})
	return task, err
}

// ListByWorkflow returns all tasks for a workflow ordered by step index.
func (s *taskStore) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*workflow.Task, error) {
	var tasks []*workflow.Task
	dbAttrs := append(defaultDBAttributes, attribute.String("workflow_id", workflowID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_workflow_tasks", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+taskColumns+` FROM workflow_tasks WHERE workflow_id = $1
			 ORDER BY step_index ASC, created_at ASC`, workflowID)
		if err != nil {
			return fmt.Errorf("failed to list workflow tasks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("failed to scan workflow task: %w", err)
			}
			tasks = append(tasks, task)
		}
		return rows.Err()
	})
	return tasks, err
}

func scanTask(row rowScanner) (*workflow.Task, error) {
	var (
		id, workflowID           uuid.UUID
		stepIndex                int
		stepName                 string
		dependsOnRaw             []byte
		status                   string
		retryCount, maxRetries   int
		lastError                string
		result                   []byte
		prevAttemptID            *uuid.UUID
		startedAt, completedAt   *time.Time
		createdAt, updatedAt     time.Time
	)
	if err := row.Scan(
		&id, &workflowID, &stepIndex, &stepName, &dependsOnRaw, &status,
		&retryCount, &maxRetries, &lastError, &result, &prevAttemptID,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var dependsOn []int
	if len(dependsOnRaw) > 0 {
		if err := json.Unmarshal(dependsOnRaw, &dependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task dependencies: %w", err)
		}
	}

	return workflow.ReconstructTask(
		id, workflowID, stepIndex, stepName, dependsOn,
		workflow.TaskStatus(status), retryCount, maxRetries,
		lastError, result, prevAttemptID,
		derefTime(startedAt), derefTime(completedAt), createdAt, updatedAt,
	), nil
}
