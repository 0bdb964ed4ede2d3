// Package postgres persists workflow aggregates and their step tasks in
// PostgreSQL.
package postgres

import (
	"context"
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

var _ workflow.WorkflowRepository = (*workflowStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// workflowStore provides a PostgreSQL implementation of
// workflow.WorkflowRepository.
type workflowStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewWorkflowStore creates a PostgreSQL-backed workflow repository.
func NewWorkflowStore(pool *pgxpool.Pool, tracer trace.Tracer) *workflowStore {
	return &workflowStore{pool: pool, tracer: tracer}
}

const workflowColumns = `id, job_id, status, current_step, total_steps,
	recovery_attempts, last_error, last_checkpoint_at, version, created_at, updated_at`

// Create persists a new workflow.
func (s *workflowStore) Create(ctx context.Context, w *workflow.Workflow) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("workflow_id", w.ID().String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_workflow", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO workflows (
				id, job_id, status, current_step, total_steps,
				recovery_attempts, last_error, last_checkpoint_at,
				version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			w.ID(), w.JobID(), string(w.Status()), w.CurrentStep(), w.TotalSteps(),
			w.RecoveryAttempts(), w.LastError(), nullableTime(w.LastCheckpointAt()),
			w.Version(), w.CreatedAt(), w.UpdatedAt(),
		); err != nil {
			return fmt.Errorf("failed to create workflow: %w", err)
		}
		return nil
	})
}

// Update persists workflow mutations, rejecting writes stamped older than
// the stored row. A rejected write surfaces as workflow.ErrStaleWrite.
func (s *workflowStore) Update(ctx context.Context, w *workflow.Workflow) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("workflow_id", w.ID().String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_workflow", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE workflows SET
				status = $2,
				current_step = $3,
				recovery_attempts = $4,
				last_error = $5,
				last_checkpoint_at = $6,
				version = $7,
				updated_at = $8
			WHERE id = $1 AND updated_at < $8`,
			w.ID(), string(w.Status()), w.CurrentStep(), w.RecoveryAttempts(),
			w.LastError(), nullableTime(w.LastCheckpointAt()), w.Version(), w.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("failed to update workflow: %w", err)
		}
		if tag.RowsAffected() == 0 {
			exists, checkErr := s.workflowExists(ctx, w.ID())
			if checkErr != nil {
				return checkErr
			}
			if !exists {
				return workflow.ErrWorkflowNotFound
			}
			return workflow.ErrStaleWrite
		}
		return nil
	})
}

func (s *workflowStore) workflowExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM workflows WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check workflow existence: %w", err)
	}
	return exists, nil
}

// Get retrieves a workflow by id.
func (s *workflowStore) Get(ctx context.Context, id uuid.UUID) (*workflow.Workflow, error) {
	var w *workflow.Workflow
	dbAttrs := append(defaultDBAttributes, attribute.String("workflow_id", id.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_workflow", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
		var err error
		w, err = scanWorkflow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return workflow.ErrWorkflowNotFound
			}
			return fmt.Errorf("failed to get workflow: %w", err)
		}
		return nil
	})
	return w, err
}

// GetByJob retrieves the workflow executing a job.
func (s *workflowStore) GetByJob(ctx context.Context, jobID string) (*workflow.Workflow, error) {
	var w *workflow.Workflow
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_workflow_by_job", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+workflowColumns+` FROM workflows WHERE job_id = $1
			 ORDER BY created_at DESC LIMIT 1`, jobID)
		var err error
		w, err = scanWorkflow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return workflow.ErrWorkflowNotFound
			}
			return fmt.Errorf("failed to get workflow by job: %w", err)
		}
		return nil
	})
	return w, err
}

// ListByStatus returns workflows in any of the given statuses.
func (s *workflowStore) ListByStatus(ctx context.Context, statuses ...workflow.Status) ([]*workflow.Workflow, error) {
	var workflows []*workflow.Workflow
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_workflows_by_status", defaultDBAttributes, func(ctx context.Context) error {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		rows, err := s.pool.Query(ctx,
			`SELECT `+workflowColumns+` FROM workflows WHERE status = ANY($1)
			 ORDER BY created_at ASC`, names)
		if err != nil {
			return fmt.Errorf("failed to list workflows: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			w, err := scanWorkflow(rows)
			if err != nil {
				return fmt.Errorf("failed to scan workflow: %w", err)
			}
			workflows = append(workflows, w)
		}
		return rows.Err()
	})
	return workflows, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*workflow.Workflow, error) {
	var (
		id                                         uuid.UUID
		jobID, status, lastError                   string
		currentStep, totalSteps, recoveryAttempts  int
		lastCheckpointAt                           *time.Time
		version                                    int64
		createdAt, updatedAt                       time.Time
	)
	if err := row.Scan(
		&id, &jobID, &status, &currentStep, &totalSteps,
		&recoveryAttempts, &lastError, &lastCheckpointAt,
		&version, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	return workflow.ReconstructWorkflow(
		id, jobID, workflow.Status(status),
		currentStep, totalSteps, recoveryAttempts,
		lastError, derefTime(lastCheckpointAt),
		version, createdAt, updatedAt,
	), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
