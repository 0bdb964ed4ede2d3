// Package memory provides map-backed workflow and task repositories used in
// tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/avelsk/gatherd/internal/domain/workflow"
)

var _ workflow.WorkflowRepository = (*WorkflowStore)(nil)

// WorkflowStore is a thread-safe in-memory workflow repository.
type WorkflowStore struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]*workflow.Workflow
}

// NewWorkflowStore creates an empty in-memory workflow repository.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{workflows: make(map[uuid.UUID]*workflow.Workflow)}
}

// Create persists a new workflow.
func (s *WorkflowStore) Create(_ context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID()] = cloneWorkflow(w)
	return nil
}

// Update persists workflow mutations, rejecting stale writes.
func (s *WorkflowStore) Update(_ context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.workflows[w.ID()]
	if !ok {
		return workflow.ErrWorkflowNotFound
	}
	if !w.UpdatedAt().After(existing.UpdatedAt()) {
		return workflow.ErrStaleWrite
	}
	s.workflows[w.ID()] = cloneWorkflow(w)
	return nil
}

// Get retrieves a workflow by id.
func (s *WorkflowStore) Get(_ context.Context, id uuid.UUID) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, workflow.ErrWorkflowNotFound
	}
	return cloneWorkflow(w), nil
}

// GetByJob retrieves the most recent workflow executing a job.
func (s *WorkflowStore) GetByJob(_ context.Context, jobID string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *workflow.Workflow
	for _, w := range s.workflows {
		if w.JobID() != jobID {
			continue
		}
		if latest == nil || w.CreatedAt().After(latest.CreatedAt()) {
			latest = w
		}
	}
	if latest == nil {
		return nil, workflow.ErrWorkflowNotFound
	}
	return cloneWorkflow(latest), nil
}

// ListByStatus returns workflows in any of the given statuses.
func (s *WorkflowStore) ListByStatus(_ context.Context, statuses ...workflow.Status) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Workflow
	for _, w := range s.workflows {
		for _, st := range statuses {
			if w.Status() == st {
				out = append(out, cloneWorkflow(w))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out, nil
}

var _ workflow.TaskRepository = (*TaskStore)(nil)

// TaskStore is a thread-safe in-memory workflow task repository.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*workflow.Task
}

// NewTaskStore creates an empty in-memory task repository.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[uuid.UUID]*workflow.Task)}
}

// Create persists a new task.
func (s *TaskStore) Create(_ context.Context, t *workflow.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID()] = cloneTask(t)
	return nil
}

// Update persists task mutations.
func (s *TaskStore) Update(_ context.Context, t *workflow.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID()]; !ok {
		return workflow.ErrTaskNotFound
	}
	s.tasks[t.ID()] = cloneTask(t)
	return nil
}

// Get retrieves a task by id.
func (s *TaskStore) Get(_ context.Context, id uuid.UUID) (*workflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, workflow.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// ListByWorkflow returns all tasks for a workflow ordered by step index.
func (s *TaskStore) ListByWorkflow(_ context.Context, workflowID uuid.UUID) ([]*workflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Task
	for _, t := range s.tasks {
		if t.WorkflowID() == workflowID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepIndex() != out[j].StepIndex() {
			return out[i].StepIndex() < out[j].StepIndex()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out, nil
}

func cloneWorkflow(w *workflow.Workflow) *workflow.Workflow {
	return workflow.ReconstructWorkflow(
		w.ID(), w.JobID(), w.Status(),
		w.CurrentStep(), w.TotalSteps(), w.RecoveryAttempts(),
		w.LastError(), w.LastCheckpointAt(),
		w.Version(), w.CreatedAt(), w.UpdatedAt(),
	)
}

func cloneTask(t *workflow.Task) *workflow.Task {
	var prev *uuid.UUID
	if t.PrevAttemptID() != nil {
		id := *t.PrevAttemptID()
		prev = &id
	}
	return workflow.ReconstructTask(
		t.ID(), t.WorkflowID(), t.StepIndex(), t.StepName(), t.DependsOn(),
		t.Status(), t.RetryCount(), t.MaxRetries(),
		t.LastError(), append([]byte(nil), t.Result()...), prev,
		t.StartedAt(), t.CompletedAt(), t.CreatedAt(), t.UpdatedAt(),
	)
}
