package file

import (
	"context"
	"slices"
	"sort"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
)

const (
	executionsCollection     = "executions"
	stepExecutionsCollection = "step_executions"
)

// ExecutionRepository handles workflow execution file operations.
type ExecutionRepository struct {
	store *store
}

func (r *ExecutionRepository) Save(_ context.Context, execution *models.WorkflowExecution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(executionsCollection, execution.ID, execution)
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var execution models.WorkflowExecution

	found, err := r.store.read(executionsCollection, id, &execution)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRepositoryError("GetByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	return &execution, nil
}

func (r *ExecutionRepository) ListByRootWorkflow(_ context.Context, rootWorkflowID string) ([]*models.WorkflowExecution, error) {
	return r.list(func(execution *models.WorkflowExecution) bool {
		return execution.RootWorkflowID == rootWorkflowID
	})
}

func (r *ExecutionRepository) ListByStatus(_ context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	return r.list(func(execution *models.WorkflowExecution) bool {
		return len(statuses) == 0 || slices.Contains(statuses, execution.Status)
	})
}

func (r *ExecutionRepository) list(keep func(*models.WorkflowExecution) bool) ([]*models.WorkflowExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := readAll[models.WorkflowExecution](r.store, executionsCollection)
	if err != nil {
		return nil, err
	}

	executions := make([]*models.WorkflowExecution, 0, len(all))

	for _, execution := range all {
		if keep(execution) {
			executions = append(executions, execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		if executions[i].CreatedAt.Equal(executions[j].CreatedAt) {
			return executions[i].ID < executions[j].ID
		}

		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})

	return executions, nil
}

// StepExecutionRepository handles step execution file operations.
type StepExecutionRepository struct {
	store *store
}

func (r *StepExecutionRepository) Save(_ context.Context, stepExecution *models.StepExecution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(stepExecutionsCollection, stepExecution.ID, stepExecution)
}

func (r *StepExecutionRepository) GetByID(_ context.Context, id string) (*models.StepExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.get(id)
}

func (r *StepExecutionRepository) get(id string) (*models.StepExecution, error) {
	var stepExecution models.StepExecution

	found, err := r.store.read(stepExecutionsCollection, id, &stepExecution)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRepositoryError("GetByID", "step execution", id, persistence.ErrStepExecutionNotFound)
	}

	return &stepExecution, nil
}

func (r *StepExecutionRepository) GetMany(_ context.Context, ids []string) ([]*models.StepExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	stepExecutions := make([]*models.StepExecution, 0, len(ids))

	for _, id := range ids {
		stepExecution, err := r.get(id)
		if err != nil {
			return nil, err
		}

		stepExecutions = append(stepExecutions, stepExecution)
	}

	return stepExecutions, nil
}

func (r *StepExecutionRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.remove(stepExecutionsCollection, id)
}
