package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
)

const (
	workflowsCollection      = "workflows"
	branchCountersCollection = "branch_counters"
)

type branchCounter struct {
	Next int `json:"next"`
}

// WorkflowRepository handles workflow-related file operations.
type WorkflowRepository struct {
	store *store
}

// Save saves a workflow to the file system.
func (r *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	return r.store.write(workflowsCollection, workflow.ID, workflow)
}

// GetByID retrieves a workflow by its ID from the file system.
func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var workflow models.Workflow

	found, err := r.store.read(workflowsCollection, id, &workflow)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewRepositoryError("GetByID", "workflow", id, persistence.ErrWorkflowNotFound)
	}

	return &workflow, nil
}

// List returns all workflows, oldest first.
func (r *WorkflowRepository) List(_ context.Context) ([]*models.Workflow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	workflows, err := readAll[models.Workflow](r.store, workflowsCollection)
	if err != nil {
		return nil, err
	}

	sort.Slice(workflows, func(i, j int) bool {
		if workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].ID < workflows[j].ID
		}

		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	return workflows, nil
}

func (r *WorkflowRepository) NextBranchNumber(_ context.Context, rootWorkflowID string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var counter branchCounter

	if _, err := r.store.read(branchCountersCollection, rootWorkflowID, &counter); err != nil {
		return 0, persistence.NewRepositoryError("NextBranchNumber", "workflow", rootWorkflowID, err)
	}

	counter.Next++

	if err := r.store.write(branchCountersCollection, rootWorkflowID, counter); err != nil {
		return 0, persistence.NewRepositoryError("NextBranchNumber", "workflow", rootWorkflowID, err)
	}

	return counter.Next, nil
}
