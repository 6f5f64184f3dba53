package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the lifecycle state of a workflow template.
type WorkflowStatus string

const (
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// Workflow is an ordered sequence of steps. Branches of a workflow point at
// their parent through BranchOf and at the first workflow of the lineage
// through RootBranch.
type Workflow struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"                   validate:"required,min=3"`
	Description string           `json:"description"`
	Steps       []StepDefinition `json:"steps"                  validate:"required,min=1,dive"`
	Status      WorkflowStatus   `json:"status"                 validate:"required,oneof=active archived"`
	BranchOf    *string          `json:"branch_of,omitempty"`
	RootBranch  *string          `json:"root_branch,omitempty"`
	BranchLabel string           `json:"branch_label,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewWorkflow creates an active root workflow.
func NewWorkflow(name, description string, steps []StepDefinition) (*Workflow, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate workflow ID: %w", err)
	}

	now := time.Now().UTC()

	return &Workflow{
		ID:          id.String(),
		Name:        name,
		Description: description,
		Steps:       steps,
		Status:      WorkflowStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// RootID returns the identifier of the root workflow of the lineage.
func (w *Workflow) RootID() string {
	if w.RootBranch != nil {
		return *w.RootBranch
	}

	return w.ID
}

// Branch derives a workflow with a new step sequence that keeps the lineage.
func (w *Workflow) Branch(steps []StepDefinition, label string) (*Workflow, error) {
	branch, err := NewWorkflow(w.Name, w.Description, steps)
	if err != nil {
		return nil, err
	}

	parentID := w.ID
	rootID := w.RootID()
	branch.BranchOf = &parentID
	branch.RootBranch = &rootID
	branch.BranchLabel = label

	return branch, nil
}

// StepAt returns the step definition at position.
func (w *Workflow) StepAt(position int) (StepDefinition, error) {
	if position < 0 || position >= len(w.Steps) {
		return StepDefinition{}, fmt.Errorf("%w: workflow %s has no step at position %d", ErrValidation, w.ID, position)
	}

	return w.Steps[position], nil
}
