package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/registry"
	"github.com/go-playground/validator/v10"
)

// Workflows manages workflow templates.
type Workflows struct {
	repo     persistence.WorkflowRepository
	registry *registry.Registry
	validate *validator.Validate
}

// Create validates a new root workflow and stores it.
func (w *Workflows) Create(ctx context.Context, name, description string, steps []models.StepDefinition) (*models.Workflow, error) {
	workflow, err := models.NewWorkflow(name, description, steps)
	if err != nil {
		return nil, err
	}

	if err := w.check(workflow); err != nil {
		return nil, err
	}

	if err := w.repo.Save(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

func (w *Workflows) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return w.repo.GetByID(ctx, id)
}

func (w *Workflows) List(ctx context.Context) ([]*models.Workflow, error) {
	return w.repo.List(ctx)
}

// Archive stops new executions of a workflow. Existing executions keep running.
func (w *Workflows) Archive(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := w.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	workflow.Status = models.WorkflowStatusArchived
	workflow.UpdatedAt = time.Now().UTC()

	if err := w.repo.Save(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

// check validates the workflow fields, that step names are unique and that
// every step type is registered. Parameters are checked when an execution
// starts, since executions may supply them.
func (w *Workflows) check(workflow *models.Workflow) error {
	if err := w.validate.Struct(workflow); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	names := make(map[string]bool, len(workflow.Steps))

	for i, step := range workflow.Steps {
		if names[step.Name] {
			return NewValidationError("check workflow", fmt.Sprintf("duplicate step name '%s'", step.Name))
		}

		names[step.Name] = true

		if _, err := w.registry.StepFactory(step.Type); err != nil {
			return fmt.Errorf("%w: step %d (%s): %w", ErrValidation, i, step.Name, err)
		}
	}

	return nil
}

// buildSteps creates every step of workflow with the parameters of inputs.
func (w *Workflows) buildSteps(ctx context.Context, workflow *models.Workflow, inputs models.ExecutionInputs) error {
	for name := range inputs.StepParameters {
		if !hasStep(workflow, name) {
			return NewValidationError("start execution", fmt.Sprintf("parameters given for unknown step '%s'", name))
		}
	}

	for i, step := range workflow.Steps {
		params, err := normalizeParameters(inputs.ParametersFor(step))
		if err != nil {
			return err
		}

		if _, err := w.registry.CreateStep(ctx, step.Type, params); err != nil {
			return fmt.Errorf("%w: step %d (%s): %w", ErrValidation, i, step.Name, err)
		}
	}

	return nil
}

func hasStep(workflow *models.Workflow, name string) bool {
	for _, step := range workflow.Steps {
		if step.Name == name {
			return true
		}
	}

	return false
}
