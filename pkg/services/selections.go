package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/otelhelper"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/snapshot"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Selections tracks which record variant an execution uses for a molecule
// property.
type Selections struct {
	persistence persistence.Persistence
	branching   *Branching
	timeline    *timeline
	validate    *validator.Validate
	logger      *slog.Logger
	tracer      trace.Tracer
}

// SelectVariantRequest selects a frozen record for its molecule and property.
type SelectVariantRequest struct {
	ExecutionID string `json:"execution_id" validate:"required"`
	RecordID    string `json:"record_id"    validate:"required"`
	SelectedBy  string `json:"selected_by"`
}

// SelectionResult is the stored selection. Branch is set when a completed
// step had read another variant of the property.
type SelectionResult struct {
	Selection *models.DataSelection `json:"selection"`
	Created   bool                  `json:"created"`
	Branch    *BranchResult         `json:"branch,omitempty"`
}

// Select makes the record the active variant of its property for its
// molecule in the execution. When the earliest completed step reading the
// property captured another variant, the step is branched with the selected
// variants substituted, and the branch inherits the selections. Nothing is
// stored when the branch cannot be created.
func (s *Selections) Select(ctx context.Context, req SelectVariantRequest) (*SelectionResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "services.Selections.Select",
		attribute.String(otelhelper.ExecutionIDKey, req.ExecutionID),
		attribute.String(otelhelper.RecordIDKey, req.RecordID),
	)
	defer span.End()

	execution, err := s.persistence.ExecutionRepository().GetByID(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}

	record, err := s.persistence.RecordRepository().GetByID(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}

	if !record.IsFrozen {
		return nil, NewValidationError("select variant", fmt.Sprintf("record %s is not frozen", record.ID))
	}

	selection, err := models.NewDataSelection(execution.ID, record, req.SelectedBy)
	if err != nil {
		return nil, err
	}

	selections, err := s.persistence.SelectionRepository().ListByExecution(ctx, execution.ID)
	if err != nil {
		return nil, err
	}

	selections = overlay(selections, selection)

	branch, err := s.branchIfConsumed(ctx, execution, record.Property, selections)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	created, err := s.persistence.SelectionRepository().Save(ctx, selection)
	if err != nil {
		return nil, err
	}

	details := map[string]any{
		"molecule_id": selection.MoleculeID,
		"property":    selection.Property,
		"record_id":   selection.RecordID,
		"created":     created,
	}

	if branch != nil && branch.Execution.ID != execution.ID {
		details["branch_execution_id"] = branch.Execution.ID

		s.inherit(ctx, branch.Execution.ID, selections)
	}

	s.timeline.emit(ctx, execution.ID, models.EventSelectionChanged, details)

	s.logger.InfoContext(ctx, "variant selected",
		"execution_id", execution.ID,
		"molecule_id", selection.MoleculeID,
		"property", selection.Property,
		"record_id", selection.RecordID,
	)

	return &SelectionResult{Selection: selection, Created: created, Branch: branch}, nil
}

// overlay replaces the selection for the same molecule and property.
func overlay(selections []*models.DataSelection, selection *models.DataSelection) []*models.DataSelection {
	merged := make([]*models.DataSelection, 0, len(selections)+1)

	for _, existing := range selections {
		if existing.MoleculeID != selection.MoleculeID || existing.Property != selection.Property {
			merged = append(merged, existing)
		}
	}

	return append(merged, selection)
}

// branchIfConsumed branches the earliest completed step whose captured
// records of property differ from the selected variants. It returns nil when
// no completed step is affected.
func (s *Selections) branchIfConsumed(
	ctx context.Context,
	execution *models.WorkflowExecution,
	property string,
	selections []*models.DataSelection,
) (*BranchResult, error) {
	selected := make(map[string]string)

	for _, selection := range selections {
		if selection.Property == property {
			selected[selection.MoleculeID] = selection.RecordID
		}
	}

	slot := snapshot.RecordSlot(property)

	for position, id := range execution.StepExecutionIDs {
		if id == "" {
			continue
		}

		stepExecution, err := s.persistence.StepExecutionRepository().GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		captured := stepExecution.InputSnapshot.Get(slot)
		if stepExecution.Status != models.StepStatusCompleted || len(captured) == 0 {
			continue
		}

		substituted, changed, err := s.substitute(ctx, captured, selected)
		if err != nil {
			return nil, err
		}

		if !changed {
			continue
		}

		return s.branching.Branch(ctx, BranchRequest{
			ExecutionID:    execution.ID,
			StepIndex:      position,
			InputRecordIDs: substituted,
		})
	}

	return nil, nil
}

// substitute swaps each captured record for the variant selected for its
// molecule.
func (s *Selections) substitute(ctx context.Context, captured []string, selected map[string]string) ([]string, bool, error) {
	records, err := s.persistence.RecordRepository().GetMany(ctx, captured)
	if err != nil {
		return nil, false, err
	}

	ids := make([]string, 0, len(records))

	for _, record := range records {
		id := record.ID
		if variant, ok := selected[record.MoleculeID]; ok {
			id = variant
		}

		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	return ids, !slices.Equal(ids, captured), nil
}

// inherit copies the selections to a branch execution.
func (s *Selections) inherit(ctx context.Context, executionID string, selections []*models.DataSelection) {
	for _, selection := range selections {
		copied, err := selection.CopyTo(executionID)
		if err == nil {
			_, err = s.persistence.SelectionRepository().Save(ctx, copied)
		}

		if err != nil {
			s.logger.ErrorContext(ctx, "failed to copy selection to branch",
				"execution_id", executionID, "property", selection.Property, "error", err)
		}
	}
}

// Selected returns the record selected for the molecule property in the
// execution. Executions without their own selection fall back to the
// execution they were branched from.
func (s *Selections) Selected(ctx context.Context, executionID, moleculeID, property string) (*models.DataRecord, error) {
	id := executionID

	for {
		selection, err := s.persistence.SelectionRepository().Get(ctx, id, moleculeID, property)
		if err == nil {
			return s.persistence.RecordRepository().GetByID(ctx, selection.RecordID)
		}

		if !persistence.IsNotFound(err) {
			return nil, err
		}

		execution, err := s.persistence.ExecutionRepository().GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if execution.ParentExecutionID == nil {
			return nil, persistence.NewRepositoryError("Selected", "data selection", executionID, persistence.ErrSelectionNotFound)
		}

		id = *execution.ParentExecutionID
	}
}

// List returns the selections stored for the execution.
func (s *Selections) List(ctx context.Context, executionID string) ([]*models.DataSelection, error) {
	if _, err := s.persistence.ExecutionRepository().GetByID(ctx, executionID); err != nil {
		return nil, err
	}

	return s.persistence.SelectionRepository().ListByExecution(ctx, executionID)
}

// Variants lists every stored record of the molecule property.
func (s *Selections) Variants(ctx context.Context, moleculeID, property string) ([]*models.DataRecord, error) {
	if moleculeID == "" || property == "" {
		return nil, NewValidationError("list variants", "molecule and property are required")
	}

	if _, err := s.persistence.MoleculeRepository().GetByID(ctx, moleculeID); err != nil {
		return nil, err
	}

	return s.persistence.RecordRepository().Find(ctx, persistence.RecordFilter{
		MoleculeIDs: []string{moleculeID},
		Property:    property,
	})
}
