package services_test

import (
	"context"
	"testing"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/services"
	"github.com/dukex/cadmaflow/pkg/snapshot"
	"github.com/dukex/cadmaflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// curatedScreening runs a workflow whose filter may be branched and returns
// the completed execution.
func curatedScreening(t *testing.T) (*services.Engine, *models.WorkflowExecution) {
	t.Helper()

	engine, _ := testutil.NewEngine(t)
	ctx := context.Background()

	workflow, err := engine.Workflows.Create(ctx, "curated screening", "", []models.StepDefinition{
		testutil.CatalogStep("acquire", "user"),
		testutil.ComputeStep("logp", "logp"),
		testutil.FilterStep("filter", "logp", testutil.AllowBranching(), testutil.WithParameters(map[string]any{"max": 2.0})),
	})
	require.NoError(t, err)

	execution, err := engine.Executions.Start(ctx, workflow.ID, models.ExecutionInputs{})
	require.NoError(t, err)

	for range 3 {
		execution, err = engine.Executions.Advance(ctx, execution.ID)
		require.NoError(t, err)
	}

	require.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	return engine, execution
}

func frozenLogP(t *testing.T, engine *services.Engine, moleculeID string, value float64) *models.DataRecord {
	t.Helper()

	ctx := context.Background()

	record, err := engine.Records.Create(ctx, services.CreateRecordRequest{
		MoleculeID: moleculeID,
		Property:   "logp",
		NativeType: models.NativeTypeNumeric,
		Value:      value,
		UserTag:    "measured",
	})
	require.NoError(t, err)

	record, err = engine.Records.Freeze(ctx, record.ID, "alice")
	require.NoError(t, err)

	return record
}

func TestSelections_SelectBranchesConsumingStep(t *testing.T) {
	engine, execution := curatedScreening(t)
	ctx := context.Background()

	benzene, err := engine.Molecules.GetByInChIKey(ctx, "AAA111")
	require.NoError(t, err)

	filter, err := engine.Steps.StepExecution(ctx, execution.StepExecutionAt(2))
	require.NoError(t, err)

	captured := filter.InputSnapshot.Get(snapshot.RecordSlot("logp"))
	require.Len(t, captured, 2)

	var computed string

	for _, id := range captured {
		record, err := engine.Records.Get(ctx, id)
		require.NoError(t, err)

		if record.MoleculeID == benzene.ID {
			computed = record.ID
		}
	}

	require.NotEmpty(t, computed)

	measured := frozenLogP(t, engine, benzene.ID, 0.5)

	result, err := engine.Selections.Select(ctx, services.SelectVariantRequest{
		ExecutionID: execution.ID,
		RecordID:    measured.ID,
		SelectedBy:  "alice",
	})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, benzene.ID, result.Selection.MoleculeID)
	assert.Equal(t, "logp", result.Selection.Property)

	require.NotNil(t, result.Branch)
	require.True(t, result.Branch.Created)

	branch := result.Branch.Execution
	require.NotNil(t, branch.ParentExecutionID)
	assert.Equal(t, execution.ID, *branch.ParentExecutionID)
	assert.Equal(t, 2, branch.CurrentStepIndex)

	substituted := result.Branch.StepExecution.InputSnapshot.Get(snapshot.RecordSlot("logp"))
	require.Len(t, substituted, 2)
	assert.Contains(t, substituted, measured.ID)
	assert.NotContains(t, substituted, computed)

	branch, err = engine.Executions.Advance(ctx, branch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, branch.Status)

	kept, err := engine.Steps.StepExecution(ctx, branch.StepExecutionAt(2))
	require.NoError(t, err)

	set, err := engine.Molecules.GetSet(ctx, kept.Results.First(snapshot.EntitySetSlot))
	require.NoError(t, err)
	assert.Contains(t, set.MoleculeIDs, benzene.ID)

	// The source execution keeps what it captured.
	unchanged, err := engine.Steps.StepExecution(ctx, execution.StepExecutionAt(2))
	require.NoError(t, err)
	assert.Equal(t, captured, unchanged.InputSnapshot.Get(snapshot.RecordSlot("logp")))

	for _, id := range []string{execution.ID, branch.ID} {
		selected, err := engine.Selections.Selected(ctx, id, benzene.ID, "logp")
		require.NoError(t, err)
		assert.Equal(t, measured.ID, selected.ID)
	}

	again, err := engine.Selections.Select(ctx, services.SelectVariantRequest{ExecutionID: execution.ID, RecordID: measured.ID})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, result.Selection.ID, again.Selection.ID)
	require.NotNil(t, again.Branch)
	assert.False(t, again.Branch.Created)
	assert.Equal(t, branch.ID, again.Branch.Execution.ID)

	selections, err := engine.Selections.List(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, selections, 1)
	assert.Equal(t, measured.ID, selections[0].RecordID)

	events, err := engine.Executions.Timeline(ctx, execution.ID)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(events), models.EventSelectionChanged)
	assert.Contains(t, eventTypes(events), models.EventBranchCreated)
}

func TestSelections_SelectedFallsBackToParent(t *testing.T) {
	engine, execution := curatedScreening(t)
	ctx := context.Background()

	benzene, err := engine.Molecules.GetByInChIKey(ctx, "AAA111")
	require.NoError(t, err)

	_, err = engine.Selections.Selected(ctx, execution.ID, benzene.ID, "logp")
	require.ErrorIs(t, err, persistence.ErrSelectionNotFound)

	measured := frozenLogP(t, engine, benzene.ID, 0.5)

	_, err = engine.Selections.Select(ctx, services.SelectVariantRequest{ExecutionID: execution.ID, RecordID: measured.ID})
	require.NoError(t, err)

	loosened, err := engine.Branching.Branch(ctx, services.BranchRequest{
		ExecutionID: execution.ID,
		StepIndex:   2,
		Parameters:  map[string]any{"max": 3.0},
	})
	require.NoError(t, err)
	require.True(t, loosened.Created)

	selected, err := engine.Selections.Selected(ctx, loosened.Execution.ID, benzene.ID, "logp")
	require.NoError(t, err)
	assert.Equal(t, measured.ID, selected.ID)
}

func TestSelections_NoCompletedConsumer(t *testing.T) {
	engine, _ := testutil.NewEngine(t)
	ctx := context.Background()

	workflow, err := engine.Workflows.Create(ctx, "acquire only", "", []models.StepDefinition{
		testutil.CatalogStep("acquire", "user"),
		testutil.ComputeStep("logp", "logp"),
	})
	require.NoError(t, err)

	execution, err := engine.Executions.Start(ctx, workflow.ID, models.ExecutionInputs{})
	require.NoError(t, err)

	execution, err = engine.Executions.Advance(ctx, execution.ID)
	require.NoError(t, err)

	benzene, err := engine.Molecules.GetByInChIKey(ctx, "AAA111")
	require.NoError(t, err)

	measured := frozenLogP(t, engine, benzene.ID, 0.5)

	result, err := engine.Selections.Select(ctx, services.SelectVariantRequest{ExecutionID: execution.ID, RecordID: measured.ID})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Nil(t, result.Branch)

	variants, err := engine.Selections.Variants(ctx, benzene.ID, "logp")
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, measured.ID, variants[0].ID)
}

func TestSelections_Validation(t *testing.T) {
	s := newScreening(t)
	ctx := context.Background()

	execution := s.run(t)

	benzene, err := s.engine.Molecules.GetByInChIKey(ctx, "AAA111")
	require.NoError(t, err)

	draft, err := s.engine.Records.Create(ctx, services.CreateRecordRequest{
		MoleculeID: benzene.ID,
		Property:   "logp",
		NativeType: models.NativeTypeNumeric,
		Value:      0.5,
	})
	require.NoError(t, err)

	_, err = s.engine.Selections.Select(ctx, services.SelectVariantRequest{ExecutionID: execution.ID, RecordID: draft.ID})
	require.ErrorIs(t, err, services.ErrValidation, "unfrozen records cannot be selected")

	_, err = s.engine.Selections.Select(ctx, services.SelectVariantRequest{ExecutionID: execution.ID})
	require.ErrorIs(t, err, services.ErrValidation)

	_, err = s.engine.Selections.Select(ctx, services.SelectVariantRequest{ExecutionID: "missing", RecordID: draft.ID})
	require.ErrorIs(t, err, persistence.ErrExecutionNotFound)

	// The filter of this workflow cannot be branched.
	measured := frozenLogP(t, s.engine, benzene.ID, 0.5)

	_, err = s.engine.Selections.Select(ctx, services.SelectVariantRequest{ExecutionID: execution.ID, RecordID: measured.ID})
	require.ErrorIs(t, err, services.ErrBranchingDisallowed)

	selections, err := s.engine.Selections.List(ctx, execution.ID)
	require.NoError(t, err)
	assert.Empty(t, selections, "nothing is stored when the consuming step cannot branch")

	_, err = s.engine.Selections.Variants(ctx, benzene.ID, "")
	require.ErrorIs(t, err, services.ErrValidation)
}
