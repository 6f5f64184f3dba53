package services_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
	"github.com/dukex/cadmaflow/pkg/services"
	"github.com/dukex/cadmaflow/pkg/snapshot"
	"github.com/dukex/cadmaflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyProvider scores every molecule with 1 and fails while failing is set.
type flakyProvider struct {
	failing atomic.Bool
	delay   time.Duration
	calls   atomic.Int32
}

func (p *flakyProvider) ID() string          { return "flaky" }
func (p *flakyProvider) Name() string        { return "Flaky scorer" }
func (p *flakyProvider) Description() string { return "Scores molecules, sometimes" }
func (p *flakyProvider) Version() string     { return "0.1" }

func (p *flakyProvider) Schema() map[string]any {
	return map[string]any{"type": "object"}
}

func (p *flakyProvider) Produces(map[string]any) (models.DataShape, error) {
	return models.DataShape{Property: "score", NativeType: models.NativeTypeNumeric}, nil
}

func (p *flakyProvider) Produce(ctx context.Context, molecules []*models.Molecule, _ map[string]any) ([]*models.DataRecord, error) {
	p.calls.Add(1)

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if p.failing.Load() {
		return nil, protocol.ErrProviderUnavailable
	}

	records := make([]*models.DataRecord, 0, len(molecules))

	for _, molecule := range molecules {
		record, err := models.NewDataRecord(molecule.ID, "score", models.NativeTypeNumeric, 1.0, models.RecordSourceComputed)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

func withProvider(provider protocol.PropertyProvider) func(*services.Dependencies) {
	return func(deps *services.Dependencies) {
		deps.Registry.RegisterPropertyProvider(provider)
	}
}

func memberKeys(t *testing.T, s *screening, stepExecution *models.StepExecution) []string {
	t.Helper()

	_, molecules, err := s.engine.Molecules.SetMembers(context.Background(), stepExecution.Results.First(snapshot.EntitySetSlot))
	require.NoError(t, err)

	keys := make([]string, 0, len(molecules))
	for _, molecule := range molecules {
		keys = append(keys, molecule.InChIKey)
	}

	return keys
}

func TestExecutions_RunToCompletion(t *testing.T) {
	s := newScreening(t)
	ctx := context.Background()

	execution := s.start(t)
	assert.Equal(t, models.ExecutionStatusPending, execution.Status)
	assert.Equal(t, 0, execution.CurrentStepIndex)

	for range 3 {
		var err error

		execution, err = s.engine.Executions.Advance(ctx, execution.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, 3, execution.CurrentStepIndex)
	require.Len(t, execution.StepExecutionIDs, 3)
	assert.NotNil(t, execution.FinishedAt)

	for position := range 3 {
		stepExecution := s.stepExecution(t, execution, position)
		assert.Equal(t, models.StepStatusCompleted, stepExecution.Status, position)
		assert.NotEmpty(t, stepExecution.Fingerprint, position)
		assert.NotNil(t, stepExecution.DataFrozenAt, position)
	}

	assert.Equal(t, []string{"AAA111", "BBB222"}, memberKeys(t, s, s.stepExecution(t, execution, 0)))
	assert.Equal(t, []string{"BBB222"}, memberKeys(t, s, s.stepExecution(t, execution, 2)))

	logp := s.stepExecution(t, execution, 1)
	assert.Equal(t, []string{"logp"}, logp.ProvidersUsed)

	records := s.records(t, logp, "logp")
	require.Len(t, records, 2)

	for _, record := range records {
		assert.True(t, record.IsFrozen)
		assert.Equal(t, "cadmaflow", record.FrozenBy)
		assert.Equal(t, logp.ID, record.ProducedBy)
		assert.Equal(t, "logp", record.SourceName)
		assert.Equal(t, models.RecordSourceComputed, record.Source)
	}

	_, err := s.engine.Executions.Advance(ctx, execution.ID)
	require.ErrorIs(t, err, services.ErrExecutionFinished)
}

func TestExecutions_Timeline(t *testing.T) {
	s := newScreening(t)
	execution := s.run(t)

	events, err := s.engine.Executions.Timeline(context.Background(), execution.ID)
	require.NoError(t, err)

	assert.Equal(t, []models.WorkflowEventType{
		models.EventExecutionStarted,
		models.EventStepCompleted,
		models.EventStepCompleted,
		models.EventStepCompleted,
		models.EventExecutionCompleted,
	}, eventTypes(events))
}

func TestExecutions_SequentialGating(t *testing.T) {
	s := newScreening(t)
	ctx := context.Background()

	execution := s.start(t)

	ready, missing, err := s.engine.Steps.CanExecute(ctx, execution, 1)
	require.NoError(t, err)
	assert.False(t, ready)
	require.NotEmpty(t, missing)
	assert.Equal(t, "step[0]", missing[0].Slot)

	ready, _, err = s.engine.Steps.CanExecute(ctx, execution, 0)
	require.NoError(t, err)
	assert.True(t, ready)

	execution, err = s.engine.Executions.Advance(ctx, execution.ID)
	require.NoError(t, err)

	ready, missing, err = s.engine.Steps.CanExecute(ctx, execution, 1)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Empty(t, missing)

	ready, missing, err = s.engine.Steps.CanExecute(ctx, execution, 2)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, "step[1]", missing[0].Slot)
}

func TestExecutions_MissingInputsChangeNothing(t *testing.T) {
	engine, _ := testutil.NewEngine(t)
	ctx := context.Background()

	workflow, err := engine.Workflows.Create(ctx, "filter only", "", []models.StepDefinition{
		testutil.FilterStep("filter", "logp", testutil.WithParameters(map[string]any{"min": 0.0})),
	})
	require.NoError(t, err)

	execution, err := engine.Executions.Start(ctx, workflow.ID, models.ExecutionInputs{})
	require.NoError(t, err)

	_, err = engine.Executions.Advance(ctx, execution.ID)

	var missing *services.MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.True(t, services.IsMissingDependency(err))
	assert.Equal(t, 0, missing.Position)

	slots := make([]string, 0, len(missing.Missing))
	for _, m := range missing.Missing {
		slots = append(slots, m.Slot)
	}

	assert.ElementsMatch(t, []string{snapshot.EntitySetSlot, snapshot.RecordSlot("logp")}, slots)

	stored, err := engine.Executions.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, stored.Status)
	assert.Empty(t, stored.StepExecutionIDs)
}

func TestExecutions_InitialInputs(t *testing.T) {
	engine, _ := testutil.NewEngine(t)
	ctx := context.Background()

	molecules, err := engine.Molecules.RegisterAll(ctx, []protocol.EntityDescriptor{
		{InChIKey: "CCC333", SMILES: "CCN"},
		{InChIKey: "EEE555", SMILES: "CCCl"},
	})
	require.NoError(t, err)

	set, err := engine.Molecules.CreateSet(ctx, "seed", []string{molecules[0].ID, molecules[1].ID})
	require.NoError(t, err)

	workflow, err := engine.Workflows.Create(ctx, "logP over a set", "", []models.StepDefinition{
		testutil.ComputeStep("logp", "logp"),
		testutil.FilterStep("filter", "logp", testutil.WithParameters(map[string]any{"min": 1.0})),
	})
	require.NoError(t, err)

	execution, err := engine.Executions.Start(ctx, workflow.ID, models.ExecutionInputs{MoleculeSetID: set.ID})
	require.NoError(t, err)

	for range 2 {
		execution, err = engine.Executions.Advance(ctx, execution.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	filtered, err := engine.Steps.StepExecution(ctx, execution.StepExecutionAt(1))
	require.NoError(t, err)

	kept, err := engine.Molecules.GetSet(ctx, filtered.Results.First(snapshot.EntitySetSlot))
	require.NoError(t, err)
	assert.Equal(t, []string{molecules[1].ID}, kept.MoleculeIDs)
}

func TestExecutions_StartValidation(t *testing.T) {
	s := newScreening(t)
	ctx := context.Background()

	molecule, err := s.engine.Molecules.Register(ctx, protocol.EntityDescriptor{InChIKey: "AAA111"})
	require.NoError(t, err)

	record, err := s.engine.Records.Create(ctx, services.CreateRecordRequest{
		MoleculeID: molecule.ID,
		Property:   "logp",
		NativeType: models.NativeTypeNumeric,
		Value:      1.2,
	})
	require.NoError(t, err)

	_, err = s.engine.Executions.Start(ctx, s.workflow.ID, models.ExecutionInputs{RecordIDs: []string{record.ID}})
	require.ErrorIs(t, err, services.ErrValidation)

	_, err = s.engine.Executions.Start(ctx, s.workflow.ID, models.ExecutionInputs{
		StepParameters: map[string]map[string]any{"unknown": {"x": 1}},
	})
	require.ErrorIs(t, err, services.ErrValidation)

	_, err = s.engine.Workflows.Archive(ctx, s.workflow.ID)
	require.NoError(t, err)

	_, err = s.engine.Executions.Start(ctx, s.workflow.ID, models.ExecutionInputs{})
	require.ErrorIs(t, err, services.ErrValidation)
}

func TestExecutions_RewindReusesCompletedSteps(t *testing.T) {
	s := newScreening(t)
	ctx := context.Background()

	execution := s.run(t)
	before := s.stepExecution(t, execution, 1)

	rewound, err := s.engine.Executions.Rewind(ctx, execution.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, rewound.Status)
	assert.Equal(t, 1, rewound.CurrentStepIndex)
	assert.Nil(t, rewound.FinishedAt)

	execution = s.advanceAll(t, execution.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	after := s.stepExecution(t, execution, 1)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Fingerprint, after.Fingerprint)
	assert.Equal(t, before.InputSnapshot, after.InputSnapshot)

	events, err := s.engine.Executions.Timeline(ctx, execution.ID)
	require.NoError(t, err)

	types := eventTypes(events)
	assert.Contains(t, types, models.EventRewind)
	assert.Equal(t, models.EventStepReused, types[len(types)-3])
	assert.Equal(t, models.EventStepReused, types[len(types)-2])
	assert.Equal(t, models.EventExecutionCompleted, types[len(types)-1])

	_, err = s.engine.Executions.Rewind(ctx, execution.ID, 3)
	require.ErrorIs(t, err, services.ErrValidation)

	_, err = s.engine.Executions.Rewind(ctx, execution.ID, -1)
	require.ErrorIs(t, err, services.ErrValidation)
}

func TestExecutions_FailureAndRetry(t *testing.T) {
	flaky := &flakyProvider{}
	flaky.failing.Store(true)

	engine, _ := testutil.NewEngine(t, withProvider(flaky))
	ctx := context.Background()

	workflow, err := engine.Workflows.Create(ctx, "flaky scoring", "", []models.StepDefinition{
		testutil.CatalogStep("acquire", "test"),
		testutil.ComputeStep("score", "flaky"),
	})
	require.NoError(t, err)

	execution, err := engine.Executions.Start(ctx, workflow.ID, models.ExecutionInputs{})
	require.NoError(t, err)

	_, err = engine.Executions.Advance(ctx, execution.ID)
	require.NoError(t, err)

	execution, err = engine.Executions.Advance(ctx, execution.ID)

	var failed *services.StepFailedError
	require.ErrorAs(t, err, &failed)
	assert.True(t, services.IsRetryable(err))
	require.NotNil(t, execution)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	require.NotNil(t, execution.Error)
	assert.Equal(t, services.CodeProviderUnavailable, execution.Error.Code)

	failedAttempt, err := engine.Steps.StepExecution(ctx, failed.StepExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, failedAttempt.Status)
	assert.Equal(t, services.CodeProviderUnavailable, failedAttempt.Error.Code)

	_, err = engine.Executions.Advance(ctx, execution.ID)
	require.ErrorIs(t, err, services.ErrExecutionFinished)

	flaky.failing.Store(false)

	execution, err = engine.Executions.Retry(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, execution.Status)
	assert.Equal(t, []string{failedAttempt.ID}, execution.FailedAttemptIDs)

	retry, err := engine.Steps.StepExecution(ctx, execution.StepExecutionAt(1))
	require.NoError(t, err)
	assert.NotEqual(t, failedAttempt.ID, retry.ID)
	assert.Equal(t, models.StepStatusPending, retry.Status)
	assert.Equal(t, failedAttempt.Fingerprint, retry.Fingerprint)

	execution, err = engine.Executions.Advance(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	_, err = engine.Executions.Retry(ctx, execution.ID)
	require.ErrorIs(t, err, services.ErrExecutionNotFailed)
	assert.True(t, services.IsConflictError(err))

	progress, err := engine.Executions.Progress(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.FailedAttempts)
}

func TestExecutions_ProviderTimeoutFailsStep(t *testing.T) {
	slow := &flakyProvider{delay: time.Second}

	engine, _ := testutil.NewEngine(t, withProvider(slow), func(deps *services.Dependencies) {
		deps.Config.ProviderTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()

	workflow, err := engine.Workflows.Create(ctx, "slow scoring", "", []models.StepDefinition{
		testutil.CatalogStep("acquire", "ambit"),
		testutil.ComputeStep("score", "flaky"),
	})
	require.NoError(t, err)

	execution, err := engine.Executions.Start(ctx, workflow.ID, models.ExecutionInputs{})
	require.NoError(t, err)

	_, err = engine.Executions.Advance(ctx, execution.ID)
	require.NoError(t, err)

	started := time.Now()
	execution, err = engine.Executions.Advance(ctx, execution.ID)

	require.ErrorIs(t, err, services.ErrProviderUnavailable)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, services.CodeProviderUnavailable, execution.Error.Code)
}

func TestExecutions_Progress(t *testing.T) {
	s := newScreening(t)
	ctx := context.Background()

	execution := s.start(t)

	progress, err := s.engine.Executions.Progress(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.TotalSteps)
	assert.InDelta(t, 0.0, progress.Fraction, 0.001)
	require.Len(t, progress.Steps, 3)
	assert.Empty(t, progress.Steps[0].StepExecutionID)

	_, err = s.engine.Executions.Advance(ctx, execution.ID)
	require.NoError(t, err)

	progress, err = s.engine.Executions.Progress(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, progress.Status)
	assert.Equal(t, 1, progress.CurrentStepIndex)
	assert.Equal(t, models.StepStatusCompleted, progress.Steps[0].Status)
	assert.InDelta(t, 1.0, progress.Steps[0].Fraction, 0.001)
	assert.False(t, progress.Steps[0].Inherited)
	assert.InDelta(t, 1.0/3.0, progress.Fraction, 0.001)
}

func TestExecutions_AdvanceReady(t *testing.T) {
	s := newScreening(t)
	ctx := context.Background()

	first := s.start(t)
	second := s.start(t)

	for range 3 {
		advanced, err := s.engine.Executions.AdvanceReady(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, advanced)
	}

	advanced, err := s.engine.Executions.AdvanceReady(ctx)
	require.NoError(t, err)
	assert.Zero(t, advanced)

	for _, id := range []string{first.ID, second.ID} {
		execution, err := s.engine.Executions.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	}

	completed, err := s.engine.Executions.List(ctx, models.ExecutionStatusCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}

func TestExecutions_NotFound(t *testing.T) {
	engine, _ := testutil.NewEngine(t)

	_, err := engine.Executions.Advance(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, errors.Is(err, services.ErrExecutionFinished))
}
