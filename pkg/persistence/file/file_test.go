package file

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersistence(t *testing.T) persistence.Persistence {
	t.Helper()

	return NewPersistence("file://" + t.TempDir())
}

func newTestRecord(t *testing.T, moleculeID string, value float64) *models.DataRecord {
	t.Helper()

	record, err := models.NewDataRecord(moleculeID, "logp", models.NativeTypeNumeric, value, models.RecordSourceComputed)
	require.NoError(t, err)

	record.SourceName = "logp"
	record.SourceVersion = "1.0"

	return record
}

func TestPersistence_HealthCheck(t *testing.T) {
	p := newTestPersistence(t)
	require.NoError(t, p.HealthCheck(context.Background()))

	missing := NewPersistence("/path/that/does/not/exist/cadmaflow")
	assert.Error(t, missing.HealthCheck(context.Background()))
}

func TestMoleculeRepository(t *testing.T) {
	ctx := context.Background()
	repo := newTestPersistence(t).MoleculeRepository()

	ethanol, err := models.NewMolecule("LFQSCWFLJHTTHZ-UHFFFAOYSA-N", "CCO", "ethanol")
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, ethanol))

	benzene, err := models.NewMolecule("UHOVQNZJYSORNB-UHFFFAOYSA-N", "C1=CC=CC=C1", "benzene")
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, benzene))

	t.Run("get by inchikey", func(t *testing.T) {
		found, err := repo.GetByInChIKey(ctx, ethanol.InChIKey)
		require.NoError(t, err)
		assert.Equal(t, ethanol.ID, found.ID)
	})

	t.Run("get many keeps order", func(t *testing.T) {
		molecules, err := repo.GetMany(ctx, []string{benzene.ID, ethanol.ID})
		require.NoError(t, err)
		require.Len(t, molecules, 2)
		assert.Equal(t, "benzene", molecules[0].CommonName)
		assert.Equal(t, "ethanol", molecules[1].CommonName)
	})

	t.Run("duplicate inchikey is rejected", func(t *testing.T) {
		duplicate, err := models.NewMolecule(ethanol.InChIKey, "OCC", "")
		require.NoError(t, err)

		err = repo.Save(ctx, duplicate)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("archived molecules are hidden by default", func(t *testing.T) {
		benzene.Archive(time.Now().UTC())
		require.NoError(t, repo.Save(ctx, benzene))

		active, err := repo.List(ctx, false)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, ethanol.ID, active[0].ID)

		all, err := repo.List(ctx, true)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("missing molecule", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "missing")
		assert.True(t, persistence.IsNotFound(err))
	})

	t.Run("molecule sets", func(t *testing.T) {
		set, err := models.NewMoleculeSet("solvents", []string{ethanol.ID, benzene.ID})
		require.NoError(t, err)
		require.NoError(t, repo.SaveSet(ctx, set))

		found, err := repo.GetSet(ctx, set.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{ethanol.ID, benzene.ID}, found.MoleculeIDs)

		_, err = repo.GetSet(ctx, "missing")
		assert.ErrorIs(t, err, persistence.ErrMoleculeSetNotFound)
	})
}

func TestRecordRepository_FreezeDiscipline(t *testing.T) {
	ctx := context.Background()
	repo := newTestPersistence(t).RecordRepository()
	now := time.Now().UTC()

	record := newTestRecord(t, "mol-1", 1.5)
	require.NoError(t, repo.Save(ctx, record))

	frozen, err := repo.Freeze(ctx, record.ID, "alice", now)
	require.NoError(t, err)
	assert.True(t, frozen.IsFrozen)
	assert.Equal(t, "alice", frozen.FrozenBy)

	t.Run("freezing again by the same actor is a no-op", func(t *testing.T) {
		again, err := repo.Freeze(ctx, record.ID, "alice", now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, frozen.FrozenAt.Unix(), again.FrozenAt.Unix())
	})

	t.Run("another actor cannot refreeze", func(t *testing.T) {
		_, err := repo.Freeze(ctx, record.ID, "bob", now)
		require.ErrorIs(t, err, models.ErrImmutable)

		stored, err := repo.GetByID(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", stored.FrozenBy)
	})

	t.Run("value of a frozen record cannot change", func(t *testing.T) {
		tampered := record.Clone()
		tampered.IsFrozen = false
		tampered.Value = []byte("9.9")

		err := repo.Save(ctx, tampered)
		require.ErrorIs(t, err, models.ErrImmutable)

		stored, err := repo.GetByID(ctx, record.ID)
		require.NoError(t, err)
		assert.JSONEq(t, "1.5", string(stored.Value))
	})

	t.Run("approval is allowed on a frozen record", func(t *testing.T) {
		stored, err := repo.GetByID(ctx, record.ID)
		require.NoError(t, err)

		stored.Approve("carol")
		require.NoError(t, repo.Save(ctx, stored))

		approved, err := repo.GetByID(ctx, record.ID)
		require.NoError(t, err)
		assert.True(t, approved.Approved)
		assert.True(t, approved.IsFrozen)
	})

	t.Run("saving a record as frozen bypasses nothing", func(t *testing.T) {
		sneaky := newTestRecord(t, "mol-2", 3)
		sneaky.IsFrozen = true

		err := repo.Save(ctx, sneaky)
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestRecordRepository_CommitBatch(t *testing.T) {
	ctx := context.Background()
	repo := newTestPersistence(t).RecordRepository()
	now := time.Now().UTC()

	t.Run("stores and freezes every record", func(t *testing.T) {
		batch := []*models.DataRecord{newTestRecord(t, "mol-1", 1), newTestRecord(t, "mol-2", 2)}

		require.NoError(t, repo.CommitBatch(ctx, batch, "engine", now))

		for _, record := range batch {
			assert.True(t, record.IsFrozen)

			stored, err := repo.GetByID(ctx, record.ID)
			require.NoError(t, err)
			assert.True(t, stored.IsFrozen)
			assert.Equal(t, "engine", stored.FrozenBy)
		}
	})

	t.Run("a rejected record leaves the store untouched", func(t *testing.T) {
		existing := newTestRecord(t, "mol-3", 3)
		require.NoError(t, repo.CommitBatch(ctx, []*models.DataRecord{existing}, "engine", now))

		conflicting := existing.Clone()
		conflicting.Value = []byte("4")
		fresh := newTestRecord(t, "mol-4", 4)

		err := repo.CommitBatch(ctx, []*models.DataRecord{fresh, conflicting}, "engine", now)
		require.ErrorIs(t, err, models.ErrImmutable)

		_, err = repo.GetByID(ctx, fresh.ID)
		assert.True(t, persistence.IsRecordNotFound(err))
		assert.False(t, fresh.IsFrozen)
	})

	t.Run("invalid values abort the batch", func(t *testing.T) {
		good := newTestRecord(t, "mol-5", 5)
		bad := newTestRecord(t, "mol-6", 6)
		bad.Value = []byte(`"not a number"`)

		err := repo.CommitBatch(ctx, []*models.DataRecord{good, bad}, "engine", now)
		require.ErrorIs(t, err, models.ErrTypeMismatch)

		_, err = repo.GetByID(ctx, good.ID)
		assert.True(t, persistence.IsRecordNotFound(err))
	})
}

func TestRecordRepository_Find(t *testing.T) {
	ctx := context.Background()
	repo := newTestPersistence(t).RecordRepository()

	computed := newTestRecord(t, "mol-1", 1)
	computed.ParametersHash = "abc"
	require.NoError(t, repo.CommitBatch(ctx, []*models.DataRecord{computed}, "engine", time.Now()))

	draft := newTestRecord(t, "mol-2", 2)
	draft.ParametersHash = "abc"
	require.NoError(t, repo.Save(ctx, draft))

	records, err := repo.Find(ctx, persistence.RecordFilter{Property: "logp", ParametersHash: "abc"})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = repo.Find(ctx, persistence.RecordFilter{Property: "logp", FrozenOnly: true})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, computed.ID, records[0].ID)

	records, err = repo.Find(ctx, persistence.RecordFilter{MoleculeIDs: []string{"mol-2"}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, draft.ID, records[0].ID)
}

func TestWorkflowRepository_NextBranchNumber(t *testing.T) {
	ctx := context.Background()
	repo := newTestPersistence(t).WorkflowRepository()

	const workers = 20

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[int]bool{}
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			n, err := repo.NextBranchNumber(ctx, "root-1")
			assert.NoError(t, err)

			mu.Lock()
			numbers[n] = true
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, numbers, workers)

	for i := 1; i <= workers; i++ {
		assert.True(t, numbers[i], "missing branch number %d", i)
	}

	n, err := repo.NextBranchNumber(ctx, "root-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWorkflowRepository_SaveAndList(t *testing.T) {
	ctx := context.Background()
	repo := newTestPersistence(t).WorkflowRepository()

	workflow, err := models.NewWorkflow("screening", "", []models.StepDefinition{{Name: "acquire", Type: "acquire_molecules"}})
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, workflow))

	found, err := repo.GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, "screening", found.Name)
	assert.Len(t, found.Steps, 1)

	workflows, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, workflows, 1)

	_, err = repo.GetByID(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, persistence.ErrInvalidID)

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestExecutionRepository_ListByStatus(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)
	repo := p.ExecutionRepository()

	workflow, err := models.NewWorkflow("screening", "", []models.StepDefinition{{Name: "acquire", Type: "acquire_molecules"}})
	require.NoError(t, err)

	running, err := models.NewWorkflowExecution(workflow, models.ExecutionInputs{})
	require.NoError(t, err)
	running.Status = models.ExecutionStatusRunning
	require.NoError(t, repo.Save(ctx, running))

	done, err := models.NewWorkflowExecution(workflow, models.ExecutionInputs{})
	require.NoError(t, err)
	done.Finish(models.ExecutionStatusCompleted, nil, time.Now())
	require.NoError(t, repo.Save(ctx, done))

	active, err := repo.ListByStatus(ctx, models.ExecutionStatusRunning, models.ExecutionStatusPending)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, running.ID, active[0].ID)

	all, err := repo.ListByRootWorkflow(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stepExecution := &models.StepExecution{ID: "se-1", WorkflowExecutionID: running.ID, Status: models.StepStatusPending}
	require.NoError(t, p.StepExecutionRepository().Save(ctx, stepExecution))

	stepExecutions, err := p.StepExecutionRepository().GetMany(ctx, []string{"se-1"})
	require.NoError(t, err)
	require.Len(t, stepExecutions, 1)
	assert.Equal(t, running.ID, stepExecutions[0].WorkflowExecutionID)

	_, err = p.StepExecutionRepository().GetByID(ctx, "se-2")
	assert.ErrorIs(t, err, persistence.ErrStepExecutionNotFound)
}

func TestBranchMarkerRepository_Claim(t *testing.T) {
	ctx := context.Background()
	repo := newTestPersistence(t).BranchMarkerRepository()

	const contenders = 10

	var (
		wg      sync.WaitGroup
		winners = make(chan string, contenders)
		results = make(chan string, contenders)
	)

	for i := range contenders {
		wg.Add(1)

		go func() {
			defer wg.Done()

			marker := &models.BranchMarker{
				SourceExecutionID:     "exec-1",
				SourceStepExecutionID: "se-1",
				Fingerprint:           "f00d",
				ResultExecutionID:     "exec-" + string(rune('a'+i)),
			}

			stored, claimed, err := repo.Claim(ctx, marker)
			assert.NoError(t, err)

			if claimed {
				winners <- marker.ResultExecutionID
			}

			results <- stored.ResultExecutionID
		}()
	}

	wg.Wait()
	close(winners)
	close(results)

	require.Len(t, winners, 1)
	winner := <-winners

	for result := range results {
		assert.Equal(t, winner, result)
	}

	_, claimed, err := repo.Claim(ctx, &models.BranchMarker{
		SourceExecutionID: "exec-2", SourceStepExecutionID: "se-1", Fingerprint: "f00d", ResultExecutionID: "exec-y",
	})
	require.NoError(t, err)
	assert.True(t, claimed, "another execution sharing the step execution claims its own branch")

	require.NoError(t, repo.Release(ctx, &models.BranchMarker{SourceExecutionID: "exec-1", SourceStepExecutionID: "se-1", Fingerprint: "f00d"}))

	_, claimed, err = repo.Claim(ctx, &models.BranchMarker{
		SourceExecutionID: "exec-1", SourceStepExecutionID: "se-1", Fingerprint: "f00d", ResultExecutionID: "exec-z",
	})
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestEventRepository_Timeline(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)
	start := time.Now().UTC()

	events := []*models.WorkflowEvent{
		{ID: "e2", ExecutionID: "exec-1", Type: models.EventStepCompleted, CreatedAt: start.Add(time.Second)},
		{ID: "e1", ExecutionID: "exec-1", Type: models.EventExecutionStarted, CreatedAt: start},
		{ID: "e3", ExecutionID: "exec-2", Type: models.EventExecutionStarted, CreatedAt: start},
	}

	for _, event := range events {
		require.NoError(t, p.EventRepository().Append(ctx, event))
	}

	timeline, err := p.EventRepository().ListByExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, models.EventExecutionStarted, timeline[0].Type)
	assert.Equal(t, models.EventStepCompleted, timeline[1].Type)

	empty, err := p.EventRepository().ListByExecution(ctx, "exec-3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestProviderRunRepository(t *testing.T) {
	ctx := context.Background()
	repo := newTestPersistence(t).ProviderRunRepository()

	run, err := models.NewProviderRun("logp", models.ProviderKindProperty, "1.0", map[string]any{"precision": 2})
	require.NoError(t, err)
	run.Finish(nil)
	require.NoError(t, repo.Save(ctx, run))

	found, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderRunStatusCompleted, found.Status)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrProviderRunNotFound)
}

func TestSelectionRepository(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	first := newTestRecord(t, "mol-1", 1.2)
	second := newTestRecord(t, "mol-1", 1.5)
	other := newTestRecord(t, "mol-2", 0.4)

	selection, err := models.NewDataSelection("exec-1", first, "alice")
	require.NoError(t, err)

	created, err := p.SelectionRepository().Save(ctx, selection)
	require.NoError(t, err)
	assert.True(t, created)

	replacement, err := models.NewDataSelection("exec-1", second, "bob")
	require.NoError(t, err)

	created, err = p.SelectionRepository().Save(ctx, replacement)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, selection.ID, replacement.ID, "a replaced selection keeps its identity")

	elsewhere, err := models.NewDataSelection("exec-2", other, "")
	require.NoError(t, err)

	_, err = p.SelectionRepository().Save(ctx, elsewhere)
	require.NoError(t, err)

	loaded, err := p.SelectionRepository().Get(ctx, "exec-1", "mol-1", "logp")
	require.NoError(t, err)
	assert.Equal(t, second.ID, loaded.RecordID)

	_, err = p.SelectionRepository().Get(ctx, "exec-1", "mol-2", "logp")
	require.ErrorIs(t, err, persistence.ErrSelectionNotFound)
	assert.True(t, persistence.IsNotFound(err))

	selections, err := p.SelectionRepository().ListByExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, selections, 1)
	assert.Equal(t, second.ID, selections[0].RecordID)
}
