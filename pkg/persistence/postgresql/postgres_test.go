package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/persistence/postgresql"
	"github.com/dukex/cadmaflow/pkg/snapshot"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

var tables = []string{
	"data_selections", "provider_runs", "workflow_events", "branch_markers", "step_executions", "workflow_executions",
	"branch_counters", "workflows", "data_records", "molecule_sets", "molecules", "schema_migrations",
}

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range tables {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("cadmaflow_test"),
			postgres.WithUsername("cadmaflow"),
			postgres.WithPassword("cadmaflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func newRecord(t *testing.T, moleculeID string, value float64) *models.DataRecord {
	t.Helper()

	record, err := models.NewDataRecord(moleculeID, "logp", models.NativeTypeNumeric, value, models.RecordSourceComputed)
	require.NoError(t, err)

	record.SourceName = "logp"
	record.SourceVersion = "1.0"
	record.ParametersHash = "hash"

	return record
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range tables {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestMoleculeRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.MoleculeRepository()

	ethanol, err := models.NewMolecule("LFQSCWFLJHTTHZ-UHFFFAOYSA-N", "CCO", "ethanol")
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, ethanol))

	found, err := repo.GetByInChIKey(ctx, ethanol.InChIKey)
	require.NoError(t, err)
	assert.Equal(t, ethanol.ID, found.ID)
	assert.Equal(t, "CCO", found.SMILES)

	duplicate, err := models.NewMolecule(ethanol.InChIKey, "OCC", "")
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Save(ctx, duplicate), models.ErrValidation)

	renamed := *ethanol
	renamed.InChIKey = "CHANGED"
	assert.ErrorIs(t, repo.Save(ctx, &renamed), models.ErrImmutable)

	set, err := models.NewMoleculeSet("solvents", []string{ethanol.ID})
	require.NoError(t, err)
	require.NoError(t, repo.SaveSet(ctx, set))

	loaded, err := repo.GetSet(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{ethanol.ID}, loaded.MoleculeIDs)

	_, err = repo.GetByID(ctx, uuid.NewString())
	assert.True(t, persistence.IsNotFound(err))
}

func TestRecordRepository_FreezeDiscipline(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.RecordRepository()
	now := time.Now().UTC()

	record := newRecord(t, "mol-1", 1.25)
	require.NoError(t, repo.Save(ctx, record))

	frozen, err := repo.Freeze(ctx, record.ID, "alice", now)
	require.NoError(t, err)
	assert.True(t, frozen.IsFrozen)

	_, err = repo.Freeze(ctx, record.ID, "bob", now)
	require.ErrorIs(t, err, models.ErrImmutable)

	tampered := frozen.Clone()
	tampered.Value = []byte("7")
	require.ErrorIs(t, repo.Save(ctx, tampered), models.ErrImmutable)

	stored, err := repo.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.25", string(stored.Value))
	assert.Equal(t, "alice", stored.FrozenBy)

	t.Run("batch is atomic", func(t *testing.T) {
		fresh := newRecord(t, "mol-2", 2)
		conflicting := stored.Clone()
		conflicting.Value = []byte("3")

		err := repo.CommitBatch(ctx, []*models.DataRecord{fresh, conflicting}, "engine", now)
		require.ErrorIs(t, err, models.ErrImmutable)

		_, err = repo.GetByID(ctx, fresh.ID)
		assert.True(t, persistence.IsRecordNotFound(err))

		require.NoError(t, repo.CommitBatch(ctx, []*models.DataRecord{fresh, stored}, "engine", now))
		assert.True(t, fresh.IsFrozen)

		records, err := repo.Find(ctx, persistence.RecordFilter{
			Property: "logp", SourceName: "logp", SourceVersion: "1.0", ParametersHash: "hash", FrozenOnly: true,
		})
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}

func TestWorkflowAndExecutionRepositories(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	workflow, err := models.NewWorkflow("screening", "logp screening", []models.StepDefinition{
		{Name: "acquire", Type: "acquire_molecules", Parameters: map[string]any{"provider": "catalog"}},
		{Name: "logp", Type: "compute_property", AllowsBranching: true},
	})
	require.NoError(t, err)
	require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

	loaded, err := p.WorkflowRepository().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Steps, 2)
	assert.True(t, loaded.Steps[1].AllowsBranching)
	assert.Equal(t, "catalog", loaded.Steps[0].Parameters["provider"])

	execution, err := models.NewWorkflowExecution(workflow, models.ExecutionInputs{MoleculeSetID: "set-1"})
	require.NoError(t, err)
	execution.Status = models.ExecutionStatusRunning
	execution.SetStepExecution(0, "se-1")
	require.NoError(t, p.ExecutionRepository().Save(ctx, execution))

	running, err := p.ExecutionRepository().ListByStatus(ctx, models.ExecutionStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, []string{"se-1"}, running[0].StepExecutionIDs)
	assert.Equal(t, "set-1", running[0].Inputs.MoleculeSetID)

	inputs := snapshot.New()
	inputs.Set(snapshot.EntitySetSlot, "set-1")

	stepExecution := &models.StepExecution{
		ID:                  "se-1",
		WorkflowExecutionID: execution.ID,
		StepName:            "acquire",
		StepType:            "acquire_molecules",
		Status:              models.StepStatusPending,
		CreatedAt:           time.Now().UTC(),
	}
	require.NoError(t, stepExecution.CaptureInputs(inputs))
	require.NoError(t, p.StepExecutionRepository().Save(ctx, stepExecution))

	overwritten := *stepExecution
	overwritten.InputSnapshot = snapshot.New()
	overwritten.Fingerprint = "other"
	require.NoError(t, p.StepExecutionRepository().Save(ctx, &overwritten))

	stored, err := p.StepExecutionRepository().GetByID(ctx, "se-1")
	require.NoError(t, err)
	assert.Equal(t, stepExecution.Fingerprint, stored.Fingerprint)
	assert.Equal(t, []string{"set-1"}, stored.InputSnapshot.Get(snapshot.EntitySetSlot))
}

func TestConcurrentClaimsAndCounters(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	const contenders = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claims  int
		numbers = map[int]bool{}
	)

	for range contenders {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, claimed, err := p.BranchMarkerRepository().Claim(ctx, &models.BranchMarker{
				SourceExecutionID:     "exec-1",
				SourceStepExecutionID: "se-1",
				Fingerprint:           "abc",
				ResultExecutionID:     uuid.NewString(),
				ResultStepExecutionID: uuid.NewString(),
				CreatedAt:             time.Now().UTC(),
			})
			assert.NoError(t, err)

			n, err := p.WorkflowRepository().NextBranchNumber(ctx, "root")
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()

			if claimed {
				claims++
			}

			numbers[n] = true
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, claims)
	assert.Len(t, numbers, contenders)

	other := &models.BranchMarker{
		SourceExecutionID:     "exec-2",
		SourceStepExecutionID: "se-1",
		Fingerprint:           "abc",
		ResultExecutionID:     uuid.NewString(),
		ResultStepExecutionID: uuid.NewString(),
		CreatedAt:             time.Now().UTC(),
	}

	stored, claimed, err := p.BranchMarkerRepository().Claim(ctx, other)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, other.ResultExecutionID, stored.ResultExecutionID)

	require.NoError(t, p.BranchMarkerRepository().Release(ctx, other))

	_, claimed, err = p.BranchMarkerRepository().Claim(ctx, other)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimWhileWinnersRelease(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.BranchMarkerRepository()

	const (
		contenders = 8
		rounds     = 25
	)

	var wg sync.WaitGroup

	for range contenders {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range rounds {
				marker := &models.BranchMarker{
					SourceExecutionID:     "exec-1",
					SourceStepExecutionID: "se-1",
					Fingerprint:           "churn",
					ResultExecutionID:     uuid.NewString(),
					ResultStepExecutionID: uuid.NewString(),
					CreatedAt:             time.Now().UTC(),
				}

				stored, claimed, err := repo.Claim(ctx, marker)
				if !assert.NoError(t, err) {
					return
				}

				assert.NotEmpty(t, stored.ResultExecutionID)

				if claimed {
					assert.NoError(t, repo.Release(ctx, marker))
				}
			}
		}()
	}

	wg.Wait()
}

func TestEventsAndProviderRuns(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	start := time.Now().UTC()

	require.NoError(t, p.EventRepository().Append(ctx, &models.WorkflowEvent{
		ID: "e2", ExecutionID: "exec-1", Type: models.EventStepCompleted, CreatedAt: start.Add(time.Second),
		Details: map[string]any{"position": 0},
	}))
	require.NoError(t, p.EventRepository().Append(ctx, &models.WorkflowEvent{
		ID: "e1", ExecutionID: "exec-1", Type: models.EventExecutionStarted, CreatedAt: start,
	}))

	events, err := p.EventRepository().ListByExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.InDelta(t, 0, events[1].Details["position"], 0)

	run, err := models.NewProviderRun("logp", models.ProviderKindProperty, "1.0", map[string]any{"precision": 2})
	require.NoError(t, err)
	require.NoError(t, p.ProviderRunRepository().Save(ctx, run))

	run.Produced = 3
	run.Finish(nil)
	require.NoError(t, p.ProviderRunRepository().Save(ctx, run))

	loaded, err := p.ProviderRunRepository().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderRunStatusCompleted, loaded.Status)
	assert.Equal(t, 3, loaded.Produced)
}

func TestSelectionRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	record := newRecord(t, "mol-1", 1.2)
	record.ID = "rec-1"

	selection, err := models.NewDataSelection("exec-1", record, "alice")
	require.NoError(t, err)

	created, err := p.SelectionRepository().Save(ctx, selection)
	require.NoError(t, err)
	assert.True(t, created)

	record.ID = "rec-2"

	replacement, err := models.NewDataSelection("exec-1", record, "bob")
	require.NoError(t, err)

	created, err = p.SelectionRepository().Save(ctx, replacement)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, selection.ID, replacement.ID)

	loaded, err := p.SelectionRepository().Get(ctx, "exec-1", "mol-1", "logp")
	require.NoError(t, err)
	assert.Equal(t, "rec-2", loaded.RecordID)
	assert.Equal(t, "bob", loaded.SelectedBy)

	_, err = p.SelectionRepository().Get(ctx, "exec-2", "mol-1", "logp")
	require.ErrorIs(t, err, persistence.ErrSelectionNotFound)

	selections, err := p.SelectionRepository().ListByExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, selections, 1)
	assert.Equal(t, "rec-2", selections[0].RecordID)
}
