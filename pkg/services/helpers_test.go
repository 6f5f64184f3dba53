package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/services"
	"github.com/dukex/cadmaflow/pkg/snapshot"
	"github.com/dukex/cadmaflow/pkg/testutil"
	"github.com/stretchr/testify/require"
)

// screening is an engine with the acquire, logP and filter workflow stored.
type screening struct {
	engine      *services.Engine
	persistence persistence.Persistence
	workflow    *models.Workflow
}

func screeningSteps() []models.StepDefinition {
	return []models.StepDefinition{
		testutil.CatalogStep("acquire", "user"),
		testutil.ComputeStep("logp", "logp", testutil.AllowBranching()),
		testutil.FilterStep("filter", "logp", testutil.WithParameters(map[string]any{"max": 2.0})),
	}
}

func newScreening(t *testing.T, overrides ...func(*services.Dependencies)) *screening {
	t.Helper()

	engine, p := testutil.NewEngine(t, overrides...)

	workflow, err := engine.Workflows.Create(context.Background(), "logP screening", "acquire, compute and filter", screeningSteps())
	require.NoError(t, err)

	return &screening{engine: engine, persistence: p, workflow: workflow}
}

func (s *screening) start(t *testing.T) *models.WorkflowExecution {
	t.Helper()

	execution, err := s.engine.Executions.Start(context.Background(), s.workflow.ID, models.ExecutionInputs{})
	require.NoError(t, err)

	return execution
}

// run starts an execution and advances it to completion.
func (s *screening) run(t *testing.T) *models.WorkflowExecution {
	t.Helper()

	execution := s.start(t)

	return s.advanceAll(t, execution.ID)
}

func (s *screening) advanceAll(t *testing.T, id string) *models.WorkflowExecution {
	t.Helper()

	for {
		execution, err := s.engine.Executions.Advance(context.Background(), id)
		require.NoError(t, err)

		if execution.Status.IsTerminal() {
			return execution
		}
	}
}

func (s *screening) stepExecution(t *testing.T, execution *models.WorkflowExecution, position int) *models.StepExecution {
	t.Helper()

	stepExecution, err := s.engine.Steps.StepExecution(context.Background(), execution.StepExecutionAt(position))
	require.NoError(t, err)

	return stepExecution
}

func (s *screening) records(t *testing.T, stepExecution *models.StepExecution, property string) []*models.DataRecord {
	t.Helper()

	ids := stepExecution.Results.Get(snapshot.RecordSlot(property))

	records, err := s.persistence.RecordRepository().GetMany(context.Background(), ids)
	require.NoError(t, err)

	return records
}

func (s *screening) executions(t *testing.T) []*models.WorkflowExecution {
	t.Helper()

	executions, err := s.persistence.ExecutionRepository().ListByRootWorkflow(context.Background(), s.workflow.ID)
	require.NoError(t, err)

	return executions
}

func eventTypes(events []*models.WorkflowEvent) []models.WorkflowEventType {
	types := make([]models.WorkflowEventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}

	return types
}

var errInjected = errors.New("injected write failure")

// faultyPersistence fails the execution and step execution saves its
// predicates match, and remembers what the engine tried to store.
type faultyPersistence struct {
	persistence.Persistence

	mu            sync.Mutex
	failExecution func(*models.WorkflowExecution) bool
	failStep      func(*models.StepExecution) bool
	steps         []string
	sets          []string
}

func withFaults(f *faultyPersistence) func(*services.Dependencies) {
	return func(deps *services.Dependencies) {
		f.Persistence = deps.Persistence
		deps.Persistence = f
	}
}

func (f *faultyPersistence) failExecutionsWhere(fn func(*models.WorkflowExecution) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failExecution = fn
}

func (f *faultyPersistence) failStepsWhere(fn func(*models.StepExecution) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failStep = fn
}

func (f *faultyPersistence) savedSteps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.steps...)
}

func (f *faultyPersistence) savedSets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.sets...)
}

func (f *faultyPersistence) ExecutionRepository() persistence.ExecutionRepository {
	return &faultyExecutions{ExecutionRepository: f.Persistence.ExecutionRepository(), faults: f}
}

func (f *faultyPersistence) StepExecutionRepository() persistence.StepExecutionRepository {
	return &faultySteps{StepExecutionRepository: f.Persistence.StepExecutionRepository(), faults: f}
}

func (f *faultyPersistence) MoleculeRepository() persistence.MoleculeRepository {
	return &recordingMolecules{MoleculeRepository: f.Persistence.MoleculeRepository(), faults: f}
}

type faultyExecutions struct {
	persistence.ExecutionRepository

	faults *faultyPersistence
}

func (r *faultyExecutions) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	r.faults.mu.Lock()
	fail := r.faults.failExecution != nil && r.faults.failExecution(execution)
	r.faults.mu.Unlock()

	if fail {
		return errInjected
	}

	return r.ExecutionRepository.Save(ctx, execution)
}

type faultySteps struct {
	persistence.StepExecutionRepository

	faults *faultyPersistence
}

func (r *faultySteps) Save(ctx context.Context, stepExecution *models.StepExecution) error {
	r.faults.mu.Lock()
	r.faults.steps = append(r.faults.steps, stepExecution.ID)
	fail := r.faults.failStep != nil && r.faults.failStep(stepExecution)
	r.faults.mu.Unlock()

	if fail {
		return errInjected
	}

	return r.StepExecutionRepository.Save(ctx, stepExecution)
}

type recordingMolecules struct {
	persistence.MoleculeRepository

	faults *faultyPersistence
}

func (r *recordingMolecules) SaveSet(ctx context.Context, set *models.MoleculeSet) error {
	r.faults.mu.Lock()
	r.faults.sets = append(r.faults.sets, set.ID)
	r.faults.mu.Unlock()

	return r.MoleculeRepository.SaveSet(ctx, set)
}
