package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/providers/properties"
	"github.com/dukex/cadmaflow/pkg/registry"
	"github.com/dukex/cadmaflow/pkg/services"
	"github.com/dukex/cadmaflow/pkg/testutil"
	"github.com/dukex/cadmaflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T, overrides ...func(*services.Dependencies)) *fiber.App {
	t.Helper()

	engine, _ := testutil.NewEngine(t, overrides...)
	handlers := web.NewAPIHandlers(engine, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	handlers.Register(app)

	return app
}

func call(t *testing.T, app *fiber.App, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()

	var value T
	require.NoError(t, json.Unmarshal(data, &value), string(data))

	return value
}

func screeningRequest() web.CreateWorkflowRequest {
	return web.CreateWorkflowRequest{
		Name:        "logP screening",
		Description: "acquire, compute and filter",
		Steps: []models.StepDefinition{
			testutil.CatalogStep("acquire", "user"),
			testutil.ComputeStep("logp", "logp", testutil.AllowBranching()),
			testutil.FilterStep("filter", "logp", testutil.WithParameters(map[string]any{"max": 2.0})),
		},
	}
}

func createWorkflow(t *testing.T, app *fiber.App, req web.CreateWorkflowRequest) *models.Workflow {
	t.Helper()

	status, body := call(t, app, http.MethodPost, "/workflows", req)
	require.Equal(t, http.StatusCreated, status, string(body))

	return decode[*models.Workflow](t, body)
}

func startExecution(t *testing.T, app *fiber.App, workflowID string) *models.WorkflowExecution {
	t.Helper()

	status, body := call(t, app, http.MethodPost, "/workflows/"+workflowID+"/executions", nil)
	require.Equal(t, http.StatusCreated, status, string(body))

	return decode[*models.WorkflowExecution](t, body)
}

func advance(t *testing.T, app *fiber.App, executionID string) web.AdvanceResponse {
	t.Helper()

	status, body := call(t, app, http.MethodPost, "/executions/"+executionID+"/advance", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	return decode[web.AdvanceResponse](t, body)
}

func TestAPIHandlers_HealthAndComponents(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	status, body := call(t, app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)

	health := decode[map[string]any](t, body)
	assert.Equal(t, "healthy", health["status"])

	status, body = call(t, app, http.MethodGet, "/components", nil)
	require.Equal(t, http.StatusOK, status)

	components := decode[[]registry.Component](t, body)

	ids := make([]string, 0, len(components))
	for _, component := range components {
		ids = append(ids, component.Kind+"/"+component.ID)
	}

	assert.Contains(t, ids, "step/compute_property")
	assert.Contains(t, ids, "property/logp")
}

func TestAPIHandlers_CreateWorkflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "successful creation",
			requestBody:    screeningRequest(),
			expectedStatus: http.StatusCreated,
		},
		{
			name: "name too short",
			requestBody: web.CreateWorkflowRequest{
				Name:  "ab",
				Steps: screeningRequest().Steps,
			},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "no steps",
			requestBody:    web.CreateWorkflowRequest{Name: "empty workflow"},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name: "unknown step type",
			requestBody: web.CreateWorkflowRequest{
				Name:  "unknown steps",
				Steps: []models.StepDefinition{{Name: "dock", Type: "docking"}},
			},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "invalid JSON",
			requestBody:    "not an object",
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := setupTestApp(t)

			status, body := call(t, app, http.MethodPost, "/workflows", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status, string(body))

			if tt.expectedType != "" {
				problem := decode[map[string]any](t, body)
				assert.Equal(t, tt.expectedType, problem["type"])
				assert.InDelta(t, float64(tt.expectedStatus), problem["status"], 0)
			}
		})
	}
}

func TestAPIHandlers_ExecutionLifecycle(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	workflow := createWorkflow(t, app, screeningRequest())

	status, body := call(t, app, http.MethodGet, "/workflows", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]*models.Workflow](t, body), 1)

	execution := startExecution(t, app, workflow.ID)
	assert.Equal(t, models.ExecutionStatusPending, execution.Status)

	var last web.AdvanceResponse
	for range 3 {
		last = advance(t, app, execution.ID)
		assert.Nil(t, last.StepError)
	}

	assert.Equal(t, models.ExecutionStatusCompleted, last.Execution.Status)
	assert.Equal(t, 3, last.Execution.CurrentStepIndex)
	require.Len(t, last.Execution.StepExecutionIDs, 3)

	status, body = call(t, app, http.MethodPost, "/executions/"+execution.ID+"/advance", nil)
	assert.Equal(t, http.StatusConflict, status, string(body))

	status, body = call(t, app, http.MethodGet, "/executions/"+execution.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, status)

	progress := decode[services.ExecutionProgress](t, body)
	assert.InDelta(t, 1.0, progress.Fraction, 0.0001)
	assert.Equal(t, 3, progress.TotalSteps)

	status, body = call(t, app, http.MethodGet, "/executions/"+execution.ID+"/timeline", nil)
	require.Equal(t, http.StatusOK, status)

	timeline := decode[[]*models.WorkflowEvent](t, body)
	require.NotEmpty(t, timeline)
	assert.Equal(t, models.EventExecutionStarted, timeline[0].Type)

	status, body = call(t, app, http.MethodGet, "/step-executions/"+last.Execution.StepExecutionIDs[1], nil)
	require.Equal(t, http.StatusOK, status)

	stepExecution := decode[*models.StepExecution](t, body)
	assert.Equal(t, models.StepStatusCompleted, stepExecution.Status)
	assert.NotNil(t, stepExecution.DataFrozenAt)

	branch := web.BranchRequest{StepIndex: new(int), Parameters: map[string]any{"algorithm": "v2"}}
	*branch.StepIndex = 1

	status, body = call(t, app, http.MethodPost, "/executions/"+execution.ID+"/branch", branch)
	require.Equal(t, http.StatusCreated, status, string(body))

	created := decode[services.BranchResult](t, body)
	assert.True(t, created.Created)
	assert.Equal(t, "branch-1", created.Execution.BranchLabel)

	status, body = call(t, app, http.MethodPost, "/executions/"+execution.ID+"/branch", branch)
	require.Equal(t, http.StatusOK, status, string(body))

	repeated := decode[services.BranchResult](t, body)
	assert.False(t, repeated.Created)
	assert.Equal(t, created.Execution.ID, repeated.Execution.ID)

	status, body = call(t, app, http.MethodGet, "/workflows/"+workflow.ID+"/branches", nil)
	require.Equal(t, http.StatusOK, status)
	tree := decode[[]*services.BranchNode](t, body)
	require.Len(t, tree, 1)
	assert.Equal(t, execution.ID, tree[0].ID)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, created.Execution.ID, tree[0].Children[0].ID)

	rewind := web.RewindRequest{ToIndex: new(int)}
	*rewind.ToIndex = 1

	status, body = call(t, app, http.MethodPost, "/executions/"+created.Execution.ID+"/rewind", rewind)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, 1, decode[*models.WorkflowExecution](t, body).CurrentStepIndex)
}

func TestAPIHandlers_BranchingErrors(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	workflow := createWorkflow(t, app, screeningRequest())
	execution := startExecution(t, app, workflow.ID)

	for range 3 {
		advance(t, app, execution.ID)
	}

	stepIndex := func(i int) *int { return &i }

	status, body := call(t, app, http.MethodPost, "/executions/"+execution.ID+"/branch",
		web.BranchRequest{StepIndex: stepIndex(2), Parameters: map[string]any{"max": 5.0}})
	assert.Equal(t, http.StatusConflict, status, string(body))

	status, body = call(t, app, http.MethodPost, "/executions/"+execution.ID+"/branch", web.BranchRequest{})
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, body = call(t, app, http.MethodPost, "/executions/"+execution.ID+"/branch",
		web.BranchRequest{StepIndex: stepIndex(9)})
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, _ = call(t, app, http.MethodPost, "/executions/missing/branch",
		web.BranchRequest{StepIndex: stepIndex(1)})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_NotFound(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	for _, path := range []string{
		"/workflows/missing",
		"/executions/missing",
		"/executions/missing/timeline",
		"/step-executions/missing",
		"/provider-runs/missing",
		"/molecules/missing",
		"/molecule-sets/missing",
		"/records/missing",
	} {
		status, body := call(t, app, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, status, path)

		problem := decode[map[string]any](t, body)
		assert.Equal(t, "not_found", problem["type"], path)
		assert.Equal(t, path, problem["instance"], path)
	}
}

func TestAPIHandlers_MissingDependency(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	workflow := createWorkflow(t, app, web.CreateWorkflowRequest{
		Name:  "filter only",
		Steps: []models.StepDefinition{
			testutil.FilterStep("filter", "logp", testutil.WithParameters(map[string]any{"max": 2.0})),
		},
	})

	execution := startExecution(t, app, workflow.ID)

	status, body := call(t, app, http.MethodPost, "/executions/"+execution.ID+"/advance", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status, string(body))

	problem := decode[map[string]any](t, body)
	assert.Equal(t, "missing_dependency", problem["type"])
}

func TestAPIHandlers_ProviderFailureFailsExecution(t *testing.T) {
	t.Parallel()

	predictor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(predictor.Close)

	app := setupTestApp(t, func(deps *services.Dependencies) {
		deps.Registry.RegisterPropertyProvider(properties.NewRemote("predictor", predictor.URL, "1.0", nil))
	})

	workflow := createWorkflow(t, app, web.CreateWorkflowRequest{
		Name: "remote prediction",
		Steps: []models.StepDefinition{
			testutil.CatalogStep("acquire", "user"),
			testutil.ComputeStep("pic50", "predictor", testutil.WithParameters(map[string]any{
				"property":    "pic50",
				"native_type": "numeric",
			})),
		},
	})

	execution := startExecution(t, app, workflow.ID)
	advance(t, app, execution.ID)

	failed := advance(t, app, execution.ID)
	require.NotNil(t, failed.StepError)
	assert.Equal(t, services.CodeProviderUnavailable, failed.StepError.Code)
	assert.Equal(t, models.ExecutionStatusFailed, failed.Execution.Status)

	status, body := call(t, app, http.MethodPost, "/executions/"+execution.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	retried := decode[*models.WorkflowExecution](t, body)
	assert.Equal(t, models.ExecutionStatusRunning, retried.Status)
	assert.Equal(t, 1, retried.CurrentStepIndex)

	status, _ = call(t, app, http.MethodPost, "/executions/"+execution.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPIHandlers_MoleculesAndRecords(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	status, body := call(t, app, http.MethodPost, "/molecules", web.RegisterMoleculeRequest{
		InChIKey: "XLYOFNOQVPJJNP-UHFFFAOYSA-N",
		SMILES:   "O",
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	molecule := decode[*models.Molecule](t, body)

	status, _ = call(t, app, http.MethodPost, "/molecules", web.RegisterMoleculeRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = call(t, app, http.MethodPost, "/molecule-sets", web.CreateMoleculeSetRequest{
		Name:        "solvents",
		MoleculeIDs: []string{molecule.ID},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	set := decode[*models.MoleculeSet](t, body)
	assert.Equal(t, []string{molecule.ID}, set.MoleculeIDs)

	status, body = call(t, app, http.MethodPost, "/records", services.CreateRecordRequest{
		MoleculeID: molecule.ID,
		Property:   "solubility",
		NativeType: models.NativeTypeNumeric,
		Value:      1.5,
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	record := decode[*models.DataRecord](t, body)
	assert.Equal(t, models.RecordSourceUser, record.Source)

	status, body = call(t, app, http.MethodPut, "/records/"+record.ID+"/value", web.SetValueRequest{Value: "high"})
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, body = call(t, app, http.MethodPut, "/records/"+record.ID+"/value", web.SetValueRequest{Value: 2.5})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.JSONEq(t, "2.5", string(decode[*models.DataRecord](t, body).Value))

	status, _ = call(t, app, http.MethodPost, "/records/"+record.ID+"/freeze", web.ActorRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = call(t, app, http.MethodPost, "/records/"+record.ID+"/freeze", web.ActorRequest{Actor: "alice"})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.True(t, decode[*models.DataRecord](t, body).IsFrozen)

	status, _ = call(t, app, http.MethodPost, "/records/"+record.ID+"/freeze", web.ActorRequest{Actor: "bob"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = call(t, app, http.MethodPut, "/records/"+record.ID+"/value", web.SetValueRequest{Value: 3.0})
	assert.Equal(t, http.StatusConflict, status)

	status, body = call(t, app, http.MethodPost, "/records/"+record.ID+"/approve", web.ActorRequest{Actor: "bob"})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "bob", decode[*models.DataRecord](t, body).ApprovedBy)

	status, body = call(t, app, http.MethodGet, "/records?property=solubility&frozen=true", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]*models.DataRecord](t, body), 1)

	status, _ = call(t, app, http.MethodGet, "/records?frozen=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = call(t, app, http.MethodPost, "/molecules/"+molecule.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = call(t, app, http.MethodGet, "/molecules", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[[]*models.Molecule](t, body))

	status, body = call(t, app, http.MethodGet, "/molecules?include_archived=true", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]*models.Molecule](t, body), 1)
}

func TestAPIHandlers_Selections(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	req := screeningRequest()
	req.Steps[2] = testutil.FilterStep("filter", "logp", testutil.AllowBranching(), testutil.WithParameters(map[string]any{"max": 2.0}))

	workflow := createWorkflow(t, app, req)
	execution := startExecution(t, app, workflow.ID)

	for range 3 {
		advance(t, app, execution.ID)
	}

	status, body := call(t, app, http.MethodGet, "/molecules", nil)
	require.Equal(t, http.StatusOK, status)

	var benzene *models.Molecule

	for _, molecule := range decode[[]*models.Molecule](t, body) {
		if molecule.InChIKey == "AAA111" {
			benzene = molecule
		}
	}

	require.NotNil(t, benzene)

	status, body = call(t, app, http.MethodPost, "/records", services.CreateRecordRequest{
		MoleculeID: benzene.ID,
		Property:   "logp",
		NativeType: models.NativeTypeNumeric,
		Value:      0.5,
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	measured := decode[*models.DataRecord](t, body)

	status, _ = call(t, app, http.MethodPost, "/executions/"+execution.ID+"/selections", web.SelectVariantRequest{RecordID: measured.ID})
	assert.Equal(t, http.StatusBadRequest, status, "unfrozen records cannot be selected")

	status, body = call(t, app, http.MethodPost, "/records/"+measured.ID+"/freeze", web.ActorRequest{Actor: "alice"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, _ = call(t, app, http.MethodPost, "/executions/"+execution.ID+"/selections", web.SelectVariantRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = call(t, app, http.MethodPost, "/executions/"+execution.ID+"/selections",
		web.SelectVariantRequest{RecordID: measured.ID, SelectedBy: "alice"})
	require.Equal(t, http.StatusCreated, status, string(body))

	result := decode[services.SelectionResult](t, body)
	require.NotNil(t, result.Branch)
	assert.True(t, result.Branch.Created)
	assert.Equal(t, 2, result.Branch.Execution.CurrentStepIndex)

	status, body = call(t, app, http.MethodPost, "/executions/"+execution.ID+"/selections",
		web.SelectVariantRequest{RecordID: measured.ID, SelectedBy: "alice"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = call(t, app, http.MethodGet, "/executions/"+execution.ID+"/selections", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]*models.DataSelection](t, body), 1)

	status, body = call(t, app, http.MethodGet, "/executions/"+execution.ID+"/selections/"+benzene.ID+"/logp", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, measured.ID, decode[*models.DataRecord](t, body).ID)

	status, _ = call(t, app, http.MethodGet, "/executions/"+execution.ID+"/selections/"+benzene.ID+"/solubility", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = call(t, app, http.MethodGet, "/molecules/"+benzene.ID+"/variants/logp", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Len(t, decode[[]*models.DataRecord](t, body), 2)
}
