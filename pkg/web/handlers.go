package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	engine    *services.Engine
	validator *validator.Validate
}

func NewAPIHandlers(engine *services.Engine, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		engine:    engine,
		validator: validator,
	}
}

// Register mounts every endpoint on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)
	router.Get("/components", h.GetComponents)

	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Post("/:id/archive", h.ArchiveWorkflow)
	w.Post("/:id/executions", h.StartExecution)
	w.Get("/:id/branches", h.ListBranches)

	e := router.Group("/executions")
	e.Get("/:id", h.GetExecution)
	e.Post("/:id/advance", h.AdvanceExecution)
	e.Post("/:id/rewind", h.RewindExecution)
	e.Post("/:id/retry", h.RetryExecution)
	e.Post("/:id/branch", h.BranchExecution)
	e.Post("/:id/branch-workflow", h.BranchWorkflow)
	e.Get("/:id/progress", h.GetProgress)
	e.Get("/:id/timeline", h.GetTimeline)
	e.Get("/:id/selections", h.GetSelections)
	e.Post("/:id/selections", h.SelectVariant)
	e.Get("/:id/selections/:molecule/:property", h.GetSelected)

	router.Get("/step-executions/:id", h.GetStepExecution)
	router.Get("/provider-runs/:id", h.GetProviderRun)

	m := router.Group("/molecules")
	m.Get("/", h.GetMolecules)
	m.Post("/", h.RegisterMolecule)
	m.Get("/:id", h.GetMolecule)
	m.Post("/:id/archive", h.ArchiveMolecule)
	m.Get("/:id/variants/:property", h.GetVariants)

	s := router.Group("/molecule-sets")
	s.Post("/", h.CreateMoleculeSet)
	s.Get("/:id", h.GetMoleculeSet)

	r := router.Group("/records")
	r.Get("/", h.GetRecords)
	r.Post("/", h.CreateRecord)
	r.Get("/:id", h.GetRecord)
	r.Put("/:id/value", h.SetRecordValue)
	r.Post("/:id/freeze", h.FreezeRecord)
	r.Post("/:id/approve", h.ApproveRecord)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	message, ok := h.engine.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetComponents(c fiber.Ctx) error {
	return c.JSON(h.engine.Components())
}

// bind decodes the JSON body into req and validates it.
func (h *APIHandlers) bind(c fiber.Ctx, req any) error {
	if err := c.Bind().JSON(req); err != nil {
		return errors.New("invalid JSON format")
	}

	return h.validator.Struct(req)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.engine.Workflows.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflows)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow, err := h.engine.Workflows.Create(c.Context(), req.Name, req.Description, req.Steps)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.engine.Workflows.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) ArchiveWorkflow(c fiber.Ctx) error {
	workflow, err := h.engine.Workflows.Archive(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var inputs models.ExecutionInputs

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&inputs); err != nil {
			return badRequest(c, "invalid JSON format")
		}
	}

	execution, err := h.engine.Executions.Start(c.Context(), c.Params("id"), inputs)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(execution)
}

func (h *APIHandlers) ListBranches(c fiber.Ctx) error {
	workflow, err := h.engine.Workflows.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	branches, err := h.engine.Executions.ListBranches(c.Context(), workflow.RootID())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(branches)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.engine.Executions.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) AdvanceExecution(c fiber.Ctx) error {
	execution, err := h.engine.Executions.Advance(c.Context(), c.Params("id"))

	var failed *services.StepFailedError
	if errors.As(err, &failed) {
		return c.JSON(AdvanceResponse{Execution: execution, StepError: execution.Error})
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(AdvanceResponse{Execution: execution})
}

func (h *APIHandlers) RewindExecution(c fiber.Ctx) error {
	var req RewindRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.engine.Executions.Rewind(c.Context(), c.Params("id"), *req.ToIndex)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) RetryExecution(c fiber.Ctx) error {
	execution, err := h.engine.Executions.Retry(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) BranchExecution(c fiber.Ctx) error {
	var req BranchRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.Branching.Branch(c.Context(), services.BranchRequest{
		ExecutionID:    c.Params("id"),
		StepIndex:      *req.StepIndex,
		Parameters:     req.Parameters,
		InputRecordIDs: req.InputRecordIDs,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	status := fiber.StatusOK
	if result.Created {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(result)
}

func (h *APIHandlers) BranchWorkflow(c fiber.Ctx) error {
	var req BranchWorkflowRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.Branching.BranchWorkflow(c.Context(), c.Params("id"), *req.StepIndex, req.Steps)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *APIHandlers) GetProgress(c fiber.Ctx) error {
	progress, err := h.engine.Executions.Progress(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(progress)
}

func (h *APIHandlers) GetTimeline(c fiber.Ctx) error {
	timeline, err := h.engine.Executions.Timeline(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(timeline)
}

func (h *APIHandlers) GetSelections(c fiber.Ctx) error {
	selections, err := h.engine.Selections.List(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(selections)
}

func (h *APIHandlers) SelectVariant(c fiber.Ctx) error {
	var req SelectVariantRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.Selections.Select(c.Context(), services.SelectVariantRequest{
		ExecutionID: c.Params("id"),
		RecordID:    req.RecordID,
		SelectedBy:  req.SelectedBy,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	status := fiber.StatusOK
	if result.Created {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(result)
}

func (h *APIHandlers) GetSelected(c fiber.Ctx) error {
	record, err := h.engine.Selections.Selected(c.Context(), c.Params("id"), c.Params("molecule"), c.Params("property"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) GetStepExecution(c fiber.Ctx) error {
	stepExecution, err := h.engine.Steps.StepExecution(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(stepExecution)
}

func (h *APIHandlers) GetProviderRun(c fiber.Ctx) error {
	run, err := h.engine.Providers.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) GetMolecules(c fiber.Ctx) error {
	includeArchived := false

	if value := c.Query("include_archived"); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return badRequest(c, "include_archived must be a boolean")
		}

		includeArchived = parsed
	}

	molecules, err := h.engine.Molecules.List(c.Context(), includeArchived)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(molecules)
}

func (h *APIHandlers) RegisterMolecule(c fiber.Ctx) error {
	var req RegisterMoleculeRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	molecule, err := h.engine.Molecules.Register(c.Context(), req.descriptor())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(molecule)
}

func (h *APIHandlers) GetMolecule(c fiber.Ctx) error {
	molecule, err := h.engine.Molecules.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(molecule)
}

func (h *APIHandlers) ArchiveMolecule(c fiber.Ctx) error {
	molecule, err := h.engine.Molecules.Archive(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(molecule)
}

func (h *APIHandlers) GetVariants(c fiber.Ctx) error {
	variants, err := h.engine.Selections.Variants(c.Context(), c.Params("id"), c.Params("property"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(variants)
}

func (h *APIHandlers) CreateMoleculeSet(c fiber.Ctx) error {
	var req CreateMoleculeSetRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	set, err := h.engine.Molecules.CreateSet(c.Context(), req.Name, req.MoleculeIDs)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(set)
}

func (h *APIHandlers) GetMoleculeSet(c fiber.Ctx) error {
	set, err := h.engine.Molecules.GetSet(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(set)
}

func (h *APIHandlers) GetRecords(c fiber.Ctx) error {
	filter := persistence.RecordFilter{
		Property:   c.Query("property"),
		SourceName: c.Query("source_name"),
	}

	if moleculeID := c.Query("molecule_id"); moleculeID != "" {
		filter.MoleculeIDs = []string{moleculeID}
	}

	if value := c.Query("frozen"); value != "" {
		frozen, err := strconv.ParseBool(value)
		if err != nil {
			return badRequest(c, "frozen must be a boolean")
		}

		filter.FrozenOnly = frozen
	}

	records, err := h.engine.Records.List(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(records)
}

func (h *APIHandlers) CreateRecord(c fiber.Ctx) error {
	var req services.CreateRecordRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON format")
	}

	record, err := h.engine.Records.Create(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}

func (h *APIHandlers) GetRecord(c fiber.Ctx) error {
	record, err := h.engine.Records.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) SetRecordValue(c fiber.Ctx) error {
	var req SetValueRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON format")
	}

	record, err := h.engine.Records.SetValue(c.Context(), c.Params("id"), req.Value)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) FreezeRecord(c fiber.Ctx) error {
	var req ActorRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	record, err := h.engine.Records.Freeze(c.Context(), c.Params("id"), req.Actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) ApproveRecord(c fiber.Ctx) error {
	var req ActorRequest
	if err := h.bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	record, err := h.engine.Records.Approve(c.Context(), c.Params("id"), req.Actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(record)
}
