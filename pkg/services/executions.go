package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/otelhelper"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Executions drives workflow executions one step at a time. Calls on the same
// execution are serialized; different executions run concurrently.
type Executions struct {
	persistence persistence.Persistence
	workflows   *Workflows
	steps       *Steps
	timeline    *timeline
	locks       *keyedMutex
	concurrency int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// StepProgress is the state of one position of an execution.
type StepProgress struct {
	Position        int               `json:"position"`
	Name            string            `json:"name"`
	Type            string            `json:"type"`
	StepExecutionID string            `json:"step_execution_id,omitempty"`
	Status          models.StepStatus `json:"status,omitempty"`
	Fraction        float64           `json:"fraction"`
	Inherited       bool              `json:"inherited"`
	BranchOf        *string           `json:"branch_of,omitempty"`
	Error           *models.StepError `json:"error,omitempty"`
}

// ExecutionProgress is the structured status of an execution.
type ExecutionProgress struct {
	ExecutionID       string                 `json:"execution_id"`
	WorkflowID        string                 `json:"workflow_id"`
	Status            models.ExecutionStatus `json:"status"`
	BranchLabel       string                 `json:"branch_label,omitempty"`
	ParentExecutionID *string                `json:"parent_execution_id,omitempty"`
	CurrentStepIndex  int                    `json:"current_step_index"`
	TotalSteps        int                    `json:"total_steps"`
	Fraction          float64                `json:"fraction"`
	Steps             []StepProgress         `json:"steps"`
	FailedAttempts    int                    `json:"failed_attempts"`
	Error             *models.StepError      `json:"error,omitempty"`
}

// ExecutionSummary describes an execution in a branch tree.
type ExecutionSummary struct {
	ID                string                 `json:"id"`
	WorkflowID        string                 `json:"workflow_id"`
	BranchLabel       string                 `json:"branch_label,omitempty"`
	Status            models.ExecutionStatus `json:"status"`
	CurrentStepIndex  int                    `json:"current_step_index"`
	ParentExecutionID *string                `json:"parent_execution_id,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// BranchNode is an execution and the executions branched from it.
type BranchNode struct {
	ExecutionSummary

	Children []*BranchNode `json:"children,omitempty"`
}

func (e *Executions) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return e.persistence.ExecutionRepository().GetByID(ctx, id)
}

func (e *Executions) List(ctx context.Context, statuses ...models.ExecutionStatus) ([]*models.WorkflowExecution, error) {
	return e.persistence.ExecutionRepository().ListByStatus(ctx, statuses...)
}

// Start creates a pending execution of a workflow positioned at the first step.
func (e *Executions) Start(ctx context.Context, workflowID string, inputs models.ExecutionInputs) (*models.WorkflowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "services.Executions.Start",
		attribute.String(otelhelper.WorkflowIDKey, workflowID),
	)
	defer span.End()

	workflow, err := e.workflows.Get(ctx, workflowID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if workflow.Status == models.WorkflowStatusArchived {
		return nil, NewValidationError("start execution", fmt.Sprintf("workflow %s is archived", workflow.ID))
	}

	if err := e.checkInputs(ctx, inputs); err != nil {
		return nil, err
	}

	if err := e.workflows.buildSteps(ctx, workflow, inputs); err != nil {
		return nil, err
	}

	execution, err := models.NewWorkflowExecution(workflow, inputs)
	if err != nil {
		return nil, err
	}

	if err := e.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))
	e.logger.InfoContext(ctx, "execution started", "execution_id", execution.ID, "workflow_id", workflow.ID)
	e.timeline.emit(ctx, execution.ID, models.EventExecutionStarted, map[string]any{"workflow_id": workflow.ID})

	return execution, nil
}

// checkInputs verifies that initial inputs exist and that records are frozen.
func (e *Executions) checkInputs(ctx context.Context, inputs models.ExecutionInputs) error {
	if inputs.MoleculeSetID != "" {
		if _, err := e.persistence.MoleculeRepository().GetSet(ctx, inputs.MoleculeSetID); err != nil {
			return err
		}
	}

	if len(inputs.RecordIDs) == 0 {
		return nil
	}

	records, err := e.persistence.RecordRepository().GetMany(ctx, inputs.RecordIDs)
	if err != nil {
		return err
	}

	for _, record := range records {
		if !record.IsFrozen {
			return NewValidationError("start execution", fmt.Sprintf("input record %s is not frozen", record.ID))
		}
	}

	return nil
}

// Advance runs the step at the current index.
//
// A completed step execution already in place is reused without running it
// again. A pending one, such as the one created by a branch, runs in place. A
// failed one is kept as a failed attempt and a new attempt runs. When the step
// fails the execution fails too and a *StepFailedError is returned along with
// the execution. Missing inputs return a *MissingDependencyError and change
// nothing.
func (e *Executions) Advance(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "services.Executions.Advance",
		attribute.String(otelhelper.ExecutionIDKey, id),
	)
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	execution, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrExecutionFinished, execution.ID, execution.Status)
	}

	workflow, err := e.workflows.Get(ctx, execution.WorkflowID)
	if err != nil {
		return nil, err
	}

	position := execution.CurrentStepIndex
	if position >= len(workflow.Steps) {
		return execution, e.finish(ctx, execution, models.ExecutionStatusCompleted, nil)
	}

	def := workflow.Steps[position]
	span.SetAttributes(attribute.Int(otelhelper.StepIndexKey, position), attribute.String(otelhelper.StepNameKey, def.Name))

	stepExecution, reused, err := e.attempt(ctx, execution, position, def)
	if err != nil {
		return nil, err
	}

	if reused {
		e.timeline.emit(ctx, execution.ID, models.EventStepReused, map[string]any{
			"step_execution_id": stepExecution.ID,
			"step":              def.Name,
			"position":          position,
		})

		return execution, e.stepCompleted(ctx, execution, len(workflow.Steps))
	}

	err = e.steps.Execute(ctx, execution, stepExecution)

	switch stepExecution.Status {
	case models.StepStatusPending, models.StepStatusRunning:
		if err != nil {
			otelhelper.SetError(span, err)
		}

		return nil, err
	case models.StepStatusFailed:
		otelhelper.SetError(span, err)
		execution.SetStepExecution(position, stepExecution.ID)
		e.markStarted(execution)

		if finishErr := e.finish(ctx, execution, models.ExecutionStatusFailed, stepExecution.Error); finishErr != nil {
			return nil, finishErr
		}

		return execution, &StepFailedError{StepExecutionID: stepExecution.ID, Cause: err}
	}

	execution.SetStepExecution(position, stepExecution.ID)
	e.markStarted(execution)

	return execution, e.stepCompleted(ctx, execution, len(workflow.Steps))
}

// attempt returns the step execution to run at position and whether it is a
// completed one to reuse.
func (e *Executions) attempt(
	ctx context.Context,
	execution *models.WorkflowExecution,
	position int,
	def models.StepDefinition,
) (*models.StepExecution, bool, error) {
	id := execution.StepExecutionAt(position)
	if id == "" {
		stepExecution, err := models.NewStepExecution(execution.ID, position, def)

		return stepExecution, false, err
	}

	previous, err := e.steps.StepExecution(ctx, id)
	if err != nil {
		return nil, false, err
	}

	switch previous.Status {
	case models.StepStatusCompleted:
		return previous, true, nil
	case models.StepStatusPending:
		return previous, false, nil
	case models.StepStatusRunning:
		// Left running by a process that stopped mid-step.
		interrupted := &models.StepError{Code: CodeInternal, Message: "interrupted before completion"}
		if err := previous.Fail(interrupted, time.Now()); err != nil {
			return nil, false, err
		}

		if err := e.persistence.StepExecutionRepository().Save(ctx, previous); err != nil {
			return nil, false, err
		}
	}

	next, err := newAttempt(execution, position, def, previous)
	if err != nil {
		return nil, false, err
	}

	execution.FailedAttemptIDs = append(execution.FailedAttemptIDs, previous.ID)

	return next, false, nil
}

// newAttempt creates the step execution that replaces a failed one. It keeps
// the inputs the failed attempt had captured.
func newAttempt(execution *models.WorkflowExecution, position int, def models.StepDefinition, failed *models.StepExecution) (*models.StepExecution, error) {
	next, err := models.NewStepExecution(execution.ID, position, def)
	if err != nil {
		return nil, err
	}

	next.BranchOf = failed.BranchOf

	if failed.HasSnapshot() {
		if err := next.CaptureInputs(failed.InputSnapshot); err != nil {
			return nil, err
		}
	}

	return next, nil
}

func (e *Executions) markStarted(execution *models.WorkflowExecution) {
	if execution.Status != models.ExecutionStatusPending {
		return
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusRunning
	execution.StartedAt = &now
}

func (e *Executions) stepCompleted(ctx context.Context, execution *models.WorkflowExecution, total int) error {
	e.markStarted(execution)
	execution.CurrentStepIndex++

	if execution.CurrentStepIndex >= total {
		return e.finish(ctx, execution, models.ExecutionStatusCompleted, nil)
	}

	if err := e.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	return nil
}

func (e *Executions) finish(ctx context.Context, execution *models.WorkflowExecution, status models.ExecutionStatus, cause *models.StepError) error {
	ctx = context.WithoutCancel(ctx)
	execution.Finish(status, cause, time.Now())

	if err := e.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	details := map[string]any{"current_step_index": execution.CurrentStepIndex}
	eventType := models.EventExecutionCompleted

	if status == models.ExecutionStatusFailed {
		eventType = models.EventExecutionFailed
		details["code"] = cause.Code
		details["message"] = cause.Message
	}

	e.logger.InfoContext(ctx, "execution finished", "execution_id", execution.ID, "status", status)
	e.timeline.emit(ctx, execution.ID, eventType, details)

	return nil
}

// Rewind moves the current index back to toIndex and reopens a finished
// execution. Later step executions stay in place as history: advancing
// reuses them while they completed, and changing inputs goes through Branch.
func (e *Executions) Rewind(ctx context.Context, id string, toIndex int) (*models.WorkflowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "services.Executions.Rewind",
		attribute.String(otelhelper.ExecutionIDKey, id),
		attribute.Int(otelhelper.StepIndexKey, toIndex),
	)
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	execution, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	workflow, err := e.workflows.Get(ctx, execution.WorkflowID)
	if err != nil {
		return nil, err
	}

	if toIndex < 0 || toIndex > execution.CurrentStepIndex || toIndex >= len(workflow.Steps) {
		return nil, NewValidationError("rewind execution",
			fmt.Sprintf("cannot rewind from step %d to step %d", execution.CurrentStepIndex, toIndex))
	}

	from := execution.CurrentStepIndex
	execution.CurrentStepIndex = toIndex

	if execution.Status.IsTerminal() {
		execution.Reopen()
	}

	if err := e.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	e.timeline.emit(ctx, execution.ID, models.EventRewind, map[string]any{"from": from, "to": toIndex})

	return execution, nil
}

// Retry replaces the failed step execution of a failed execution with a new
// pending attempt and reopens the execution. The failed attempt is kept.
func (e *Executions) Retry(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "services.Executions.Retry",
		attribute.String(otelhelper.ExecutionIDKey, id),
	)
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	execution, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if execution.Status != models.ExecutionStatusFailed {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrExecutionNotFailed, execution.ID, execution.Status)
	}

	workflow, err := e.workflows.Get(ctx, execution.WorkflowID)
	if err != nil {
		return nil, err
	}

	position := execution.CurrentStepIndex

	def, err := workflow.StepAt(position)
	if err != nil {
		return nil, err
	}

	failed, err := e.steps.StepExecution(ctx, execution.StepExecutionAt(position))
	if err != nil {
		return nil, err
	}

	next, err := newAttempt(execution, position, def, failed)
	if err != nil {
		return nil, err
	}

	if err := e.persistence.StepExecutionRepository().Save(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to save step execution: %w", err)
	}

	execution.FailedAttemptIDs = append(execution.FailedAttemptIDs, failed.ID)
	execution.SetStepExecution(position, next.ID)
	execution.Reopen()

	if err := e.persistence.ExecutionRepository().Save(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	e.timeline.emit(ctx, execution.ID, models.EventRetry, map[string]any{
		"position":                 position,
		"failed_step_execution_id": failed.ID,
		"step_execution_id":        next.ID,
	})

	return execution, nil
}

// AdvanceReady advances every pending or running execution by one step and
// returns how many made progress. Executions waiting on inputs or whose step
// failed are logged and skipped.
func (e *Executions) AdvanceReady(ctx context.Context) (int, error) {
	executions, err := e.List(ctx, models.ExecutionStatusPending, models.ExecutionStatusRunning)
	if err != nil {
		return 0, err
	}

	advanced := make([]bool, len(executions))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(e.concurrency, 1))

	for i, execution := range executions {
		group.Go(func() error {
			_, err := e.Advance(groupCtx, execution.ID)

			var (
				missing *MissingDependencyError
				failed  *StepFailedError
			)

			switch {
			case err == nil:
				advanced[i] = true
			case errors.As(err, &failed):
				advanced[i] = true
				e.logger.WarnContext(groupCtx, "step failed", "execution_id", execution.ID, "error", err)
			case errors.As(err, &missing), errors.Is(err, ErrExecutionFinished):
				e.logger.DebugContext(groupCtx, "execution not ready", "execution_id", execution.ID, "reason", err)
			default:
				e.logger.ErrorContext(groupCtx, "failed to advance execution", "execution_id", execution.ID, "error", err)
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return 0, err
	}

	count := 0

	for _, ok := range advanced {
		if ok {
			count++
		}
	}

	return count, nil
}

// Progress reports the state of every step of the execution.
func (e *Executions) Progress(ctx context.Context, id string) (*ExecutionProgress, error) {
	execution, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	workflow, err := e.workflows.Get(ctx, execution.WorkflowID)
	if err != nil {
		return nil, err
	}

	progress := &ExecutionProgress{
		ExecutionID:       execution.ID,
		WorkflowID:        execution.WorkflowID,
		Status:            execution.Status,
		BranchLabel:       execution.BranchLabel,
		ParentExecutionID: execution.ParentExecutionID,
		CurrentStepIndex:  execution.CurrentStepIndex,
		TotalSteps:        len(workflow.Steps),
		Steps:             make([]StepProgress, 0, len(workflow.Steps)),
		FailedAttempts:    len(execution.FailedAttemptIDs),
		Error:             execution.Error,
	}

	total := 0.0

	for position, def := range workflow.Steps {
		step := StepProgress{Position: position, Name: def.Name, Type: def.Type}

		if stepExecutionID := execution.StepExecutionAt(position); stepExecutionID != "" {
			stepExecution, err := e.steps.StepExecution(ctx, stepExecutionID)
			if err != nil {
				return nil, err
			}

			fraction, err := e.steps.Progress(ctx, stepExecution)
			if err != nil {
				return nil, err
			}

			step.StepExecutionID = stepExecution.ID
			step.Status = stepExecution.Status
			step.Fraction = fraction
			step.Inherited = stepExecution.WorkflowExecutionID != execution.ID
			step.BranchOf = stepExecution.BranchOf
			step.Error = stepExecution.Error
			total += fraction
		}

		progress.Steps = append(progress.Steps, step)
	}

	if len(workflow.Steps) > 0 {
		progress.Fraction = total / float64(len(workflow.Steps))
	}

	return progress, nil
}

// ListBranches returns the executions of a root workflow as trees that follow
// the parent execution links, oldest first.
func (e *Executions) ListBranches(ctx context.Context, rootWorkflowID string) ([]*BranchNode, error) {
	if _, err := e.workflows.Get(ctx, rootWorkflowID); err != nil {
		return nil, err
	}

	executions, err := e.persistence.ExecutionRepository().ListByRootWorkflow(ctx, rootWorkflowID)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*BranchNode, len(executions))

	for _, execution := range executions {
		nodes[execution.ID] = &BranchNode{ExecutionSummary: ExecutionSummary{
			ID:                execution.ID,
			WorkflowID:        execution.WorkflowID,
			BranchLabel:       execution.BranchLabel,
			Status:            execution.Status,
			CurrentStepIndex:  execution.CurrentStepIndex,
			ParentExecutionID: execution.ParentExecutionID,
			CreatedAt:         execution.CreatedAt,
		}}
	}

	roots := make([]*BranchNode, 0)

	for _, execution := range executions {
		node := nodes[execution.ID]

		if execution.ParentExecutionID != nil {
			if parent, ok := nodes[*execution.ParentExecutionID]; ok {
				parent.Children = append(parent.Children, node)

				continue
			}
		}

		roots = append(roots, node)
	}

	return roots, nil
}

// Timeline returns the events of an execution in the order they happened.
func (e *Executions) Timeline(ctx context.Context, id string) ([]*models.WorkflowEvent, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}

	return e.persistence.EventRepository().ListByExecution(ctx, id)
}
