package services

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/otelhelper"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/registry"
	"github.com/dukex/cadmaflow/pkg/snapshot"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	branchWaitTimeout  = 5 * time.Second
	branchPollInterval = 20 * time.Millisecond
)

// Branching creates new lineages of an execution that re-run one step with
// different inputs while sharing every earlier step execution.
type Branching struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	workflows   *Workflows
	timeline    *timeline
	logger      *slog.Logger
	tracer      trace.Tracer
}

// BranchRequest asks to re-run the step at StepIndex with parameter overrides
// or with other input records.
type BranchRequest struct {
	ExecutionID    string         `json:"execution_id"`
	StepIndex      int            `json:"step_index"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	InputRecordIDs []string       `json:"input_record_ids,omitempty"`
}

// BranchResult is the execution that holds the requested inputs. Created is
// false when the inputs were unchanged or another request created the branch.
type BranchResult struct {
	Execution     *models.WorkflowExecution `json:"execution"`
	StepExecution *models.StepExecution     `json:"step_execution,omitempty"`
	Created       bool                      `json:"created"`
}

// Branch compares the proposed inputs of the step with the inputs its prior
// step execution captured. Identical inputs return the prior step execution.
// Different inputs create a branch execution, unless the step forbids
// branching. Concurrent identical requests resolve to a single branch.
func (b *Branching) Branch(ctx context.Context, req BranchRequest) (*BranchResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, b.tracer, "services.Branching.Branch",
		attribute.String(otelhelper.ExecutionIDKey, req.ExecutionID),
		attribute.Int(otelhelper.StepIndexKey, req.StepIndex),
	)
	defer span.End()

	execution, err := b.persistence.ExecutionRepository().GetByID(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}

	workflow, err := b.workflows.Get(ctx, execution.WorkflowID)
	if err != nil {
		return nil, err
	}

	def, err := workflow.StepAt(req.StepIndex)
	if err != nil {
		return nil, err
	}

	prior, err := b.prior(ctx, execution, req.StepIndex)
	if err != nil {
		return nil, err
	}

	proposed, err := b.propose(ctx, def, prior, req)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	fingerprint, err := proposed.Fingerprint()
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.FingerprintKey, fingerprint))

	if fingerprint == prior.Fingerprint {
		return &BranchResult{Execution: execution, StepExecution: prior}, nil
	}

	if !def.AllowsBranching {
		err := fmt.Errorf("%w: step %d (%s)", ErrBranchingDisallowed, req.StepIndex, def.Name)
		otelhelper.SetError(span, err)

		return nil, err
	}

	branch, stepExecution, err := b.prepare(execution, workflow, def, prior, proposed, req)
	if err != nil {
		return nil, err
	}

	marker := &models.BranchMarker{
		SourceExecutionID:     execution.ID,
		SourceStepExecutionID: prior.ID,
		Fingerprint:           fingerprint,
		ResultExecutionID:     branch.ID,
		ResultStepExecutionID: stepExecution.ID,
		CreatedAt:             time.Now().UTC(),
	}

	stored, won, err := b.persistence.BranchMarkerRepository().Claim(ctx, marker)
	if err != nil {
		return nil, fmt.Errorf("failed to claim branch: %w", err)
	}

	if !won {
		b.logger.InfoContext(ctx, "branch already claimed",
			"execution_id", execution.ID,
			"step_execution_id", prior.ID,
			"branch_execution_id", stored.ResultExecutionID,
		)

		return b.await(ctx, stored)
	}

	if err := b.persistBranch(ctx, branch, stepExecution); err != nil {
		b.release(ctx, marker)
		otelhelper.SetError(span, err)

		return nil, err
	}

	b.logger.InfoContext(ctx, "branch created",
		"execution_id", execution.ID,
		"branch_execution_id", branch.ID,
		"label", branch.BranchLabel,
		"position", req.StepIndex,
	)

	b.emitBranch(ctx, execution, branch, prior, req.StepIndex, fingerprint)

	return &BranchResult{Execution: branch, StepExecution: stepExecution, Created: true}, nil
}

func (b *Branching) prior(ctx context.Context, execution *models.WorkflowExecution, position int) (*models.StepExecution, error) {
	id := execution.StepExecutionAt(position)
	if id == "" {
		return nil, NewValidationError("branch", fmt.Sprintf("step %d of execution %s has not run", position, execution.ID))
	}

	prior, err := b.persistence.StepExecutionRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !prior.HasSnapshot() {
		return nil, NewValidationError("branch", fmt.Sprintf("step %d of execution %s has no captured inputs", position, execution.ID))
	}

	return prior, nil
}

// propose overlays the requested parameters on the prior snapshot and
// substitutes the requested input records for their slots.
func (b *Branching) propose(ctx context.Context, def models.StepDefinition, prior *models.StepExecution, req BranchRequest) (snapshot.Snapshot, error) {
	merged := make(map[string]any, len(prior.InputSnapshot.Parameters)+len(req.Parameters))
	maps.Copy(merged, prior.InputSnapshot.Parameters)
	maps.Copy(merged, req.Parameters)

	params, err := normalizeParameters(merged)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	step, err := b.registry.CreateStep(ctx, def.Type, params)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("step %s: %w", def.Name, err)
	}

	proposed := prior.InputSnapshot.Clone()
	proposed.Parameters = params

	if len(req.InputRecordIDs) == 0 {
		return proposed, nil
	}

	records, err := b.persistence.RecordRepository().GetMany(ctx, req.InputRecordIDs)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	required := make(map[string]models.NativeType)
	for _, shape := range step.Contract().Requires {
		required[shape.Property] = shape.NativeType
	}

	byProperty := make(map[string][]string)

	for _, record := range records {
		nativeType, ok := required[record.Property]

		switch {
		case !record.IsFrozen:
			return snapshot.Snapshot{}, NewValidationError("branch", fmt.Sprintf("input record %s is not frozen", record.ID))
		case !ok:
			return snapshot.Snapshot{}, NewValidationError("branch", fmt.Sprintf("step %s does not read %s", def.Name, record.Property))
		case nativeType != record.NativeType:
			return snapshot.Snapshot{}, fmt.Errorf("%w: input record %s is %s, step reads %s", ErrTypeMismatch, record.ID, record.NativeType, nativeType)
		}

		byProperty[record.Property] = append(byProperty[record.Property], record.ID)
	}

	for property, ids := range byProperty {
		proposed.Set(snapshot.RecordSlot(property), ids...)
	}

	return proposed, nil
}

// prepare builds the branch execution and its step execution in memory. The
// branch shares the step executions before the diverging step.
func (b *Branching) prepare(
	execution *models.WorkflowExecution,
	workflow *models.Workflow,
	def models.StepDefinition,
	prior *models.StepExecution,
	proposed snapshot.Snapshot,
	req BranchRequest,
) (*models.WorkflowExecution, *models.StepExecution, error) {
	inputs := models.ExecutionInputs{
		MoleculeSetID:  execution.Inputs.MoleculeSetID,
		RecordIDs:      slices.Clone(execution.Inputs.RecordIDs),
		StepParameters: make(map[string]map[string]any, len(execution.Inputs.StepParameters)+1),
	}

	maps.Copy(inputs.StepParameters, execution.Inputs.StepParameters)
	inputs.StepParameters[def.Name] = proposed.Parameters

	for _, id := range req.InputRecordIDs {
		if !slices.Contains(inputs.RecordIDs, id) {
			inputs.RecordIDs = append(inputs.RecordIDs, id)
		}
	}

	branch, err := models.NewWorkflowExecution(workflow, inputs)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	parentID := execution.ID
	priorID := prior.ID

	branch.ParentExecutionID = &parentID
	branch.StepExecutionIDs = execution.InheritedSteps(req.StepIndex)
	branch.CurrentStepIndex = req.StepIndex
	branch.Status = models.ExecutionStatusRunning
	branch.StartedAt = &now

	stepExecution, err := models.NewStepExecution(branch.ID, req.StepIndex, def)
	if err != nil {
		return nil, nil, err
	}

	stepExecution.BranchOf = &priorID

	if err := stepExecution.CaptureInputs(proposed); err != nil {
		return nil, nil, err
	}

	branch.SetStepExecution(req.StepIndex, stepExecution.ID)

	return branch, stepExecution, nil
}

func (b *Branching) persistBranch(ctx context.Context, branch *models.WorkflowExecution, stepExecution *models.StepExecution) error {
	number, err := b.persistence.WorkflowRepository().NextBranchNumber(ctx, branch.RootWorkflowID)
	if err != nil {
		return fmt.Errorf("failed to allocate branch label: %w", err)
	}

	branch.BranchLabel = branchLabel(number)

	if err := b.persistence.StepExecutionRepository().Save(ctx, stepExecution); err != nil {
		return fmt.Errorf("failed to save branch step execution: %w", err)
	}

	if err := b.persistence.ExecutionRepository().Save(ctx, branch); err != nil {
		if deleteErr := b.persistence.StepExecutionRepository().Delete(context.WithoutCancel(ctx), stepExecution.ID); deleteErr != nil {
			b.logger.ErrorContext(ctx, "failed to remove branch step execution",
				"step_execution_id", stepExecution.ID, "error", deleteErr)
		}

		return fmt.Errorf("failed to save branch execution: %w", err)
	}

	return nil
}

// await returns the branch recorded by a marker another request claimed. The
// winner may still be writing it.
func (b *Branching) await(ctx context.Context, marker *models.BranchMarker) (*BranchResult, error) {
	timeout := time.NewTimer(branchWaitTimeout)
	defer timeout.Stop()

	ticker := time.NewTicker(branchPollInterval)
	defer ticker.Stop()

	for {
		result, err := b.loadBranch(ctx, marker)
		if err == nil {
			return result, nil
		}

		if !persistence.IsNotFound(err) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, fmt.Errorf("%w: branch of execution %s at step execution %s is claimed by execution %s, which is not available",
				ErrConcurrentModification, marker.SourceExecutionID, marker.SourceStepExecutionID, marker.ResultExecutionID)
		case <-ticker.C:
		}
	}
}

func (b *Branching) loadBranch(ctx context.Context, marker *models.BranchMarker) (*BranchResult, error) {
	execution, err := b.persistence.ExecutionRepository().GetByID(ctx, marker.ResultExecutionID)
	if err != nil {
		return nil, err
	}

	stepExecution, err := b.persistence.StepExecutionRepository().GetByID(ctx, marker.ResultStepExecutionID)
	if err != nil {
		return nil, err
	}

	return &BranchResult{Execution: execution, StepExecution: stepExecution}, nil
}

func (b *Branching) release(ctx context.Context, marker *models.BranchMarker) {
	if err := b.persistence.BranchMarkerRepository().Release(context.WithoutCancel(ctx), marker); err != nil {
		b.logger.ErrorContext(ctx, "failed to release branch marker", "marker", marker.Key(), "error", err)
	}
}

func (b *Branching) emitBranch(
	ctx context.Context,
	parent, branch *models.WorkflowExecution,
	source *models.StepExecution,
	position int,
	fingerprint string,
) {
	b.timeline.emit(ctx, parent.ID, models.EventBranchCreated, map[string]any{
		"branch_execution_id": branch.ID,
		"label":               branch.BranchLabel,
		"position":            position,
		"fingerprint":         fingerprint,
	})

	details := map[string]any{
		"parent_execution_id": parent.ID,
		"label":               branch.BranchLabel,
		"position":            position,
	}

	if source != nil {
		details["source_step_execution_id"] = source.ID
	}

	b.timeline.emit(ctx, branch.ID, models.EventBranchedFrom, details)
}

// BranchWorkflow branches an execution onto a new workflow whose steps differ
// from position stepIndex on. Steps before stepIndex must be unchanged and
// completed; their step executions are shared.
func (b *Branching) BranchWorkflow(ctx context.Context, executionID string, stepIndex int, steps []models.StepDefinition) (*BranchResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, b.tracer, "services.Branching.BranchWorkflow",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.Int(otelhelper.StepIndexKey, stepIndex),
	)
	defer span.End()

	execution, err := b.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	workflow, err := b.workflows.Get(ctx, execution.WorkflowID)
	if err != nil {
		return nil, err
	}

	if stepIndex < 0 || stepIndex > len(steps) || stepIndex > len(workflow.Steps) {
		return nil, NewValidationError("branch workflow", fmt.Sprintf("step index %d is out of range", stepIndex))
	}

	for i := range stepIndex {
		same, err := sameStep(workflow.Steps[i], steps[i])
		if err != nil {
			return nil, err
		}

		if !same {
			return nil, NewValidationError("branch workflow", fmt.Sprintf("step %d (%s) differs from the workflow", i, steps[i].Name))
		}
	}

	inherited := execution.InheritedSteps(stepIndex)
	if len(inherited) < stepIndex || slices.Contains(inherited, "") {
		return nil, NewValidationError("branch workflow", fmt.Sprintf("execution %s has not run the first %d steps", execution.ID, stepIndex))
	}

	shared, err := b.persistence.StepExecutionRepository().GetMany(ctx, inherited)
	if err != nil {
		return nil, err
	}

	for _, stepExecution := range shared {
		if stepExecution.Status != models.StepStatusCompleted {
			return nil, NewValidationError("branch workflow",
				fmt.Sprintf("step %d (%s) is %s", stepExecution.Position, stepExecution.StepName, stepExecution.Status))
		}
	}

	derived, err := workflow.Branch(steps, "")
	if err != nil {
		return nil, err
	}

	if err := b.workflows.check(derived); err != nil {
		return nil, err
	}

	inputs := execution.Inputs
	inputs.StepParameters = make(map[string]map[string]any)

	for name, params := range execution.Inputs.StepParameters {
		if hasStep(derived, name) {
			inputs.StepParameters[name] = params
		}
	}

	if err := b.workflows.buildSteps(ctx, derived, inputs); err != nil {
		return nil, err
	}

	number, err := b.persistence.WorkflowRepository().NextBranchNumber(ctx, workflow.RootID())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate branch label: %w", err)
	}

	derived.BranchLabel = branchLabel(number)

	branch, err := models.NewWorkflowExecution(derived, inputs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	parentID := execution.ID

	branch.ParentExecutionID = &parentID
	branch.BranchLabel = derived.BranchLabel
	branch.StepExecutionIDs = inherited
	branch.CurrentStepIndex = stepIndex
	branch.Status = models.ExecutionStatusRunning
	branch.StartedAt = &now

	if stepIndex >= len(steps) {
		branch.Finish(models.ExecutionStatusCompleted, nil, now)
	}

	if err := b.persistence.WorkflowRepository().Save(ctx, derived); err != nil {
		return nil, fmt.Errorf("failed to save branch workflow: %w", err)
	}

	if err := b.persistence.ExecutionRepository().Save(ctx, branch); err != nil {
		return nil, fmt.Errorf("failed to save branch execution: %w", err)
	}

	b.logger.InfoContext(ctx, "workflow branch created",
		"execution_id", execution.ID,
		"workflow_id", derived.ID,
		"branch_execution_id", branch.ID,
		"label", branch.BranchLabel,
	)

	b.emitBranch(ctx, execution, branch, nil, stepIndex, "")

	return &BranchResult{Execution: branch, Created: true}, nil
}

// sameStep compares two step definitions, parameters included.
func sameStep(a, b models.StepDefinition) (bool, error) {
	if a.Name != b.Name || a.Type != b.Type || a.AllowsBranching != b.AllowsBranching {
		return false, nil
	}

	hashA, err := snapshot.HashParameters(a.Parameters)
	if err != nil {
		return false, err
	}

	hashB, err := snapshot.HashParameters(b.Parameters)
	if err != nil {
		return false, err
	}

	return hashA == hashB, nil
}

func branchLabel(number int) string {
	return fmt.Sprintf("branch-%d", number)
}
