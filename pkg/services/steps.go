package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/cadmaflow/pkg/config"
	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/otelhelper"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/protocol"
	"github.com/dukex/cadmaflow/pkg/registry"
	"github.com/dukex/cadmaflow/pkg/snapshot"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Steps runs single step executions: it resolves their inputs into a
// snapshot, calls the step and commits what the step produced.
type Steps struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	providers   *Providers
	molecules   *Molecules
	timeline    *timeline
	config      config.Engine
	logger      *slog.Logger
	tracer      trace.Tracer
}

// stepInputs is the concrete input of a step at one position.
type stepInputs struct {
	snapshot  snapshot.Snapshot
	step      protocol.Step
	contract  models.StepContract
	entitySet *models.MoleculeSet
	molecules []*models.Molecule
	records   map[string][]*models.DataRecord
	missing   []MissingDependency
}

func (s *Steps) StepExecution(ctx context.Context, id string) (*models.StepExecution, error) {
	return s.persistence.StepExecutionRepository().GetByID(ctx, id)
}

// CanExecute reports whether every input declared by the step at position is
// available as frozen data. Missing inputs are returned, not raised.
func (s *Steps) CanExecute(ctx context.Context, execution *models.WorkflowExecution, position int) (bool, []MissingDependency, error) {
	def, err := s.stepDefinition(ctx, execution, position)
	if err != nil {
		return false, nil, err
	}

	in, err := s.resolve(ctx, execution, position, def, execution.Inputs.ParametersFor(def))
	if err != nil {
		return false, nil, err
	}

	return len(in.missing) == 0, in.missing, nil
}

// Execute runs a pending step execution of execution.
//
// The input snapshot is taken first, unless it was captured when the step
// execution was created by a branch. Missing inputs return a
// *MissingDependencyError and leave nothing behind. Once the step execution is
// running, any failure marks it failed and the cause is returned; produced
// records are frozen together at the end or not at all.
func (s *Steps) Execute(ctx context.Context, execution *models.WorkflowExecution, stepExecution *models.StepExecution) error {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "services.Steps.Execute",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.StepExecutionIDKey, stepExecution.ID),
		attribute.Int(otelhelper.StepIndexKey, stepExecution.Position),
		attribute.String(otelhelper.StepTypeKey, stepExecution.StepType),
	)
	defer span.End()

	def, err := s.stepDefinition(ctx, execution, stepExecution.Position)
	if err != nil {
		return err
	}

	var in *stepInputs

	if stepExecution.HasSnapshot() {
		in, err = s.fromSnapshot(ctx, def, stepExecution.InputSnapshot)
		if err != nil {
			otelhelper.SetError(span, err)

			return err
		}

		if len(in.missing) > 0 {
			return &MissingDependencyError{Position: stepExecution.Position, Missing: in.missing}
		}
	} else {
		in, err = s.resolve(ctx, execution, stepExecution.Position, def, execution.Inputs.ParametersFor(def))
		if err != nil {
			return err
		}

		if len(in.missing) > 0 {
			return &MissingDependencyError{Position: stepExecution.Position, Missing: in.missing}
		}

		if err := stepExecution.CaptureInputs(in.snapshot); err != nil {
			return err
		}
	}

	span.SetAttributes(attribute.String(otelhelper.FingerprintKey, stepExecution.Fingerprint))

	if err := stepExecution.Transition(models.StepStatusRunning, time.Now()); err != nil {
		return err
	}

	if err := s.persistence.StepExecutionRepository().Save(ctx, stepExecution); err != nil {
		return fmt.Errorf("failed to save step execution: %w", err)
	}

	s.logger.InfoContext(ctx, "running step",
		"execution_id", execution.ID,
		"step_execution_id", stepExecution.ID,
		"step", stepExecution.StepName,
		"position", stepExecution.Position,
	)

	output, err := in.step.Process(ctx, protocol.StepInput{
		StepExecutionID: stepExecution.ID,
		Parameters:      stepExecution.InputSnapshot.Clone().Parameters,
		EntitySet:       in.entitySet,
		Molecules:       in.molecules,
		Records:         in.records,
		Providers:       s.providers.For(stepExecution.ID),
		MaxBatchSize:    s.config.MaxEntitiesPerBatch,
		Concurrency:     s.config.ComputeConcurrency,
		Logger:          s.logger.With("step_execution_id", stepExecution.ID, "step", stepExecution.StepName),
	})
	if err == nil {
		err = s.commit(ctx, stepExecution, in.contract, output)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return s.fail(ctx, execution, stepExecution, err)
	}

	s.timeline.emit(ctx, execution.ID, models.EventStepCompleted, map[string]any{
		"step_execution_id": stepExecution.ID,
		"step":              stepExecution.StepName,
		"position":          stepExecution.Position,
	})

	return nil
}

// Progress is the fraction of the declared outputs present in the results.
func (s *Steps) Progress(ctx context.Context, stepExecution *models.StepExecution) (float64, error) {
	if stepExecution.Status == models.StepStatusCompleted {
		return 1, nil
	}

	if !stepExecution.HasSnapshot() {
		return 0, nil
	}

	step, err := s.registry.CreateStep(ctx, stepExecution.StepType, stepExecution.InputSnapshot.Parameters)
	if err != nil {
		return 0, err
	}

	contract := step.Contract()
	if contract.Outputs() == 0 {
		return 0, nil
	}

	present := 0

	if _, ok := stepExecution.Results.Slots[snapshot.EntitySetSlot]; ok && contract.ProducesEntitySet {
		present++
	}

	for _, shape := range contract.Produces {
		if _, ok := stepExecution.Results.Slots[snapshot.RecordSlot(shape.Property)]; ok {
			present++
		}
	}

	return float64(present) / float64(contract.Outputs()), nil
}

func (s *Steps) stepDefinition(ctx context.Context, execution *models.WorkflowExecution, position int) (models.StepDefinition, error) {
	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, execution.WorkflowID)
	if err != nil {
		return models.StepDefinition{}, err
	}

	return workflow.StepAt(position)
}

// resolve builds the snapshot of the step at position from the results of the
// completed upstream step executions, falling back to the initial inputs. A
// slot written upstream is used even when it holds no ids.
func (s *Steps) resolve(
	ctx context.Context,
	execution *models.WorkflowExecution,
	position int,
	def models.StepDefinition,
	params map[string]any,
) (*stepInputs, error) {
	params, err := normalizeParameters(params)
	if err != nil {
		return nil, err
	}

	step, err := s.registry.CreateStep(ctx, def.Type, params)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", def.Name, err)
	}

	upstream, missing, err := s.upstream(ctx, execution, position)
	if err != nil {
		return nil, err
	}

	contract := step.Contract()
	snap := snapshot.New()
	snap.Parameters = params

	if contract.RequiresEntitySet {
		setID := ""
		if ids, ok := latestSlot(upstream, snapshot.EntitySetSlot); ok && len(ids) > 0 {
			setID = ids[0]
		}

		if setID == "" {
			setID = execution.Inputs.MoleculeSetID
		}

		if setID == "" {
			missing = append(missing, MissingDependency{
				Slot:   snapshot.EntitySetSlot,
				Reason: "no molecule set produced upstream or given as input",
			})
		} else {
			snap.Set(snapshot.EntitySetSlot, setID)
		}
	}

	var initial []*models.DataRecord

	if len(contract.Requires) > 0 && len(execution.Inputs.RecordIDs) > 0 {
		initial, err = s.persistence.RecordRepository().GetMany(ctx, execution.Inputs.RecordIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load input records: %w", err)
		}
	}

	for _, shape := range contract.Requires {
		slot := snapshot.RecordSlot(shape.Property)

		ids, ok := latestSlot(upstream, slot)
		if !ok {
			for _, record := range initial {
				if record.Property == shape.Property {
					ids = append(ids, record.ID)
				}
			}
		}

		if !ok && len(ids) == 0 {
			missing = append(missing, MissingDependency{
				Slot:       slot,
				Property:   shape.Property,
				NativeType: shape.NativeType,
				Reason:     "no frozen records produced upstream or given as input",
			})

			continue
		}

		snap.Set(slot, ids...)
	}

	if len(missing) > 0 {
		return &stepInputs{snapshot: snap, step: step, contract: contract, missing: missing}, nil
	}

	in, err := s.materialize(ctx, snap, contract)
	if err != nil {
		return nil, err
	}

	in.step = step

	return in, nil
}

// fromSnapshot rebuilds the inputs of a snapshot captured earlier.
func (s *Steps) fromSnapshot(ctx context.Context, def models.StepDefinition, snap snapshot.Snapshot) (*stepInputs, error) {
	step, err := s.registry.CreateStep(ctx, def.Type, snap.Parameters)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", def.Name, err)
	}

	in, err := s.materialize(ctx, snap, step.Contract())
	if err != nil {
		return nil, err
	}

	in.step = step

	return in, nil
}

// materialize loads what a snapshot references and checks that records are
// frozen and of the declared native type.
func (s *Steps) materialize(ctx context.Context, snap snapshot.Snapshot, contract models.StepContract) (*stepInputs, error) {
	in := &stepInputs{
		snapshot: snap,
		contract: contract,
		records:  make(map[string][]*models.DataRecord, len(contract.Requires)),
	}

	if setID := snap.First(snapshot.EntitySetSlot); setID != "" {
		set, molecules, err := s.molecules.SetMembers(ctx, setID)

		switch {
		case persistence.IsNotFound(err):
			in.missing = append(in.missing, MissingDependency{
				Slot:   snapshot.EntitySetSlot,
				Reason: fmt.Sprintf("molecule set %s is not available", setID),
			})
		case err != nil:
			return nil, fmt.Errorf("failed to load molecule set: %w", err)
		default:
			in.entitySet = set
			in.molecules = molecules
		}
	} else if contract.RequiresEntitySet {
		in.missing = append(in.missing, MissingDependency{Slot: snapshot.EntitySetSlot, Reason: "snapshot has no molecule set"})
	}

	for _, shape := range contract.Requires {
		slot := snapshot.RecordSlot(shape.Property)

		records, err := s.persistence.RecordRepository().GetMany(ctx, snap.Get(slot))
		if persistence.IsNotFound(err) {
			in.missing = append(in.missing, MissingDependency{
				Slot:       slot,
				Property:   shape.Property,
				NativeType: shape.NativeType,
				Reason:     err.Error(),
			})

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to load %s records: %w", shape.Property, err)
		}

		for _, record := range records {
			reason := ""

			switch {
			case !record.IsFrozen:
				reason = fmt.Sprintf("record %s is not frozen", record.ID)
			case record.Property != shape.Property:
				reason = fmt.Sprintf("record %s holds %s", record.ID, record.Property)
			case record.NativeType != shape.NativeType:
				reason = fmt.Sprintf("record %s is %s, expected %s", record.ID, record.NativeType, shape.NativeType)
			}

			if reason != "" {
				in.missing = append(in.missing, MissingDependency{
					Slot:       slot,
					Property:   shape.Property,
					NativeType: shape.NativeType,
					Reason:     reason,
				})
			}
		}

		in.records[shape.Property] = records
	}

	return in, nil
}

// upstream loads the step executions before position and reports the ones
// that have not completed.
func (s *Steps) upstream(ctx context.Context, execution *models.WorkflowExecution, position int) ([]*models.StepExecution, []MissingDependency, error) {
	ids := execution.InheritedSteps(position)
	missing := make([]MissingDependency, 0)
	present := make([]string, 0, len(ids))

	for i := range position {
		if i >= len(ids) || ids[i] == "" {
			missing = append(missing, MissingDependency{
				Slot:   fmt.Sprintf("step[%d]", i),
				Reason: fmt.Sprintf("step %d has not run", i),
			})

			continue
		}

		present = append(present, ids[i])
	}

	stepExecutions, err := s.persistence.StepExecutionRepository().GetMany(ctx, present)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load upstream step executions: %w", err)
	}

	for _, se := range stepExecutions {
		if se.Status != models.StepStatusCompleted {
			missing = append(missing, MissingDependency{
				Slot:   fmt.Sprintf("step[%d]", se.Position),
				Reason: fmt.Sprintf("step %d (%s) is %s", se.Position, se.StepName, se.Status),
			})
		}
	}

	return stepExecutions, missing, nil
}

// latestSlot returns the ids of slot in the results of the closest upstream
// step execution that wrote it.
func latestSlot(upstream []*models.StepExecution, slot string) ([]string, bool) {
	for i := len(upstream) - 1; i >= 0; i-- {
		if ids, ok := upstream[i].Results.Slots[slot]; ok {
			return ids, true
		}
	}

	return nil, false
}

// commit stores the step output: the molecule set first, then every record in
// one frozen batch, then the completed step execution. When a later write
// fails the earlier ones are discarded and stepExecution is left running.
func (s *Steps) commit(ctx context.Context, stepExecution *models.StepExecution, contract models.StepContract, output *protocol.StepOutput) (err error) {
	if output == nil {
		output = &protocol.StepOutput{}
	}

	var (
		setID     string
		committed []string
	)

	defer func() {
		if err != nil {
			s.discard(ctx, stepExecution, setID, committed)
		}
	}()

	results := snapshot.New()

	if contract.ProducesEntitySet {
		if output.EntitySet == nil {
			return fmt.Errorf("%w: step declares a molecule set but produced none", ErrValidation)
		}

		set, err := s.saveSet(ctx, stepExecution, output.EntitySet)
		if err != nil {
			return err
		}

		setID = set.ID
		results.Set(snapshot.EntitySetSlot, set.ID)
	}

	declared := make(map[string]models.NativeType, len(contract.Produces))
	for _, shape := range contract.Produces {
		declared[shape.Property] = shape.NativeType
	}

	byProperty := make(map[string][]string, len(declared))

	for _, record := range output.Records {
		nativeType, ok := declared[record.Property]
		if !ok {
			return fmt.Errorf("%w: step produced undeclared property %s", ErrValidation, record.Property)
		}

		if record.NativeType != nativeType {
			return fmt.Errorf("%w: %s record is %s, declared %s", ErrTypeMismatch, record.Property, record.NativeType, nativeType)
		}

		if !record.IsFrozen {
			if record.Source == "" {
				record.Source = models.RecordSourceComputed
			}

			record.ProducedBy = stepExecution.ID
		}

		byProperty[record.Property] = append(byProperty[record.Property], record.ID)
	}

	now := time.Now().UTC()

	if len(output.Records) > 0 {
		if err := s.persistence.RecordRepository().CommitBatch(ctx, output.Records, s.config.FreezeActor, now); err != nil {
			return fmt.Errorf("failed to freeze produced records: %w", err)
		}

		for _, record := range output.Records {
			committed = append(committed, record.ID)
		}
	}

	for _, shape := range contract.Produces {
		results.Set(snapshot.RecordSlot(shape.Property), byProperty[shape.Property]...)
	}

	used := slices.Clone(output.ProvidersUsed)
	slices.Sort(used)

	completed := *stepExecution
	completed.Results = results
	completed.ProvidersUsed = slices.Compact(used)
	completed.DataFrozenAt = &now

	if err := completed.Transition(models.StepStatusCompleted, now); err != nil {
		return err
	}

	if err := s.persistence.StepExecutionRepository().Save(ctx, &completed); err != nil {
		return fmt.Errorf("failed to save step execution: %w", err)
	}

	*stepExecution = completed

	return nil
}

// discard removes what a step execution stored before it could be completed.
// Records and sets produced by other step executions are never touched.
func (s *Steps) discard(ctx context.Context, stepExecution *models.StepExecution, setID string, recordIDs []string) {
	ctx = context.WithoutCancel(ctx)

	if len(recordIDs) > 0 {
		if err := s.persistence.RecordRepository().Discard(ctx, stepExecution.ID, recordIDs); err != nil {
			s.logger.ErrorContext(ctx, "failed to discard produced records",
				"step_execution_id", stepExecution.ID, "records", len(recordIDs), "error", err)
		}
	}

	if setID != "" {
		if err := s.persistence.MoleculeRepository().DiscardSet(ctx, stepExecution.ID, setID); err != nil {
			s.logger.ErrorContext(ctx, "failed to discard molecule set",
				"step_execution_id", stepExecution.ID, "molecule_set_id", setID, "error", err)
		}
	}
}

func (s *Steps) saveSet(ctx context.Context, stepExecution *models.StepExecution, output *protocol.EntitySetOutput) (*models.MoleculeSet, error) {
	registered, err := s.molecules.RegisterAll(ctx, output.Descriptors)
	if err != nil {
		return nil, err
	}

	if _, err := s.persistence.MoleculeRepository().GetMany(ctx, output.MoleculeIDs); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(registered)+len(output.MoleculeIDs))
	seen := make(map[string]bool, cap(ids))

	for _, molecule := range registered {
		ids = append(ids, molecule.ID)
		seen[molecule.ID] = true
	}

	for _, id := range output.MoleculeIDs {
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}

	name := output.Name
	if name == "" {
		name = stepExecution.StepName
	}

	set, err := models.NewMoleculeSet(name, ids)
	if err != nil {
		return nil, err
	}

	set.ProducedBy = stepExecution.ID

	if err := s.persistence.MoleculeRepository().SaveSet(ctx, set); err != nil {
		return nil, fmt.Errorf("failed to save molecule set: %w", err)
	}

	return set, nil
}

// fail marks the step execution failed and returns cause. The write survives
// a cancelled ctx so a timed-out step is still recorded.
func (s *Steps) fail(ctx context.Context, execution *models.WorkflowExecution, stepExecution *models.StepExecution, cause error) error {
	ctx = context.WithoutCancel(ctx)
	stepErr := stepErrorFrom(cause)

	if err := stepExecution.Fail(stepErr, time.Now()); err != nil {
		return fmt.Errorf("failed to mark step execution failed: %w (cause: %w)", err, cause)
	}

	if err := s.persistence.StepExecutionRepository().Save(ctx, stepExecution); err != nil {
		return fmt.Errorf("failed to save failed step execution: %w (cause: %w)", err, cause)
	}

	s.logger.WarnContext(ctx, "step failed",
		"execution_id", execution.ID,
		"step_execution_id", stepExecution.ID,
		"step", stepExecution.StepName,
		"code", stepErr.Code,
		"error", cause,
	)

	s.timeline.emit(ctx, execution.ID, models.EventStepFailed, map[string]any{
		"step_execution_id": stepExecution.ID,
		"step":              stepExecution.StepName,
		"position":          stepExecution.Position,
		"code":              stepErr.Code,
		"message":           stepErr.Message,
	})

	return cause
}
