package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether the execution stopped advancing.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// ExecutionInputs are the initial inputs a workflow execution starts from.
type ExecutionInputs struct {
	MoleculeSetID  string                    `json:"molecule_set_id,omitempty"`
	RecordIDs      []string                  `json:"record_ids,omitempty"`
	StepParameters map[string]map[string]any `json:"step_parameters,omitempty"`
}

// ParametersFor overlays the per-step input parameters on the definition defaults.
func (in ExecutionInputs) ParametersFor(step StepDefinition) map[string]any {
	params := make(map[string]any, len(step.Parameters))

	for k, v := range step.Parameters {
		params[k] = v
	}

	for k, v := range in.StepParameters[step.Name] {
		params[k] = v
	}

	return params
}

// WorkflowExecution is one run of a workflow. StepExecutionIDs is indexed by
// step position and may reference step executions created by an ancestor
// execution; those are shared, never copied.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	RootWorkflowID    string          `json:"root_workflow_id"`
	Status            ExecutionStatus `json:"status"`
	CurrentStepIndex  int             `json:"current_step_index"`
	ParentExecutionID *string         `json:"parent_execution_id,omitempty"`
	BranchLabel       string          `json:"branch_label,omitempty"`
	StepExecutionIDs  []string        `json:"step_execution_ids"`
	FailedAttemptIDs  []string        `json:"failed_attempt_ids,omitempty"`
	Inputs            ExecutionInputs `json:"inputs"`
	Error             *StepError      `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
}

// NewWorkflowExecution creates a pending execution of workflow.
func NewWorkflowExecution(workflow *Workflow, inputs ExecutionInputs) (*WorkflowExecution, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}

	return &WorkflowExecution{
		ID:               id.String(),
		WorkflowID:       workflow.ID,
		RootWorkflowID:   workflow.RootID(),
		Status:           ExecutionStatusPending,
		StepExecutionIDs: []string{},
		Inputs:           inputs,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// StepExecutionAt returns the step execution referenced at position, or "".
func (e *WorkflowExecution) StepExecutionAt(position int) string {
	if position < 0 || position >= len(e.StepExecutionIDs) {
		return ""
	}

	return e.StepExecutionIDs[position]
}

// SetStepExecution references stepExecutionID at position, growing the list.
func (e *WorkflowExecution) SetStepExecution(position int, stepExecutionID string) {
	for len(e.StepExecutionIDs) <= position {
		e.StepExecutionIDs = append(e.StepExecutionIDs, "")
	}

	e.StepExecutionIDs[position] = stepExecutionID
}

// InheritedSteps returns the references for positions before position.
func (e *WorkflowExecution) InheritedSteps(position int) []string {
	if position > len(e.StepExecutionIDs) {
		position = len(e.StepExecutionIDs)
	}

	return slices.Clone(e.StepExecutionIDs[:position])
}

// Finish moves the execution to a terminal status.
func (e *WorkflowExecution) Finish(status ExecutionStatus, cause *StepError, at time.Time) {
	at = at.UTC()
	e.Status = status
	e.Error = cause
	e.FinishedAt = &at
}

// Reopen clears the terminal state so the execution can advance again.
func (e *WorkflowExecution) Reopen() {
	e.Status = ExecutionStatusRunning
	e.Error = nil
	e.FinishedAt = nil
}
