package models

import (
	"fmt"
	"time"

	"github.com/dukex/cadmaflow/pkg/snapshot"
	"github.com/google/uuid"
)

// StepDefinition places a registered step type at a position of a workflow.
type StepDefinition struct {
	Name            string         `json:"name"                 validate:"required"  yaml:"name"`
	Type            string         `json:"type"                 validate:"required"  yaml:"type"`
	Description     string         `json:"description,omitempty"                     yaml:"description"`
	Parameters      map[string]any `json:"parameters,omitempty"                      yaml:"parameters"`
	AllowsBranching bool           `json:"allows_branching"                          yaml:"allows_branching"`
}

// StepContract is what a configured step declares about its inputs and outputs.
type StepContract struct {
	Requires          []DataShape `json:"requires,omitempty"`
	Produces          []DataShape `json:"produces,omitempty"`
	RequiresEntitySet bool        `json:"requires_entity_set"`
	ProducesEntitySet bool        `json:"produces_entity_set"`
}

// Outputs counts the declared outputs, the entity set included.
func (c StepContract) Outputs() int {
	n := len(c.Produces)
	if c.ProducesEntitySet {
		n++
	}

	return n
}

// StepStatus is the state of a step execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending: {StepStatusRunning},
	StepStatusRunning: {StepStatusCompleted, StepStatusFailed},
}

// StepError is the failure cause persisted on a step or workflow execution.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StepError) Error() string {
	return e.Code + ": " + e.Message
}

// StepExecution is one run of one step with a frozen input snapshot.
type StepExecution struct {
	ID                  string            `json:"id"`
	WorkflowExecutionID string            `json:"workflow_execution_id"`
	StepName            string            `json:"step_name"`
	StepType            string            `json:"step_type"`
	Position            int               `json:"position"`
	InputSnapshot       snapshot.Snapshot `json:"input_snapshot"`
	Fingerprint         string            `json:"fingerprint,omitempty"`
	Results             snapshot.Snapshot `json:"results"`
	Status              StepStatus        `json:"status"`
	Error               *StepError        `json:"error,omitempty"`
	ProvidersUsed       []string          `json:"providers_used,omitempty"`
	BranchOf            *string           `json:"branch_of,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	DataFrozenAt        *time.Time        `json:"data_frozen_at,omitempty"`
}

// NewStepExecution creates a pending step execution of step at position.
func NewStepExecution(workflowExecutionID string, position int, step StepDefinition) (*StepExecution, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate step execution ID: %w", err)
	}

	return &StepExecution{
		ID:                  id.String(),
		WorkflowExecutionID: workflowExecutionID,
		StepName:            step.Name,
		StepType:            step.Type,
		Position:            position,
		InputSnapshot:       snapshot.New(),
		Results:             snapshot.New(),
		Status:              StepStatusPending,
		CreatedAt:           time.Now().UTC(),
	}, nil
}

// HasSnapshot reports whether the input snapshot has been taken.
func (s *StepExecution) HasSnapshot() bool {
	return s.Fingerprint != ""
}

// CaptureInputs freezes the input snapshot. It is only allowed once, before
// the step starts running.
func (s *StepExecution) CaptureInputs(inputs snapshot.Snapshot) error {
	if s.HasSnapshot() {
		return fmt.Errorf("%w: step execution %s already captured its inputs", ErrImmutable, s.ID)
	}

	if s.Status != StepStatusPending {
		return fmt.Errorf("%w: step execution %s is %s", ErrImmutable, s.ID, s.Status)
	}

	fingerprint, err := inputs.Fingerprint()
	if err != nil {
		return err
	}

	s.InputSnapshot = inputs.Clone()
	s.Fingerprint = fingerprint

	return nil
}

// Transition moves the step execution to the next status.
func (s *StepExecution) Transition(to StepStatus, at time.Time) error {
	allowed := false

	for _, next := range stepTransitions[s.Status] {
		if next == to {
			allowed = true

			break
		}
	}

	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}

	at = at.UTC()
	s.Status = to

	switch to {
	case StepStatusRunning:
		s.StartedAt = &at
	case StepStatusCompleted, StepStatusFailed:
		s.CompletedAt = &at
	}

	return nil
}

// Fail records the cause and moves the execution to failed.
func (s *StepExecution) Fail(cause *StepError, at time.Time) error {
	if err := s.Transition(StepStatusFailed, at); err != nil {
		return err
	}

	s.Error = cause

	return nil
}
