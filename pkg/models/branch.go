package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BranchMarker claims the divergence of one execution at one of its step
// executions with one input fingerprint. The first writer wins and every later
// request with the same triple resolves to the winner's execution. Step
// executions are shared between lineages, so the requesting execution is part
// of the key.
type BranchMarker struct {
	SourceExecutionID     string    `json:"source_execution_id"`
	SourceStepExecutionID string    `json:"source_step_execution_id"`
	Fingerprint           string    `json:"fingerprint"`
	ResultExecutionID     string    `json:"result_execution_id"`
	ResultStepExecutionID string    `json:"result_step_execution_id"`
	CreatedAt             time.Time `json:"created_at"`
}

// Key identifies the marker.
func (m *BranchMarker) Key() string {
	return m.SourceExecutionID + "-" + m.SourceStepExecutionID + "-" + m.Fingerprint
}

// WorkflowEventType names an entry of the execution timeline.
type WorkflowEventType string

const (
	EventExecutionStarted   WorkflowEventType = "execution_started"
	EventStepCompleted      WorkflowEventType = "step_completed"
	EventStepFailed         WorkflowEventType = "step_failed"
	EventStepReused         WorkflowEventType = "step_reused"
	EventExecutionCompleted WorkflowEventType = "execution_completed"
	EventExecutionFailed    WorkflowEventType = "execution_failed"
	EventBranchCreated      WorkflowEventType = "branch_created"
	EventBranchedFrom       WorkflowEventType = "branched_from"
	EventRewind             WorkflowEventType = "rewind"
	EventRetry              WorkflowEventType = "retry"
	EventSelectionChanged   WorkflowEventType = "selection_changed"
)

// WorkflowEvent is an entry of the timeline of one workflow execution.
type WorkflowEvent struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	Type        WorkflowEventType `json:"type"`
	Details     map[string]any    `json:"details,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewWorkflowEvent creates a timeline entry for an execution.
func NewWorkflowEvent(executionID string, eventType WorkflowEventType, details map[string]any) (*WorkflowEvent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate event ID: %w", err)
	}

	return &WorkflowEvent{
		ID:          id.String(),
		ExecutionID: executionID,
		Type:        eventType,
		Details:     details,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
