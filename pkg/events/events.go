// Package events defines the messages published for execution timeline entries.
package events

import (
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
)

type EventType string

// Topic carries every execution event.
const Topic = "cadmaflow.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionRewoundEvent   EventType = "execution.rewound"
	ExecutionRetriedEvent   EventType = "execution.retried"

	StepCompletedEvent EventType = "step.completed"
	StepFailedEvent    EventType = "step.failed"
	StepReusedEvent    EventType = "step.reused"

	BranchCreatedEvent EventType = "branch.created"
	BranchedFromEvent  EventType = "branch.branched_from"

	SelectionChangedEvent EventType = "selection.changed"
)

var timelineTypes = map[models.WorkflowEventType]EventType{
	models.EventExecutionStarted:   ExecutionStartedEvent,
	models.EventExecutionCompleted: ExecutionCompletedEvent,
	models.EventExecutionFailed:    ExecutionFailedEvent,
	models.EventRewind:             ExecutionRewoundEvent,
	models.EventRetry:              ExecutionRetriedEvent,
	models.EventStepCompleted:      StepCompletedEvent,
	models.EventStepFailed:         StepFailedEvent,
	models.EventStepReused:         StepReusedEvent,
	models.EventBranchCreated:      BranchCreatedEvent,
	models.EventBranchedFrom:       BranchedFromEvent,
	models.EventSelectionChanged:   SelectionChangedEvent,
}

// TypeOf returns the published type of a timeline entry type.
func TypeOf(timelineType models.WorkflowEventType) (EventType, bool) {
	eventType, ok := timelineTypes[timelineType]

	return eventType, ok
}

// Types returns every published event type.
func Types() []EventType {
	types := make([]EventType, 0, len(timelineTypes))
	for _, eventType := range timelineTypes {
		types = append(types, eventType)
	}

	return types
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ExecutionEvent is a stored timeline entry as seen by subscribers. ID is the
// timeline entry id, so a redelivered message can be recognized.
type ExecutionEvent struct {
	BaseEvent

	ExecutionID  string                   `json:"execution_id"`
	TimelineType models.WorkflowEventType `json:"timeline_type"`
	Details      map[string]any           `json:"details,omitempty"`
}

func (e ExecutionEvent) GetType() EventType {
	return e.Type
}

// FromTimeline builds the published form of a stored timeline entry.
func FromTimeline(event *models.WorkflowEvent) (*ExecutionEvent, bool) {
	eventType, ok := TypeOf(event.Type)
	if !ok {
		return nil, false
	}

	return &ExecutionEvent{
		BaseEvent: BaseEvent{
			ID:        event.ID,
			Type:      eventType,
			Timestamp: event.CreatedAt,
			Metadata:  make(map[string]any),
		},
		ExecutionID:  event.ExecutionID,
		TimelineType: event.Type,
		Details:      event.Details,
	}, true
}
