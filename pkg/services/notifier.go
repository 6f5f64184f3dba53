package services

import (
	"context"
	"log/slog"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
)

// Notifier receives every timeline event once it has been stored.
type Notifier interface {
	Notify(ctx context.Context, event *models.WorkflowEvent) error
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *models.WorkflowEvent) error {
	return nil
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event *models.WorkflowEvent) error

func (f NotifierFunc) Notify(ctx context.Context, event *models.WorkflowEvent) error {
	return f(ctx, event)
}

// timeline stores execution events and forwards them to the notifier. Event
// delivery never fails the operation that emitted it.
type timeline struct {
	events   persistence.EventRepository
	notifier Notifier
	logger   *slog.Logger
}

func newTimeline(events persistence.EventRepository, notifier Notifier, logger *slog.Logger) *timeline {
	return &timeline{
		events:   events,
		notifier: notifier,
		logger:   logger.With("module", "timeline"),
	}
}

func (t *timeline) emit(ctx context.Context, executionID string, eventType models.WorkflowEventType, details map[string]any) {
	ctx = context.WithoutCancel(ctx)

	event, err := models.NewWorkflowEvent(executionID, eventType, details)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to create event", "execution_id", executionID, "type", eventType, "error", err)

		return
	}

	if err := t.events.Append(ctx, event); err != nil {
		t.logger.ErrorContext(ctx, "failed to store event", "execution_id", executionID, "type", eventType, "error", err)

		return
	}

	if err := t.notifier.Notify(ctx, event); err != nil {
		t.logger.WarnContext(ctx, "failed to publish event", "execution_id", executionID, "type", eventType, "error", err)
	}
}
