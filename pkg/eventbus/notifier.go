package eventbus

import (
	"context"

	"github.com/dukex/cadmaflow/pkg/events"
	"github.com/dukex/cadmaflow/pkg/models"
)

// Notifier publishes stored timeline entries, keyed by execution id so that
// the events of one execution stay ordered on partitioned brokers.
type Notifier struct {
	publisher EventPublisher
}

func NewNotifier(publisher EventPublisher) *Notifier {
	return &Notifier{publisher: publisher}
}

func (n *Notifier) Notify(ctx context.Context, event *models.WorkflowEvent) error {
	published, ok := events.FromTimeline(event)
	if !ok {
		return nil
	}

	return n.publisher.Publish(ctx, event.ExecutionID, published)
}
