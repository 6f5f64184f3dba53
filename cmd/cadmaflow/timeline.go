package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/cadmaflow/pkg/cmd"
	"github.com/dukex/cadmaflow/pkg/eventbus"
	"github.com/dukex/cadmaflow/pkg/events"
	applog "github.com/dukex/cadmaflow/pkg/log"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

// TimelineLogger writes the execution events it receives to the log.
type TimelineLogger struct {
	logger *log.Entry
}

func NewTimelineLogger(logger *log.Entry) *TimelineLogger {
	return &TimelineLogger{logger: logger}
}

// Register handles the given event types, or every published type when none
// is given.
func (l *TimelineLogger) Register(bus eventbus.EventSubscriber, types []events.EventType) error {
	if len(types) == 0 {
		types = events.Types()
	}

	for _, eventType := range types {
		if err := bus.Handle(eventType, l.Log); err != nil {
			return err
		}
	}

	return nil
}

func (l *TimelineLogger) Log(_ context.Context, event *events.ExecutionEvent) error {
	entry := l.logger.WithFields(log.Fields{
		"event_id":     event.ID,
		"type":         event.Type,
		"execution_id": event.ExecutionID,
		"at":           event.Timestamp,
	})

	for key, value := range event.Details {
		entry = entry.WithField(key, value)
	}

	entry.Info("Execution event")

	return nil
}

func timelineCommand() *cli.Command {
	return &cli.Command{
		Name:  "timeline",
		Usage: "Log the execution events published on the event bus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			brokersFlag(),
			&cli.StringSliceFlag{
				Name:  "type",
				Usage: "Event type to log, such as step.failed; every type when omitted",
			},
			logLevelFlag(),
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			applog.Setup(command.String("log-level"))

			bus, err := cmd.NewEventBus(command.String("event-bus"), command.StringSlice("kafka-brokers"), applog.WithModule("timeline"))
			if err != nil {
				return err
			}

			if bus == nil {
				return errors.New("an event bus is required")
			}

			defer func() {
				if err := bus.Close(); err != nil {
					log.WithError(err).Error("Failed to close event bus")
				}
			}()

			types := make([]events.EventType, 0, len(command.StringSlice("type")))
			for _, eventType := range command.StringSlice("type") {
				types = append(types, events.EventType(eventType))
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := log.WithField("consumer", "timeline")

			if err := NewTimelineLogger(logger).Register(bus, types); err != nil {
				return err
			}

			if err := bus.Subscribe(ctx); err != nil {
				return err
			}

			logger.Info("Listening for execution events")
			<-ctx.Done()

			return nil
		},
	}
}
