package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/cadmaflow/pkg/services"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

// ReadyAdvancer advances every execution that can make progress.
type ReadyAdvancer interface {
	AdvanceReady(ctx context.Context) (int, error)
}

// Worker advances pending and running executions on a cron schedule.
type Worker struct {
	executions ReadyAdvancer
	cron       *cron.Cron
	logger     *log.Entry
}

// NewWorker schedules a pass over the ready executions. schedule accepts
// standard cron expressions and descriptors such as "@every 10s".
func NewWorker(ctx context.Context, executions ReadyAdvancer, schedule string, logger *log.Entry) (*Worker, error) {
	w := &Worker{
		executions: executions,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		logger: logger,
	}

	if _, err := w.cron.AddFunc(schedule, func() { w.Tick(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	return w, nil
}

// Tick runs one pass and returns how many executions advanced.
func (w *Worker) Tick(ctx context.Context) int {
	advanced, err := w.executions.AdvanceReady(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Failed to advance executions")

		return 0
	}

	if advanced > 0 {
		w.logger.WithField("advanced", advanced).Info("Advanced executions")
	}

	return advanced
}

func (w *Worker) Start() {
	w.cron.Start()
}

// Stop prevents new passes and waits for a running one.
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Advance ready executions on a schedule",
		Flags: append(engineFlags(),
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron schedule of advancing passes",
				Value:   "@every 10s",
				Sources: cli.EnvVars("WORKER_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Worker ID used in logs",
				Value:   "worker",
			},
		),
		Action: withEngine(func(ctx context.Context, command *cli.Command, engine *services.Engine) error {
			logger := log.WithField("worker_id", command.String("worker-id"))

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			worker, err := NewWorker(ctx, engine.Executions, command.String("schedule"), logger)
			if err != nil {
				return err
			}

			logger.WithField("schedule", command.String("schedule")).Info("Starting worker")
			worker.Start()

			<-ctx.Done()

			logger.Info("Stopping worker")
			worker.Stop()

			return nil
		}),
	}
}
