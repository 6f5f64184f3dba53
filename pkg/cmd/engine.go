package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/cadmaflow/pkg/config"
	"github.com/dukex/cadmaflow/pkg/eventbus"
	"github.com/dukex/cadmaflow/pkg/otelhelper"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/services"
	"go.opentelemetry.io/otel/trace"
)

// Options are the settings shared by every binary.
type Options struct {
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	ConfigFile  string
	PluginsPath string
	Remotes     []string
	EventBus    string
	Brokers     []string
	Tracing     bool
}

// Runtime is a wired engine and the resources it owns.
type Runtime struct {
	Engine      *services.Engine
	Persistence persistence.Persistence
	EventBus    *eventbus.WatermillEventBus

	shutdownTracing otelhelper.Shutdown
	logger          *slog.Logger
}

// NewRuntime builds the engine described by opts.
func NewRuntime(ctx context.Context, logger *slog.Logger, serviceName string, opts Options) (*Runtime, error) {
	engineConfig, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}

	reg, err := NewRegistry(ctx, logger, opts.PluginsPath, opts.Remotes)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	var (
		tracer          trace.Tracer
		shutdownTracing otelhelper.Shutdown
	)

	if opts.Tracing {
		tracer, shutdownTracing, err = otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
	}

	p, err := NewPersistence(ctx, logger, opts.DatabaseURL, opts.RedisURL, opts.CacheTTL)
	if err != nil {
		return nil, err
	}

	bus, err := NewEventBus(opts.EventBus, opts.Brokers, logger)
	if err != nil {
		_ = p.Close(ctx)

		return nil, err
	}

	deps := services.Dependencies{
		Persistence: p,
		Registry:    reg,
		Config:      engineConfig,
		Logger:      logger,
		Tracer:      tracer,
	}

	if bus != nil {
		deps.Notifier = eventbus.NewNotifier(bus)
	}

	engine, err := services.New(deps)
	if err != nil {
		_ = p.Close(ctx)

		return nil, err
	}

	return &Runtime{
		Engine:          engine,
		Persistence:     p,
		EventBus:        bus,
		shutdownTracing: shutdownTracing,
		logger:          logger,
	}, nil
}

// Close releases the event bus and the persistence layer, then flushes spans.
func (r *Runtime) Close(ctx context.Context) {
	if r.shutdownTracing != nil {
		defer func() {
			if err := r.shutdownTracing(ctx); err != nil {
				r.logger.ErrorContext(ctx, "Failed to flush traces", "error", err)
			}
		}()
	}

	if r.EventBus != nil {
		if err := r.EventBus.Close(); err != nil {
			r.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if err := r.Persistence.Close(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}
