package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/cadmaflow/pkg/config"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/registry"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dukex/cadmaflow/pkg/services"

// Dependencies is everything the engine is built from.
type Dependencies struct {
	Persistence persistence.Persistence
	Registry    *registry.Registry
	Config      config.Engine
	Notifier    Notifier
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Engine groups the services that make up the workflow engine.
type Engine struct {
	Molecules  *Molecules
	Records    *Records
	Providers  *Providers
	Workflows  *Workflows
	Steps      *Steps
	Executions *Executions
	Branching  *Branching
	Selections *Selections

	persistence persistence.Persistence
	registry    *registry.Registry
}

// New wires the engine services. A missing notifier, logger or tracer falls
// back to a no-op implementation.
func New(deps Dependencies) (*Engine, error) {
	if deps.Persistence == nil {
		return nil, errors.New("engine requires a persistence layer")
	}

	if deps.Registry == nil {
		return nil, errors.New("engine requires a component registry")
	}

	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}

	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	timeline := newTimeline(deps.Persistence.EventRepository(), deps.Notifier, deps.Logger)

	molecules := &Molecules{
		repo:     deps.Persistence.MoleculeRepository(),
		validate: validate,
		logger:   deps.Logger.With("module", "molecules"),
	}

	providers := &Providers{
		registry: deps.Registry,
		records:  deps.Persistence.RecordRepository(),
		runs:     deps.Persistence.ProviderRunRepository(),
		config:   deps.Config,
		logger:   deps.Logger.With("module", "providers"),
		tracer:   deps.Tracer,
	}

	steps := &Steps{
		persistence: deps.Persistence,
		registry:    deps.Registry,
		providers:   providers,
		molecules:   molecules,
		timeline:    timeline,
		config:      deps.Config,
		logger:      deps.Logger.With("module", "steps"),
		tracer:      deps.Tracer,
	}

	workflows := &Workflows{
		repo:     deps.Persistence.WorkflowRepository(),
		registry: deps.Registry,
		validate: validate,
	}

	branching := &Branching{
		persistence: deps.Persistence,
		registry:    deps.Registry,
		workflows:   workflows,
		timeline:    timeline,
		logger:      deps.Logger.With("module", "branching"),
		tracer:      deps.Tracer,
	}

	return &Engine{
		Molecules: molecules,
		Records: &Records{
			repo:      deps.Persistence.RecordRepository(),
			molecules: deps.Persistence.MoleculeRepository(),
			validate:  validate,
			logger:    deps.Logger.With("module", "records"),
			tracer:    deps.Tracer,
		},
		Providers: providers,
		Workflows: workflows,
		Steps:     steps,
		Executions: &Executions{
			persistence: deps.Persistence,
			workflows:   workflows,
			steps:       steps,
			timeline:    timeline,
			locks:       newKeyedMutex(),
			concurrency: deps.Config.ComputeConcurrency,
			logger:      deps.Logger.With("module", "executions"),
			tracer:      deps.Tracer,
		},
		Branching: branching,
		Selections: &Selections{
			persistence: deps.Persistence,
			branching:   branching,
			timeline:    timeline,
			validate:    validate,
			logger:      deps.Logger.With("module", "selections"),
			tracer:      deps.Tracer,
		},
		persistence: deps.Persistence,
		registry:    deps.Registry,
	}, nil
}

// HealthCheck checks the persistence layer and the registered components.
func (e *Engine) HealthCheck(ctx context.Context) (string, bool) {
	if err := e.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return e.registry.HealthCheck()
}

// Components lists the registered step types and providers.
func (e *Engine) Components() []registry.Component {
	return e.registry.Components()
}
