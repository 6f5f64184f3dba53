// Package registry keeps the step types and providers known to the engine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// ErrNotRegistered is returned when a step type or provider id is unknown.
var ErrNotRegistered = errors.New("component not registered")

type Registry struct {
	logger            *slog.Logger
	mu                sync.RWMutex
	stepFactories     map[string]protocol.StepFactory
	entitySetProvider map[string]protocol.EntitySetProvider
	propertyProvider  map[string]protocol.PropertyProvider
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:            log,
		stepFactories:     make(map[string]protocol.StepFactory),
		entitySetProvider: make(map[string]protocol.EntitySetProvider),
		propertyProvider:  make(map[string]protocol.PropertyProvider),
	}
}

func (r *Registry) RegisterStep(factory protocol.StepFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stepFactories[factory.ID()] = factory
}

func (r *Registry) RegisterEntitySetProvider(provider protocol.EntitySetProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entitySetProvider[provider.ID()] = provider
}

func (r *Registry) RegisterPropertyProvider(provider protocol.PropertyProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.propertyProvider[provider.ID()] = provider
}

// StepFactory returns the factory registered for stepType.
func (r *Registry) StepFactory(stepType string) (protocol.StepFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.stepFactories[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: step type '%s'", ErrNotRegistered, stepType)
	}

	return factory, nil
}

// CreateStep validates params against the step schema and builds the step.
func (r *Registry) CreateStep(ctx context.Context, stepType string, params map[string]any) (protocol.Step, error) {
	factory, err := r.StepFactory(stepType)
	if err != nil {
		return nil, err
	}

	if err := ValidateParameters(factory.Schema(), params); err != nil {
		return nil, fmt.Errorf("step type '%s': %w", stepType, err)
	}

	return factory.Create(ctx, params)
}

func (r *Registry) EntitySetProvider(id string) (protocol.EntitySetProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.entitySetProvider[id]
	if !ok {
		return nil, fmt.Errorf("%w: entity set provider '%s'", ErrNotRegistered, id)
	}

	return provider, nil
}

func (r *Registry) PropertyProvider(id string) (protocol.PropertyProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.propertyProvider[id]
	if !ok {
		return nil, fmt.Errorf("%w: property provider '%s'", ErrNotRegistered, id)
	}

	return provider, nil
}

// Component describes a registered step type or provider.
type Component struct {
	Kind        string         `json:"kind"`
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     string         `json:"version,omitempty"`
	Schema      map[string]any `json:"schema"`
}

// Components lists everything registered, sorted by kind then id.
func (r *Registry) Components() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	components := make([]Component, 0, len(r.stepFactories)+len(r.entitySetProvider)+len(r.propertyProvider))

	for _, f := range r.stepFactories {
		components = append(components, Component{Kind: "step", ID: f.ID(), Name: f.Name(), Description: f.Description(), Schema: f.Schema()})
	}

	for _, p := range r.entitySetProvider {
		components = append(components, Component{Kind: string(models.ProviderKindEntitySet), ID: p.ID(), Name: p.Name(), Description: p.Description(), Version: p.Version(), Schema: p.Schema()})
	}

	for _, p := range r.propertyProvider {
		components = append(components, Component{Kind: string(models.ProviderKindProperty), ID: p.ID(), Name: p.Name(), Description: p.Description(), Version: p.Version(), Schema: p.Schema()})
	}

	slices.SortFunc(components, func(a, b Component) int {
		if c := strings.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return components
}

// HealthCheck reports whether at least one step type is available.
func (r *Registry) HealthCheck() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.stepFactories) == 0 {
		return "no step types registered", false
	}

	return fmt.Sprintf("%d step types, %d providers registered", len(r.stepFactories), len(r.entitySetProvider)+len(r.propertyProvider)), true
}

// ValidateParameters checks params against a JSON schema. A nil schema accepts anything.
func ValidateParameters(schema map[string]any, params map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("%w: invalid parameters: %v", models.ErrValidation, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			messages = append(messages, e.String())
		}

		return fmt.Errorf("%w: %s", models.ErrValidation, strings.Join(messages, "; "))
	}

	return nil
}

func (r *Registry) LoadStepPlugins(ctx context.Context, pluginsPath string) ([]protocol.StepFactory, error) {
	return loadPlugin[protocol.StepFactory](ctx, r.logger, pluginsPath, "Step")
}

func (r *Registry) LoadPropertyProviderPlugins(ctx context.Context, pluginsPath string) ([]protocol.PropertyProvider, error) {
	return loadPlugin[protocol.PropertyProvider](ctx, r.logger, pluginsPath, "PropertyProvider")
}

func loadPlugin[T any](ctx context.Context, logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"

	if _, err := os.Stat(rootPath); os.IsNotExist(err) {
		return []T{}, nil
	}

	pluginPathList, err := fs.Glob(os.DirFS(rootPath), "*/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", rootPath), slog.String("type", symbolName))
	l.InfoContext(ctx, "Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s does not export %s: %w", p, symbolName, err)
		}

		var castV T

		switch symbol := v.(type) {
		case T:
			castV = symbol
		case *T:
			castV = *symbol
		default:
			return nil, fmt.Errorf("plugin %s: %s has unexpected type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, castV)

		l.InfoContext(ctx, "Loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
