// Package compute provides the step that asks a property provider for values
// over the current molecule set.
package compute

import (
	"context"
	"fmt"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
	"github.com/dukex/cadmaflow/pkg/steps"
)

const Type = "compute_property"

// PropertyProviders looks up property providers by id.
type PropertyProviders interface {
	PropertyProvider(id string) (protocol.PropertyProvider, error)
}

// Factory creates compute steps. The provider is resolved at creation so the
// step can declare what it produces.
type Factory struct {
	providers PropertyProviders
}

func NewFactory(providers PropertyProviders) protocol.StepFactory {
	return &Factory{providers: providers}
}

func (f *Factory) Create(_ context.Context, params map[string]any) (protocol.Step, error) {
	providerID, err := steps.RequiredString(params, steps.ProviderParameter)
	if err != nil {
		return nil, err
	}

	provider, err := f.providers.PropertyProvider(providerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}

	providerParams := steps.ProviderParameters(params)

	shape, err := provider.Produces(providerParams)
	if err != nil {
		return nil, err
	}

	return New(providerID, shape, providerParams), nil
}

func (f *Factory) ID() string {
	return Type
}

func (f *Factory) Name() string {
	return "Compute property"
}

func (f *Factory) Description() string {
	return "Produces one property for every molecule of the current set using a property provider"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"provider": map[string]any{
				"type":        "string",
				"description": "Property provider that produces the values",
				"examples":    []string{"logp", "user_input"},
			},
		},
		"required": []string{"provider"},
		"examples": []map[string]any{
			{"provider": "logp", "algorithm": "v1"},
			{"provider": "logp", "algorithm": "v2", "precision": 3},
		},
	}
}
