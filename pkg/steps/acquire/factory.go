// Package acquire provides the step that fetches a molecule set from an
// entity-set provider.
package acquire

import (
	"context"

	"github.com/dukex/cadmaflow/pkg/protocol"
)

const Type = "acquire_molecules"

// Factory creates acquire steps.
type Factory struct{}

func NewFactory() protocol.StepFactory {
	return &Factory{}
}

func (f *Factory) Create(_ context.Context, params map[string]any) (protocol.Step, error) {
	return New(params)
}

func (f *Factory) ID() string {
	return Type
}

func (f *Factory) Name() string {
	return "Acquire molecules"
}

func (f *Factory) Description() string {
	return "Fetches molecules from an entity-set provider and stores them as a molecule set"
}

// Schema describes the step's own parameters. Every other parameter is passed
// to the provider and checked against its schema.
func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"provider": map[string]any{
				"type":        "string",
				"description": "Entity-set provider to fetch molecules from",
				"examples":    []string{"catalog", "static"},
			},
			"set_name": map[string]any{
				"type":        "string",
				"description": "Name of the molecule set produced",
			},
		},
		"required": []string{"provider"},
		"examples": []map[string]any{
			{"provider": "catalog", "sets": []string{"user", "test"}},
			{"provider": "static", "molecules": []map[string]any{{"inchikey": "LFQSCWFLJHTTHZ-UHFFFAOYSA-N", "smiles": "CCO"}}},
		},
	}
}
