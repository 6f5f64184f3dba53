// Package filter provides the step that narrows a molecule set by the value of
// one property.
package filter

import (
	"context"

	"github.com/dukex/cadmaflow/pkg/protocol"
)

const Type = "filter_by_property"

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
	return "Filter by property"
}

func (f *Factory) Description() string {
	return "Keeps the molecules whose property value is within a range or equal to a value"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"property": map[string]any{
				"type":        "string",
				"description": "Property whose records are tested",
			},
			"native_type": map[string]any{
				"type":    "string",
				"enum":    []string{"numeric", "integer", "text", "boolean"},
				"default": "numeric",
			},
			"min": map[string]any{
				"type":        "number",
				"description": "Inclusive lower bound for numeric properties",
			},
			"max": map[string]any{
				"type":        "number",
				"description": "Inclusive upper bound for numeric properties",
			},
			"equals": map[string]any{
				"description": "Value the property must equal",
			},
			"set_name": map[string]any{
				"type": "string",
			},
		},
		"required": []string{"property"},
		"examples": []map[string]any{
			{"property": "logp", "min": 0, "max": 3},
			{"property": "approved", "native_type": "boolean", "equals": true},
		},
	}
}
