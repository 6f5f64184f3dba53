// Package molecules provides entity-set providers that yield molecules.
package molecules

import (
	"context"
	"fmt"
	"iter"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
)

// Static yields the molecules listed in its parameters, as entered by a user.
type Static struct{}

func NewStatic() *Static {
	return &Static{}
}

func (p *Static) ID() string {
	return "static"
}

func (p *Static) Name() string {
	return "User molecule list"
}

func (p *Static) Description() string {
	return "Molecules supplied directly in the step parameters"
}

func (p *Static) Version() string {
	return "1.0"
}

func (p *Static) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"molecules": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"inchikey": map[string]any{"type": "string", "minLength": 1},
						"smiles":   map[string]any{"type": "string"},
						"inchi":    map[string]any{"type": "string"},
						"name":     map[string]any{"type": "string"},
					},
					"required": []string{"inchikey"},
				},
			},
		},
		"required": []string{"molecules"},
	}
}

func (p *Static) Fetch(_ context.Context, params map[string]any) (iter.Seq2[protocol.EntityDescriptor, error], error) {
	items, ok := params["molecules"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: 'molecules' must be a list", models.ErrValidation)
	}

	return func(yield func(protocol.EntityDescriptor, error) bool) {
		for i, item := range items {
			descriptor, err := descriptorFrom(item)
			if err != nil {
				yield(protocol.EntityDescriptor{}, fmt.Errorf("molecule %d: %w", i, err))

				return
			}

			if !yield(descriptor, nil) {
				return
			}
		}
	}, nil
}

func descriptorFrom(item any) (protocol.EntityDescriptor, error) {
	fields, ok := item.(map[string]any)
	if !ok {
		return protocol.EntityDescriptor{}, fmt.Errorf("%w: molecule must be an object", models.ErrValidation)
	}

	descriptor := protocol.EntityDescriptor{}
	descriptor.InChIKey, _ = fields["inchikey"].(string)
	descriptor.SMILES, _ = fields["smiles"].(string)
	descriptor.InChI, _ = fields["inchi"].(string)
	descriptor.CommonName, _ = fields["name"].(string)

	if descriptor.InChIKey == "" {
		return protocol.EntityDescriptor{}, fmt.Errorf("%w: molecule requires an inchikey", models.ErrValidation)
	}

	return descriptor, nil
}
