package molecules

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
)

var referenceSets = map[string][]protocol.EntityDescriptor{
	"user": {
		{InChIKey: "AAA111", CommonName: "User molecule 1", SMILES: "C1=CC=CC=C1"},
		{InChIKey: "BBB222", CommonName: "User molecule 2", SMILES: "CCO"},
	},
	"test": {
		{InChIKey: "CCC333", CommonName: "TEST molecule 1", SMILES: "CCN"},
		{InChIKey: "DDD444", CommonName: "TEST molecule 2", SMILES: "CNC"},
	},
	"ambit": {
		{InChIKey: "EEE555", CommonName: "AMBIT molecule 1", SMILES: "CCCl"},
		{InChIKey: "FFF666", CommonName: "AMBIT molecule 2", SMILES: "CCBr"},
	},
}

// Catalog serves the built-in reference sets. Several sets may be requested
// at once; molecules repeated across sets are yielded once.
type Catalog struct {
	sets map[string][]protocol.EntityDescriptor
}

func NewCatalog() *Catalog {
	return &Catalog{sets: referenceSets}
}

func (p *Catalog) ID() string {
	return "catalog"
}

func (p *Catalog) Name() string {
	return "Reference catalog"
}

func (p *Catalog) Description() string {
	return "Reference molecule sets bundled with the engine (user, test, ambit)"
}

func (p *Catalog) Version() string {
	return "1.0"
}

func (p *Catalog) Schema() map[string]any {
	names := slices.Sorted(maps.Keys(p.sets))

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sets": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"type": "string", "enum": names},
			},
			"limit": map[string]any{"type": "integer", "minimum": 1},
		},
		"required": []string{"sets"},
	}
}

func (p *Catalog) Fetch(_ context.Context, params map[string]any) (iter.Seq2[protocol.EntityDescriptor, error], error) {
	requested, ok := params["sets"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: 'sets' must be a list", models.ErrValidation)
	}

	limit := -1
	if l, ok := params["limit"].(float64); ok {
		limit = int(l)
	}

	if l, ok := params["limit"].(int); ok {
		limit = l
	}

	names := make([]string, 0, len(requested))

	for _, r := range requested {
		name, _ := r.(string)
		if _, exists := p.sets[name]; !exists {
			return nil, fmt.Errorf("%w: unknown reference set '%v'", models.ErrValidation, r)
		}

		names = append(names, name)
	}

	return func(yield func(protocol.EntityDescriptor, error) bool) {
		seen := make(map[string]bool)
		count := 0

		for _, name := range names {
			for _, descriptor := range p.sets[name] {
				if seen[descriptor.InChIKey] {
					continue
				}

				if limit >= 0 && count >= limit {
					return
				}

				seen[descriptor.InChIKey] = true
				count++

				if !yield(descriptor, nil) {
					return
				}
			}
		}
	}, nil
}
