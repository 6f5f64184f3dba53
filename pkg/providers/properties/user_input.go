package properties

import (
	"context"
	"fmt"

	"github.com/dukex/cadmaflow/pkg/models"
)

// UserInput turns values typed in by a user into records. Values are keyed by
// InChIKey; molecules without a value are skipped.
type UserInput struct{}

func NewUserInput() *UserInput {
	return &UserInput{}
}

func (p *UserInput) ID() string {
	return "user_input"
}

func (p *UserInput) Name() string {
	return "User input"
}

func (p *UserInput) Description() string {
	return "Values entered manually by the user, keyed by InChIKey"
}

func (p *UserInput) Version() string {
	return "1.0"
}

func (p *UserInput) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"property":    map[string]any{"type": "string", "minLength": 1},
			"native_type": map[string]any{"type": "string", "enum": []string{"numeric", "integer", "text", "boolean", "list", "structured"}},
			"values":      map[string]any{"type": "object"},
			"user_tag":    map[string]any{"type": "string"},
		},
		"required": []string{"property", "native_type", "values"},
	}
}

func (p *UserInput) Produces(params map[string]any) (models.DataShape, error) {
	property, _ := params["property"].(string)
	nativeType, _ := params["native_type"].(string)

	if property == "" || !models.NativeType(nativeType).IsValid() {
		return models.DataShape{}, fmt.Errorf("%w: user input requires 'property' and a known 'native_type'", models.ErrValidation)
	}

	return models.DataShape{Property: property, NativeType: models.NativeType(nativeType)}, nil
}

func (p *UserInput) Produce(_ context.Context, molecules []*models.Molecule, params map[string]any) ([]*models.DataRecord, error) {
	shape, err := p.Produces(params)
	if err != nil {
		return nil, err
	}

	values, _ := params["values"].(map[string]any)
	userTag, _ := params["user_tag"].(string)

	records := make([]*models.DataRecord, 0, len(molecules))

	for _, molecule := range molecules {
		value, ok := values[molecule.InChIKey]
		if !ok {
			continue
		}

		record, err := models.NewDataRecord(molecule.ID, shape.Property, shape.NativeType, value, models.RecordSourceUser)
		if err != nil {
			return nil, fmt.Errorf("value for %s: %w", molecule.InChIKey, err)
		}

		record.UserTag = userTag
		records = append(records, record)
	}

	return records, nil
}
