package filter

import (
	"context"
	"fmt"
	"reflect"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
	"github.com/dukex/cadmaflow/pkg/steps"
)

// Step keeps molecules whose record passes the test. Molecules without a
// record for the property are dropped.
type Step struct {
	shape   models.DataShape
	min     *float64
	max     *float64
	equals  any
	setName string
}

func New(params map[string]any) (*Step, error) {
	property, err := steps.RequiredString(params, "property")
	if err != nil {
		return nil, err
	}

	nativeType := models.NativeType(steps.OptionalString(params, "native_type", string(models.NativeTypeNumeric)))
	if !nativeType.IsValid() {
		return nil, fmt.Errorf("%w: unknown native type '%s'", models.ErrValidation, nativeType)
	}

	step := &Step{
		shape:   models.DataShape{Property: property, NativeType: nativeType},
		equals:  params["equals"],
		setName: steps.OptionalString(params, "set_name", ""),
	}

	for name, bound := range map[string]**float64{"min": &step.min, "max": &step.max} {
		value, ok, err := steps.OptionalNumber(params, name)
		if err != nil {
			return nil, err
		}

		if ok {
			*bound = &value
		}
	}

	if step.min == nil && step.max == nil && step.equals == nil {
		return nil, fmt.Errorf("%w: one of 'min', 'max' or 'equals' is required", models.ErrValidation)
	}

	if (step.min != nil || step.max != nil) && !numeric(nativeType) {
		return nil, fmt.Errorf("%w: range bounds need a numeric property, got %s", models.ErrValidation, nativeType)
	}

	return step, nil
}

func numeric(nativeType models.NativeType) bool {
	return nativeType == models.NativeTypeNumeric || nativeType == models.NativeTypeInteger
}

func (s *Step) Contract() models.StepContract {
	return models.StepContract{
		RequiresEntitySet: true,
		Requires:          []models.DataShape{s.shape},
		ProducesEntitySet: true,
	}
}

func (s *Step) Process(ctx context.Context, in protocol.StepInput) (*protocol.StepOutput, error) {
	records := in.RecordsByMolecule(s.shape.Property)
	kept := make([]string, 0, len(in.Molecules))

	for _, molecule := range in.Molecules {
		record, ok := records[molecule.ID]
		if !ok {
			continue
		}

		value, err := record.DecodeValue()
		if err != nil {
			return nil, err
		}

		if s.matches(value) {
			kept = append(kept, molecule.ID)
		}
	}

	in.Logger.InfoContext(ctx, "filtered molecules", "property", s.shape.Property, "in", len(in.Molecules), "kept", len(kept))

	name := s.setName
	if name == "" && in.EntitySet != nil {
		name = in.EntitySet.Name + " (" + s.shape.Property + " filtered)"
	}

	return &protocol.StepOutput{
		EntitySet: &protocol.EntitySetOutput{Name: name, MoleculeIDs: kept},
	}, nil
}

func (s *Step) matches(value any) bool {
	if s.equals != nil && !equal(value, s.equals) {
		return false
	}

	if s.min == nil && s.max == nil {
		return true
	}

	number, ok := toFloat(value)
	if !ok {
		return false
	}

	if s.min != nil && number < *s.min {
		return false
	}

	return s.max == nil || number <= *s.max
}

func equal(value, want any) bool {
	a, aok := toFloat(value)
	b, bok := toFloat(want)

	if aok && bok {
		return a == b
	}

	return reflect.DeepEqual(value, want)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
