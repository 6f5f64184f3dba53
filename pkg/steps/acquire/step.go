package acquire

import (
	"context"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
	"github.com/dukex/cadmaflow/pkg/steps"
)

const setNameParameter = "set_name"

// Step fetches descriptors and turns them into a molecule set.
type Step struct {
	provider string
	setName  string
	params   map[string]any
}

func New(params map[string]any) (*Step, error) {
	provider, err := steps.RequiredString(params, steps.ProviderParameter)
	if err != nil {
		return nil, err
	}

	return &Step{
		provider: provider,
		setName:  steps.OptionalString(params, setNameParameter, ""),
		params:   steps.ProviderParameters(params, setNameParameter),
	}, nil
}

func (s *Step) Contract() models.StepContract {
	return models.StepContract{ProducesEntitySet: true}
}

func (s *Step) Process(ctx context.Context, in protocol.StepInput) (*protocol.StepOutput, error) {
	descriptors, err := in.Providers.FetchEntities(ctx, s.provider, s.params)
	if err != nil {
		return nil, err
	}

	in.Logger.InfoContext(ctx, "acquired molecules", "provider", s.provider, "count", len(descriptors))

	return &protocol.StepOutput{
		EntitySet: &protocol.EntitySetOutput{
			Name:        s.setName,
			Descriptors: descriptors,
		},
		ProvidersUsed: []string{s.provider},
	}, nil
}
