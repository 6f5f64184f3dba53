package compute

import (
	"context"
	"slices"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

// Step produces one data shape for the molecules of the entity set.
type Step struct {
	provider string
	shape    models.DataShape
	params   map[string]any
}

func New(provider string, shape models.DataShape, params map[string]any) *Step {
	return &Step{provider: provider, shape: shape, params: params}
}

func (s *Step) Contract() models.StepContract {
	return models.StepContract{
		RequiresEntitySet: true,
		Produces:          []models.DataShape{s.shape},
	}
}

// Process splits the molecules into batches of at most MaxBatchSize and runs
// up to Concurrency batches at once. Records keep the molecule order.
func (s *Step) Process(ctx context.Context, in protocol.StepInput) (*protocol.StepOutput, error) {
	batches := batch(in.Molecules, in.MaxBatchSize)
	results := make([][]*models.DataRecord, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(in.Concurrency, 1))

	for i, molecules := range batches {
		g.Go(func() error {
			records, err := in.Providers.ProduceProperties(gctx, s.provider, molecules, s.params)
			if err != nil {
				return err
			}

			results[i] = records

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := slices.Concat(results...)

	in.Logger.InfoContext(ctx, "computed property",
		"provider", s.provider,
		"property", s.shape.Property,
		"molecules", len(in.Molecules),
		"batches", len(batches),
	)

	return &protocol.StepOutput{
		Records:       records,
		ProvidersUsed: []string{s.provider},
	}, nil
}

func batch(molecules []*models.Molecule, size int) [][]*models.Molecule {
	if len(molecules) == 0 {
		return nil
	}

	if size <= 0 {
		return [][]*models.Molecule{molecules}
	}

	return slices.Collect(slices.Chunk(molecules, size))
}
