package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/cadmaflow/pkg/config"
	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/otelhelper"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/protocol"
	"github.com/dukex/cadmaflow/pkg/registry"
	"github.com/dukex/cadmaflow/pkg/snapshot"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Providers is the gateway between steps and registered providers. Every call
// is validated against the provider schema, bounded by the configured timeout
// and recorded as a provider run.
type Providers struct {
	registry *registry.Registry
	records  persistence.RecordRepository
	runs     persistence.ProviderRunRepository
	config   config.Engine
	logger   *slog.Logger
	tracer   trace.Tracer
}

// For returns a gateway whose provider runs are attributed to a step execution.
func (p *Providers) For(stepExecutionID string) protocol.ProviderGateway {
	return &stepGateway{providers: p, stepExecutionID: stepExecutionID}
}

func (p *Providers) FetchEntities(ctx context.Context, providerID string, params map[string]any) ([]protocol.EntityDescriptor, error) {
	return p.fetchEntities(ctx, "", providerID, params)
}

func (p *Providers) ProduceProperties(ctx context.Context, providerID string, molecules []*models.Molecule, params map[string]any) ([]*models.DataRecord, error) {
	return p.produceProperties(ctx, "", providerID, molecules, params)
}

func (p *Providers) GetRun(ctx context.Context, id string) (*models.ProviderRun, error) {
	return p.runs.GetByID(ctx, id)
}

type stepGateway struct {
	providers       *Providers
	stepExecutionID string
}

func (g *stepGateway) FetchEntities(ctx context.Context, providerID string, params map[string]any) ([]protocol.EntityDescriptor, error) {
	return g.providers.fetchEntities(ctx, g.stepExecutionID, providerID, params)
}

func (g *stepGateway) ProduceProperties(ctx context.Context, providerID string, molecules []*models.Molecule, params map[string]any) ([]*models.DataRecord, error) {
	return g.providers.produceProperties(ctx, g.stepExecutionID, providerID, molecules, params)
}

func (p *Providers) fetchEntities(ctx context.Context, stepExecutionID, providerID string, params map[string]any) ([]protocol.EntityDescriptor, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "services.Providers.FetchEntities",
		attribute.String(otelhelper.ProviderIDKey, providerID),
		attribute.String(otelhelper.StepExecutionIDKey, stepExecutionID),
	)
	defer span.End()

	provider, err := p.registry.EntitySetProvider(providerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	params, err = normalizeParameters(params)
	if err != nil {
		return nil, err
	}

	if err := registry.ValidateParameters(provider.Schema(), params); err != nil {
		return nil, fmt.Errorf("provider %s: %w", providerID, err)
	}

	run, err := models.NewProviderRun(providerID, models.ProviderKindEntitySet, provider.Version(), params)
	if err != nil {
		return nil, err
	}

	run.StepExecutionID = stepExecutionID

	descriptors, err := callWithTimeout(ctx, p.config.ProviderTimeout, providerID, func(ctx context.Context) ([]protocol.EntityDescriptor, error) {
		seq, err := provider.Fetch(ctx, params)
		if err != nil {
			return nil, err
		}

		collected := make([]protocol.EntityDescriptor, 0)

		for descriptor, err := range seq {
			if err != nil {
				return nil, err
			}

			if descriptor.InChIKey == "" {
				return nil, fmt.Errorf("%w: descriptor %d has no inchikey", ErrValidation, len(collected))
			}

			if err := ctx.Err(); err != nil {
				return nil, err
			}

			collected = append(collected, descriptor)
		}

		return collected, nil
	})

	run.Produced = len(descriptors)
	p.finishRun(ctx, run, err)

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("provider %s: %w", providerID, err)
	}

	return descriptors, nil
}

func (p *Providers) produceProperties(
	ctx context.Context,
	stepExecutionID, providerID string,
	molecules []*models.Molecule,
	params map[string]any,
) ([]*models.DataRecord, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "services.Providers.ProduceProperties",
		attribute.String(otelhelper.ProviderIDKey, providerID),
		attribute.String(otelhelper.StepExecutionIDKey, stepExecutionID),
		attribute.Int("cadmaflow.provider.molecules", len(molecules)),
	)
	defer span.End()

	provider, err := p.registry.PropertyProvider(providerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if len(molecules) > p.config.MaxEntitiesPerBatch {
		return nil, fmt.Errorf("%w: %d molecules exceed the batch limit of %d", ErrValidation, len(molecules), p.config.MaxEntitiesPerBatch)
	}

	params, err = normalizeParameters(params)
	if err != nil {
		return nil, err
	}

	if err := registry.ValidateParameters(provider.Schema(), params); err != nil {
		return nil, fmt.Errorf("provider %s: %w", providerID, err)
	}

	shape, err := provider.Produces(params)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", providerID, err)
	}

	hash, err := snapshot.HashParameters(params)
	if err != nil {
		return nil, err
	}

	reused, err := p.existingRecords(ctx, provider, shape, hash, molecules)
	if err != nil {
		return nil, err
	}

	missing := make([]*models.Molecule, 0, len(molecules))

	for _, molecule := range molecules {
		if _, ok := reused[molecule.ID]; !ok {
			missing = append(missing, molecule)
		}
	}

	run, err := models.NewProviderRun(providerID, models.ProviderKindProperty, provider.Version(), params)
	if err != nil {
		return nil, err
	}

	run.StepExecutionID = stepExecutionID
	run.Reused = len(reused)

	produced := make(map[string]*models.DataRecord, len(missing))

	if len(missing) > 0 {
		var records []*models.DataRecord

		records, err = callWithTimeout(ctx, p.config.ProviderTimeout, providerID, func(ctx context.Context) ([]*models.DataRecord, error) {
			return provider.Produce(ctx, missing, params)
		})
		if err == nil {
			err = p.checkProduced(records, shape, missing)
		}

		for _, record := range records {
			record.SourceName = provider.ID()
			record.SourceVersion = provider.Version()
			record.ParametersHash = hash
			record.ProducedBy = stepExecutionID

			if record.ProducedBy == "" {
				record.ProducedBy = run.ID
			}

			produced[record.MoleculeID] = record
		}

		run.Produced = len(records)
	}

	p.finishRun(ctx, run, err)

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("provider %s: %w", providerID, err)
	}

	result := make([]*models.DataRecord, 0, len(molecules))

	for _, molecule := range molecules {
		if record, ok := reused[molecule.ID]; ok {
			result = append(result, record)

			continue
		}

		if record, ok := produced[molecule.ID]; ok {
			result = append(result, record)
		}
	}

	p.logger.DebugContext(ctx, "provider produced records",
		"provider_id", providerID,
		"step_execution_id", stepExecutionID,
		"produced", run.Produced,
		"reused", run.Reused,
	)

	return result, nil
}

// existingRecords finds frozen records produced earlier by the same provider
// version with the same parameters, keyed by molecule id.
func (p *Providers) existingRecords(
	ctx context.Context,
	provider protocol.PropertyProvider,
	shape models.DataShape,
	hash string,
	molecules []*models.Molecule,
) (map[string]*models.DataRecord, error) {
	ids := make([]string, 0, len(molecules))
	for _, molecule := range molecules {
		ids = append(ids, molecule.ID)
	}

	if len(ids) == 0 {
		return map[string]*models.DataRecord{}, nil
	}

	found, err := p.records.Find(ctx, persistence.RecordFilter{
		MoleculeIDs:    ids,
		Property:       shape.Property,
		SourceName:     provider.ID(),
		SourceVersion:  provider.Version(),
		ParametersHash: hash,
		FrozenOnly:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing records: %w", err)
	}

	existing := make(map[string]*models.DataRecord, len(found))

	for _, record := range found {
		if record.NativeType != shape.NativeType {
			continue
		}

		// Find is ordered by creation, the latest record wins.
		existing[record.MoleculeID] = record
	}

	return existing, nil
}

func (p *Providers) checkProduced(records []*models.DataRecord, shape models.DataShape, requested []*models.Molecule) error {
	allowed := make(map[string]bool, len(requested))
	for _, molecule := range requested {
		allowed[molecule.ID] = true
	}

	seen := make(map[string]bool, len(records))

	for _, record := range records {
		switch {
		case !allowed[record.MoleculeID]:
			return fmt.Errorf("%w: record for unrequested molecule %s", ErrValidation, record.MoleculeID)
		case seen[record.MoleculeID]:
			return fmt.Errorf("%w: several records for molecule %s", ErrValidation, record.MoleculeID)
		case record.Property != shape.Property:
			return fmt.Errorf("%w: record property %s, expected %s", ErrValidation, record.Property, shape.Property)
		case record.NativeType != shape.NativeType:
			return fmt.Errorf("%w: record of %s is %s, expected %s", ErrTypeMismatch, record.Property, record.NativeType, shape.NativeType)
		case record.IsFrozen:
			return fmt.Errorf("%w: provider returned frozen record %s", ErrValidation, record.ID)
		}

		if err := record.CheckValue(); err != nil {
			return err
		}

		seen[record.MoleculeID] = true
	}

	return nil
}

func (p *Providers) finishRun(ctx context.Context, run *models.ProviderRun, err error) {
	run.Finish(err)

	if saveErr := p.runs.Save(context.WithoutCancel(ctx), run); saveErr != nil {
		p.logger.ErrorContext(ctx, "failed to save provider run", "provider_run_id", run.ID, "error", saveErr)
	}
}

// callWithTimeout runs call with a deadline. The caller gets
// ErrProviderUnavailable once the deadline passes, even when the provider
// ignores its context.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, providerID string, call func(context.Context) (T, error)) (T, error) {
	var zero T

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}

	done := make(chan outcome, 1)

	go func() {
		value, err := call(callCtx)
		done <- outcome{value: value, err: err}
	}()

	unavailable := func() error {
		return fmt.Errorf("%w: %s did not answer within %s", ErrProviderUnavailable, providerID, timeout)
	}

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, unavailable()
		}

		return out.value, out.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		return zero, unavailable()
	}
}

// normalizeParameters gives parameters the shape they have after a JSON round
// trip, which is what schemas and providers expect.
func normalizeParameters(params map[string]any) (map[string]any, error) {
	normalized, err := snapshot.Normalize(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	out, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: parameters must be an object", ErrValidation)
	}

	return out, nil
}
