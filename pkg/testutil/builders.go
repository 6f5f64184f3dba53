// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"log/slog"
	"maps"
	"testing"

	"github.com/dukex/cadmaflow/pkg/config"
	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/persistence/file"
	"github.com/dukex/cadmaflow/pkg/registry"
	"github.com/dukex/cadmaflow/pkg/services"
	"github.com/dukex/cadmaflow/pkg/steps/acquire"
	"github.com/dukex/cadmaflow/pkg/steps/compute"
	"github.com/dukex/cadmaflow/pkg/steps/filter"
	"github.com/stretchr/testify/require"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// NewEngine builds an engine over file persistence in a temporary directory
// with the default step types and providers registered.
func NewEngine(t *testing.T, overrides ...func(*services.Dependencies)) (*services.Engine, persistence.Persistence) {
	t.Helper()

	reg := registry.NewRegistry(Logger())
	reg.RegisterDefaults()

	deps := services.Dependencies{
		Persistence: file.NewPersistence(t.TempDir()),
		Registry:    reg,
		Config:      config.Default(),
		Logger:      Logger(),
	}

	for _, override := range overrides {
		override(&deps)
	}

	engine, err := services.New(deps)
	require.NoError(t, err)

	return engine, deps.Persistence
}

// CatalogStep creates an acquire step reading reference sets from the catalog.
func CatalogStep(name string, sets ...string) models.StepDefinition {
	requested := make([]any, 0, len(sets))
	for _, set := range sets {
		requested = append(requested, set)
	}

	return models.StepDefinition{
		Name:       name,
		Type:       acquire.Type,
		Parameters: map[string]any{"provider": "catalog", "sets": requested},
	}
}

// StaticStep creates an acquire step over molecules given as SMILES keyed by InChIKey.
func StaticStep(name string, smilesByKey map[string]string) models.StepDefinition {
	molecules := make([]any, 0, len(smilesByKey))
	for key, smiles := range smilesByKey {
		molecules = append(molecules, map[string]any{"inchikey": key, "smiles": smiles})
	}

	return models.StepDefinition{
		Name:       name,
		Type:       acquire.Type,
		Parameters: map[string]any{"provider": "static", "molecules": molecules},
	}
}

// ComputeStep creates a compute step calling provider.
func ComputeStep(name, provider string, overrides ...func(*models.StepDefinition)) models.StepDefinition {
	step := models.StepDefinition{
		Name:       name,
		Type:       compute.Type,
		Parameters: map[string]any{"provider": provider},
	}

	for _, override := range overrides {
		override(&step)
	}

	return step
}

// FilterStep creates a filter step on a numeric property.
func FilterStep(name, property string, overrides ...func(*models.StepDefinition)) models.StepDefinition {
	step := models.StepDefinition{
		Name:       name,
		Type:       filter.Type,
		Parameters: map[string]any{"property": property},
	}

	for _, override := range overrides {
		override(&step)
	}

	return step
}

// WithParameters adds parameters to the step definition.
func WithParameters(params map[string]any) func(*models.StepDefinition) {
	return func(s *models.StepDefinition) {
		if s.Parameters == nil {
			s.Parameters = make(map[string]any, len(params))
		}

		maps.Copy(s.Parameters, params)
	}
}

// AllowBranching marks the step as branchable.
func AllowBranching() func(*models.StepDefinition) {
	return func(s *models.StepDefinition) {
		s.AllowsBranching = true
	}
}
