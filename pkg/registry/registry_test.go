package registry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r := NewRegistry(slog.New(slog.DiscardHandler))
	r.RegisterDefaults()

	return r
}

func TestRegistry_Defaults(t *testing.T) {
	r := newTestRegistry(t)

	for _, stepType := range []string{"acquire_molecules", "compute_property", "filter_by_property"} {
		_, err := r.StepFactory(stepType)
		require.NoError(t, err, stepType)
	}

	for _, id := range []string{"static", "catalog"} {
		_, err := r.EntitySetProvider(id)
		require.NoError(t, err, id)
	}

	for _, id := range []string{"logp", "user_input"} {
		_, err := r.PropertyProvider(id)
		require.NoError(t, err, id)
	}

	status, ok := r.HealthCheck()
	assert.True(t, ok)
	assert.Equal(t, "3 step types, 4 providers registered", status)
}

func TestRegistry_NotRegistered(t *testing.T) {
	r := NewRegistry(slog.New(slog.DiscardHandler))

	_, err := r.StepFactory("missing")
	require.ErrorIs(t, err, ErrNotRegistered)

	_, err = r.EntitySetProvider("missing")
	require.ErrorIs(t, err, ErrNotRegistered)

	_, err = r.PropertyProvider("missing")
	require.ErrorIs(t, err, ErrNotRegistered)

	_, ok := r.HealthCheck()
	assert.False(t, ok)
}

func TestRegistry_CreateStep(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	step, err := r.CreateStep(ctx, "compute_property", map[string]any{"provider": "logp", "algorithm": "v2"})
	require.NoError(t, err)
	assert.Equal(t, []models.DataShape{{Property: "logp", NativeType: models.NativeTypeNumeric}}, step.Contract().Produces)

	_, err = r.CreateStep(ctx, "compute_property", map[string]any{})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = r.CreateStep(ctx, "filter_by_property", map[string]any{"property": "logp", "min": "low"})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = r.CreateStep(ctx, "unknown", nil)
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistry_Components(t *testing.T) {
	r := newTestRegistry(t)

	components := r.Components()
	require.Len(t, components, 7)

	assert.Equal(t, "entity_set", components[0].Kind)
	assert.Equal(t, "catalog", components[0].ID)
	assert.Equal(t, "step", components[len(components)-1].Kind)

	for _, c := range components {
		assert.NotEmpty(t, c.Name, c.ID)
		assert.NotNil(t, c.Schema, c.ID)
	}
}

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"precision": map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"precision"},
	}

	require.NoError(t, ValidateParameters(nil, map[string]any{"anything": true}))
	require.NoError(t, ValidateParameters(schema, map[string]any{"precision": 2}))
	require.ErrorIs(t, ValidateParameters(schema, map[string]any{}), models.ErrValidation)
	require.ErrorIs(t, ValidateParameters(schema, map[string]any{"precision": -1}), models.ErrValidation)
}

func TestLoadPlugins_MissingDirectory(t *testing.T) {
	r := newTestRegistry(t)

	steps, err := r.LoadStepPlugins(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, steps)

	providers, err := r.LoadPropertyProviderPlugins(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, providers)
}
