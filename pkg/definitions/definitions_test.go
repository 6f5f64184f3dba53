package definitions_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/cadmaflow/pkg/definitions"
	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const screening = `
name: logP screening
description: acquire, compute and filter
steps:
  - name: acquire
    type: acquire_molecules
    parameters:
      provider: catalog
      sets: [user]
  - name: logp
    type: compute_property
    allows_branching: true
    parameters:
      provider: logp
      precision: 3
  - name: filter
    type: filter_by_property
    parameters:
      property: logp
      max: 2
`

func TestParse(t *testing.T) {
	def, err := definitions.Parse([]byte(screening))
	require.NoError(t, err)

	assert.Equal(t, "logP screening", def.Name)
	require.Len(t, def.Steps, 3)

	assert.Equal(t, "acquire_molecules", def.Steps[0].Type)
	assert.Equal(t, []any{"user"}, def.Steps[0].Parameters["sets"])
	assert.True(t, def.Steps[1].AllowsBranching)
	assert.False(t, def.Steps[2].AllowsBranching)

	// Numbers are normalized the way JSON requests decode them.
	assert.Equal(t, 3.0, def.Steps[1].Parameters["precision"])
	assert.Equal(t, 2.0, def.Steps[2].Parameters["max"])
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: ""},
		{name: "not yaml", data: "name: [unclosed"},
		{name: "unknown key", data: "name: screening\nowner: alice\nsteps:\n  - name: a\n    type: t\n"},
		{name: "name too short", data: "name: ab\nsteps:\n  - name: a\n    type: t\n"},
		{name: "no steps", data: "name: screening\n"},
		{name: "step without type", data: "name: screening\nsteps:\n  - name: a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := definitions.Parse([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(screening), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(screening), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	defs, err := definitions.LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, filepath.Join(dir, "a.yaml"), defs[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.yml"), defs[1].Path)

	_, err = definitions.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ExampleWorkflow(t *testing.T) {
	def, err := definitions.Load(filepath.Join("..", "..", "examples", "workflows", "logp-screening.yaml"))
	require.NoError(t, err)
	assert.Len(t, def.Steps, 3)
}
