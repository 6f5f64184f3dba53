// Package definitions reads workflow templates from YAML files.
package definitions

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/snapshot"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Definition is a workflow template as written in a definition file.
type Definition struct {
	Name        string                  `yaml:"name"        validate:"required,min=3"`
	Description string                  `yaml:"description"`
	Steps       []models.StepDefinition `yaml:"steps"       validate:"required,min=1,dive"`

	// Path is the file the definition was loaded from.
	Path string `yaml:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes a single definition. Unknown keys are rejected and step
// parameters are normalized to their JSON form.
func Parse(data []byte) (*Definition, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var def Definition
	if err := decoder.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty workflow definition", models.ErrValidation)
		}

		return nil, fmt.Errorf("%w: invalid workflow definition: %v", models.ErrValidation, err)
	}

	if err := validate.Struct(def); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	for i, step := range def.Steps {
		normalized, err := snapshot.Normalize(step.Parameters)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d (%s): %v", models.ErrValidation, i, step.Name, err)
		}

		params, _ := normalized.(map[string]any)
		def.Steps[i].Parameters = params
	}

	return &def, nil
}

// Load reads the definition at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}

	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	def.Path = path

	return def, nil
}

// LoadDir reads every .yaml and .yml file of dir, sorted by file name.
func LoadDir(dir string) ([]*Definition, error) {
	var paths []string

	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}

		paths = append(paths, matches...)
	}

	slices.Sort(paths)

	defs := make([]*Definition, 0, len(paths))

	for _, path := range paths {
		def, err := Load(path)
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	return defs, nil
}
