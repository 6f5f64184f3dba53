// Package config loads the engine configuration from defaults, an optional
// YAML file and CADMAFLOW_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "CADMAFLOW"

// Engine holds the options of the workflow engine.
type Engine struct {
	// ProviderTimeout bounds every provider call.
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"      validate:"gt=0"`

	// MaxEntitiesPerBatch caps how many molecules a provider receives per call.
	MaxEntitiesPerBatch int `mapstructure:"max_entities_per_batch" validate:"gte=1"`

	// FreezeActor is recorded as FrozenBy on records frozen by step executions.
	FreezeActor string `mapstructure:"freeze_actor"          validate:"required"`

	// ComputeConcurrency is how many provider batches a compute step runs at once.
	ComputeConcurrency int `mapstructure:"compute_concurrency"   validate:"gte=1"`
}

// Default returns the engine options used when nothing is configured.
func Default() Engine {
	return Engine{
		ProviderTimeout:     30 * time.Second,
		MaxEntitiesPerBatch: 500,
		FreezeActor:         "cadmaflow",
		ComputeConcurrency:  4,
	}
}

// Validate checks the options.
func (e Engine) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(e); err != nil {
		return fmt.Errorf("invalid engine configuration: %w", err)
	}

	return nil
}

// Load reads the configuration file at path, if any, and the environment.
func Load(path string) (Engine, error) {
	defaults := Default()

	v := viper.New()
	v.SetDefault("provider_timeout", defaults.ProviderTimeout)
	v.SetDefault("max_entities_per_batch", defaults.MaxEntitiesPerBatch)
	v.SetDefault("freeze_actor", defaults.FreezeActor)
	v.SetDefault("compute_concurrency", defaults.ComputeConcurrency)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return Engine{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var engine Engine
	if err := v.Unmarshal(&engine); err != nil {
		return Engine{}, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := engine.Validate(); err != nil {
		return Engine{}, err
	}

	return engine, nil
}
