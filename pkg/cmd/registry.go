// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/cadmaflow/pkg/providers/properties"
	"github.com/dukex/cadmaflow/pkg/registry"
)

func registerStepPlugins(ctx context.Context, reg *registry.Registry, pluginsPath string) error {
	stepPlugins, err := reg.LoadStepPlugins(ctx, pluginsPath)
	if err != nil {
		return err
	}

	for _, plugin := range stepPlugins {
		reg.RegisterStep(plugin)
	}

	return nil
}

func registerPropertyProviderPlugins(ctx context.Context, reg *registry.Registry, pluginsPath string) error {
	providerPlugins, err := reg.LoadPropertyProviderPlugins(ctx, pluginsPath)
	if err != nil {
		return err
	}

	for _, plugin := range providerPlugins {
		reg.RegisterPropertyProvider(plugin)
	}

	return nil
}

// registerRemoteProviders registers one remote predictor per "id=url" or
// "id=url@version" entry.
func registerRemoteProviders(reg *registry.Registry, remotes []string) error {
	for _, remote := range remotes {
		id, target, ok := strings.Cut(remote, "=")
		if !ok || id == "" || target == "" {
			return fmt.Errorf("invalid remote provider %q, expected id=url", remote)
		}

		version := "1.0"
		if at := strings.LastIndex(target, "@"); at > strings.Index(target, "://") {
			target, version = target[:at], target[at+1:]
		}

		reg.RegisterPropertyProvider(properties.NewRemote(id, target, version, nil))
	}

	return nil
}

// NewRegistry registers the built-in steps and providers, then remote
// predictors, then plugins found under pluginsPath.
func NewRegistry(ctx context.Context, log *slog.Logger, pluginsPath string, remotes []string) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)
	reg.RegisterDefaults()

	if err := registerRemoteProviders(reg, remotes); err != nil {
		return nil, err
	}

	if pluginsPath == "" {
		return reg, nil
	}

	if err := registerStepPlugins(ctx, reg, pluginsPath); err != nil {
		return nil, err
	}

	if err := registerPropertyProviderPlugins(ctx, reg, pluginsPath); err != nil {
		return nil, err
	}

	return reg, nil
}
