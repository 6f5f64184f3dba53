package main

import (
	"context"
	"fmt"

	"github.com/dukex/cadmaflow/pkg/services"
	"github.com/urfave/cli/v3"
)

func componentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "components",
		Usage: "List the registered step types and providers",
		Flags: engineFlags(),
		Action: withEngine(func(_ context.Context, _ *cli.Command, engine *services.Engine) error {
			for _, component := range engine.Components() {
				fmt.Printf("%s\t%s\t%s\t%s\n", component.Kind, component.ID, component.Version, component.Description)
			}

			return nil
		}),
	}
}
