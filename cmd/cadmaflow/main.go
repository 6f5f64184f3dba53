package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "cadmaflow",
		Usage:                 "Run and branch molecular data workflows",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			workflowsCommand(),
			executionsCommand(),
			workerCommand(),
			timelineCommand(),
			componentsCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
