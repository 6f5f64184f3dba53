package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dukex/cadmaflow/pkg/services"
	"github.com/urfave/cli/v3"
)

func executionFlags() []cli.Flag {
	return append(engineFlags(), &cli.StringFlag{
		Name:     "id",
		Usage:    "Execution ID",
		Required: true,
	})
}

// withEngine runs fn against an engine built from the command flags.
func withEngine(fn func(ctx context.Context, command *cli.Command, engine *services.Engine) error) cli.ActionFunc {
	return func(ctx context.Context, command *cli.Command) error {
		runtime, _, err := newRuntime(ctx, command, "cli")
		if err != nil {
			return err
		}
		defer runtime.Close(ctx)

		return fn(ctx, command, runtime.Engine)
	}
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}

func executionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "executions",
		Aliases: []string{"e"},
		Usage:   "Inspect and steer workflow executions",
		Commands: []*cli.Command{
			{
				Name:  "progress",
				Usage: "Show the progress of an execution",
				Flags: executionFlags(),
				Action: withEngine(func(ctx context.Context, command *cli.Command, engine *services.Engine) error {
					progress, err := engine.Executions.Progress(ctx, command.String("id"))
					if err != nil {
						return err
					}

					return printJSON(progress)
				}),
			},
			{
				Name:  "timeline",
				Usage: "Show the events of an execution",
				Flags: executionFlags(),
				Action: withEngine(func(ctx context.Context, command *cli.Command, engine *services.Engine) error {
					timeline, err := engine.Executions.Timeline(ctx, command.String("id"))
					if err != nil {
						return err
					}

					for _, event := range timeline {
						fmt.Printf("%s\t%s\t%v\n", event.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"), event.Type, event.Details)
					}

					return nil
				}),
			},
			{
				Name:  "advance",
				Usage: "Run the next step of an execution",
				Flags: executionFlags(),
				Action: withEngine(func(ctx context.Context, command *cli.Command, engine *services.Engine) error {
					execution, err := engine.Executions.Advance(ctx, command.String("id"))
					if err != nil {
						return err
					}

					return printJSON(execution)
				}),
			},
			{
				Name:  "rewind",
				Usage: "Move an execution back to an earlier step",
				Flags: append(executionFlags(), &cli.IntFlag{
					Name:     "to",
					Usage:    "Step index to rewind to",
					Required: true,
				}),
				Action: withEngine(func(ctx context.Context, command *cli.Command, engine *services.Engine) error {
					execution, err := engine.Executions.Rewind(ctx, command.String("id"), command.Int("to"))
					if err != nil {
						return err
					}

					return printJSON(execution)
				}),
			},
			{
				Name:  "retry",
				Usage: "Retry the failed step of an execution",
				Flags: executionFlags(),
				Action: withEngine(func(ctx context.Context, command *cli.Command, engine *services.Engine) error {
					execution, err := engine.Executions.Retry(ctx, command.String("id"))
					if err != nil {
						return err
					}

					return printJSON(execution)
				}),
			},
			{
				Name:  "branch",
				Usage: "Re-run a step with different parameters in a new branch",
				Flags: append(executionFlags(),
					&cli.IntFlag{
						Name:     "step",
						Usage:    "Step index to branch at",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  "param",
						Usage: "Parameter override as name=value",
					},
					&cli.StringSliceFlag{
						Name:  "record",
						Usage: "Record ID to use as the step input",
					},
				),
				Action: withEngine(func(ctx context.Context, command *cli.Command, engine *services.Engine) error {
					params, err := parseParameters(command.StringSlice("param"))
					if err != nil {
						return err
					}

					result, err := engine.Branching.Branch(ctx, services.BranchRequest{
						ExecutionID:    command.String("id"),
						StepIndex:      command.Int("step"),
						Parameters:     params,
						InputRecordIDs: command.StringSlice("record"),
					})
					if err != nil {
						return err
					}

					return printJSON(result)
				}),
			},
		},
	}
}
