package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dukex/cadmaflow/pkg/definitions"
	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/services"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func workflowsCommand() *cli.Command {
	return &cli.Command{
		Name:    "workflows",
		Aliases: []string{"w"},
		Usage:   "Manage workflow templates",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create workflows from a YAML definition file or a directory of them",
				Flags: append(engineFlags(), &cli.StringFlag{
					Name:     "file",
					Aliases:  []string{"f"},
					Usage:    "Definition file or directory",
					Required: true,
				}),
				Action: func(ctx context.Context, command *cli.Command) error {
					runtime, _, err := newRuntime(ctx, command, "cli")
					if err != nil {
						return err
					}
					defer runtime.Close(ctx)

					_, err = createWorkflows(ctx, runtime.Engine, command.String("file"), os.Stdout)

					return err
				},
			},
			{
				Name:  "list",
				Usage: "List workflow templates",
				Flags: engineFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					runtime, _, err := newRuntime(ctx, command, "cli")
					if err != nil {
						return err
					}
					defer runtime.Close(ctx)

					workflows, err := runtime.Engine.Workflows.List(ctx)
					if err != nil {
						return err
					}

					for _, workflow := range workflows {
						fmt.Printf("%s\t%s\t%s\t%d steps\n", workflow.ID, workflow.Status, workflow.Name, len(workflow.Steps))
					}

					return nil
				},
			},
			{
				Name:  "run",
				Usage: "Start an execution and advance it until it completes or fails",
				Flags: append(engineFlags(),
					&cli.StringFlag{
						Name:     "id",
						Usage:    "Workflow ID",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  "param",
						Usage: "Step parameter override as step.name=value",
					},
				),
				Action: func(ctx context.Context, command *cli.Command) error {
					runtime, _, err := newRuntime(ctx, command, "cli")
					if err != nil {
						return err
					}
					defer runtime.Close(ctx)

					stepParams, err := parseStepParameters(command.StringSlice("param"))
					if err != nil {
						return err
					}

					_, err = runWorkflow(ctx, runtime.Engine, command.String("id"), models.ExecutionInputs{StepParameters: stepParams}, os.Stdout)

					return err
				},
			},
			{
				Name:  "branches",
				Usage: "Show the branch tree of a workflow",
				Flags: append(engineFlags(), &cli.StringFlag{
					Name:     "id",
					Usage:    "Workflow ID",
					Required: true,
				}),
				Action: func(ctx context.Context, command *cli.Command) error {
					runtime, _, err := newRuntime(ctx, command, "cli")
					if err != nil {
						return err
					}
					defer runtime.Close(ctx)

					workflow, err := runtime.Engine.Workflows.Get(ctx, command.String("id"))
					if err != nil {
						return err
					}

					tree, err := runtime.Engine.Executions.ListBranches(ctx, workflow.RootID())
					if err != nil {
						return err
					}

					printBranches(os.Stdout, tree, 0)

					return nil
				},
			},
		},
	}
}

// createWorkflows stores every definition found at path.
func createWorkflows(ctx context.Context, engine *services.Engine, path string, out io.Writer) ([]*models.Workflow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var defs []*definitions.Definition

	if info.IsDir() {
		defs, err = definitions.LoadDir(path)
	} else {
		var def *definitions.Definition

		def, err = definitions.Load(path)
		defs = []*definitions.Definition{def}
	}

	if err != nil {
		return nil, err
	}

	workflows := make([]*models.Workflow, 0, len(defs))

	for _, def := range defs {
		workflow, err := engine.Workflows.Create(ctx, def.Name, def.Description, def.Steps)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", def.Path, err)
		}

		log.WithFields(log.Fields{"workflow_id": workflow.ID, "file": def.Path}).Info("Workflow created")
		fmt.Fprintf(out, "%s\t%s\n", workflow.ID, workflow.Name)

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

// runWorkflow starts an execution of workflowID and advances it to a
// terminal status.
func runWorkflow(ctx context.Context, engine *services.Engine, workflowID string, inputs models.ExecutionInputs, out io.Writer) (*models.WorkflowExecution, error) {
	execution, err := engine.Executions.Start(ctx, workflowID, inputs)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "execution %s started\n", execution.ID)

	for !execution.Status.IsTerminal() {
		position := execution.CurrentStepIndex

		execution, err = engine.Executions.Advance(ctx, execution.ID)
		if err != nil {
			fmt.Fprintf(out, "step %d failed: %v\n", position, err)

			return execution, err
		}

		log.WithFields(log.Fields{"execution_id": execution.ID, "position": position}).Debug("Step completed")
		fmt.Fprintf(out, "step %d completed\n", position)
	}

	fmt.Fprintf(out, "execution %s %s\n", execution.ID, execution.Status)

	return execution, nil
}

// parseStepParameters reads "step.name=value" overrides. Values are decoded
// as JSON when possible and kept as strings otherwise.
func parseStepParameters(values []string) (map[string]map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}

	params := make(map[string]map[string]any)

	for _, value := range values {
		key, raw, ok := strings.Cut(value, "=")
		step, name, dotted := strings.Cut(key, ".")

		if !ok || !dotted || step == "" || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected step.name=value", value)
		}

		if params[step] == nil {
			params[step] = make(map[string]any)
		}

		params[step][name] = parseValue(raw)
	}

	return params, nil
}

func printBranches(out io.Writer, nodes []*services.BranchNode, depth int) {
	for _, node := range nodes {
		label := node.BranchLabel
		if label == "" {
			label = "main"
		}

		fmt.Fprintf(out, "%s%s\t%s\t%s\tstep %d\n", strings.Repeat("  ", depth), label, node.ID, node.Status, node.CurrentStepIndex)
		printBranches(out, node.Children, depth+1)
	}
}
