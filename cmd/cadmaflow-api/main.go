package main

import (
	"context"
	"os"
	"time"

	"github.com/dukex/cadmaflow/pkg/cmd"
	"github.com/dukex/cadmaflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "cadmaflow-api",
		Usage:                 "Serve the CadmaFlow workflow engine over HTTP",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or a directory)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL of the frozen record cache",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "cache-ttl",
				Usage:   "Lifetime of cached records, 0 keeps them until evicted",
				Value:   24 * time.Hour,
				Sources: cli.EnvVars("CACHE_TTL"),
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Engine configuration file (YAML)",
				Sources: cli.EnvVars("CADMAFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "plugins-path",
				Usage: "Path to the directory containing step and provider plugins",
				Value: "./plugins",
			},
			&cli.StringSliceFlag{
				Name:    "remote-provider",
				Usage:   "Remote property predictor as id=url[@version]",
				Sources: cli.EnvVars("REMOTE_PROVIDERS"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka), empty disables events",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers",
				Value:   []string{"localhost:9092"},
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing CadmaFlow API")

			runtime, err := cmd.NewRuntime(ctx, logger, "cadmaflow-api", cmd.Options{
				DatabaseURL: command.String("database-url"),
				RedisURL:    command.String("redis-url"),
				CacheTTL:    command.Duration("cache-ttl"),
				ConfigFile:  command.String("config"),
				PluginsPath: command.String("plugins-path"),
				Remotes:     command.StringSlice("remote-provider"),
				EventBus:    command.String("event-bus"),
				Brokers:     command.StringSlice("kafka-brokers"),
				Tracing:     command.Bool("tracing"),
			})
			if err != nil {
				return err
			}

			defer runtime.Close(ctx)

			if err := NewAPI(runtime.Engine).Start(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("API exited with error", "error", err)
		os.Exit(1)
	}
}
