package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/cadmaflow/pkg/cmd"
	"github.com/dukex/cadmaflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
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
		brokersFlag(),
		logLevelFlag(),
	}
}

func brokersFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "kafka-brokers",
		Usage:   "Kafka brokers",
		Value:   []string{"localhost:9092"},
		Sources: cli.EnvVars("KAFKA_BROKERS"),
	}
}

func logLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Value:   "warn",
		Sources: cli.EnvVars("LOG_LEVEL"),
	}
}

// newRuntime wires the engine from the flags of command.
func newRuntime(ctx context.Context, command *cli.Command, module string) (*cmd.Runtime, *slog.Logger, error) {
	log.Setup(command.String("log-level"))

	logger := log.WithModule(module)

	runtime, err := cmd.NewRuntime(ctx, logger, "cadmaflow", cmd.Options{
		DatabaseURL: command.String("database-url"),
		RedisURL:    command.String("redis-url"),
		CacheTTL:    command.Duration("cache-ttl"),
		ConfigFile:  command.String("config"),
		PluginsPath: command.String("plugins-path"),
		Remotes:     command.StringSlice("remote-provider"),
		EventBus:    command.String("event-bus"),
		Brokers:     command.StringSlice("kafka-brokers"),
	})
	if err != nil {
		return nil, nil, err
	}

	return runtime, logger, nil
}
