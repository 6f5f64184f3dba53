package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/dukex/cadmaflow/pkg/persistence/file"
	"github.com/dukex/cadmaflow/pkg/persistence/postgresql"
	"github.com/dukex/cadmaflow/pkg/persistence/rediscache"
	"github.com/redis/go-redis/v9"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewPersistence opens the store named by databaseURL. "postgres://" and
// "postgresql://" URLs use PostgreSQL; "file://" or a bare path uses the file
// store. A non-empty redisURL puts the frozen record cache in front of it.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, redisURL string, cacheTTL time.Duration) (persistence.Persistence, error) {
	var (
		p   persistence.Persistence
		err error
	)

	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err = postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgresql persistence: %w", err)
		}
	default:
		p = file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}

	if redisURL == "" {
		return p, nil
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	logger.InfoContext(ctx, "Caching frozen records in redis", "addr", options.Addr, "ttl", cacheTTL)

	return rediscache.New(p, redis.NewClient(options), cacheTTL, logger), nil
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
