package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmcleod/polar/config"
	"github.com/jmcleod/polar/ratelimit"
	"github.com/jmcleod/polar/storage"
	bboltstorage "github.com/jmcleod/polar/storage/bbolt"
	"github.com/jmcleod/polar/storage/memory"
	"github.com/jmcleod/polar/storage/postgres"
	"github.com/jmcleod/polar/storage/sqlite"
)

// openStore opens the storage backend named by cfg.StorageDriver.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageDriver {
	case config.StorageMemory:
		return memory.New(), nil
	case config.StoragePostgres:
		return postgres.Open(ctx, cfg.PostgresDSN)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	switch cfg.StorageDriver {
	case config.StorageBolt:
		return bboltstorage.Open(filepath.Join(cfg.DataDir, "polar.db"), nil)
	case config.StorageSQLite:
		return sqlite.Open(ctx, filepath.Join(cfg.DataDir, "polar.sqlite"))
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

// limiterStore returns the rate limit store and the in-process store that
// backs it. With Redis configured, Redis is primary and the memory store
// takes over while Redis is unreachable. The returned close function
// releases the Redis client.
func limiterStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Store, *ratelimit.MemoryStore, func() error, error) {
	mem := ratelimit.NewMemoryStore()
	if cfg.RedisURL == "" {
		logger.Info("no REDIS_URL configured, rate limiting with in-process counters")
		return mem, mem, func() error { return nil }, nil
	}

	rs, err := ratelimit.DialRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := rs.Ping(ctx); err != nil {
		logger.Warn("redis unreachable at startup, rate limiting with in-process counters until it recovers", "error", err)
	} else {
		logger.Info("rate limiting with redis")
	}
	return ratelimit.NewFallbackStore(rs, mem, logger), mem, rs.Close, nil
}
