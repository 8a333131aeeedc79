package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mhpenta/taskqueue"
	"github.com/mhpenta/taskqueue/backend/postgresqueue"
	"github.com/mhpenta/taskqueue/backend/redisstore"
	"github.com/mhpenta/taskqueue/backend/sqlitequeue"
	"github.com/mhpenta/taskqueue/internal/config"
)

// openQueue connects to the configured backend. The SQLite file is migrated
// on open; PostgreSQL needs an explicit migrate run.
func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*taskqueue.Engine, func(), error) {
	opts := []taskqueue.Option{taskqueue.WithLogger(logger)}

	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := sqlitequeue.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := sqlitequeue.Migrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return sqlitequeue.New(db, cfg.Queue(), opts...), func() { db.Close() }, nil

	case config.BackendPostgres:
		database, err := postgresqueue.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return postgresqueue.New(database.DB, cfg.Queue(), opts...), database.Close, nil

	case config.BackendRedis:
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		store := redisstore.New(client, redisstore.WithLogger(logger))
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return taskqueue.New(store, cfg.Queue(), opts...), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := sqlitequeue.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		return sqlitequeue.Migrate(db)
	case config.BackendPostgres:
		return postgresqueue.Migrate(ctx, cfg.PostgresDSN)
	default:
		logger.Info("backend is schemaless, nothing to migrate", "backend", cfg.Backend)
		return nil
	}
}
