// Package postgresqueue runs the task queue on PostgreSQL through pgx.
package postgresqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/mhpenta/taskqueue"
	"github.com/mhpenta/taskqueue/backend/sqlstore"
)

// Database is a pgx pool together with its database/sql view.
type Database struct {
	Pool *pgxpool.Pool
	DB   *sql.DB
}

// Open connects to dsn. Closing the *sql.DB alone leaves the pool open;
// call Close instead.
func Open(ctx context.Context, dsn string) (*Database, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Database{
		Pool: pool,
		DB:   stdlib.OpenDBFromPool(pool),
	}, nil
}

func (d *Database) Close() {
	d.DB.Close() //nolint:errcheck
	d.Pool.Close()
}

// Migrate applies all pending schema migrations over a dedicated
// connection that is closed before returning.
func Migrate(ctx context.Context, dsn string) error {
	src, err := sqlstore.MigrationSource(sqlstore.Postgres)
	if err != nil {
		return err
	}

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	// Simple protocol executes multi-statement migration files as-is.
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// NewStore returns the PostgreSQL-backed store for a migrated db.
func NewStore(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, sqlstore.Postgres)
}

// New returns a queue engine over a migrated db.
func New(db *sql.DB, config taskqueue.Config, opts ...taskqueue.Option) *taskqueue.Engine {
	return taskqueue.New(NewStore(db), config, opts...)
}
