// Package sqlitequeue runs the task queue on an embedded SQLite database
// through the pure-Go modernc.org/sqlite driver.
package sqlitequeue

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "modernc.org/sqlite"

	"github.com/mhpenta/taskqueue"
	"github.com/mhpenta/taskqueue/backend/sqlstore"
)

// Open opens the database file at path, or an in-memory database for
// ":memory:". SQLite has a single writer, so the pool is limited to one
// connection and every statement is serialized through it.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		q := url.Values{}
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_pragma", "journal_mode(WAL)")
		dsn = "file:" + path + "?" + q.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Migrate applies all pending schema migrations. It does not close db.
func Migrate(db *sql.DB) error {
	src, err := sqlstore.MigrationSource(sqlstore.SQLite)
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// NewStore returns the SQLite-backed store for a migrated db.
func NewStore(db *sql.DB) *sqlstore.Store {
	return sqlstore.New(db, sqlstore.SQLite)
}

// New returns a queue engine over a migrated db.
func New(db *sql.DB, config taskqueue.Config, opts ...taskqueue.Option) *taskqueue.Engine {
	return taskqueue.New(NewStore(db), config, opts...)
}
