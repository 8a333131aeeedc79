package sqlstore

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// MigrationSource returns the embedded schema migrations for d.
func MigrationSource(d Dialect) (source.Driver, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+d.Name)
	if err != nil {
		return nil, fmt.Errorf("taskqueue/sql: migration source %s: %w", d.Name, err)
	}
	return src, nil
}
