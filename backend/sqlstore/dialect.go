package sqlstore

import sq "github.com/Masterminds/squirrel"

// Dialect describes the SQL flavour of the underlying database.
type Dialect struct {
	// Name selects the embedded migrations directory.
	Name        string
	Placeholder sq.PlaceholderFormat
}

var (
	SQLite   = Dialect{Name: "sqlite", Placeholder: sq.Question}
	Postgres = Dialect{Name: "postgres", Placeholder: sq.Dollar}
)
