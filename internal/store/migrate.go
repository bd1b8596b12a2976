package store

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate runs all pending database migrations, logging the schema
// version transition so a startup log line shows whether this process
// is the one that advanced the schema or just found it already current.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	before, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	after, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if after != before {
		slog.Info("store: applied migrations", "from_version", before, "to_version", after)
	} else {
		slog.Debug("store: schema already current", "version", after)
	}

	return nil
}
