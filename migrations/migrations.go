// Package migrations embeds the goose SQL migrations shared by the
// Postgres and SQLite deployments.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Dialect returns the goose dialect name for a database/sql driver name.
func Dialect(driver string) (string, error) {
	switch driver {
	case "postgres":
		return "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// Run executes a goose command (up, down, status, ...) against db using the
// embedded migration files.
func Run(ctx context.Context, db *sql.DB, driver, command string, args ...string) error {
	dialect, err := Dialect(driver)
	if err != nil {
		return err
	}
	goose.SetBaseFS(FS)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB, driver string) error {
	return Run(ctx, db, driver, "up")
}
