// Package storage is the connection pool and DDL layer described in
// spec.md §4.D: ensure_db/ensure_collection/execute/begin/commit/abort
// against a `doc jsonb` + `doc_bson bytea` schema per collection, plus the
// static mdb_meta bookkeeping schema.
package storage

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations bootstraps the static mdb_meta schema, following the
// teacher's platform/internal/database.NewDB migration step — generalized
// from a file:// source to an embedded one so the binary ships its own
// migrations.
func RunMigrations(dsn string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
