// Package migrations embeds the schema migration files and applies them
// on startup through golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var schemaFiles embed.FS

// Apply brings the catalog schema up to the latest embedded migration.
// With autoMigrate disabled it reports the schema version and returns
// without changing anything.
func Apply(db *sql.DB, autoMigrate bool) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	version, err := recoverDirty(m)
	if err != nil {
		return err
	}

	if !autoMigrate {
		slog.Info("[Migrations] Auto-migration disabled, leaving schema as-is", "version", version)
		return nil
	}

	slog.Info("[Migrations] Applying schema migrations", "version", version)
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("[Migrations] Schema already current", "version", version)
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	applied, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read schema version after migrate: %w", err)
	}
	slog.Info("[Migrations] Schema migrated", "from", version, "to", applied)
	return nil
}

// newMigrator wires the embedded SQL files to the caller's database handle.
func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(schemaFiles, ".")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("open migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("build migrator: %w", err)
	}
	return m, nil
}

// recoverDirty clears an interrupted-migration marker and returns the
// recorded schema version. The migrations use IF NOT EXISTS throughout,
// so forcing back to the recorded version is safe to re-run.
func recoverDirty(m *migrate.Migrate) (uint, error) {
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !dirty {
		return version, nil
	}
	slog.Warn("[Migrations] Schema left dirty by an interrupted migration", "version", version)
	if err := m.Force(int(version)); err != nil {
		return 0, fmt.Errorf("clear dirty schema state at version %d: %w", version, err)
	}
	slog.Info("[Migrations] Cleared dirty schema state", "version", version)
	return version, nil
}
