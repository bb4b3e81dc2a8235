// Package sqldb holds the sqlx-backed stores shared by the SQLite
// (standalone) and Postgres (managed) backends. Queries are written with
// '?' placeholders and rebound to the driver's bindvar style.
package sqldb

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies every pending up-migration found under dir in fsys.
func Migrate(fsys fs.FS, dir, dbName string, drv database.Driver) error {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dbName, drv)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	slog.Info("store: schema migrated", "db", dbName, "version", version, "dirty", dirty)
	return nil
}
