// Package sqlitestore opens the standalone-mode SQLite database (pure Go,
// modernc.org/sqlite) and exposes the shared sqlx stores on top of it.
package sqlitestore

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/messagesforcar/internal/store"
	"github.com/nextlevelbuilder/messagesforcar/internal/store/sqldb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenDB opens (creating if needed) the database file at path with WAL
// journaling and applies pending migrations.
func OpenDB(path string) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; WAL still allows concurrent readers on this handle.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate driver: %w", err)
	}
	if err := sqldb.Migrate(migrationsFS, "migrations", "sqlite", drv); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("sqlite opened", "path", path)
	return sqlx.NewDb(db, "sqlite"), nil
}

// NewSQLiteStores wires the message store, run log and (optionally) the
// preferences table onto one database.
func NewSQLiteStores(path string, withKV bool) (*store.Stores, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	stores := &store.Stores{
		Messages: sqldb.NewMessageStore(db),
		Runs:     sqldb.NewRunStore(db),
	}
	if withKV {
		stores.KV = sqldb.NewKVStore(db)
	}
	stores.AddCloser(db.Close)
	return stores, nil
}
