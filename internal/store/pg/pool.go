// Package pg opens the managed-mode Postgres database through the pgx
// stdlib driver and exposes the shared sqlx stores on top of it.
package pg

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/messagesforcar/internal/store"
	"github.com/nextlevelbuilder/messagesforcar/internal/store/sqldb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenDB creates a database/sql connection to Postgres using pgx driver
// and applies pending migrations.
func OpenDB(dsn string) (*sqlx.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	drv, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}
	if err := sqldb.Migrate(migrationsFS, "migrations", "pgx", drv); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("postgres connected", "dsn_len", len(dsn))
	return sqlx.NewDb(db, "pgx"), nil
}

// NewPGStores wires every store onto one Postgres pool. Managed mode always
// keeps preferences in the database so several head units can share them.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	stores := &store.Stores{
		KV:       sqldb.NewKVStore(db),
		Messages: sqldb.NewMessageStore(db),
		Runs:     sqldb.NewRunStore(db),
	}
	stores.AddCloser(db.Close)
	return stores, nil
}
