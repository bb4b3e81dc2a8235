package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/messagesforcar/internal/config"
	"github.com/nextlevelbuilder/messagesforcar/internal/store"
	"github.com/nextlevelbuilder/messagesforcar/internal/store/file"
	"github.com/nextlevelbuilder/messagesforcar/internal/store/pg"
	"github.com/nextlevelbuilder/messagesforcar/internal/store/redisstore"
	"github.com/nextlevelbuilder/messagesforcar/internal/store/sqlitestore"
)

func storeConfig(cfg *config.Config) store.StoreConfig {
	return store.StoreConfig{
		Mode:        cfg.Database.Mode,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.Database.SQLitePath,
		KVBackend:   cfg.Database.KVBackend,
		KVPath:      cfg.Database.KVPath,
		RedisURL:    cfg.Database.RedisURL,
		RedisPrefix: cfg.Database.RedisPrefix,
	}
}

// openStores opens the message store and run log (SQLite, or Postgres in
// managed mode) and the preferences backend selected by KVBackend.
func openStores(ctx context.Context, sc store.StoreConfig) (*store.Stores, error) {
	if sc.Mode == "managed" && !sc.IsManaged() {
		return nil, fmt.Errorf("managed mode requires database.postgres_dsn")
	}

	var (
		stores *store.Stores
		err    error
	)
	if sc.IsManaged() {
		stores, err = pg.NewPGStores(sc)
	} else {
		stores, err = sqlitestore.NewSQLiteStores(sc.SQLitePath, sc.KVBackend == "sqlite")
	}
	if err != nil {
		return nil, err
	}
	if stores.KV != nil {
		slog.Info("preferences backend", "backend", "database")
		return stores, nil
	}

	switch sc.KVBackend {
	case "redis":
		kv, err := redisstore.New(ctx, sc.RedisURL, sc.RedisPrefix)
		if err != nil {
			stores.Close()
			return nil, err
		}
		stores.KV = kv
		stores.AddCloser(kv.Close)
	case "postgres":
		stores.Close()
		return nil, fmt.Errorf("kv backend postgres requires managed mode")
	default:
		kv, err := file.NewFileKVStore(sc.KVPath)
		if err != nil {
			stores.Close()
			return nil, err
		}
		stores.KV = kv
		stores.AddCloser(kv.Close)
	}
	slog.Info("preferences backend", "backend", sc.KVBackend)
	return stores, nil
}
