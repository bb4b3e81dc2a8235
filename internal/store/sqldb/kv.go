package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// KVStore implements store.KVStore on the preferences table. Apply runs in a
// single transaction.
type KVStore struct {
	db *sqlx.DB
}

func NewKVStore(db *sqlx.DB) *KVStore {
	return &KVStore{db: db}
}

func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, s.db.Rebind(`SELECT value FROM preferences WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get preference %s: %w", key, err)
	}
	return v, true, nil
}

func (s *KVStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT key, value FROM preferences WHERE key IN (?)`, keys)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (s *KVStore) Apply(ctx context.Context, set map[string]string, del []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin preferences tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, k := range del {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM preferences WHERE key = ?`), k); err != nil {
			return fmt.Errorf("delete preference %s: %w", k, err)
		}
	}
	upsert := tx.Rebind(`INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	for k, v := range set {
		if _, err := tx.ExecContext(ctx, upsert, k, v, now); err != nil {
			return fmt.Errorf("set preference %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Close is a no-op: the owning backend closes the shared *sqlx.DB.
func (s *KVStore) Close() error { return nil }
