// Package redisstore keeps preferences in a Redis hash, for head units that
// share state with a companion service.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "mfc:"

// RedisKVStore implements store.KVStore on one hash. Apply runs inside
// MULTI/EXEC so readers never see half a batch.
type RedisKVStore struct {
	rdb  *redis.Client
	hash string
}

// New parses url (redis://[:password@]host:port/db), pings the server and
// returns a store namespaced by prefix.
func New(ctx context.Context, url, prefix string) (*RedisKVStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(rdb, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, prefix string) *RedisKVStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisKVStore{rdb: rdb, hash: prefix + "preferences"}
}

func (s *RedisKVStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, s.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisKVStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.hash, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[keys[i]] = str
		}
	}
	return out, nil
}

func (s *RedisKVStore) Apply(ctx context.Context, set map[string]string, del []string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(del) > 0 {
			pipe.HDel(ctx, s.hash, del...)
		}
		if len(set) > 0 {
			fields := make(map[string]interface{}, len(set))
			for k, v := range set {
				fields[k] = v
			}
			pipe.HSet(ctx, s.hash, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis apply: %w", err)
	}
	return nil
}

func (s *RedisKVStore) Close() error {
	return s.rdb.Close()
}
