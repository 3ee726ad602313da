package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps rows as Redis hashes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a store on the given server and database.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

// Connect tests the connection.
func (r *RedisStore) Connect(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Replace implements Store in one MULTI/EXEC transaction. Each row is
// deleted before it is written so fields that disappeared do not linger.
func (r *RedisStore) Replace(ctx context.Context, rows Rows, stale []string) error {
	pipe := r.client.TxPipeline()
	for _, key := range stale {
		pipe.Del(ctx, key)
	}
	for key, fields := range rows {
		pipe.Del(ctx, key)
		if len(fields) == 0 {
			pipe.HSet(ctx, key, "NULL", "NULL")
			continue
		}
		values := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			values[k] = v
		}
		pipe.HSet(ctx, key, values)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing %d rows: %w", len(rows), err)
	}
	return nil
}

// Purge deletes every key of the export tables, including keys left by an
// earlier process.
func (r *RedisStore) Purge(ctx context.Context) error {
	for _, table := range []string{TableInterface, TableDevice, TableConnection} {
		keys, err := r.client.Keys(ctx, table+"|*").Result()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			continue
		}
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Get reads one row.
func (r *RedisStore) Get(ctx context.Context, table, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, fmt.Sprintf("%s|%s", table, key)).Result()
}

// TableKeys returns the keys of one table without the table prefix.
func (r *RedisStore) TableKeys(ctx context.Context, table string) ([]string, error) {
	keys, err := r.client.Keys(ctx, table+"|*").Result()
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, table+"|")
	}
	return keys, nil
}
