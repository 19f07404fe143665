package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
)

// scanBatch is the COUNT hint for SCAN during pattern deletes.
const scanBatch = 200

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// RedisBackend is a Backend shared across processes through Redis.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a RedisBackend. The connection is lazy; use Ping
// to check reachability.
func NewRedisBackend(opts RedisOptions) *RedisBackend {
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 2 * time.Second
	}
	return &RedisBackend{client: redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  dial,
		ReadTimeout:  dial,
		WriteTimeout: dial,
		MaxRetries:   1,
	})}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, eris.Wrapf(err, "redis: get %s", key)
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return eris.Wrapf(r.client.Set(ctx, key, value, ttl).Err(), "redis: set %s", key)
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return eris.Wrapf(r.client.Del(ctx, key).Err(), "redis: del %s", key)
}

// DeletePattern walks the keyspace with SCAN MATCH so large namespaces are
// removed without blocking the server as KEYS would.
func (r *RedisBackend) DeletePattern(ctx context.Context, prefix, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	match := prefix + pattern

	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return deleted, eris.Wrapf(err, "redis: scan %s", match)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, eris.Wrapf(err, "redis: del %s", match)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return eris.Wrap(r.client.Ping(ctx).Err(), "redis: ping")
}

// Close releases the client's connections.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
