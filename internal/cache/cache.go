package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fuelwise/fuel-ingest/internal/metrics"
)

// Namespaces used by the ingestion engine.
const (
	NamespaceFields = "fields"
	NamespaceHealth = "health"
)

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Backend   string `json:"backend"`
	Available bool   `json:"available"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
}

// Cache wraps a Backend with key namespacing, JSON values and hit/miss
// accounting. Backend failures degrade to misses.
type Cache struct {
	backend   Backend
	prefix    string
	hits      atomic.Int64
	misses    atomic.Int64
	available atomic.Bool
}

// New creates a Cache storing keys as prefix + namespace + ":" + key.
func New(backend Backend, prefix string) *Cache {
	c := &Cache{backend: backend, prefix: prefix}
	c.available.Store(true)
	return c
}

func (c *Cache) nsPrefix(ns string) string {
	return c.prefix + ns + ":"
}

// Get loads the value under (ns, key) into dst and reports a hit.
func (c *Cache) Get(ctx context.Context, ns, key string, dst any) bool {
	raw, err := c.backend.Get(ctx, c.nsPrefix(ns)+key)
	switch {
	case err == nil:
		c.available.Store(true)
	case errors.Is(err, ErrMiss):
		c.available.Store(true)
		c.miss(ns)
		return false
	default:
		c.degrade(err)
		c.miss(ns)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.miss(ns)
		return false
	}
	c.hits.Add(1)
	metrics.ObserveCache(ns, true)
	return true
}

// Set stores v under (ns, key) for ttl. Failures are logged, not returned.
func (c *Cache) Set(ctx context.Context, ns, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		zap.L().Warn("cache: marshal value", zap.String("namespace", ns), zap.Error(err))
		return
	}
	if err := c.backend.Set(ctx, c.nsPrefix(ns)+key, raw, ttl); err != nil {
		c.degrade(err)
		return
	}
	c.available.Store(true)
}

// Delete removes one entry.
func (c *Cache) Delete(ctx context.Context, ns, key string) error {
	err := c.backend.Delete(ctx, c.nsPrefix(ns)+key)
	if err != nil {
		c.degrade(err)
	}
	return err
}

// DeletePattern removes the entries of ns whose key matches the glob.
func (c *Cache) DeletePattern(ctx context.Context, ns, pattern string) (int, error) {
	n, err := c.backend.DeletePattern(ctx, c.nsPrefix(ns), pattern)
	if err != nil {
		c.degrade(err)
	}
	return n, err
}

// InvalidateNamespace removes every entry of ns.
func (c *Cache) InvalidateNamespace(ctx context.Context, ns string) (int, error) {
	return c.DeletePattern(ctx, ns, "*")
}

// Ping probes the backend and refreshes the availability flag.
func (c *Cache) Ping(ctx context.Context) error {
	err := c.backend.Ping(ctx)
	c.available.Store(err == nil)
	return err
}

// Stats returns counters and availability.
func (c *Cache) Stats() Stats {
	return Stats{
		Backend:   c.backend.Name(),
		Available: c.available.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
	}
}

func (c *Cache) miss(ns string) {
	c.misses.Add(1)
	metrics.ObserveCache(ns, false)
}

func (c *Cache) degrade(err error) {
	if c.available.Swap(false) {
		zap.L().Warn("cache: backend unavailable", zap.String("backend", c.backend.Name()), zap.Error(err))
	}
}

// Key hashes an argument tuple into a stable cache key.
func Key(args ...any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Memoize returns the cached result of fn for args in ns, calling fn and
// storing its result on a miss. Errors from fn are returned and not cached.
// A nil cache calls fn directly.
func Memoize[T any](ctx context.Context, c *Cache, ns string, ttl time.Duration, args []any, fn func(ctx context.Context) (T, error)) (T, error) {
	if c == nil {
		return fn(ctx)
	}
	key := Key(args...)
	if key == "" {
		return fn(ctx)
	}

	var cached T
	if c.Get(ctx, ns, key, &cached) {
		return cached, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return v, err
	}
	c.Set(ctx, ns, key, v, ttl)
	return v, nil
}
