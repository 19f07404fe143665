// Package cache memoizes expensive provider calls (field listings, health
// checks) behind a pluggable key-value backend. Cached values are always
// reconstructible; losing them only costs latency.
package cache

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrMiss is returned by Backend.Get when the key is absent or expired.
var ErrMiss = eris.New("cache miss")

// Backend is a byte-oriented key-value store with per-entry TTL.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePattern removes keys that start with prefix and whose remainder
	// matches the glob pattern. It returns the number of removed keys.
	DeletePattern(ctx context.Context, prefix, pattern string) (int, error)
	Ping(ctx context.Context) error
}

// matchRest reports whether key is under prefix and its remainder matches
// the glob pattern. An empty pattern matches everything.
func matchRest(key, prefix, pattern string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, key[len(prefix):])
	return err == nil && ok
}
