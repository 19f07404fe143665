package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend is an in-process Backend on top of go-cache.
type MemoryBackend struct {
	c *gocache.Cache
}

// NewMemoryBackend creates a MemoryBackend purging expired entries every
// cleanup interval.
func NewMemoryBackend(cleanup time.Duration) *MemoryBackend {
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}
	return &MemoryBackend{c: gocache.New(gocache.NoExpiration, cleanup)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrMiss
	}
	return b, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.c.Set(key, value, ttl)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *MemoryBackend) DeletePattern(_ context.Context, prefix, pattern string) (int, error) {
	n := 0
	for key := range m.c.Items() {
		if matchRest(key, prefix, pattern) {
			m.c.Delete(key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

// Len returns the number of unexpired entries.
func (m *MemoryBackend) Len() int {
	return m.c.ItemCount()
}
