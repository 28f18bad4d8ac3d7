package state

import (
	"context"
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	value []byte
	ok    bool
	at    time.Time
}

// cachedStore fronts another store with a short-lived read cache.
// Writes go through to the inner store first and then refresh the cache.
// Entries expire after ttl so writes from other processes become visible.
type cachedStore struct {
	inner Store
	ttl   time.Duration
	now   func() time.Time

	mu sync.Mutex
	m  map[string]cacheEntry
	// gen is bumped by every Set; a read only fills the cache if no Set
	// touched its key while it was in flight.
	gen map[string]uint64
}

// NewCached wraps st with a write-through cache. ttl <= 0 returns st unchanged.
func NewCached(st Store, ttl time.Duration) Store {
	if ttl <= 0 {
		return st
	}
	return &cachedStore{inner: st, ttl: ttl, now: time.Now, m: map[string]cacheEntry{}, gen: map[string]uint64{}}
}

func (c *cachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	key = strings.TrimSpace(key)
	now := c.now()

	c.mu.Lock()
	e, hit := c.m[key]
	gen := c.gen[key]
	c.mu.Unlock()
	if hit && now.Sub(e.at) < c.ttl {
		return append([]byte(nil), e.value...), e.ok, nil
	}

	v, ok, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	if c.gen[key] == gen {
		c.m[key] = cacheEntry{value: append([]byte(nil), v...), ok: ok, at: now}
	}
	c.mu.Unlock()
	return v, ok, nil
}

func (c *cachedStore) Set(ctx context.Context, key string, value []byte) error {
	key = strings.TrimSpace(key)
	if err := c.inner.Set(ctx, key, value); err != nil {
		c.mu.Lock()
		c.gen[key]++
		delete(c.m, key)
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.gen[key]++
	c.m[key] = cacheEntry{value: append([]byte(nil), value...), ok: true, at: c.now()}
	c.mu.Unlock()
	return nil
}

func (c *cachedStore) Close() error {
	c.mu.Lock()
	c.m = map[string]cacheEntry{}
	c.gen = map[string]uint64{}
	c.mu.Unlock()
	return c.inner.Close()
}
