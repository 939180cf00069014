package cache

import (
	"fmt"
	"sync"
	"time"
)

// entry holds one cached fetch result. While inflight is true the fetch
// for this key is still running and done is open; waiters block on done
// and read the result afterwards.
type entry struct {
	value     interface{}
	err       error
	expiresAt time.Time
	inflight  bool
	done      chan struct{}
}

// Stats tracks cache effectiveness counters. Mutated under the cache
// lock; Stats() returns a snapshot.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Waits  uint64 `json:"waits"`
}

// TTLCache is a memoized-fetch cache with per-call TTLs and single-flight
// deduplication: for any key, at most one producer runs at a time and
// concurrent callers share its result. Results are cached whether they
// succeeded or failed, so a broken upstream is not hammered with retries
// for the remainder of the TTL window.
//
// Entries are never evicted; memory is bounded only by the number of
// distinct keys ever requested.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats
}

// NewTTLCache creates an empty cache.
func NewTTLCache() *TTLCache {
	return &TTLCache{
		entries: make(map[string]*entry),
	}
}

// Get returns the cached value for key if it is still fresh, otherwise
// runs producer synchronously on the calling goroutine and caches its
// result (value or error) for ttl. If another goroutine is already
// fetching the same key, Get blocks until that fetch completes and
// returns its result: N concurrent callers on a cold key invoke producer
// exactly once.
//
// The key must encode every parameter that affects the produced value
// (e.g. city plus unit system), since entries are shared across callers.
func (c *TTLCache) Get(key string, ttl time.Duration, producer func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	e := c.entries[key]

	if e != nil && e.inflight {
		c.stats.Waits++
		done := e.done
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		v, err := e.value, e.err
		c.mu.Unlock()
		return v, err
	}

	if e != nil && time.Now().Before(e.expiresAt) {
		c.stats.Hits++
		v, err := e.value, e.err
		c.mu.Unlock()
		return v, err
	}

	// Miss or expired: claim the fetch before releasing the lock.
	c.stats.Misses++
	e = &entry{inflight: true, done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	v, err := producer()

	c.mu.Lock()
	e.value = v
	e.err = err
	e.expiresAt = time.Now().Add(ttl)
	e.inflight = false
	close(e.done)
	c.mu.Unlock()

	return v, err
}

// Stats returns a snapshot of the hit/miss/wait counters.
func (c *TTLCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the number of distinct keys ever cached.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fetch is a typed wrapper around TTLCache.Get for producers returning a
// concrete type. On a producer error the zero value of V is returned
// alongside the (possibly cached) error.
func Fetch[V any](c *TTLCache, key string, ttl time.Duration, producer func() (V, error)) (V, error) {
	v, err := c.Get(key, ttl, func() (interface{}, error) {
		return producer()
	})
	if err != nil {
		var zero V
		return zero, err
	}
	out, ok := v.(V)
	if !ok {
		// Two call sites sharing a key with different types is a
		// programming error; surface it instead of handing back a zero.
		var zero V
		return zero, fmt.Errorf("cache key %q holds %T, not %T", key, v, zero)
	}
	return out, nil
}
