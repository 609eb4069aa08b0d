// Package cache memoizes idempotent upstream reads for a bounded time.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultComputeTimeout bounds computations started by GetOrCompute.
const DefaultComputeTimeout = time.Minute

// Entry is a cached value with its insertion time and lifetime
type Entry struct {
	Value      any
	InsertedAt time.Time
	TTL        time.Duration
}

func (e Entry) expired(now time.Time) bool {
	return now.After(e.InsertedAt.Add(e.TTL))
}

// Cache is a TTL map with per-key compute deduplication
type Cache struct {
	mu         sync.RWMutex
	items      map[string]Entry
	group      singleflight.Group
	defaultTTL time.Duration
	// computeTimeout bounds a shared computation once it is detached
	computeTimeout time.Duration
	now            func() time.Time
	onLookup       func(hit bool)
}

// New creates a cache whose entries default to ttl
func New(ttl time.Duration) *Cache {
	return &Cache{
		items:          make(map[string]Entry),
		defaultTTL:     ttl,
		computeTimeout: DefaultComputeTimeout,
		now:            time.Now,
	}
}

// SetComputeTimeout changes how long a shared computation may run.
func (c *Cache) SetComputeTimeout(d time.Duration) {
	if d > 0 {
		c.computeTimeout = d
	}
}

// OnLookup registers a hook called for every Get (used for hit/miss metrics)
func (c *Cache) OnLookup(fn func(hit bool)) {
	c.onLookup = fn
}

// Key builds a cache key from an upstream name and call arguments
func Key(upstream string, args ...string) string {
	h := sha256.New()
	for _, a := range args {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	return upstream + ":" + hex.EncodeToString(h.Sum(nil))
}

// Get returns a live entry. Expired entries are evicted and never returned.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if ok && e.expired(c.now()) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.expired(c.now()) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		ok = false
	}

	if c.onLookup != nil {
		c.onLookup(ok)
	}
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Set stores value under key. A non-positive ttl uses the cache default.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.items[key] = Entry{Value: value, InsertedAt: c.now(), TTL: ttl}
	c.mu.Unlock()
}

// Delete removes key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// DeletePrefix removes every key starting with prefix and returns how many were removed
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// GetOrCompute returns the cached value for key or runs compute once,
// sharing its result with every concurrent caller for the same key.
// Failed computations are not cached.
//
// compute runs detached from the caller that started it, bounded by the
// compute timeout, so one caller's cancellation never fails the others.
// Each caller stops waiting when its own ctx is done.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// another flight may have filled the entry while we queued
		c.mu.RLock()
		e, ok := c.items[key]
		c.mu.RUnlock()
		if ok && !e.expired(c.now()) {
			return e.Value, nil
		}

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()
		v, err := compute(cctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sweep evicts expired entries and returns how many were removed
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.items {
		if e.expired(now) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
