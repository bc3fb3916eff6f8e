// Package cache is the client synchronization cache: a keyed, versioned
// mirror of store reads with read-through queries, invalidation and an
// optimistic mutation protocol with exact rollback.
//
// Stored values are shared between readers and must be treated as immutable.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bcnelson/fellowship/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultStaleTime = 30 * time.Second
	DefaultGCTime    = 5 * time.Minute
)

// Options configures a Cache.
type Options struct {
	// StaleTime is how long a fetched value is served without refetching.
	StaleTime time.Duration
	// GCTime is how long an entry may go unread before it is discarded.
	GCTime  time.Duration
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Entry is a snapshot of one cache slot.
type Entry struct {
	Key   string
	Value any
	// Version increases with every write to any key.
	Version    uint64
	UpdatedAt  time.Time
	AccessedAt time.Time
	Stale      bool
	// marked is the cache version at the last invalidation of this entry.
	marked uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	opts Options

	mu        sync.Mutex
	entries   map[string]*Entry
	locks     map[string]chan struct{}
	version   uint64
	seq       uint64
	epoch     uint64
	lastSweep time.Time

	flight singleflight.Group
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.StaleTime <= 0 {
		opts.StaleTime = DefaultStaleTime
	}
	if opts.GCTime <= 0 {
		opts.GCTime = DefaultGCTime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		opts:      opts,
		entries:   make(map[string]*Entry),
		locks:     make(map[string]chan struct{}),
		lastSweep: opts.Now(),
	}
}

// Query returns the cached value for key when it is fresh, and otherwise
// calls fetch. Concurrent misses on one key share a single fetch. A value
// fetched while a mutation holds the key, or after the key was written or
// invalidated during the fetch, is returned but not stored.
func Query[T any](ctx context.Context, c *Cache, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.fresh(key); ok {
		if t, ok := v.(T); ok {
			c.opts.Metrics.Hit()
			return t, nil
		}
	}
	c.opts.Metrics.Miss()

	// The fetch is shared by every waiter, so one caller's cancellation
	// must not fail the others.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		start, epoch := c.currentVersion()
		v, err := fetch(shared)
		if err != nil {
			return nil, err
		}
		c.storeFetched(key, v, start, epoch)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, &TypeError{Key: key, Value: v}
	}
	return t, nil
}

// TypeError reports a shared fetch that produced a value of another type
// than the caller asked for. It only happens when two call sites use one key
// for different types.
type TypeError struct {
	Key   string
	Value any
}

func (e *TypeError) Error() string {
	return "cache: unexpected value type for key " + e.Key
}

func (c *Cache) fresh(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	c.maybeSweep(now)
	e, ok := c.entries[key]
	if !ok || e.Stale || now.Sub(e.UpdatedAt) >= c.opts.StaleTime {
		return nil, false
	}
	e.AccessedAt = now
	return e.Value, true
}

func (c *Cache) currentVersion() (version, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, c.epoch
}

// storeFetched keeps v unless the key changed, was invalidated or the cache
// was cleared after the fetch started.
func (c *Cache) storeFetched(key string, v any, start, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	if _, locked := c.locks[key]; locked {
		return
	}
	if e, ok := c.entries[key]; ok && (e.Version > start || e.marked > start) {
		return
	}
	c.write(key, v)
}

// write stores v under key. Callers hold c.mu.
func (c *Cache) write(key string, v any) {
	now := c.opts.Now()
	c.version++
	c.entries[key] = &Entry{
		Key:        key,
		Value:      v,
		Version:    c.version,
		UpdatedAt:  now,
		AccessedAt: now,
	}
}

// Set stores an authoritative value for key outside any mutation. It is
// ignored while a mutation holds the key.
func (c *Cache) Set(key string, v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, locked := c.locks[key]; locked {
		return false
	}
	c.write(key, v)
	return true
}

// Peek returns a copy of the entry for key without counting as an access.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Invalidate marks keys stale so the next Query refetches them.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	for _, key := range keys {
		if e, ok := c.entries[key]; ok {
			e.Stale = true
			e.marked = c.version
		}
	}
}

// InvalidatePrefix marks every key starting with prefix stale.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			e.Stale = true
			e.marked = c.version
		}
	}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry. Mutations still in flight stop writing to the
// cache, including on rollback.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.epoch++
	c.version++
}

// Sweep discards entries unread for longer than GCTime and returns how many
// were removed. Keys held by a mutation are kept.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweep(c.opts.Now())
}

func (c *Cache) maybeSweep(now time.Time) {
	if now.Sub(c.lastSweep) >= c.opts.GCTime {
		c.sweep(now)
	}
}

func (c *Cache) sweep(now time.Time) int {
	c.lastSweep = now
	removed := 0
	for key, e := range c.entries {
		if _, locked := c.locks[key]; locked {
			continue
		}
		if now.Sub(e.AccessedAt) > c.opts.GCTime {
			delete(c.entries, key)
			removed++
		}
	}
	c.opts.Metrics.Evicted(removed)
	return removed
}

// lock acquires the mutation lock for key, waiting for the current holder.
func (c *Cache) lock(ctx context.Context, key string) error {
	for {
		c.mu.Lock()
		held, busy := c.locks[key]
		if !busy {
			c.locks[key] = make(chan struct{})
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		select {
		case <-held:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Cache) unlock(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if ch, ok := c.locks[key]; ok {
			delete(c.locks, key)
			close(ch)
		}
	}
}
