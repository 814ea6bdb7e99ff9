// Package cache provides a bounded in-memory TTL cache for generated results.
// Entries live in process memory only and are lost on restart.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries bounds the store when no size is configured.
const DefaultMaxEntries = 1024

type entry[T any] struct {
	value    T
	storedAt time.Time
	ttl      time.Duration
}

func (e entry[T]) expired(now time.Time) bool {
	return e.ttl > 0 && !now.Before(e.storedAt.Add(e.ttl))
}

// InMemory is a thread-safe LRU-bounded cache with per-entry TTL.
// Entries are replaced wholesale, never updated in place.
type InMemory[T any] struct {
	items *lru.Cache[string, entry[T]]
	ttl   time.Duration
	now   func() time.Time
}

// Option configures an InMemory cache.
type Option func(*options)

type options struct {
	maxEntries int
	now        func() time.Time
}

// WithMaxEntries bounds the number of stored entries.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a new in-memory cache with the given default TTL.
func New[T any](ttl time.Duration, opts ...Option) *InMemory[T] {
	o := options{maxEntries: DefaultMaxEntries, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxEntries <= 0 {
		o.maxEntries = DefaultMaxEntries
	}
	// lru.New only fails for a non-positive size.
	items, _ := lru.New[string, entry[T]](o.maxEntries)
	return &InMemory[T]{items: items, ttl: ttl, now: o.now}
}

// Get retrieves a value from the cache. Returns false if not found or expired.
func (c *InMemory[T]) Get(key string) (T, bool) {
	e, ok := c.items.Get(key)
	if !ok || e.expired(c.now()) {
		if ok {
			c.items.Remove(key)
		}
		var zero T
		return zero, false
	}
	return e.value, true
}

// Set stores a value in the cache with the default TTL.
func (c *InMemory[T]) Set(key string, value T) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with an explicit TTL. A zero TTL never expires.
func (c *InMemory[T]) SetWithTTL(key string, value T, ttl time.Duration) {
	c.items.Add(key, entry[T]{value: value, storedAt: c.now(), ttl: ttl})
}

// Delete removes a value from the cache.
func (c *InMemory[T]) Delete(key string) {
	c.items.Remove(key)
}

// Reset drops every entry.
func (c *InMemory[T]) Reset() {
	c.items.Purge()
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemory[T]) Len() int {
	return c.items.Len()
}

// GetOrCompute returns the stored value for key when it is still fresh.
// Otherwise it runs fn, stores a successful result under ttl and returns it.
// Errors are never cached and concurrent misses for the same key each run fn.
// hit reports whether the value came from the cache.
func (c *InMemory[T]) GetOrCompute(key string, ttl time.Duration, fn func() (T, error)) (value T, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err := fn()
	if err != nil {
		var zero T
		return zero, false, err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.SetWithTTL(key, v, ttl)
	return v, false, nil
}
