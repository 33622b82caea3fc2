// Package cache holds short-lived values keyed by name, such as the compiled
// mapping-rule set. Entries expire after a fixed TTL.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// InMemory is a thread-safe TTL cache. Concurrent loads of the same key are
// collapsed into one call.
type InMemory[T any] struct {
	mu    sync.RWMutex
	items map[string]entry[T]
	// gen counts deletions per key so a load that raced a Delete is not stored.
	gen   map[string]uint64
	ttl   time.Duration
	group singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache whose entries live for ttl.
func New[T any](ttl time.Duration) *InMemory[T] {
	c := &InMemory[T]{
		items: make(map[string]entry[T]),
		gen:   make(map[string]uint64),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	if ttl > 0 {
		go c.cleanup()
	}
	return c
}

// Get retrieves a value. It returns false if the key is missing or expired.
func (c *InMemory[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Set stores a value with the configured TTL.
func (c *InMemory[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[T]{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// Delete removes a value and fences off any load already in flight for key.
func (c *InMemory[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	c.gen[key]++
}

// Load returns the cached value for key, calling load on a miss. hit reports
// whether the value came from the cache. A value loaded while Delete ran for
// the same key is returned to the caller but not stored.
func (c *InMemory[T]) Load(key string, load func() (T, error)) (value T, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	c.mu.RLock()
	startGen := c.gen[key]
	c.mu.RUnlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		loaded, err := load()
		if err != nil {
			return loaded, err
		}
		c.mu.Lock()
		if c.gen[key] == startGen {
			c.items[key] = entry[T]{value: loaded, expiresAt: time.Now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v.(T), false, nil
}

// Close stops the background expiry loop.
func (c *InMemory[T]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup periodically removes expired entries.
func (c *InMemory[T]) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for k, v := range c.items {
				if now.After(v.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
