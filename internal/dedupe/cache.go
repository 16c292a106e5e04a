// ABOUTME: Thread-safe TTL cache for deduplicating platform message ids
// ABOUTME: Frontends use it to drop redeliveries before they become prompts

package dedupe

import (
	"sync"
	"time"
)

// Cache tracks recently seen message keys for a TTL. Platforms like Matrix
// can redeliver an event after a reconnect; the cache keeps a redelivery
// from turning into a second prompt.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	once    sync.Once
}

// New creates a cache with the given TTL and size cap. A background
// goroutine sweeps expired entries once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// CheckAndMark atomically reports whether key was already seen within the
// TTL, marking it seen if not. One call per inbound message avoids the
// check-then-mark race.
func (c *Cache) CheckAndMark(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = now
	return false
}

// evictOldestLocked removes the entry with the oldest timestamp. Linear scan:
// the cap is small and eviction only fires at capacity.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, at := range c.seen {
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	if oldestKey != "" {
		delete(c.seen, oldestKey)
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	c.mu.Unlock()
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}
