package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Cache is a small in-memory TTL cache for route lookups keyed by the
// coordinate pair. Routes between the same two points barely change inside
// a few minutes, and provider calls are the slowest thing the quote path does.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	route Route
	ts    time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func (c *Cache) Get(a, b models.Location) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.route, true
}

func (c *Cache) Set(a, b models.Location, r Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{route: r, ts: time.Now()}
	c.mu.Unlock()
}

func keyFor(a, b models.Location) string {
	return fmtLoc(a) + "->" + fmtLoc(b)
}

func fmtLoc(l models.Location) string {
	return fmt.Sprintf("%.6f,%.6f", l.Latitude, l.Longitude)
}
