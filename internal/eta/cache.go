package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Cache is a tiny in-memory cache for vehicle ETA lookups keyed by vehicle,
// its position and the destination.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(v models.Vehicle, dest models.Coord) string {
	return v.ID + "@" + fmtCoord(v.Loc) + "->" + fmtCoord(dest)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(v models.Vehicle, dest models.Coord) (float64, bool) {
	k := keyFor(v, dest)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache and sweeps expired entries once the map grows.
func (c *Cache) Set(v models.Vehicle, dest models.Coord, minutes float64) {
	k := keyFor(v, dest)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.store) >= 4096 {
		for key, e := range c.store {
			if now.Sub(e.ts) > c.ttl {
				delete(c.store, key)
			}
		}
	}
	c.store[k] = cacheEntry{v: minutes, ts: now}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
