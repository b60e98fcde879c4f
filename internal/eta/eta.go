package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/cleaner-tracking/internal/geo"
	"github.com/example/cleaner-tracking/internal/models"
)

// Route is the (distance, duration) pair a map widget reports for the
// cleaner-to-customer leg.
type Route struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Estimator is anything that can produce a Route between two coordinates.
type Estimator interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// 5 decimals is ~1m; closer samples share an entry.
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
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
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Naive estimates straight-line distance at a fixed speed. In prod use a routing engine.
type Naive struct {
	SpeedMps float64
}

func (n Naive) Route(_ context.Context, from, to models.Coord) (Route, error) {
	speed := n.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Distance(from, to)
	return Route{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// Cached wraps an Estimator with a Cache and falls back to Fallback on error.
type Cached struct {
	Estimator Estimator
	Cache     *Cache
	Fallback  Estimator
}

func (c *Cached) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if c.Estimator != nil {
		r, err := c.Estimator.Route(ctx, from, to)
		if err == nil {
			if c.Cache != nil {
				c.Cache.Set(from, to, r)
			}
			return r, nil
		}
		if c.Fallback == nil {
			return Route{}, err
		}
	}
	if c.Fallback == nil {
		return Route{}, fmt.Errorf("eta: no estimator configured")
	}
	return c.Fallback.Route(ctx, from, to)
}
