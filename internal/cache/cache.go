package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/airly-service/internal/models"
)

// Cache defines the interface for measurement caching implementations.
// Get returns data only while it is fresh. GetStale returns data past its TTL
// as long as it was stored no more than maxStaleAge ago. Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.Measurements, bool, error)
	GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Measurements, bool, error)
	Set(ctx context.Context, key string, value models.Measurements, ttl time.Duration) error
}

// Pinger is implemented by backends that can report reachability for health checks.
type Pinger interface {
	Ping() error
}

// DefaultStaleRetention is how long expired in-memory entries are kept for stale fallback.
const DefaultStaleRetention = time.Hour

// sweepEvery is the number of writes between sweeps of entries past retention.
const sweepEvery = 256

// InMemoryCache implements Cache using a mutex-protected map.
// Expired entries stay available to GetStale until they pass the retention window,
// after which they are removed on access or by the periodic sweep in Set.
type InMemoryCache struct {
	mu        sync.Mutex
	data      map[string]cacheEntry
	retention time.Duration
	now       func() time.Time
	writes    int
}

type cacheEntry struct {
	value     models.Measurements
	storedAt  time.Time
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache with DefaultStaleRetention.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithRetention(DefaultStaleRetention)
}

// NewInMemoryCacheWithRetention creates an in-memory cache that keeps expired
// entries for retention so they can be served stale.
func NewInMemoryCacheWithRetention(retention time.Duration) *InMemoryCache {
	if retention < 0 {
		retention = 0
	}
	return &InMemoryCache{
		data:      make(map[string]cacheEntry),
		retention: retention,
		now:       time.Now,
	}
}

// Get returns (data, true, nil) on a fresh hit and (zero, false, nil) on miss or expiry.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Measurements, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookupLocked(key)
	if !ok || c.now().After(entry.expiresAt) {
		return models.Measurements{}, false, nil
	}
	return entry.value, true, nil
}

// GetStale returns the entry regardless of TTL if it was stored within maxStaleAge.
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Measurements, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookupLocked(key)
	if !ok || c.now().Sub(entry.storedAt) > maxStaleAge {
		return models.Measurements{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores measurements with the specified TTL.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Measurements, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.data[key] = cacheEntry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	c.writes++
	if c.writes%sweepEvery == 0 {
		c.sweepLocked(now)
	}
	return nil
}

// sweepLocked deletes every entry past the retention window.
func (c *InMemoryCache) sweepLocked(now time.Time) {
	for key, entry := range c.data {
		if now.After(entry.expiresAt.Add(c.retention)) {
			delete(c.data, key)
		}
	}
}

// Len returns the number of retained entries, fresh or stale.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// lookupLocked returns the entry for key, deleting it once it is past the retention window.
func (c *InMemoryCache) lookupLocked(key string) (cacheEntry, bool) {
	entry, ok := c.data[key]
	if !ok {
		return cacheEntry{}, false
	}
	if c.now().After(entry.expiresAt.Add(c.retention)) {
		delete(c.data, key)
		return cacheEntry{}, false
	}
	return entry, true
}
