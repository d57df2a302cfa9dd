package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/airly-service/internal/models"
)

const keyPrefix = "airly:"

// maxRelativeExp is the longest relative expiration memcached accepts (30 days).
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached. Items live for TTL plus the
// stale retention window; freshness is checked against the stored expiry.
type MemcachedCache struct {
	client    *memcache.Client
	retention time.Duration
	now       func() time.Time
}

// memcachedItem is the JSON envelope stored under each key.
type memcachedItem struct {
	Value     models.Measurements `json:"value"`
	StoredAt  time.Time           `json:"storedAt"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero. retention extends item
// lifetime past TTL so GetStale can serve it.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, retention time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if retention < 0 {
		retention = 0
	}
	return &MemcachedCache{client: client, retention: retention, now: time.Now}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

// Get implements Cache.Get. Returns false, nil on miss or expired entry; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Measurements, bool, error) {
	item, ok, err := c.load(ctx, key)
	if err != nil || !ok {
		return models.Measurements{}, false, err
	}
	if c.now().After(item.ExpiresAt) {
		return models.Measurements{}, false, nil
	}
	return item.Value, true, nil
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Measurements, bool, error) {
	item, ok, err := c.load(ctx, key)
	if err != nil || !ok {
		return models.Measurements{}, false, err
	}
	if c.now().Sub(item.StoredAt) > maxStaleAge {
		return models.Measurements{}, false, nil
	}
	return item.Value, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Measurements, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := c.now()
	raw, err := json.Marshal(memcachedItem{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expirationSeconds(ttl + c.retention),
	})
}

func (c *MemcachedCache) load(ctx context.Context, key string) (memcachedItem, bool, error) {
	if ctx.Err() != nil {
		return memcachedItem{}, false, ctx.Err()
	}
	raw, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return memcachedItem{}, false, nil
		}
		return memcachedItem{}, false, err
	}
	var item memcachedItem
	if err := json.Unmarshal(raw.Value, &item); err != nil {
		return memcachedItem{}, false, err
	}
	return item, true, nil
}

// expirationSeconds converts d to a memcached relative expiration, falling back to 1h if out of range.
func expirationSeconds(d time.Duration) int32 {
	sec := int64(d.Seconds())
	if sec <= 0 || sec > maxRelativeExp {
		return 3600
	}
	return int32(sec)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
