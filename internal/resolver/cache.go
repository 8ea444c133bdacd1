package resolver

import (
	"net"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

// DefaultCacheSize bounds how many distinct hostnames the cache holds
// before evicting the least recently used entry.
const DefaultCacheSize = 1024

// DefaultTTLCeiling is the maximum time a resolved answer is trusted
// for, regardless of what TTL the resolver returned.
const DefaultTTLCeiling = 300 * time.Second

type cacheEntry struct {
	ips       []net.IP
	expiresAt time.Time
}

// Cache maps hostname to a resolved address set, honoring the minimum
// TTL returned by DoH and capped at a configurable ceiling. It is safe
// for concurrent use: lookups and writes both take the lock exclusively
// (an LRU lookup reorders the recency list), and concurrent misses for the same hostname are de-duplicated via
// single-flight so only one upstream lookup is ever in flight per key.
//
// Grounded on examples/trusted-ca/trustedca.go's combination of
// groupcache's lru.Cache and singleflight.Group for the same
// lookup-then-populate shape.
type Cache struct {
	mu      sync.RWMutex
	entries *lru.Cache
	group   singleflight.Group
	ceiling time.Duration
	now     func() time.Time
}

// NewCache creates a Cache with the given TTL ceiling. A zero ceiling
// uses DefaultTTLCeiling.
func NewCache(ceiling time.Duration) *Cache {
	if ceiling <= 0 {
		ceiling = DefaultTTLCeiling
	}
	return &Cache{
		entries: lru.New(DefaultCacheSize),
		ceiling: ceiling,
		now:     time.Now,
	}
}

// Get returns the cached address set for hostname if present and not
// expired. A stale entry is evicted and treated as a miss.
func (c *Cache) Get(hostname string) ([]net.IP, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.entries.Get(hostname)
	if !ok {
		return nil, false
	}

	e, ok := val.(cacheEntry)
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.entries.Remove(hostname)
		return nil, false
	}
	return e.ips, true
}

// Set stores ips for hostname, expiring at min(ttl, ceiling) from now.
func (c *Cache) Set(hostname string, ips []net.IP, ttl time.Duration) {
	if ttl > c.ceiling {
		ttl = c.ceiling
	}
	c.mu.Lock()
	c.entries.Add(hostname, cacheEntry{ips: ips, expiresAt: c.now().Add(ttl)})
	c.mu.Unlock()
}

// GetOrResolve returns the cached address set for hostname, or calls
// resolve exactly once across any number of concurrent callers sharing
// the same hostname, caching the result on success. A failed resolve
// is never cached.
func (c *Cache) GetOrResolve(hostname string, resolve func() ([]net.IP, time.Duration, error)) ([]net.IP, error) {
	if ips, ok := c.Get(hostname); ok {
		return ips, nil
	}

	v, err := c.group.Do(hostname, func() (any, error) {
		ips, ttl, err := resolve()
		if err != nil {
			return nil, err
		}
		c.Set(hostname, ips, ttl)
		return ips, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]net.IP), nil
}
