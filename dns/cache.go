package dns

import (
	"container/list"
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/zulfikawr/pulse/internal/metrics"
)

const (
	// DefaultTTL is how long a resolution stays usable.
	DefaultTTL = 10 * time.Second

	// DefaultMaxEntries bounds the cache before LRU eviction kicks in.
	DefaultMaxEntries = 1000
)

type cacheKey struct {
	host   string
	family Family
}

type cacheEntry struct {
	key     cacheKey
	addrs   []netip.Addr
	expires time.Time
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Cache is a TTL + LRU cache of resolutions keyed by (host, family).
//
// Writes are last-writer-wins; expired entries are discarded on read.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[cacheKey]*list.Element
	order   *list.List // front = most recently used

	hits   int64
	misses int64

	now func() time.Time // test hook
}

// NewCache returns a cache with the given TTL and entry bound.
// Zero values select DefaultTTL and DefaultMaxEntries.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[cacheKey]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the cached addresses for (host, family), or ok=false when
// absent or expired.
func (c *Cache) Get(host string, family Family) ([]netip.Addr, bool) {
	key := cacheKey{host: host, family: family}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		metrics.DNSCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().After(ent.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		metrics.DNSCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	metrics.DNSCacheLookups.WithLabelValues("hit").Inc()
	return ent.addrs, true
}

// Set stores addresses for (host, family), evicting the least recently
// used entry when full.
func (c *Cache) Set(host string, family Family, addrs []netip.Addr) {
	key := cacheKey{host: host, family: family}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
	if len(c.entries) >= c.max {
		if back := c.order.Back(); back != nil {
			old := back.Value.(*cacheEntry)
			c.order.Remove(back)
			delete(c.entries, old.key)
		}
	}
	ent := &cacheEntry{key: key, addrs: addrs, expires: c.now().Add(c.ttl)}
	c.entries[key] = c.order.PushFront(ent)
}

// Delete drops one entry.
func (c *Cache) Delete(host string, family Family) {
	key := cacheKey{host: host, family: family}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]*list.Element)
	c.order.Init()
}

// GetStats returns hit/miss counters and the current size.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}

// CachedResolver fronts a Resolver with a Cache. IP literals and
// loopback hosts bypass both the cache and the inner resolver.
type CachedResolver struct {
	inner Resolver
	cache *Cache
}

// NewCachedResolver wraps inner with cache. A nil cache gets defaults.
func NewCachedResolver(inner Resolver, cache *Cache) *CachedResolver {
	if cache == nil {
		cache = NewCache(0, 0)
	}
	return &CachedResolver{inner: inner, cache: cache}
}

// Cache exposes the underlying cache for stats and invalidation.
func (r *CachedResolver) Cache() *Cache { return r.cache }

// Resolve implements Resolver.
func (r *CachedResolver) Resolve(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	if addr, ok := Literal(host); ok {
		return []netip.Addr{addr}, nil
	}
	if addrs, ok := r.cache.Get(host, family); ok {
		return addrs, nil
	}
	addrs, err := r.inner.Resolve(ctx, host, family)
	if err != nil {
		return nil, err
	}
	r.cache.Set(host, family, addrs)
	return addrs, nil
}
