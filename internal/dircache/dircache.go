// Package dircache implements the Directory Cache from spec.md §4.5: a TTL
// cache of listing results keyed by (mount_id, storage_key, viewer_scope),
// invalidated on writes under a key's prefix, mount-config change, or
// manual flush. Grounded on Perkeep's pkg/lru (a size-bounded cache used
// throughout blobserver for stat/enumerate memoization), generalized here
// to a per-entry TTL plus prefix-scan invalidation since directory writes
// must invalidate every cached listing at or above the write's path, not
// just one key.
package dircache

import (
	"strings"
	"sync"
	"time"

	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/metrics"
)

// Key identifies one cached listing.
type Key struct {
	MountID     string
	StorageKey  string
	ViewerScope string // folds in basic_path + hide-pattern source, per spec.md §4.5
}

type entry struct {
	result    driver.ListResult
	expiresAt time.Time
}

// Cache is a TTL-bounded listing cache plus an independent 5-minute search
// cache, per spec.md §4.5's last sentence.
type Cache struct {
	mu         sync.RWMutex
	listings   map[Key]entry
	defaultTTL time.Duration

	searchMu  sync.RWMutex
	searchTTL time.Duration
	search    map[string]searchEntry

	met *metrics.Registry
}

type searchEntry struct {
	value     interface{}
	expiresAt time.Time
}

func New(defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 60 * time.Second
	}
	return &Cache{
		listings:   make(map[Key]entry),
		defaultTTL: defaultTTL,
		searchTTL:  5 * time.Minute,
		search:     make(map[string]searchEntry),
	}
}

// SetMetrics attaches the process-wide metrics.Registry so Get can
// increment directory_cache_hits_total/directory_cache_misses_total.
// Optional; unset means no increments.
func (c *Cache) SetMetrics(m *metrics.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.met = m
}

// Get returns a cached listing if present and unexpired.
func (c *Cache) Get(k Key) (driver.ListResult, bool) {
	c.mu.RLock()
	e, ok := c.listings[k]
	met := c.met
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		if met != nil {
			met.CacheMisses.Inc()
		}
		return driver.ListResult{}, false
	}
	if met != nil {
		met.CacheHits.Inc()
	}
	return e.result, true
}

// Put stores a listing with the given mount's cache_ttl_seconds (falls
// back to defaultTTL when ttl <= 0).
func (c *Cache) Put(k Key, result driver.ListResult, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings[k] = entry{result: result, expiresAt: time.Now().Add(ttl)}
}

// InvalidatePrefix drops every cached listing for mountID whose
// storage_key is at or under prefix, and every listing whose storage_key
// is itself a prefix of it (the ancestors), per spec.md §4.5's
// "invalidated on any write under that key's prefix".
func (c *Cache) InvalidatePrefix(mountID, prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.listings {
		if k.MountID != mountID {
			continue
		}
		if k.StorageKey == prefix || strings.HasPrefix(k.StorageKey, prefix) || strings.HasPrefix(prefix, k.StorageKey) {
			delete(c.listings, k)
		}
	}
}

// InvalidateMount drops every cached listing for a mount, used on
// mount-config change per spec.md §4.5.
func (c *Cache) InvalidateMount(mountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.listings {
		if k.MountID == mountID {
			delete(c.listings, k)
		}
	}
}

// FlushAll clears every cached listing. No HTTP route calls it.
func (c *Cache) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings = make(map[Key]entry)
}

// Stats reports cache occupancy. No HTTP route exposes it.
type Stats struct {
	ListingEntries int
	SearchEntries  int
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.listings)
	c.mu.RUnlock()
	c.searchMu.RLock()
	s := len(c.search)
	c.searchMu.RUnlock()
	return Stats{ListingEntries: n, SearchEntries: s}
}

// GetSearch/PutSearch implement the independent 5-minute search-result
// cache called out in spec.md §4.5.
func (c *Cache) GetSearch(key string) (interface{}, bool) {
	c.searchMu.RLock()
	defer c.searchMu.RUnlock()
	e, ok := c.search[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) PutSearch(key string, value interface{}) {
	c.searchMu.Lock()
	defer c.searchMu.Unlock()
	c.search[key] = searchEntry{value: value, expiresAt: time.Now().Add(c.searchTTL)}
}

func (c *Cache) FlushSearch() {
	c.searchMu.Lock()
	defer c.searchMu.Unlock()
	c.search = make(map[string]searchEntry)
}
