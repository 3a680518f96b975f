package labtemplate

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is used when a Cache is created with a non-positive TTL.
const DefaultCacheTTL = 5 * time.Minute

const allKey = "all"

// cacheEntry holds a cached result and the time it was written.
type cacheEntry struct {
	data      []Template
	timestamp time.Time
	filters   FilterSet
}

// Cache maps a normalized filter key to a timestamped result snapshot.
// Expiry is evaluated lazily on Get; nothing runs while the cache is idle.
// Every read and write copies the data, so callers never share a slice with
// a cached entry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a Cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns a copy of the cached collection for key. An expired entry is
// evicted and reported as a miss.
func (c *Cache) Get(key string) ([]Template, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.timestamp) >= c.ttl {
		c.mu.Lock()
		// Only evict if nobody replaced the entry in the meantime.
		if c.entries[key] == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return cloneTemplates(entry.data), true
}

// Put stores a timestamped copy of data under key.
func (c *Cache) Put(key string, data []Template, filters FilterSet) {
	entry := &cacheEntry{
		data:      cloneTemplates(data),
		timestamp: c.now(),
		filters:   filters,
	}
	if entry.data == nil {
		entry.data = []Template{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Len returns the number of entries held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// KeyFor is the cache's key derivation; see CacheKey.
func (c *Cache) KeyFor(filters FilterSet) string {
	return CacheKey(filters)
}

// CacheKey derives the canonical key of a FilterSet. Values are trimmed and
// lower-cased (matching is case-insensitive), empty fields are dropped and the
// remaining pairs are sorted by name. A FilterSet with no predicates maps to
// "all".
func CacheKey(filters FilterSet) string {
	pairs := map[string]string{
		string(FieldSearchTerm):  filters.SearchTerm,
		string(FieldCategory):    filters.Category,
		string(FieldSampleType):  filters.SampleType,
		string(FieldMethodology): filters.Methodology,
	}
	names := make([]string, 0, len(pairs))
	for name, v := range pairs {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			delete(pairs, name)
			continue
		}
		pairs[name] = v
		names = append(names, name)
	}
	if len(names) == 0 {
		return allKey
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pairs[name]))
	}
	return b.String()
}
