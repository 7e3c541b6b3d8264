package recurrence

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
)

// CacheEntry is one cached expansion.
type CacheEntry struct {
	Occurrences []time.Time
	ExpiresAt   time.Time
	AccessedAt  time.Time
}

// ExpansionCache memoizes series expansions per object version and window.
type ExpansionCache struct {
	entries    map[string]*CacheEntry
	mutex      sync.Mutex
	ttl        time.Duration
	maxEntries int
	clock      func() time.Time
	hits       int
	misses     int
}

// CacheConfig holds configuration for the expansion cache
type CacheConfig struct {
	TTL        time.Duration // How long entries stay valid
	MaxEntries int           // Zero disables the cache
}

// DefaultCacheConfig provides defaults for expansion caching
var DefaultCacheConfig = CacheConfig{
	TTL:        15 * time.Minute,
	MaxEntries: 1000,
}

// NewExpansionCache creates an expansion cache. Expired entries are dropped
// lazily.
func NewExpansionCache(config CacheConfig) *ExpansionCache {
	return &ExpansionCache{
		entries:    make(map[string]*CacheEntry),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		clock:      time.Now,
	}
}

func writeTime(h interface{ Write([]byte) (int, error) }, t time.Time) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixNano()))
	h.Write(b[:])
}

// cacheKey covers everything an expansion depends on, so objects without a
// stable identity still get distinct entries.
func cacheKey(obj *storage.CalendarObject, window storage.TimeRange) string {
	hasher := sha256.New()
	hasher.Write([]byte(obj.ID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(FormatRule(obj.Rule)))
	for _, t := range []time.Time{obj.LastModified, obj.Start, obj.End, window.Start, window.End} {
		writeTime(hasher, t)
	}
	for _, exdate := range obj.DeleteExceptions {
		writeTime(hasher, exdate)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// Get retrieves a cached expansion if it exists and hasn't expired
func (c *ExpansionCache) Get(obj *storage.CalendarObject, window storage.TimeRange) ([]time.Time, bool) {
	key := cacheKey(obj, window)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[key]
	now := c.clock()
	if !exists || now.After(entry.ExpiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	entry.AccessedAt = now
	c.hits++
	return entry.Occurrences, true
}

// Set stores an expansion.
func (c *ExpansionCache) Set(obj *storage.CalendarObject, window storage.TimeRange, occurrences []time.Time) {
	if c.maxEntries <= 0 {
		return
	}
	key := cacheKey(obj, window)
	now := c.clock()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[key] = &CacheEntry{
		Occurrences: occurrences,
		ExpiresAt:   now.Add(c.ttl),
		AccessedAt:  now,
	}
	if len(c.entries) > c.maxEntries {
		c.cleanup(now)
	}
}

// cleanup removes expired entries, then the least recently accessed ones
// while over the limit. Callers hold the mutex.
func (c *ExpansionCache) cleanup(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) <= c.maxEntries {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].AccessedAt.Before(c.entries[keys[j]].AccessedAt)
	})
	for _, key := range keys[:len(keys)-c.maxEntries] {
		delete(c.entries, key)
	}
}

// Stats returns cache statistics
func (c *ExpansionCache) Stats() CacheStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock()
	expired := 0
	for _, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			expired++
		}
	}
	return CacheStats{
		TotalEntries:   len(c.entries),
		ExpiredEntries: expired,
		ActiveEntries:  len(c.entries) - expired,
		Hits:           c.hits,
		Misses:         c.misses,
	}
}

// CacheStats provides information about cache performance
type CacheStats struct {
	TotalEntries   int
	ExpiredEntries int
	ActiveEntries  int
	Hits           int
	Misses         int
}
