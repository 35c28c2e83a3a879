package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// cacheKey identifies a cached result set. Queries are hashed so raw (and
// possibly redacted-PII) text never sits in map keys.
func cacheKey(q Query) string {
	sum := sha256.Sum256([]byte(q.Query))
	return q.Principal.TenantID + "|" + q.Principal.SiteID + "|" + hex.EncodeToString(sum[:]) + "|" + q.Locale
}

type cacheEntry struct {
	result   Result
	storedAt time.Time
}

// swrCache is a bounded stale-while-revalidate cache. Entries within the TTL
// are fresh; older entries are still served but the caller is expected to
// refresh them. A per-key refresh flag keeps revalidation single-flight.
type swrCache struct {
	ttl time.Duration
	max int

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	refreshes map[string]bool

	// now is swappable in tests.
	now func() time.Time
}

func newSWRCache(ttl time.Duration, max int) *swrCache {
	return &swrCache{
		ttl:       ttl,
		max:       max,
		entries:   make(map[string]*cacheEntry),
		refreshes: make(map[string]bool),
		now:       time.Now,
	}
}

// get returns the cached result and whether it is still fresh.
func (c *swrCache) get(key string) (Result, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Result{}, false, false
	}
	fresh := c.now().Sub(e.storedAt) <= c.ttl
	return e.result, fresh, true
}

// put stores a result, evicting the oldest entry when full.
func (c *swrCache) put(key string, res Result) {
	res.CacheHit = false

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.max {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.storedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.storedAt
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[key] = &cacheEntry{result: res, storedAt: c.now()}
}

// beginRefresh reports whether the caller won the right to revalidate key.
func (c *swrCache) beginRefresh(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refreshes[key] {
		return false
	}
	c.refreshes[key] = true
	return true
}

func (c *swrCache) endRefresh(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.refreshes, key)
}
