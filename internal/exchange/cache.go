package exchange

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry is one exchanged token held by the cache. Entries are replaced,
// never mutated, on refresh.
type cacheEntry struct {
	token     string
	expiresAt time.Time
	fetchedAt time.Time
}

// Cache stores exchanged tokens keyed by (subject token hash, target
// audience). A token exchanged for one audience is never returned for
// another: the audience is part of the key.
//
// Safe for concurrent use; the underlying LRU carries its own lock and bounds
// memory under high identity x audience cardinality. Stale entries are
// evicted lazily on lookup; an optional background sweep exists purely for
// memory hygiene.
type Cache struct {
	entries       *lru.Cache[string, cacheEntry]
	refreshBuffer time.Duration
	now           func() time.Time
}

// NewCache creates a cache bounded to maxEntries. Entries within
// refreshBuffer of their expiry are treated as absent, forcing a proactive
// refresh instead of serving a token that could expire mid-flight at the
// destination.
func NewCache(maxEntries int, refreshBuffer time.Duration) (*Cache, error) {
	entries, err := lru.New[string, cacheEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		entries:       entries,
		refreshBuffer: refreshBuffer,
		now:           time.Now,
	}, nil
}

func cacheKey(subjectHash, audience string) string {
	return subjectHash + "\x00" + audience
}

// Get returns the cached token for the given subject identity and audience.
// A stale entry (now >= expiry - refreshBuffer) is evicted and reported as a
// miss.
func (c *Cache) Get(subjectHash, audience string) (string, bool) {
	key := cacheKey(subjectHash, audience)
	entry, ok := c.entries.Get(key)
	if !ok {
		return "", false
	}
	if c.stale(entry) {
		c.entries.Remove(key)
		return "", false
	}
	return entry.token, true
}

// Put stores an exchanged token. Called only with the result of a successful
// exchange; an existing entry for the same key is replaced.
func (c *Cache) Put(subjectHash, audience, token string, expiresAt time.Time) {
	c.entries.Add(cacheKey(subjectHash, audience), cacheEntry{
		token:     token,
		expiresAt: expiresAt,
		fetchedAt: c.now(),
	})
}

// Invalidate removes the entry for the given subject identity and audience.
func (c *Cache) Invalidate(subjectHash, audience string) {
	c.entries.Remove(cacheKey(subjectHash, audience))
}

// Len returns the number of entries currently held, stale ones included.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Sweep removes all stale entries and returns how many were evicted. Not
// required for correctness (lookups evict lazily); callers may run it
// periodically to cap memory under high key cardinality.
func (c *Cache) Sweep() int {
	evicted := 0
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok && c.stale(entry) {
			c.entries.Remove(key)
			evicted++
		}
	}
	return evicted
}

func (c *Cache) stale(entry cacheEntry) bool {
	return !c.now().Before(entry.expiresAt.Add(-c.refreshBuffer))
}
