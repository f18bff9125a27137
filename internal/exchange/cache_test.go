package exchange

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxEntries int, refreshBuffer time.Duration, now *time.Time) *Cache {
	t.Helper()
	cache, err := NewCache(maxEntries, refreshBuffer)
	require.NoError(t, err)
	cache.now = func() time.Time { return *now }
	return cache
}

func TestCache_HitWithinValidity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := newTestCache(t, 100, 300*time.Second, &now)

	cache.Put("subject-hash", "service-x", "token-a", now.Add(600*time.Second))

	token, ok := cache.Get("subject-hash", "service-x")
	require.True(t, ok)
	assert.Equal(t, "token-a", token)
}

func TestCache_MissForUnknownKey(t *testing.T) {
	now := time.Now()
	cache := newTestCache(t, 100, 300*time.Second, &now)

	_, ok := cache.Get("subject-hash", "service-x")
	assert.False(t, ok)
}

func TestCache_AudienceIsolation(t *testing.T) {
	// A token exchanged for audience A must never be returned for audience B,
	// even for the same subject identity.
	now := time.Now()
	cache := newTestCache(t, 100, 300*time.Second, &now)

	cache.Put("subject-hash", "service-a", "token-for-a", now.Add(time.Hour))

	_, ok := cache.Get("subject-hash", "service-b")
	assert.False(t, ok)

	token, ok := cache.Get("subject-hash", "service-a")
	require.True(t, ok)
	assert.Equal(t, "token-for-a", token)
}

func TestCache_RefreshBufferForcesMiss(t *testing.T) {
	// A 600s token with a 300s refresh buffer: served at t+10, treated as a
	// miss at t+595 even though it has not technically expired yet.
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	cache := newTestCache(t, 100, 300*time.Second, &now)

	cache.Put("subject-hash", "service-x", "token-a", start.Add(600*time.Second))

	now = start.Add(10 * time.Second)
	_, ok := cache.Get("subject-hash", "service-x")
	assert.True(t, ok, "token well inside validity should be served")

	now = start.Add(595 * time.Second)
	_, ok = cache.Get("subject-hash", "service-x")
	assert.False(t, ok, "token inside refresh buffer must not be served")
}

func TestCache_ExactBufferBoundaryIsStale(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	cache := newTestCache(t, 100, 300*time.Second, &now)

	cache.Put("subject-hash", "service-x", "token-a", start.Add(600*time.Second))

	// now == expiry - refresh_buffer is already stale.
	now = start.Add(300 * time.Second)
	_, ok := cache.Get("subject-hash", "service-x")
	assert.False(t, ok)
}

func TestCache_StaleLookupEvicts(t *testing.T) {
	start := time.Now()
	now := start
	cache := newTestCache(t, 100, 300*time.Second, &now)

	cache.Put("subject-hash", "service-x", "token-a", start.Add(time.Second))
	require.Equal(t, 1, cache.Len())

	now = start.Add(time.Minute)
	_, ok := cache.Get("subject-hash", "service-x")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len(), "stale entry should be evicted on lookup")
}

func TestCache_PutReplacesEntry(t *testing.T) {
	now := time.Now()
	cache := newTestCache(t, 100, 300*time.Second, &now)

	cache.Put("subject-hash", "service-x", "old-token", now.Add(time.Hour))
	cache.Put("subject-hash", "service-x", "new-token", now.Add(2*time.Hour))

	token, ok := cache.Get("subject-hash", "service-x")
	require.True(t, ok)
	assert.Equal(t, "new-token", token)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Invalidate(t *testing.T) {
	now := time.Now()
	cache := newTestCache(t, 100, 300*time.Second, &now)

	cache.Put("subject-hash", "service-x", "token-a", now.Add(time.Hour))
	cache.Invalidate("subject-hash", "service-x")

	_, ok := cache.Get("subject-hash", "service-x")
	assert.False(t, ok)
}

func TestCache_SweepRemovesOnlyStaleEntries(t *testing.T) {
	start := time.Now()
	now := start
	cache := newTestCache(t, 100, 300*time.Second, &now)

	cache.Put("hash-1", "service-x", "short-lived", start.Add(time.Second))
	cache.Put("hash-2", "service-x", "long-lived", start.Add(time.Hour))

	now = start.Add(time.Minute)
	evicted := cache.Sweep()

	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, cache.Len())

	token, ok := cache.Get("hash-2", "service-x")
	require.True(t, ok)
	assert.Equal(t, "long-lived", token)
}

func TestCache_BoundedCapacity(t *testing.T) {
	now := time.Now()
	cache := newTestCache(t, 8, 300*time.Second, &now)

	for i := 0; i < 20; i++ {
		cache.Put(fmt.Sprintf("hash-%d", i), "service-x", "token", now.Add(time.Hour))
	}

	assert.LessOrEqual(t, cache.Len(), 8)
}
