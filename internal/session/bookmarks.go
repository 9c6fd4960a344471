package session

import (
	"sync"
	"time"
)

// BookmarkManager is consulted before each transaction (Get) and after
// each commit (Update), so bookmarks can be shared across sessions
// (§4.5 "If a BookmarkManager is configured...").
type BookmarkManager interface {
	Get() []string
	Update(previous, new []string)
}

// BookmarkSet is an ordered set of opaque bookmark strings (§3). It
// preserves insertion order and de-duplicates.
type BookmarkSet struct {
	order []string
	seen  map[string]struct{}
}

// NewBookmarkSet builds a set from the given bookmarks, de-duplicating.
func NewBookmarkSet(bookmarks ...string) *BookmarkSet {
	s := &BookmarkSet{seen: make(map[string]struct{})}
	s.Add(bookmarks...)
	return s
}

// Add appends bookmarks not already present.
func (s *BookmarkSet) Add(bookmarks ...string) {
	for _, b := range bookmarks {
		if b == "" {
			continue
		}
		if _, ok := s.seen[b]; ok {
			continue
		}
		s.seen[b] = struct{}{}
		s.order = append(s.order, b)
	}
}

// Replace discards the current contents and sets bookmarks as the new
// entire set (§4.5 "the session's bookmark set becomes {that_bookmark}").
func (s *BookmarkSet) Replace(bookmarks ...string) {
	s.order = nil
	s.seen = make(map[string]struct{})
	s.Add(bookmarks...)
}

// Slice returns the set's contents in insertion order.
func (s *BookmarkSet) Slice() []string {
	return append([]string(nil), s.order...)
}

// homeDBCacheEntry is one (impersonated_user, auth_fingerprint) entry
// in the pool-level home-database cache (§4.5).
type homeDBCacheEntry struct {
	database string
	expires  time.Time
}

// HomeDatabaseCache is a TTL-bounded cache keyed by
// (impersonated_user, auth_fingerprint) that short-circuits the
// routing-refresh-driven home-database lookup across sessions. A hit
// or miss never blocks a concurrent writer: reads take an RLock, writes
// take a Lock, and neither holds the lock across a network call —
// callers compute the value first, then Set.
type HomeDatabaseCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]homeDBCacheEntry
}

// NewHomeDatabaseCache returns a cache with the given TTL.
func NewHomeDatabaseCache(ttl time.Duration) *HomeDatabaseCache {
	return &HomeDatabaseCache{ttl: ttl, entries: make(map[string]homeDBCacheEntry)}
}

func homeDBCacheKey(impersonatedUser, authFingerprint string) string {
	return impersonatedUser + "\x00" + authFingerprint
}

// Get returns the cached home database and whether it is still fresh.
func (c *HomeDatabaseCache) Get(impersonatedUser, authFingerprint string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[homeDBCacheKey(impersonatedUser, authFingerprint)]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.database, true
}

// Set records database as the resolved home database for the given
// key, valid for the cache's TTL.
func (c *HomeDatabaseCache) Set(impersonatedUser, authFingerprint, database string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[homeDBCacheKey(impersonatedUser, authFingerprint)] = homeDBCacheEntry{
		database: database,
		expires:  time.Now().Add(c.ttl),
	}
}

// AuthFingerprint derives a stable cache-key component from an auth
// token without storing credentials verbatim in the cache key space;
// callers pass the scheme and principal fields only (never the secret
// itself), matching the driver's general rule that auth tokens are
// never logged or used as map keys in full.
func AuthFingerprint(scheme, principal string) string {
	return scheme + "/" + principal
}
