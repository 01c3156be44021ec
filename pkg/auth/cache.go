package auth

import (
	"time"

	"github.com/Yiling-J/theine-go"

	"github.com/objstack/objstack/pkg/format"
)

const (
	defaultSessionCacheSize = 10000
	sessionCacheTTL         = 30 * time.Second
)

// SessionCache memoizes session-token → user lookups. Entries are
// short-lived; token revocation additionally invalidates eagerly.
type SessionCache struct {
	cache *theine.Cache[string, map[string]any]
}

// NewSessionCache builds a cache bounded to size entries. A size of 0
// uses the default.
func NewSessionCache(size int64) (*SessionCache, error) {
	if size <= 0 {
		size = defaultSessionCacheSize
	}
	cache, err := theine.NewBuilder[string, map[string]any](size).Build()
	if err != nil {
		return nil, err
	}
	return &SessionCache{cache: cache}, nil
}

// Get returns a copy of the cached user for a session token.
func (c *SessionCache) Get(sessionToken string) (map[string]any, bool) {
	user, ok := c.cache.Get(sessionToken)
	if !ok {
		return nil, false
	}
	return format.DeepCopyMap(user), true
}

// Set caches the user for a session token.
func (c *SessionCache) Set(sessionToken string, user map[string]any) {
	c.cache.SetWithTTL(sessionToken, format.DeepCopyMap(user), 1, sessionCacheTTL)
}

// Invalidate drops a session token, for when its session is destroyed
// or its user's password changes.
func (c *SessionCache) Invalidate(sessionToken string) {
	c.cache.Delete(sessionToken)
}

// Close releases the cache's resources.
func (c *SessionCache) Close() {
	c.cache.Close()
}
