package mapping

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultPositiveTTL is how long a successful resolution is trusted before the cache re-queries the store.
const DefaultPositiveTTL = 3 * time.Minute

// DefaultNegativeTTL is how long a failed or empty resolution is cached, to absorb a burst of events for a storage
// the store genuinely has nothing to say about without hammering it once per event.
const DefaultNegativeTTL = 5 * time.Second

type cacheEntry struct {
	value     map[string]struct{}
	expiresAt time.Time
}

func (e cacheEntry) fresh(now time.Time) bool {
	return now.Before(e.expiresAt)
}

// Cache wraps a Store with single-flight coalescing and a TTL-bounded result cache. Concurrent callers asking for
// the same key during a cold cache share one in-flight query; callers never see an error from the underlying store —
// a failed or empty lookup is cached briefly and reported as an empty set, and the router proceeds best-effort.
type Cache struct {
	store       Store
	positiveTTL time.Duration
	negativeTTL time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry

	flight singleflight.Group

	// OnQuery, if set, is called once per actual store query issued (not per cache hit or coalesced caller). Used to
	// drive the mapping_query_count metric without this package depending on internal/metrics.
	OnQuery func()
}

// NewCache builds a Cache in front of store with the given positive and negative TTLs. A zero TTL falls back to the
// package default.
func NewCache(store Store, positiveTTL, negativeTTL time.Duration) *Cache {
	if positiveTTL <= 0 {
		positiveTTL = DefaultPositiveTTL
	}
	if negativeTTL <= 0 {
		negativeTTL = DefaultNegativeTTL
	}
	return &Cache{
		store:       store,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
		now:         time.Now,
		entries:     make(map[string]cacheEntry),
	}
}

func storageKey(storageID string) string     { return "storage\x00" + storageID }
func pathKey(storageID, path string) string  { return "path\x00" + storageID + "\x00" + path }
func groupMembersKey(group string) string    { return "gmembers\x00" + group }
func groupsForUserKey(user string) string    { return "gfuser\x00" + user }

// UsersForStorage resolves the set of users mounted against storageID, through the cache.
func (c *Cache) UsersForStorage(ctx context.Context, storageID string) map[string]struct{} {
	return c.resolve(ctx, storageKey(storageID), func(ctx context.Context) (map[string]struct{}, error) {
		return c.store.UsersForStorage(ctx, storageID)
	})
}

// UsersForPath resolves the set of users with access to path within storageID, through the cache.
func (c *Cache) UsersForPath(ctx context.Context, storageID, path string) map[string]struct{} {
	return c.resolve(ctx, pathKey(storageID, path), func(ctx context.Context) (map[string]struct{}, error) {
		return c.store.UsersForPath(ctx, storageID, path)
	})
}

// GroupMembers resolves the members of group, through the cache.
func (c *Cache) GroupMembers(ctx context.Context, group string) map[string]struct{} {
	return c.resolve(ctx, groupMembersKey(group), func(ctx context.Context) (map[string]struct{}, error) {
		return c.store.GroupMembers(ctx, group)
	})
}

// GroupsForUser resolves the groups user belongs to, through the cache.
func (c *Cache) GroupsForUser(ctx context.Context, user string) map[string]struct{} {
	return c.resolve(ctx, groupsForUserKey(user), func(ctx context.Context) (map[string]struct{}, error) {
		return c.store.GroupsForUser(ctx, user)
	})
}

func (c *Cache) resolve(ctx context.Context, key string, query func(context.Context) (map[string]struct{}, error)) map[string]struct{} {
	if v, ok := c.lookup(key); ok {
		return v
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		if c.OnQuery != nil {
			c.OnQuery()
		}

		result, err := query(ctx)
		ttl := c.positiveTTL
		if err != nil || len(result) == 0 {
			ttl = c.negativeTTL
			result = map[string]struct{}{}
		}
		c.setEntry(key, result, ttl)
		return result, nil
	})
	if err != nil {
		return map[string]struct{}{}
	}
	return v.(map[string]struct{})
}

func (c *Cache) lookup(key string) (map[string]struct{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !e.fresh(c.now()) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) setEntry(key string, value map[string]struct{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// invalidate drops the cached entry for key, if any, so the next resolve call re-queries the store.
func (c *Cache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidateGroup drops the cached GroupMembers(group) entry.
func (c *Cache) InvalidateGroup(group string) {
	c.invalidate(groupMembersKey(group))
}

// InvalidateUserGroups drops the cached GroupsForUser(user) entry.
func (c *Cache) InvalidateUserGroups(user string) {
	c.invalidate(groupsForUserKey(user))
}
