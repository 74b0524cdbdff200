package topoff

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how stale cached settings may be.
const DefaultCacheTTL = 10 * time.Minute

type cacheEntry struct {
	settings  *Settings // nil: no settings row
	expiresAt time.Time
}

// SettingsCache is a read-through TTL cache in front of a SettingsStore.
// Missing rows are cached too. A read that overlaps an Invalidate for the
// same organization is returned to its caller but not cached.
type SettingsCache struct {
	store SettingsStore
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	gens    map[string]uint64 // bumped by Invalidate
}

// NewSettingsCache wraps store. ttl <= 0 uses DefaultCacheTTL.
func NewSettingsCache(store SettingsStore, ttl time.Duration) *SettingsCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &SettingsCache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
	}
}

// Get returns the organization's settings, or nil if it has none.
func (c *SettingsCache) Get(ctx context.Context, orgID string) (*Settings, error) {
	c.mu.Lock()
	e, ok := c.entries[orgID]
	gen := c.gens[orgID]
	c.mu.Unlock()
	if ok && c.now().Before(e.expiresAt) {
		cacheLookups.WithLabelValues("hit").Inc()
		return cloneOrNil(e.settings), nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	s, err := c.store.Get(ctx, orgID)
	if errors.Is(err, ErrSettingsNotFound) {
		s, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gens[orgID] == gen {
		c.entries[orgID] = cacheEntry{settings: cloneOrNil(s), expiresAt: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	return s, nil
}

// Invalidate drops the cached entry for orgID.
func (c *SettingsCache) Invalidate(orgID string) {
	c.mu.Lock()
	delete(c.entries, orgID)
	c.gens[orgID]++
	c.mu.Unlock()
}

func cloneOrNil(s *Settings) *Settings {
	if s == nil {
		return nil
	}
	return clone(s)
}
