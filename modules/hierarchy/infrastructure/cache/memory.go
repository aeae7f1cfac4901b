// Package cache provides branch-tagged cache backends for derived hierarchy
// reads. Both backends resolve an invalidated branch to the exact set of
// stale entries: descendant tags through a lexicographic range over
// "prefix." (segment-safe, "1.50" never falls under "1.5"), ancestor tags
// through direct lookups.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/path"
	"github.com/iota-uz/hierarchy/modules/hierarchy/services"
)

type memEntry struct {
	value     []byte
	branches  []string
	expiresAt time.Time
}

type tenantCache struct {
	entries map[string]*memEntry
	// tagIndex maps a branch tag to the keys derived from it. sortedTags
	// mirrors the index keys in lexicographic order for range scans.
	tagIndex   map[string]map[string]struct{}
	sortedTags []string
}

// MemoryCache is the in-process BranchCache backend.
type MemoryCache struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*tenantCache
	now     func() time.Time
}

var _ services.BranchCache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		tenants: make(map[uuid.UUID]*tenantCache),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, tenantID uuid.UUID, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.tenants[tenantID]
	if !ok {
		return nil, false, nil
	}
	e, ok := tc.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		tc.drop(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, tenantID uuid.UUID, key string, value []byte, branches []string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.tenants[tenantID]
	if !ok {
		tc = &tenantCache{
			entries:  make(map[string]*memEntry),
			tagIndex: make(map[string]map[string]struct{}),
		}
		c.tenants[tenantID] = tc
	}
	tc.drop(key)

	e := &memEntry{value: value, branches: branches}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	tc.entries[key] = e
	for _, tag := range branches {
		keys, ok := tc.tagIndex[tag]
		if !ok {
			keys = make(map[string]struct{})
			tc.tagIndex[tag] = keys
			i := sort.SearchStrings(tc.sortedTags, tag)
			tc.sortedTags = append(tc.sortedTags, "")
			copy(tc.sortedTags[i+1:], tc.sortedTags[i:])
			tc.sortedTags[i] = tag
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (c *MemoryCache) InvalidateBranch(_ context.Context, tenantID uuid.UUID, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.tenants[tenantID]
	if !ok {
		return 0, nil
	}

	stale := make(map[string]struct{})
	collect := func(tag string) {
		for key := range tc.tagIndex[tag] {
			stale[key] = struct{}{}
		}
	}

	collect(prefix)
	for _, anc := range path.Ancestors(prefix) {
		collect(anc)
	}
	// Descendant tags all start with prefix followed by the separator, which
	// makes them one contiguous run of the sorted tag list.
	lo := prefix + path.Separator
	hi := prefix + string(path.Separator[0]+1)
	from := sort.SearchStrings(tc.sortedTags, lo)
	to := sort.SearchStrings(tc.sortedTags, hi)
	for _, tag := range tc.sortedTags[from:to] {
		collect(tag)
	}

	for key := range stale {
		tc.drop(key)
	}
	return len(stale), nil
}

func (c *MemoryCache) InvalidateKey(_ context.Context, tenantID uuid.UUID, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tc, ok := c.tenants[tenantID]; ok {
		tc.drop(key)
	}
	return nil
}

// drop removes one entry and unlinks it from every tag it was registered
// under. Caller holds the lock.
func (tc *tenantCache) drop(key string) {
	e, ok := tc.entries[key]
	if !ok {
		return
	}
	delete(tc.entries, key)
	for _, tag := range e.branches {
		keys := tc.tagIndex[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(tc.tagIndex, tag)
			i := sort.SearchStrings(tc.sortedTags, tag)
			if i < len(tc.sortedTags) && tc.sortedTags[i] == tag {
				tc.sortedTags = append(tc.sortedTags[:i], tc.sortedTags[i+1:]...)
			}
		}
	}
}
