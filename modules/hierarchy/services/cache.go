package services

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// BranchCache stores derived hierarchy reads keyed by branch. Entries register
// under the path of every node they depend on, so a mutation anywhere in a
// branch can drop exactly the entries derived from it.
type BranchCache interface {
	// Get returns the cached value for key, or ok=false on a miss.
	Get(ctx context.Context, tenantID uuid.UUID, key string) ([]byte, bool, error)
	// Set stores value under key, tagged with the branch paths it derives from.
	Set(ctx context.Context, tenantID uuid.UUID, key string, value []byte, branches []string, ttl time.Duration) error
	// InvalidateBranch drops every entry whose branch tag is an ancestor of,
	// equal to, or a descendant of prefix, and returns how many entries were
	// dropped. Ancestor tags are included because a read rooted above the
	// changed subtree still derives from nodes inside it.
	InvalidateBranch(ctx context.Context, tenantID uuid.UUID, prefix string) (int, error)
	// InvalidateKey drops a single entry. Used to evict corrupt values.
	InvalidateKey(ctx context.Context, tenantID uuid.UUID, key string) error
}

// Cache keys for the query engine. Tenant scoping is the cache's job; keys
// only name the shape of the read.
func subtreeCacheKey(q SubtreeQuery) string {
	k := "subtree:" + q.Path + ":" + q.Cursor + ":" + strconv.Itoa(q.Limit)
	if q.Level > 0 {
		k += ":l" + strconv.Itoa(q.Level)
	}
	if q.IncludeUnsynced {
		k += ":all"
	}
	return k
}

func ancestorsCacheKey(path string) string {
	return "ancestors:" + path
}

// Canonical reads cache under the uuid.Nil scope so the same invalidation
// path serves canonical and tenant entries.
func canonicalNodeCacheKey(id uuid.UUID) string {
	return "canonical:node:" + id.String()
}

func canonicalPathCacheKey(path string) string {
	return "canonical:path:" + path
}

func canonicalChildrenCacheKey(parentID uuid.UUID, level int) string {
	return "canonical:children:" + parentID.String() + ":" + strconv.Itoa(level)
}

func canonicalDescendantsCacheKey(prefix string, activeOnly bool) string {
	k := "canonical:descendants:" + prefix
	if activeOnly {
		k += ":active"
	}
	return k
}

func rollupCacheKey(path string) string {
	return "rollup:" + path
}
