package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/node"
	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/path"
)

// QueryOptions bounds paged reads and cache entry lifetime.
type QueryOptions struct {
	TTL time.Duration
	// PageSize applies when the caller does not ask for a page length.
	PageSize int
	// MaxPageSize caps the page length a caller may ask for.
	MaxPageSize int
}

func (o *QueryOptions) setDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 25
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = 100
	}
}

type SubtreeQuery struct {
	TenantID uuid.UUID
	Path     string
	// Cursor is the path of the last node of the previous page, empty for the
	// first page.
	Cursor string
	Limit  int
	// Level above zero keeps only nodes at that level, e.g. only wards.
	Level int
	// IncludeUnsynced also returns pending_review and diverged nodes, which
	// are hidden by default.
	IncludeUnsynced bool
}

type SubtreePage struct {
	Nodes []*node.ReplicaNode `json:"nodes"`
	// NextCursor is empty when this is the last page.
	NextCursor string `json:"next_cursor,omitempty"`
}

type RollupResult struct {
	Path     string      `json:"path"`
	Children []RollupRow `json:"children"`
}

// QueryService answers read queries over tenant replicas through the branch
// cache. Cached entries are tagged with the branch they derive from, so
// canonical and replica mutations can drop exactly the reads they staled.
type QueryService struct {
	repo  ReplicaRepository
	cache BranchCache
	opts  QueryOptions
	log   *logrus.Logger
}

func NewQueryService(repo ReplicaRepository, cache BranchCache, opts QueryOptions, log *logrus.Logger) *QueryService {
	opts.setDefaults()
	return &QueryService{repo: repo, cache: cache, opts: opts, log: log}
}

// SubtreeMembers lists descendants of a path in path order with cursor
// pagination. Unsynced nodes are excluded unless asked for.
func (s *QueryService) SubtreeMembers(ctx context.Context, q SubtreeQuery) (*SubtreePage, error) {
	if err := path.Validate(q.Path); err != nil {
		return nil, AsServiceError(err)
	}
	if q.Limit <= 0 {
		q.Limit = s.opts.PageSize
	} else if q.Limit > s.opts.MaxPageSize {
		q.Limit = s.opts.MaxPageSize
	}

	key := subtreeCacheKey(q)
	var page SubtreePage
	if s.cacheGet(ctx, q.TenantID, key, &page) {
		return &page, nil
	}

	// Fetch one extra row to know whether another page exists.
	nodes, err := s.repo.Subtree(ctx, q.TenantID, SubtreeFilter{
		Prefix:          q.Path,
		AfterPath:       q.Cursor,
		Limit:           q.Limit + 1,
		Level:           q.Level,
		IncludeUnsynced: q.IncludeUnsynced,
	})
	if err != nil {
		return nil, AsServiceError(err)
	}
	if len(nodes) > q.Limit {
		nodes = nodes[:q.Limit]
		page.NextCursor = nodes[len(nodes)-1].Path
	}
	page.Nodes = nodes

	s.cacheSet(ctx, q.TenantID, key, &page, []string{q.Path})
	return &page, nil
}

// AncestorChain resolves the full chain from the root down to the node at p,
// without recursion: every ancestor path is a prefix of p.
func (s *QueryService) AncestorChain(ctx context.Context, tenantID uuid.UUID, p string) ([]*node.ReplicaNode, error) {
	if err := path.Validate(p); err != nil {
		return nil, AsServiceError(err)
	}

	key := ancestorsCacheKey(p)
	var chain []*node.ReplicaNode
	if s.cacheGet(ctx, tenantID, key, &chain) {
		return chain, nil
	}

	paths := append(path.Ancestors(p), p)
	chain, err := s.repo.GetByPaths(ctx, tenantID, paths)
	if err != nil {
		return nil, AsServiceError(err)
	}

	// The chain derives only from nodes on the root-to-p line, so tagging
	// with p itself is enough: any mutation on the line invalidates branch
	// tags above or below it.
	s.cacheSet(ctx, tenantID, key, chain, []string{p})
	return chain, nil
}

// Rollup aggregates active node and bound entity counts per direct child
// branch of the given path.
func (s *QueryService) Rollup(ctx context.Context, tenantID uuid.UUID, p string) (*RollupResult, error) {
	if err := path.Validate(p); err != nil {
		return nil, AsServiceError(err)
	}

	key := rollupCacheKey(p)
	var result RollupResult
	if s.cacheGet(ctx, tenantID, key, &result) {
		return &result, nil
	}

	rows, err := s.repo.RollupByChild(ctx, tenantID, p)
	if err != nil {
		return nil, AsServiceError(err)
	}
	result = RollupResult{Path: p, Children: rows}

	s.cacheSet(ctx, tenantID, key, &result, []string{p})
	return &result, nil
}

func (s *QueryService) cacheGet(ctx context.Context, tenantID uuid.UUID, key string, out any) bool {
	if s.cache == nil {
		return false
	}
	raw, ok, err := s.cache.Get(ctx, tenantID, key)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache read failed")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache entry corrupt")
		if err := s.cache.InvalidateKey(ctx, tenantID, key); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("cache evict failed")
		}
		return false
	}
	return true
}

func (s *QueryService) cacheSet(ctx context.Context, tenantID uuid.UUID, key string, value any, branches []string) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, tenantID, key, raw, branches, s.opts.TTL); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}
