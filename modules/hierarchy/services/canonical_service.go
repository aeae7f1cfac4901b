package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/events"
	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/node"
	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/path"
	"github.com/iota-uz/hierarchy/pkg/changelog"
	"github.com/iota-uz/hierarchy/pkg/composables"
)

// CanonicalRepository is the persistence port for the platform-owned tree.
// Implementations read the transaction or pool from the context.
type CanonicalRepository interface {
	Create(ctx context.Context, n *node.Node) error
	Update(ctx context.Context, n *node.Node) error
	GetByID(ctx context.Context, id uuid.UUID) (*node.Node, error)
	GetByPath(ctx context.Context, p string) (*node.Node, error)
	GetByExternalCode(ctx context.Context, code string) (*node.Node, error)
	// NextSiblingSeq atomically allocates the next sequence under parent.
	// Sequences are never reused, even after deactivation.
	NextSiblingSeq(ctx context.Context, parentID *uuid.UUID) (int, error)
	Descendants(ctx context.Context, prefix string, activeOnly bool) ([]*node.Node, error)
	// Children lists direct children of parentID, or root nodes when parentID
	// is nil, in sequence order. A level above zero filters by level.
	Children(ctx context.Context, parentID *uuid.UUID, level int) ([]*node.Node, error)
	CountActiveDescendants(ctx context.Context, prefix string) (int, error)
	// MaxDepth returns the level of the deepest node in the subtree rooted at
	// prefix, including the root itself.
	MaxDepth(ctx context.Context, prefix string) (int, error)
	// RewriteSubtree replaces oldPrefix with newPrefix in every path under and
	// including oldPrefix, shifting levels by levelDelta, in a single statement.
	RewriteSubtree(ctx context.Context, oldPrefix, newPrefix string, levelDelta int) (int64, error)
	DeactivateSubtree(ctx context.Context, prefix string, at time.Time) (int64, error)
}

type CreateNodeInput struct {
	ParentID     *uuid.UUID
	Name         string
	ExternalCode string
	ValidFrom    time.Time
}

// CanonicalService owns all mutations of the canonical tree. Every mutation
// appends its change event to the changelog in the same transaction and
// invalidates the affected cache branch after commit.
type CanonicalService struct {
	repo      CanonicalRepository
	publisher changelog.Publisher
	cache     BranchCache
	ttl       time.Duration
	log       *logrus.Logger

	mu     sync.RWMutex
	halted map[string]struct{}
}

func NewCanonicalService(repo CanonicalRepository, publisher changelog.Publisher, cache BranchCache, ttl time.Duration, log *logrus.Logger) *CanonicalService {
	return &CanonicalService{
		repo:      repo,
		publisher: publisher,
		cache:     cache,
		ttl:       ttl,
		log:       log,
		halted:    make(map[string]struct{}),
	}
}

func (s *CanonicalService) Create(ctx context.Context, input CreateNodeInput) (*node.Node, error) {
	if input.ExternalCode != "" {
		existing, err := s.repo.GetByExternalCode(ctx, input.ExternalCode)
		if err == nil && existing.Active && sameParent(existing.ParentID, input.ParentID) {
			// Re-importing a known source record under the same parent yields
			// the existing node. A different parent is a real change and goes
			// through the normal create path.
			return existing, nil
		}
	}

	var created *node.Node
	err := composables.InTxJoin(ctx, func(txCtx context.Context) error {
		var (
			parentPath string
			level      node.Level = node.LevelCountry
		)
		if input.ParentID != nil {
			parent, err := s.repo.GetByID(txCtx, *input.ParentID)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidParent, err)
			}
			if !parent.Active {
				return fmt.Errorf("%w: parent %s is inactive", ErrInvalidParent, parent.ID)
			}
			if parent.Level >= node.MaxCanonicalLevel {
				return fmt.Errorf("%w: parent %s is at level %d", ErrInvalidParent, parent.ID, parent.Level)
			}
			parentPath = parent.Path
			level = parent.Level + 1
		}
		if err := s.checkBranchHealthy(parentPath); err != nil {
			return err
		}

		seq, err := s.repo.NextSiblingSeq(txCtx, input.ParentID)
		if err != nil {
			return err
		}
		p, err := path.Encode(parentPath, seq)
		if err != nil {
			return err
		}

		validFrom := input.ValidFrom
		if validFrom.IsZero() {
			validFrom = time.Now()
		}
		created = &node.Node{
			ID:           uuid.New(),
			ParentID:     input.ParentID,
			Name:         input.Name,
			Level:        level,
			Path:         p,
			Seq:          seq,
			ExternalCode: input.ExternalCode,
			ValidFrom:    validFrom,
			Active:       true,
		}
		if err := s.repo.Create(txCtx, created); err != nil {
			return err
		}

		return s.enqueue(txCtx, events.ChangeEventV1{
			NodeID:       created.ID,
			ChangeType:   events.ChangeTypeCreated,
			NewPath:      created.Path,
			Name:         created.Name,
			ParentID:     created.ParentID,
			Level:        int(created.Level),
			ExternalCode: created.ExternalCode,
		})
	})
	if err != nil {
		return nil, AsServiceError(err)
	}

	s.invalidate(ctx, created.Path)
	return created, nil
}

func (s *CanonicalService) Rename(ctx context.Context, id uuid.UUID, newName string) (*node.Node, error) {
	var renamed *node.Node
	err := composables.InTxJoin(ctx, func(txCtx context.Context) error {
		n, err := s.repo.GetByID(txCtx, id)
		if err != nil {
			return err
		}
		if err := s.checkBranchHealthy(n.Path); err != nil {
			return err
		}
		n.Name = newName
		if err := s.repo.Update(txCtx, n); err != nil {
			return err
		}
		renamed = n

		return s.enqueue(txCtx, events.ChangeEventV1{
			NodeID:     n.ID,
			ChangeType: events.ChangeTypeRenamed,
			NewPath:    n.Path,
			Name:       n.Name,
			ParentID:   n.ParentID,
			Level:      int(n.Level),
		})
	})
	if err != nil {
		return nil, AsServiceError(err)
	}

	s.invalidate(ctx, renamed.Path)
	return renamed, nil
}

// Move reparents a node. All descendant paths and levels are rewritten in the
// same transaction, and a single Moved event carries the old and new prefix of
// the subtree root.
func (s *CanonicalService) Move(ctx context.Context, id, newParentID uuid.UUID) (*node.Node, error) {
	var (
		moved   *node.Node
		oldPath string
	)
	err := composables.InTxJoin(ctx, func(txCtx context.Context) error {
		n, err := s.repo.GetByID(txCtx, id)
		if err != nil {
			return err
		}
		parent, err := s.repo.GetByID(txCtx, newParentID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParent, err)
		}
		if !parent.Active {
			return fmt.Errorf("%w: parent %s is inactive", ErrInvalidParent, parent.ID)
		}
		if path.IsDescendantOrSelf(parent.Path, n.Path) {
			return fmt.Errorf("%w: %s is under %s", ErrCyclicMove, parent.Path, n.Path)
		}
		if err := s.checkBranchHealthy(n.Path); err != nil {
			return err
		}
		if err := s.checkBranchHealthy(parent.Path); err != nil {
			return err
		}

		// The deepest node of the moved subtree must stay within the
		// canonical level range after the shift.
		deepest, err := s.repo.MaxDepth(txCtx, n.Path)
		if err != nil {
			return err
		}
		levelDelta := int(parent.Level) + 1 - int(n.Level)
		if deepest+levelDelta > int(node.MaxCanonicalLevel) {
			return fmt.Errorf("%w: move would push level %d node to level %d",
				ErrInvalidParent, deepest, deepest+levelDelta)
		}

		seq, err := s.repo.NextSiblingSeq(txCtx, &parent.ID)
		if err != nil {
			return err
		}
		newPath, err := path.Encode(parent.Path, seq)
		if err != nil {
			return err
		}

		oldPath = n.Path
		if _, err := s.repo.RewriteSubtree(txCtx, n.Path, newPath, levelDelta); err != nil {
			return err
		}

		n.ParentID = &parent.ID
		n.Seq = seq
		n.Path = newPath
		n.Level = parent.Level + 1
		if err := s.repo.Update(txCtx, n); err != nil {
			return err
		}
		moved = n

		return s.enqueue(txCtx, events.ChangeEventV1{
			NodeID:       n.ID,
			ChangeType:   events.ChangeTypeMoved,
			PreviousPath: oldPath,
			NewPath:      n.Path,
			Name:         n.Name,
			ParentID:     n.ParentID,
			Level:        int(n.Level),
		})
	})
	if err != nil {
		return nil, AsServiceError(err)
	}

	s.invalidate(ctx, oldPath)
	s.invalidate(ctx, moved.Path)
	return moved, nil
}

// Deactivate marks a node inactive. Without cascade the node must have no
// active descendants; with cascade the whole subtree is deactivated and a
// single event carries the cascade flag.
func (s *CanonicalService) Deactivate(ctx context.Context, id uuid.UUID, cascade bool) (*node.Node, error) {
	var deactivated *node.Node
	err := composables.InTxJoin(ctx, func(txCtx context.Context) error {
		n, err := s.repo.GetByID(txCtx, id)
		if err != nil {
			return err
		}
		if err := s.checkBranchHealthy(n.Path); err != nil {
			return err
		}

		now := time.Now()
		if cascade {
			if _, err := s.repo.DeactivateSubtree(txCtx, n.Path, now); err != nil {
				return err
			}
		} else {
			active, err := s.repo.CountActiveDescendants(txCtx, n.Path)
			if err != nil {
				return err
			}
			if active > 0 {
				return fmt.Errorf("%w: %d active descendants", ErrHasActiveDescendants, active)
			}
			n.Active = false
			n.ValidTo = &now
			if err := s.repo.Update(txCtx, n); err != nil {
				return err
			}
		}
		n.Active = false
		deactivated = n

		return s.enqueue(txCtx, events.ChangeEventV1{
			NodeID:            n.ID,
			ChangeType:        events.ChangeTypeDeactivated,
			NewPath:           n.Path,
			ParentID:          n.ParentID,
			Level:             int(n.Level),
			CascadeDeactivate: cascade,
		})
	})
	if err != nil {
		return nil, AsServiceError(err)
	}

	s.invalidate(ctx, deactivated.Path)
	return deactivated, nil
}

// Reads below are read-through cached under the uuid.Nil scope, tagged with
// the branch they derive from so every mutation's InvalidateBranch call drops
// exactly the stale entries.

func (s *CanonicalService) GetByID(ctx context.Context, id uuid.UUID) (*node.Node, error) {
	key := canonicalNodeCacheKey(id)
	var cached node.Node
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, AsServiceError(err)
	}
	s.cacheSet(ctx, key, n, []string{n.Path})
	return n, nil
}

func (s *CanonicalService) GetByPath(ctx context.Context, p string) (*node.Node, error) {
	key := canonicalPathCacheKey(p)
	var cached node.Node
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}
	n, err := s.repo.GetByPath(ctx, p)
	if err != nil {
		return nil, AsServiceError(err)
	}
	s.cacheSet(ctx, key, n, []string{n.Path})
	return n, nil
}

func (s *CanonicalService) ListChildren(ctx context.Context, parentID *uuid.UUID, level int) ([]*node.Node, error) {
	// Root listings have no branch to tag under, so only child listings are
	// cached. The entry is tagged with the parent path: creating, moving or
	// renaming a child invalidates an ancestor tag and drops it.
	var key string
	if parentID != nil {
		key = canonicalChildrenCacheKey(*parentID, level)
		var cached []*node.Node
		if s.cacheGet(ctx, key, &cached) {
			return cached, nil
		}
	}
	nodes, err := s.repo.Children(ctx, parentID, level)
	if err != nil {
		return nil, AsServiceError(err)
	}
	if key != "" && len(nodes) > 0 {
		s.cacheSet(ctx, key, nodes, []string{path.Parent(nodes[0].Path)})
	}
	return nodes, nil
}

func (s *CanonicalService) Descendants(ctx context.Context, prefix string, activeOnly bool) ([]*node.Node, error) {
	var key string
	if prefix != "" {
		key = canonicalDescendantsCacheKey(prefix, activeOnly)
		var cached []*node.Node
		if s.cacheGet(ctx, key, &cached) {
			return cached, nil
		}
	}
	nodes, err := s.repo.Descendants(ctx, prefix, activeOnly)
	if err != nil {
		return nil, AsServiceError(err)
	}
	if key != "" {
		s.cacheSet(ctx, key, nodes, []string{prefix})
	}
	return nodes, nil
}

func (s *CanonicalService) cacheGet(ctx context.Context, key string, out any) bool {
	if s.cache == nil {
		return false
	}
	raw, ok, err := s.cache.Get(ctx, uuid.Nil, key)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache read failed")
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache entry corrupt")
		if err := s.cache.InvalidateKey(ctx, uuid.Nil, key); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("cache evict failed")
		}
		return false
	}
	return true
}

func (s *CanonicalService) cacheSet(ctx context.Context, key string, value any, branches []string) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, uuid.Nil, key, raw, branches, s.ttl); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *CanonicalService) enqueue(ctx context.Context, ev events.ChangeEventV1) error {
	if skipChangelog(ctx) {
		return nil
	}
	ev.EventID = uuid.New()
	ev.EventVersion = events.EventVersionV1
	ev.OccurredAt = time.Now().UTC()

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = s.publisher.Enqueue(ctx, tx, changelog.Message{
		Topic:   events.TopicCanonicalChangedV1,
		EventID: ev.EventID,
		Payload: payload,
	})
	return err
}

// invalidate drops cache entries for the branch after the mutation committed.
// A failure here halts writes to the branch rather than serving stale reads.
func (s *CanonicalService) invalidate(ctx context.Context, p string) {
	if skipCacheInvalidation(ctx) || s.cache == nil {
		return
	}
	if _, err := s.cache.InvalidateBranch(ctx, uuid.Nil, p); err != nil {
		s.log.WithError(err).WithField("path", p).Error("branch cache invalidation failed, halting writes to branch")
		s.HaltBranch(p)
	}
}

// HaltBranch blocks further writes to the subtree at p until ResumeBranch.
func (s *CanonicalService) HaltBranch(p string) {
	s.mu.Lock()
	s.halted[p] = struct{}{}
	s.mu.Unlock()
}

// ResumeBranch lifts a halt, typically after an operator repaired the cache.
func (s *CanonicalService) ResumeBranch(p string) {
	s.mu.Lock()
	delete(s.halted, p)
	s.mu.Unlock()
}

func (s *CanonicalService) checkBranchHealthy(p string) error {
	if p == "" {
		// A new root starts a fresh branch and cannot touch a halted one.
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for h := range s.halted {
		if path.IsDescendantOrSelf(p, h) || path.IsDescendantOrSelf(h, p) {
			return fmt.Errorf("%w: branch %s is halted", ErrCacheInconsistent, h)
		}
	}
	return nil
}
