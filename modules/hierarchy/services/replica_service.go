package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/events"
	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/node"
	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/path"
	"github.com/iota-uz/hierarchy/pkg/composables"
)

// AppliedChange identifies one canonical change applied to one tenant replica.
// The tuple is the replica-side idempotency key for event replay.
type AppliedChange struct {
	TenantID   uuid.UUID
	NodeID     uuid.UUID
	ChangeType events.ChangeType
	OccurredAt time.Time
}

// ReplicaRepository is the persistence port for tenant replicas, extensions
// and entity bindings. All lookups are tenant-scoped.
type ReplicaRepository interface {
	Create(ctx context.Context, n *node.ReplicaNode) error
	BulkInsert(ctx context.Context, nodes []*node.ReplicaNode) error
	Update(ctx context.Context, n *node.ReplicaNode) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*node.ReplicaNode, error)
	GetByOriginID(ctx context.Context, tenantID, originID uuid.UUID) (*node.ReplicaNode, error)
	GetByPath(ctx context.Context, tenantID uuid.UUID, p string) (*node.ReplicaNode, error)
	GetByPaths(ctx context.Context, tenantID uuid.UUID, paths []string) ([]*node.ReplicaNode, error)
	NextSiblingSeq(ctx context.Context, tenantID uuid.UUID, parentID *uuid.UUID) (int, error)
	// Subtree pages descendants of the filter prefix in path order, starting
	// strictly after AfterPath.
	Subtree(ctx context.Context, tenantID uuid.UUID, f SubtreeFilter) ([]*node.ReplicaNode, error)
	// Children lists direct children of parentID, or the tenant's root nodes
	// when parentID is nil, in sequence order.
	Children(ctx context.Context, tenantID uuid.UUID, parentID *uuid.UUID) ([]*node.ReplicaNode, error)
	ListByStatus(ctx context.Context, tenantID uuid.UUID, status node.SyncStatus) ([]*node.ReplicaNode, error)
	RewriteSubtree(ctx context.Context, tenantID uuid.UUID, oldPrefix, newPrefix string, levelDelta int) (int64, error)
	DeactivateSubtree(ctx context.Context, tenantID uuid.UUID, prefix string, at time.Time) (int64, error)
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, status node.SyncStatus) error
	CountBindingsUnder(ctx context.Context, tenantID uuid.UUID, prefix string) (int, error)
	CreateBinding(ctx context.Context, b *node.EntityBinding) error
	RollupByChild(ctx context.Context, tenantID uuid.UUID, prefix string) ([]RollupRow, error)
	TenantIDs(ctx context.Context) ([]uuid.UUID, error)
	WasApplied(ctx context.Context, ac AppliedChange) (bool, error)
	MarkApplied(ctx context.Context, ac AppliedChange) error
}

// SubtreeFilter narrows a paged subtree read.
type SubtreeFilter struct {
	Prefix    string
	AfterPath string
	Limit     int
	// Level above zero keeps only nodes at that level.
	Level int
	// IncludeUnsynced also returns pending_review and diverged nodes.
	IncludeUnsynced bool
}

// RollupRow aggregates one direct child branch of a rollup root.
type RollupRow struct {
	ChildPath     string
	ChildName     string
	ActiveNodes   int
	BoundEntities int
}

type ExtendInput struct {
	TenantID uuid.UUID
	ParentID uuid.UUID
	Name     string
}

type BindEntityInput struct {
	TenantID uuid.UUID
	NodeID   uuid.UUID
	EntityID uuid.UUID
	RoleCode string
}

// ReplicaService manages per-tenant replicas: bootstrap, tenant-private
// extensions, the canonical-change application policy, and entity bindings.
type ReplicaService struct {
	repo      ReplicaRepository
	canonical CanonicalRepository
	validator *RoleLevelValidator
	cache     BranchCache
	log       *logrus.Logger
}

func NewReplicaService(repo ReplicaRepository, canonical CanonicalRepository, validator *RoleLevelValidator, cache BranchCache, log *logrus.Logger) *ReplicaService {
	return &ReplicaService{
		repo:      repo,
		canonical: canonical,
		validator: validator,
		cache:     cache,
		log:       log,
	}
}

// Bootstrap copies the active canonical subtree of one country into a fresh
// tenant replica with all nodes synced. The country is selected by the
// external code of its root node. Safe to call once per tenant.
func (s *ReplicaService) Bootstrap(ctx context.Context, tenantID uuid.UUID, countryCode string) (int, error) {
	var copied int
	err := composables.InTxJoin(ctx, func(txCtx context.Context) error {
		root, err := s.canonical.GetByExternalCode(txCtx, countryCode)
		if err != nil {
			return err
		}
		if root.Level != node.LevelCountry {
			return fmt.Errorf("%w: %s is not a country root", ErrInvalidParent, countryCode)
		}
		canonicalNodes, err := s.canonical.Descendants(txCtx, root.Path, true)
		if err != nil {
			return err
		}
		replicas := make([]*node.ReplicaNode, 0, len(canonicalNodes))
		for _, cn := range canonicalNodes {
			origin := cn.ID
			replicas = append(replicas, &node.ReplicaNode{
				Node:       *cn,
				TenantID:   tenantID,
				OriginID:   &origin,
				SyncStatus: node.SyncStatusSynced,
			})
		}
		if err := s.repo.BulkInsert(txCtx, replicas); err != nil {
			return err
		}
		copied = len(replicas)
		return nil
	})
	if err != nil {
		return 0, AsServiceError(err)
	}
	return copied, nil
}

// Extend creates a tenant-private node under a ward or a deeper extension.
func (s *ReplicaService) Extend(ctx context.Context, input ExtendInput) (*node.ReplicaNode, error) {
	var created *node.ReplicaNode
	err := composables.InTxJoin(ctx, func(txCtx context.Context) error {
		parent, err := s.repo.GetByID(txCtx, input.TenantID, input.ParentID)
		if err != nil {
			return err
		}
		if !parent.Active {
			return fmt.Errorf("%w: parent %s is inactive", ErrInvalidExtensionParent, parent.ID)
		}
		if parent.Level < node.MaxCanonicalLevel || parent.Level >= node.MaxExtensionLevel {
			return fmt.Errorf("%w: parent %s is at level %d", ErrInvalidExtensionParent, parent.ID, parent.Level)
		}

		seq, err := s.repo.NextSiblingSeq(txCtx, input.TenantID, &parent.ID)
		if err != nil {
			return err
		}
		p, err := path.Encode(parent.Path, seq)
		if err != nil {
			return err
		}

		parentID := parent.ID
		created = &node.ReplicaNode{
			Node: node.Node{
				ID:        uuid.New(),
				ParentID:  &parentID,
				Name:      input.Name,
				Level:     parent.Level + 1,
				Path:      p,
				Seq:       seq,
				ValidFrom: time.Now(),
				Active:    true,
			},
			TenantID:   input.TenantID,
			SyncStatus: node.SyncStatusSynced,
		}
		return s.repo.Create(txCtx, created)
	})
	if err != nil {
		return nil, AsServiceError(err)
	}

	s.invalidate(ctx, input.TenantID, created.Path)
	return created, nil
}

// ApplyCanonicalChange applies one canonical change event to one tenant
// replica under the reconciliation policy. Replaying an already applied event
// is a no-op.
func (s *ReplicaService) ApplyCanonicalChange(ctx context.Context, tenantID uuid.UUID, ev events.ChangeEventV1) error {
	err := composables.InTxJoin(ctx, func(txCtx context.Context) error {
		ac := AppliedChange{
			TenantID:   tenantID,
			NodeID:     ev.NodeID,
			ChangeType: ev.ChangeType,
			OccurredAt: ev.OccurredAt,
		}
		applied, err := s.repo.WasApplied(txCtx, ac)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		switch ev.ChangeType {
		case events.ChangeTypeCreated:
			err = s.applyCreated(txCtx, tenantID, ev)
		case events.ChangeTypeRenamed:
			err = s.applyRenamed(txCtx, tenantID, ev)
		case events.ChangeTypeMoved:
			err = s.applyMoved(txCtx, tenantID, ev)
		case events.ChangeTypeDeactivated:
			err = s.applyDeactivated(txCtx, tenantID, ev)
		default:
			err = fmt.Errorf("unknown change type %q", ev.ChangeType)
		}
		if err != nil {
			return err
		}
		return s.repo.MarkApplied(txCtx, ac)
	})
	if err != nil {
		return AsServiceError(err)
	}

	if ev.PreviousPath != "" {
		s.invalidate(ctx, tenantID, ev.PreviousPath)
	}
	s.invalidate(ctx, tenantID, ev.NewPath)
	return nil
}

// New canonical nodes replicate automatically but land as pending_review so
// tenant admins notice structure growth.
func (s *ReplicaService) applyCreated(ctx context.Context, tenantID uuid.UUID, ev events.ChangeEventV1) error {
	var parentID *uuid.UUID
	if ev.ParentID != nil {
		parent, err := s.repo.GetByOriginID(ctx, tenantID, *ev.ParentID)
		if err != nil {
			return fmt.Errorf("replica parent for origin %s: %w", *ev.ParentID, err)
		}
		id := parent.ID
		parentID = &id
	}
	origin := ev.NodeID
	return s.repo.Create(ctx, &node.ReplicaNode{
		Node: node.Node{
			ID:           uuid.New(),
			ParentID:     parentID,
			Name:         ev.Name,
			Level:        node.Level(ev.Level),
			Path:         ev.NewPath,
			Seq:          lastSeq(ev.NewPath),
			ExternalCode: ev.ExternalCode,
			ValidFrom:    ev.OccurredAt,
			Active:       true,
		},
		TenantID:   tenantID,
		OriginID:   &origin,
		SyncStatus: node.SyncStatusPendingReview,
	})
}

// Renames are cosmetic and apply silently.
func (s *ReplicaService) applyRenamed(ctx context.Context, tenantID uuid.UUID, ev events.ChangeEventV1) error {
	replica, err := s.repo.GetByOriginID(ctx, tenantID, ev.NodeID)
	if err != nil {
		return err
	}
	replica.Name = ev.Name
	replica.SyncStatus = node.SyncStatusSynced
	return s.repo.Update(ctx, replica)
}

// Moves rewrite the whole tenant subtree, tenant extensions included, off the
// event's prefix pair. The moved node itself is flagged pending_review since a
// reparent can change which staff are responsible for it.
func (s *ReplicaService) applyMoved(ctx context.Context, tenantID uuid.UUID, ev events.ChangeEventV1) error {
	replica, err := s.repo.GetByOriginID(ctx, tenantID, ev.NodeID)
	if err != nil {
		return err
	}
	levelDelta := ev.Level - int(replica.Level)
	if _, err := s.repo.RewriteSubtree(ctx, tenantID, ev.PreviousPath, ev.NewPath, levelDelta); err != nil {
		return err
	}

	var parentID *uuid.UUID
	if ev.ParentID != nil {
		parent, err := s.repo.GetByOriginID(ctx, tenantID, *ev.ParentID)
		if err != nil {
			return fmt.Errorf("replica parent for origin %s: %w", *ev.ParentID, err)
		}
		id := parent.ID
		parentID = &id
	}
	replica.ParentID = parentID
	replica.Path = ev.NewPath
	replica.Level = node.Level(ev.Level)
	replica.Seq = lastSeq(ev.NewPath)
	replica.SyncStatus = node.SyncStatusPendingReview
	return s.repo.Update(ctx, replica)
}

// Deactivations apply silently only when nothing is bound anywhere under the
// subtree. Otherwise the replica node diverges and waits for a human.
func (s *ReplicaService) applyDeactivated(ctx context.Context, tenantID uuid.UUID, ev events.ChangeEventV1) error {
	replica, err := s.repo.GetByOriginID(ctx, tenantID, ev.NodeID)
	if err != nil {
		return err
	}
	bound, err := s.repo.CountBindingsUnder(ctx, tenantID, replica.Path)
	if err != nil {
		return err
	}
	if bound > 0 {
		s.log.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"node_id":   replica.ID,
			"path":      replica.Path,
			"bindings":  bound,
		}).Warn("deactivation blocked by bound entities, marking diverged")
		return s.repo.SetStatus(ctx, tenantID, replica.ID, node.SyncStatusDiverged)
	}

	now := time.Now()
	if ev.CascadeDeactivate {
		if _, err := s.repo.DeactivateSubtree(ctx, tenantID, replica.Path, now); err != nil {
			return err
		}
		return nil
	}
	replica.Active = false
	replica.ValidTo = &now
	replica.SyncStatus = node.SyncStatusSynced
	return s.repo.Update(ctx, replica)
}

// ListChildren lists a tenant's root nodes, or the direct children of
// parentID, covering canonical replicas and private extensions alike.
func (s *ReplicaService) ListChildren(ctx context.Context, tenantID uuid.UUID, parentID *uuid.UUID) ([]*node.ReplicaNode, error) {
	nodes, err := s.repo.Children(ctx, tenantID, parentID)
	if err != nil {
		return nil, AsServiceError(err)
	}
	return nodes, nil
}

// ListPendingReview returns replica nodes awaiting tenant acknowledgement.
func (s *ReplicaService) ListPendingReview(ctx context.Context, tenantID uuid.UUID) ([]*node.ReplicaNode, error) {
	nodes, err := s.repo.ListByStatus(ctx, tenantID, node.SyncStatusPendingReview)
	if err != nil {
		return nil, AsServiceError(err)
	}
	return nodes, nil
}

// ListDiverged returns replica nodes that could not follow a canonical change.
func (s *ReplicaService) ListDiverged(ctx context.Context, tenantID uuid.UUID) ([]*node.ReplicaNode, error) {
	nodes, err := s.repo.ListByStatus(ctx, tenantID, node.SyncStatusDiverged)
	if err != nil {
		return nil, AsServiceError(err)
	}
	return nodes, nil
}

// Acknowledge marks a pending_review or diverged node as synced after a
// tenant admin confirmed the change.
func (s *ReplicaService) Acknowledge(ctx context.Context, tenantID, nodeID uuid.UUID) error {
	err := composables.InTxJoin(ctx, func(txCtx context.Context) error {
		replica, err := s.repo.GetByID(txCtx, tenantID, nodeID)
		if err != nil {
			return err
		}
		if replica.SyncStatus == node.SyncStatusSynced {
			return nil
		}
		return s.repo.SetStatus(txCtx, tenantID, replica.ID, node.SyncStatusSynced)
	})
	return AsServiceError(err)
}

// BindEntity attaches a business entity to a replica node, enforcing the
// role's level requirement and rejecting inactive targets.
func (s *ReplicaService) BindEntity(ctx context.Context, input BindEntityInput) (*node.EntityBinding, error) {
	var binding *node.EntityBinding
	err := composables.InTxJoin(ctx, func(txCtx context.Context) error {
		replica, err := s.repo.GetByID(txCtx, input.TenantID, input.NodeID)
		if err != nil {
			return err
		}
		if !replica.Active {
			return fmt.Errorf("%w: node %s is inactive", ErrInvalidParent, replica.ID)
		}
		if err := s.validator.Validate(input.RoleCode, replica); err != nil {
			return err
		}
		binding = &node.EntityBinding{
			ID:        uuid.New(),
			TenantID:  input.TenantID,
			NodeID:    input.NodeID,
			EntityID:  input.EntityID,
			RoleCode:  input.RoleCode,
			CreatedAt: time.Now(),
		}
		return s.repo.CreateBinding(txCtx, binding)
	})
	if err != nil {
		return nil, AsServiceError(err)
	}
	return binding, nil
}

// MarkDivergedByOrigin flags the replica of a canonical node as diverged.
// The reconciler calls this after its retry budget is exhausted.
func (s *ReplicaService) MarkDivergedByOrigin(ctx context.Context, tenantID, originID uuid.UUID) error {
	err := composables.InTxJoin(ctx, func(txCtx context.Context) error {
		replica, err := s.repo.GetByOriginID(txCtx, tenantID, originID)
		if err != nil {
			return err
		}
		return s.repo.SetStatus(txCtx, tenantID, replica.ID, node.SyncStatusDiverged)
	})
	return AsServiceError(err)
}

func (s *ReplicaService) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*node.ReplicaNode, error) {
	n, err := s.repo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, AsServiceError(err)
	}
	return n, nil
}

func (s *ReplicaService) TenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := s.repo.TenantIDs(ctx)
	if err != nil {
		return nil, AsServiceError(err)
	}
	return ids, nil
}

func (s *ReplicaService) invalidate(ctx context.Context, tenantID uuid.UUID, p string) {
	if skipCacheInvalidation(ctx) || s.cache == nil {
		return
	}
	if _, err := s.cache.InvalidateBranch(ctx, tenantID, p); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"path":      p,
		}).Error("replica branch cache invalidation failed")
	}
}

func lastSeq(p string) int {
	segs := path.Segments(p)
	if len(segs) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(segs[len(segs)-1])
	return n
}
