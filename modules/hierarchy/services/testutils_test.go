package services_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/node"
	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/path"
	"github.com/iota-uz/hierarchy/modules/hierarchy/services"
	"github.com/iota-uz/hierarchy/pkg/changelog"
	"github.com/iota-uz/hierarchy/pkg/composables"
	"github.com/iota-uz/hierarchy/pkg/repo"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// txContext provides a transaction so services treat the whole call as one
// already-open atomic scope.
func txContext() context.Context {
	return composables.WithTx(context.Background(), &fakeTx{})
}

// fakeTx satisfies pgx.Tx for services that only thread it through to
// repositories.
type fakeTx struct{}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { return nil }
func (t *fakeTx) Rollback(ctx context.Context) error        { return nil }
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                               { return nil }

// recordingPublisher captures enqueued changelog messages.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []changelog.Message
}

func (p *recordingPublisher) Enqueue(ctx context.Context, tx repo.Tx, msg changelog.Message) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return int64(len(p.messages)), nil
}

func (p *recordingPublisher) all() []changelog.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]changelog.Message(nil), p.messages...)
}

// fakeCanonicalRepo holds the canonical tree in memory with the same
// semantics as the SQL repository.
type fakeCanonicalRepo struct {
	mu    sync.Mutex
	nodes map[uuid.UUID]*node.Node
	seqs  map[uuid.UUID]int
}

func newFakeCanonicalRepo() *fakeCanonicalRepo {
	return &fakeCanonicalRepo{
		nodes: make(map[uuid.UUID]*node.Node),
		seqs:  make(map[uuid.UUID]int),
	}
}

func (r *fakeCanonicalRepo) Create(ctx context.Context, n *node.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ExternalCode != "" {
		for _, existing := range r.nodes {
			if existing.ExternalCode == n.ExternalCode {
				return &pgconn.PgError{Code: "23505", ConstraintName: "canonical_nodes_external_code_key"}
			}
		}
	}
	cp := *n
	r.nodes[n.ID] = &cp
	return nil
}

func (r *fakeCanonicalRepo) Update(ctx context.Context, n *node.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[n.ID]; !ok {
		return services.ErrNodeNotFound
	}
	cp := *n
	r.nodes[n.ID] = &cp
	return nil
}

func (r *fakeCanonicalRepo) GetByID(ctx context.Context, id uuid.UUID) (*node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, services.ErrNodeNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *fakeCanonicalRepo) GetByPath(ctx context.Context, p string) (*node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.Path == p {
			cp := *n
			return &cp, nil
		}
	}
	return nil, services.ErrNodeNotFound
}

func (r *fakeCanonicalRepo) GetByExternalCode(ctx context.Context, code string) (*node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.ExternalCode == code {
			cp := *n
			return &cp, nil
		}
	}
	return nil, services.ErrNodeNotFound
}

func (r *fakeCanonicalRepo) NextSiblingSeq(ctx context.Context, parentID *uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := uuid.Nil
	if parentID != nil {
		key = *parentID
	}
	r.seqs[key]++
	return r.seqs[key], nil
}

func (r *fakeCanonicalRepo) Descendants(ctx context.Context, prefix string, activeOnly bool) ([]*node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*node.Node
	for _, n := range r.nodes {
		if prefix != "" && !path.IsDescendantOrSelf(n.Path, prefix) {
			continue
		}
		if activeOnly && !n.Active {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *fakeCanonicalRepo) Children(ctx context.Context, parentID *uuid.UUID, level int) ([]*node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*node.Node
	for _, n := range r.nodes {
		if parentID == nil {
			if n.ParentID != nil {
				continue
			}
		} else if n.ParentID == nil || *n.ParentID != *parentID {
			continue
		}
		if level > 0 && int(n.Level) != level {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *fakeCanonicalRepo) CountActiveDescendants(ctx context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.nodes {
		if n.Path != prefix && path.IsDescendantOrSelf(n.Path, prefix) && n.Active {
			count++
		}
	}
	return count, nil
}

func (r *fakeCanonicalRepo) MaxDepth(ctx context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	depth := 0
	for _, n := range r.nodes {
		if path.IsDescendantOrSelf(n.Path, prefix) && int(n.Level) > depth {
			depth = int(n.Level)
		}
	}
	return depth, nil
}

func (r *fakeCanonicalRepo) RewriteSubtree(ctx context.Context, oldPrefix, newPrefix string, levelDelta int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rewritten int64
	for _, n := range r.nodes {
		if !path.IsDescendantOrSelf(n.Path, oldPrefix) {
			continue
		}
		n.Path = newPrefix + strings.TrimPrefix(n.Path, oldPrefix)
		n.Level += node.Level(levelDelta)
		rewritten++
	}
	return rewritten, nil
}

func (r *fakeCanonicalRepo) DeactivateSubtree(ctx context.Context, prefix string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, nd := range r.nodes {
		if path.IsDescendantOrSelf(nd.Path, prefix) && nd.Active {
			nd.Active = false
			t := at
			nd.ValidTo = &t
			n++
		}
	}
	return n, nil
}

// fakeReplicaRepo mirrors the replica persistence semantics in memory.
// applyErr simulates transient failures for retry tests.
type fakeReplicaRepo struct {
	mu       sync.Mutex
	nodes    map[uuid.UUID]map[uuid.UUID]*node.ReplicaNode
	seqs     map[uuid.UUID]map[uuid.UUID]int
	bindings []*node.EntityBinding
	applied  map[services.AppliedChange]struct{}

	applyErr      error
	applyErrTimes int
}

func newFakeReplicaRepo() *fakeReplicaRepo {
	return &fakeReplicaRepo{
		nodes:   make(map[uuid.UUID]map[uuid.UUID]*node.ReplicaNode),
		seqs:    make(map[uuid.UUID]map[uuid.UUID]int),
		applied: make(map[services.AppliedChange]struct{}),
	}
}

func (r *fakeReplicaRepo) tenant(tenantID uuid.UUID) map[uuid.UUID]*node.ReplicaNode {
	t, ok := r.nodes[tenantID]
	if !ok {
		t = make(map[uuid.UUID]*node.ReplicaNode)
		r.nodes[tenantID] = t
	}
	return t
}

func (r *fakeReplicaRepo) failNext(times int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyErr = err
	r.applyErrTimes = times
}

func (r *fakeReplicaRepo) maybeFail() error {
	if r.applyErrTimes > 0 {
		r.applyErrTimes--
		return r.applyErr
	}
	return nil
}

func (r *fakeReplicaRepo) Create(ctx context.Context, n *node.ReplicaNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail(); err != nil {
		return err
	}
	cp := *n
	r.tenant(n.TenantID)[n.ID] = &cp
	return nil
}

func (r *fakeReplicaRepo) BulkInsert(ctx context.Context, nodes []*node.ReplicaNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range nodes {
		cp := *n
		r.tenant(n.TenantID)[n.ID] = &cp
	}
	return nil
}

func (r *fakeReplicaRepo) Update(ctx context.Context, n *node.ReplicaNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail(); err != nil {
		return err
	}
	if _, ok := r.tenant(n.TenantID)[n.ID]; !ok {
		return services.ErrNodeNotFound
	}
	cp := *n
	r.tenant(n.TenantID)[n.ID] = &cp
	return nil
}

func (r *fakeReplicaRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*node.ReplicaNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.tenant(tenantID)[id]
	if !ok {
		return nil, services.ErrNodeNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *fakeReplicaRepo) GetByOriginID(ctx context.Context, tenantID, originID uuid.UUID) (*node.ReplicaNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.tenant(tenantID) {
		if n.OriginID != nil && *n.OriginID == originID {
			cp := *n
			return &cp, nil
		}
	}
	return nil, services.ErrNodeNotFound
}

func (r *fakeReplicaRepo) GetByPath(ctx context.Context, tenantID uuid.UUID, p string) (*node.ReplicaNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.tenant(tenantID) {
		if n.Path == p {
			cp := *n
			return &cp, nil
		}
	}
	return nil, services.ErrNodeNotFound
}

func (r *fakeReplicaRepo) GetByPaths(ctx context.Context, tenantID uuid.UUID, paths []string) ([]*node.ReplicaNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		want[p] = struct{}{}
	}
	var out []*node.ReplicaNode
	for _, n := range r.tenant(tenantID) {
		if _, ok := want[n.Path]; ok {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (r *fakeReplicaRepo) NextSiblingSeq(ctx context.Context, tenantID uuid.UUID, parentID *uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seqs, ok := r.seqs[tenantID]
	if !ok {
		seqs = make(map[uuid.UUID]int)
		r.seqs[tenantID] = seqs
	}
	key := uuid.Nil
	if parentID != nil {
		key = *parentID
	}
	seqs[key]++
	return seqs[key], nil
}

func (r *fakeReplicaRepo) Subtree(ctx context.Context, tenantID uuid.UUID, f services.SubtreeFilter) ([]*node.ReplicaNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*node.ReplicaNode
	for _, n := range r.tenant(tenantID) {
		if !path.IsDescendantOrSelf(n.Path, f.Prefix) || n.Path <= f.AfterPath {
			continue
		}
		if !f.IncludeUnsynced && n.SyncStatus != node.SyncStatusSynced {
			continue
		}
		if f.Level > 0 && int(n.Level) != f.Level {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *fakeReplicaRepo) Children(ctx context.Context, tenantID uuid.UUID, parentID *uuid.UUID) ([]*node.ReplicaNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*node.ReplicaNode
	for _, n := range r.tenant(tenantID) {
		if parentID == nil {
			if n.ParentID != nil {
				continue
			}
		} else if n.ParentID == nil || *n.ParentID != *parentID {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *fakeReplicaRepo) ListByStatus(ctx context.Context, tenantID uuid.UUID, status node.SyncStatus) ([]*node.ReplicaNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*node.ReplicaNode
	for _, n := range r.tenant(tenantID) {
		if n.SyncStatus == status {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *fakeReplicaRepo) RewriteSubtree(ctx context.Context, tenantID uuid.UUID, oldPrefix, newPrefix string, levelDelta int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rewritten int64
	for _, n := range r.tenant(tenantID) {
		if !path.IsDescendantOrSelf(n.Path, oldPrefix) {
			continue
		}
		n.Path = newPrefix + strings.TrimPrefix(n.Path, oldPrefix)
		n.Level += node.Level(levelDelta)
		rewritten++
	}
	return rewritten, nil
}

func (r *fakeReplicaRepo) DeactivateSubtree(ctx context.Context, tenantID uuid.UUID, prefix string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, n := range r.tenant(tenantID) {
		if path.IsDescendantOrSelf(n.Path, prefix) && n.Active {
			n.Active = false
			t := at
			n.ValidTo = &t
			n.SyncStatus = node.SyncStatusSynced
			count++
		}
	}
	return count, nil
}

func (r *fakeReplicaRepo) SetStatus(ctx context.Context, tenantID, id uuid.UUID, status node.SyncStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.tenant(tenantID)[id]
	if !ok {
		return services.ErrNodeNotFound
	}
	n.SyncStatus = status
	return nil
}

func (r *fakeReplicaRepo) CountBindingsUnder(ctx context.Context, tenantID uuid.UUID, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, b := range r.bindings {
		if b.TenantID != tenantID {
			continue
		}
		n, ok := r.tenant(tenantID)[b.NodeID]
		if ok && path.IsDescendantOrSelf(n.Path, prefix) {
			count++
		}
	}
	return count, nil
}

func (r *fakeReplicaRepo) CreateBinding(ctx context.Context, b *node.EntityBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *b
	r.bindings = append(r.bindings, &cp)
	return nil
}

func (r *fakeReplicaRepo) RollupByChild(ctx context.Context, tenantID uuid.UUID, prefix string) ([]services.RollupRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	root, err := r.byPathLocked(tenantID, prefix)
	if err != nil {
		return nil, err
	}
	var rows []services.RollupRow
	for _, child := range r.tenant(tenantID) {
		if child.ParentID == nil || *child.ParentID != root.ID {
			continue
		}
		row := services.RollupRow{ChildPath: child.Path, ChildName: child.Name}
		for _, n := range r.tenant(tenantID) {
			if path.IsDescendantOrSelf(n.Path, child.Path) && n.Active {
				row.ActiveNodes++
			}
		}
		for _, b := range r.bindings {
			n, ok := r.tenant(tenantID)[b.NodeID]
			if ok && path.IsDescendantOrSelf(n.Path, child.Path) {
				row.BoundEntities++
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ChildPath < rows[j].ChildPath })
	return rows, nil
}

func (r *fakeReplicaRepo) byPathLocked(tenantID uuid.UUID, p string) (*node.ReplicaNode, error) {
	for _, n := range r.tenant(tenantID) {
		if n.Path == p {
			return n, nil
		}
	}
	return nil, services.ErrNodeNotFound
}

func (r *fakeReplicaRepo) TenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for id := range r.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *fakeReplicaRepo) WasApplied(ctx context.Context, ac services.AppliedChange) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.applied[ac]
	return ok, nil
}

func (r *fakeReplicaRepo) MarkApplied(ctx context.Context, ac services.AppliedChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[ac] = struct{}{}
	return nil
}
