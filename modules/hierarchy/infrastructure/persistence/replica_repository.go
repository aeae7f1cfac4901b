package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/node"
	"github.com/iota-uz/hierarchy/modules/hierarchy/services"
	"github.com/iota-uz/hierarchy/pkg/composables"
)

const replicaNodeColumns = `id, tenant_id, origin_id, parent_id, name, level, path, seq, external_code, valid_from, valid_to, active, sync_status`

// ReplicaRepository persists tenant replicas, extensions and bindings. Every
// query is tenant-scoped; the same boundary-safe prefix filter as the
// canonical store applies to subtree scans.
type ReplicaRepository struct{}

func NewReplicaRepository() *ReplicaRepository {
	return &ReplicaRepository{}
}

var _ services.ReplicaRepository = (*ReplicaRepository)(nil)

func (r *ReplicaRepository) Create(ctx context.Context, n *node.ReplicaNode) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO replica_nodes (`+replicaNodeColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11,$12,$13)
`, pgUUID(n.ID), pgUUID(n.TenantID), pgNullableUUID(n.OriginID), pgNullableUUID(n.ParentID),
		n.Name, int(n.Level), n.Path, n.Seq, n.ExternalCode, n.ValidFrom, n.ValidTo, n.Active, string(n.SyncStatus))
	return err
}

func (r *ReplicaRepository) BulkInsert(ctx context.Context, nodes []*node.ReplicaNode) error {
	if len(nodes) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	rows := make([][]any, 0, len(nodes))
	for _, n := range nodes {
		var externalCode *string
		if n.ExternalCode != "" {
			code := n.ExternalCode
			externalCode = &code
		}
		rows = append(rows, []any{
			pgUUID(n.ID), pgUUID(n.TenantID), pgNullableUUID(n.OriginID), pgNullableUUID(n.ParentID),
			n.Name, int(n.Level), n.Path, n.Seq, externalCode, n.ValidFrom, n.ValidTo, n.Active, string(n.SyncStatus),
		})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"replica_nodes"},
		[]string{"id", "tenant_id", "origin_id", "parent_id", "name", "level", "path", "seq", "external_code", "valid_from", "valid_to", "active", "sync_status"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (r *ReplicaRepository) Update(ctx context.Context, n *node.ReplicaNode) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE replica_nodes
SET parent_id=$3, name=$4, level=$5, path=$6, seq=$7, valid_to=$8, active=$9, sync_status=$10
WHERE tenant_id=$1 AND id=$2
`, pgUUID(n.TenantID), pgUUID(n.ID), pgNullableUUID(n.ParentID), n.Name, int(n.Level),
		n.Path, n.Seq, n.ValidTo, n.Active, string(n.SyncStatus))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("replica node %s: %w", n.ID, services.ErrNodeNotFound)
	}
	return nil
}

func (r *ReplicaRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*node.ReplicaNode, error) {
	return r.getOne(ctx, `WHERE tenant_id=$1 AND id=$2`, pgUUID(tenantID), pgUUID(id))
}

func (r *ReplicaRepository) GetByOriginID(ctx context.Context, tenantID, originID uuid.UUID) (*node.ReplicaNode, error) {
	return r.getOne(ctx, `WHERE tenant_id=$1 AND origin_id=$2`, pgUUID(tenantID), pgUUID(originID))
}

func (r *ReplicaRepository) GetByPath(ctx context.Context, tenantID uuid.UUID, p string) (*node.ReplicaNode, error) {
	return r.getOne(ctx, `WHERE tenant_id=$1 AND path=$2`, pgUUID(tenantID), p)
}

func (r *ReplicaRepository) getOne(ctx context.Context, where string, args ...any) (*node.ReplicaNode, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `SELECT `+replicaNodeColumns+` FROM replica_nodes `+where, args...)
	n, err := scanReplicaNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, services.ErrNodeNotFound
	}
	return n, err
}

func (r *ReplicaRepository) GetByPaths(ctx context.Context, tenantID uuid.UUID, paths []string) ([]*node.ReplicaNode, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+replicaNodeColumns+` FROM replica_nodes
WHERE tenant_id=$1 AND path = ANY($2)
ORDER BY level
`, pgUUID(tenantID), paths)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReplicaNodes(rows)
}

func (r *ReplicaRepository) NextSiblingSeq(ctx context.Context, tenantID uuid.UUID, parentID *uuid.UUID) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var seq int
	err = tx.QueryRow(ctx, `
INSERT INTO replica_sibling_seq (tenant_id, parent_id, next_seq)
VALUES ($1, COALESCE($2, '00000000-0000-0000-0000-000000000000'::uuid), 2)
ON CONFLICT (tenant_id, parent_id) DO UPDATE SET next_seq = replica_sibling_seq.next_seq + 1
RETURNING next_seq - 1
`, pgUUID(tenantID), pgNullableUUID(parentID)).Scan(&seq)
	return seq, err
}

func (r *ReplicaRepository) Subtree(ctx context.Context, tenantID uuid.UUID, f services.SubtreeFilter) ([]*node.ReplicaNode, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	q := `
SELECT ` + replicaNodeColumns + ` FROM replica_nodes
WHERE tenant_id=$1 AND (path = $2 OR path LIKE $2 || '.%') AND path > $3`
	args := []any{pgUUID(tenantID), f.Prefix, f.AfterPath}
	if !f.IncludeUnsynced {
		q += ` AND sync_status = 'synced'`
	}
	if f.Level > 0 {
		q += fmt.Sprintf(` AND level = $%d`, len(args)+1)
		args = append(args, f.Level)
	}
	q += fmt.Sprintf(` ORDER BY path LIMIT $%d`, len(args)+1)
	args = append(args, f.Limit)

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReplicaNodes(rows)
}

func (r *ReplicaRepository) Children(ctx context.Context, tenantID uuid.UUID, parentID *uuid.UUID) ([]*node.ReplicaNode, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + replicaNodeColumns + ` FROM replica_nodes WHERE tenant_id=$1`
	args := []any{pgUUID(tenantID)}
	if parentID != nil {
		q += ` AND parent_id = $2`
		args = append(args, pgUUID(*parentID))
	} else {
		q += ` AND parent_id IS NULL`
	}
	q += ` ORDER BY seq`

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReplicaNodes(rows)
}

func (r *ReplicaRepository) ListByStatus(ctx context.Context, tenantID uuid.UUID, status node.SyncStatus) ([]*node.ReplicaNode, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+replicaNodeColumns+` FROM replica_nodes
WHERE tenant_id=$1 AND sync_status=$2
ORDER BY path
`, pgUUID(tenantID), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReplicaNodes(rows)
}

func (r *ReplicaRepository) RewriteSubtree(ctx context.Context, tenantID uuid.UUID, oldPrefix, newPrefix string, levelDelta int) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
UPDATE replica_nodes
SET path = $3 || substr(path, length($2) + 1),
    level = level + $4
WHERE tenant_id=$1 AND (path = $2 OR path LIKE $2 || '.%')
`, pgUUID(tenantID), oldPrefix, newPrefix, levelDelta)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *ReplicaRepository) DeactivateSubtree(ctx context.Context, tenantID uuid.UUID, prefix string, at time.Time) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
UPDATE replica_nodes
SET active = false, valid_to = $3, sync_status = 'synced'
WHERE tenant_id=$1 AND (path = $2 OR path LIKE $2 || '.%') AND active
`, pgUUID(tenantID), prefix, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *ReplicaRepository) SetStatus(ctx context.Context, tenantID, id uuid.UUID, status node.SyncStatus) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE replica_nodes SET sync_status=$3 WHERE tenant_id=$1 AND id=$2
`, pgUUID(tenantID), pgUUID(id), string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("replica node %s: %w", id, services.ErrNodeNotFound)
	}
	return nil
}

func (r *ReplicaRepository) CountBindingsUnder(ctx context.Context, tenantID uuid.UUID, prefix string) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	err = tx.QueryRow(ctx, `
SELECT count(*)
FROM replica_bindings b
JOIN replica_nodes n ON n.tenant_id = b.tenant_id AND n.id = b.node_id
WHERE b.tenant_id=$1 AND (n.path = $2 OR n.path LIKE $2 || '.%')
`, pgUUID(tenantID), prefix).Scan(&count)
	return count, err
}

func (r *ReplicaRepository) CreateBinding(ctx context.Context, b *node.EntityBinding) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO replica_bindings (id, tenant_id, node_id, entity_id, role_code, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, pgUUID(b.ID), pgUUID(b.TenantID), pgUUID(b.NodeID), pgUUID(b.EntityID), b.RoleCode, b.CreatedAt)
	return err
}

func (r *ReplicaRepository) RollupByChild(ctx context.Context, tenantID uuid.UUID, prefix string) ([]services.RollupRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT c.path,
       c.name,
       (SELECT count(*) FROM replica_nodes d
        WHERE d.tenant_id = c.tenant_id AND (d.path = c.path OR d.path LIKE c.path || '.%') AND d.active),
       (SELECT count(*) FROM replica_bindings b
        JOIN replica_nodes d ON d.tenant_id = b.tenant_id AND d.id = b.node_id
        WHERE b.tenant_id = c.tenant_id AND (d.path = c.path OR d.path LIKE c.path || '.%'))
FROM replica_nodes c
JOIN replica_nodes p ON p.tenant_id = c.tenant_id AND c.parent_id = p.id
WHERE c.tenant_id = $1 AND p.path = $2
ORDER BY c.path
`, pgUUID(tenantID), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.RollupRow
	for rows.Next() {
		var row services.RollupRow
		if err := rows.Scan(&row.ChildPath, &row.ChildName, &row.ActiveNodes, &row.BoundEntities); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *ReplicaRepository) TenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `SELECT DISTINCT tenant_id FROM replica_nodes ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *ReplicaRepository) WasApplied(ctx context.Context, ac services.AppliedChange) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = tx.QueryRow(ctx, `
SELECT EXISTS(
  SELECT 1 FROM replica_applied_changes
  WHERE tenant_id=$1 AND node_id=$2 AND change_type=$3 AND occurred_at=$4
)`, pgUUID(ac.TenantID), pgUUID(ac.NodeID), string(ac.ChangeType), ac.OccurredAt).Scan(&exists)
	return exists, err
}

func (r *ReplicaRepository) MarkApplied(ctx context.Context, ac services.AppliedChange) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO replica_applied_changes (tenant_id, node_id, change_type, occurred_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT DO NOTHING
`, pgUUID(ac.TenantID), pgUUID(ac.NodeID), string(ac.ChangeType), ac.OccurredAt)
	return err
}

func scanReplicaNode(row pgx.Row) (*node.ReplicaNode, error) {
	var (
		n            node.ReplicaNode
		originID     pgtype.UUID
		parentID     pgtype.UUID
		level        int
		externalCode *string
		status       string
	)
	if err := row.Scan(&n.ID, &n.TenantID, &originID, &parentID, &n.Name, &level, &n.Path, &n.Seq,
		&externalCode, &n.ValidFrom, &n.ValidTo, &n.Active, &status); err != nil {
		return nil, err
	}
	n.OriginID = fromPgUUID(originID)
	n.ParentID = fromPgUUID(parentID)
	n.Level = node.Level(level)
	if externalCode != nil {
		n.ExternalCode = *externalCode
	}
	n.SyncStatus = node.SyncStatus(status)
	return &n, nil
}

func collectReplicaNodes(rows pgx.Rows) ([]*node.ReplicaNode, error) {
	var out []*node.ReplicaNode
	for rows.Next() {
		n, err := scanReplicaNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
