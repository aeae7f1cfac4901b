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

const canonicalNodeColumns = `id, parent_id, name, level, path, seq, external_code, valid_from, valid_to, active`

// CanonicalRepository persists the platform-owned tree in canonical_nodes.
// Subtree scans always match on segment boundaries: "1.5" must not capture
// "1.50", so prefixes filter with path = $1 OR path LIKE $1 || '.%'.
type CanonicalRepository struct{}

func NewCanonicalRepository() *CanonicalRepository {
	return &CanonicalRepository{}
}

var _ services.CanonicalRepository = (*CanonicalRepository)(nil)

func (r *CanonicalRepository) Create(ctx context.Context, n *node.Node) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO canonical_nodes (`+canonicalNodeColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10)
`, pgUUID(n.ID), pgNullableUUID(n.ParentID), n.Name, int(n.Level), n.Path, n.Seq,
		n.ExternalCode, n.ValidFrom, n.ValidTo, n.Active)
	return err
}

func (r *CanonicalRepository) Update(ctx context.Context, n *node.Node) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE canonical_nodes
SET parent_id=$2, name=$3, level=$4, path=$5, seq=$6, valid_to=$7, active=$8
WHERE id=$1
`, pgUUID(n.ID), pgNullableUUID(n.ParentID), n.Name, int(n.Level), n.Path, n.Seq, n.ValidTo, n.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("canonical node %s: %w", n.ID, services.ErrNodeNotFound)
	}
	return nil
}

func (r *CanonicalRepository) GetByID(ctx context.Context, id uuid.UUID) (*node.Node, error) {
	return r.getOne(ctx, `WHERE id=$1`, pgUUID(id))
}

func (r *CanonicalRepository) GetByPath(ctx context.Context, p string) (*node.Node, error) {
	return r.getOne(ctx, `WHERE path=$1`, p)
}

func (r *CanonicalRepository) GetByExternalCode(ctx context.Context, code string) (*node.Node, error) {
	return r.getOne(ctx, `WHERE external_code=$1`, code)
}

func (r *CanonicalRepository) getOne(ctx context.Context, where string, args ...any) (*node.Node, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `SELECT `+canonicalNodeColumns+` FROM canonical_nodes `+where, args...)
	n, err := scanCanonicalNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, services.ErrNodeNotFound
	}
	return n, err
}

// NextSiblingSeq allocates a monotonic per-parent sequence through an upsert
// on a counter row. The row lock serializes concurrent siblings; sequences
// are never reused.
func (r *CanonicalRepository) NextSiblingSeq(ctx context.Context, parentID *uuid.UUID) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var seq int
	err = tx.QueryRow(ctx, `
INSERT INTO canonical_sibling_seq (parent_id, next_seq)
VALUES (COALESCE($1, '00000000-0000-0000-0000-000000000000'::uuid), 2)
ON CONFLICT (parent_id) DO UPDATE SET next_seq = canonical_sibling_seq.next_seq + 1
RETURNING next_seq - 1
`, pgNullableUUID(parentID)).Scan(&seq)
	return seq, err
}

func (r *CanonicalRepository) Descendants(ctx context.Context, prefix string, activeOnly bool) ([]*node.Node, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + canonicalNodeColumns + ` FROM canonical_nodes`
	args := []any{}
	if prefix != "" {
		q += ` WHERE (path = $1 OR path LIKE $1 || '.%')`
		args = append(args, prefix)
		if activeOnly {
			q += ` AND active`
		}
	} else if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY path`

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*node.Node
	for rows.Next() {
		n, err := scanCanonicalNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *CanonicalRepository) Children(ctx context.Context, parentID *uuid.UUID, level int) ([]*node.Node, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + canonicalNodeColumns + ` FROM canonical_nodes`
	args := []any{}
	if parentID != nil {
		q += ` WHERE parent_id = $1`
		args = append(args, pgUUID(*parentID))
	} else {
		q += ` WHERE parent_id IS NULL`
	}
	if level > 0 {
		q += fmt.Sprintf(` AND level = $%d`, len(args)+1)
		args = append(args, level)
	}
	q += ` ORDER BY seq`

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*node.Node
	for rows.Next() {
		n, err := scanCanonicalNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *CanonicalRepository) CountActiveDescendants(ctx context.Context, prefix string) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	err = tx.QueryRow(ctx, `
SELECT count(*) FROM canonical_nodes
WHERE path LIKE $1 || '.%' AND active
`, prefix).Scan(&count)
	return count, err
}

func (r *CanonicalRepository) MaxDepth(ctx context.Context, prefix string) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var depth int
	err = tx.QueryRow(ctx, `
SELECT COALESCE(max(level), 0) FROM canonical_nodes
WHERE path = $1 OR path LIKE $1 || '.%'
`, prefix).Scan(&depth)
	return depth, err
}

// RewriteSubtree swaps the path prefix and shifts levels for a whole subtree
// in one statement, keeping the move atomic regardless of subtree size.
func (r *CanonicalRepository) RewriteSubtree(ctx context.Context, oldPrefix, newPrefix string, levelDelta int) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
UPDATE canonical_nodes
SET path = $2 || substr(path, length($1) + 1),
    level = level + $3
WHERE path = $1 OR path LIKE $1 || '.%'
`, oldPrefix, newPrefix, levelDelta)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *CanonicalRepository) DeactivateSubtree(ctx context.Context, prefix string, at time.Time) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
UPDATE canonical_nodes
SET active = false, valid_to = $2
WHERE (path = $1 OR path LIKE $1 || '.%') AND active
`, prefix, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanCanonicalNode(row pgx.Row) (*node.Node, error) {
	var (
		n            node.Node
		parentID     pgtype.UUID
		level        int
		externalCode *string
	)
	if err := row.Scan(&n.ID, &parentID, &n.Name, &level, &n.Path, &n.Seq,
		&externalCode, &n.ValidFrom, &n.ValidTo, &n.Active); err != nil {
		return nil, err
	}
	n.ParentID = fromPgUUID(parentID)
	n.Level = node.Level(level)
	if externalCode != nil {
		n.ExternalCode = *externalCode
	}
	return &n, nil
}
