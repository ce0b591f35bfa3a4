package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/model"
)

// NodeRepo implements NodeRepository using PostgreSQL. The root directory is implicit:
// top-level nodes carry parent_id 0.
type NodeRepo struct{ db *DB }

// NewNodeRepo constructs a node repository.
func NewNodeRepo(db *DB) *NodeRepo { return &NodeRepo{db: db} }

// Children lists the children of parentID in sibling order.
func (r *NodeRepo) Children(ctx context.Context, parentID uint32) ([]model.Node, error) {
	const q = `
SELECT id, parent_id, name, type, position, created_at
FROM nodes WHERE parent_id=$1 ORDER BY position`
	rows, err := r.db.Pool.Query(ctx, q, int64(parentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Create appends n to its parent inside one transaction so concurrent creates cannot collide
// on position.
func (r *NodeRepo) Create(ctx context.Context, n *model.Node) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const lock = `SELECT pg_advisory_xact_lock($1)`
	const pos = `SELECT COALESCE(MAX(position) + 1, 0) FROM nodes WHERE parent_id=$1`
	const ins = `
INSERT INTO nodes (parent_id, name, type, position)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`

	if _, err = tx.Exec(ctx, lock, int64(n.ParentID)); err != nil {
		return err
	}
	var position int
	if err = tx.QueryRow(ctx, pos, int64(n.ParentID)).Scan(&position); err != nil {
		return err
	}
	var id int64
	err = tx.QueryRow(ctx, ins, int64(n.ParentID), n.Name, n.Type, position).Scan(&id, &n.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("node %q in %d: %w", n.Name, n.ParentID, errs.ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	if id < 0 || id > int64(model.MaxNodeID) {
		return fmt.Errorf("node id %d out of range: %w", id, errs.ErrStorage)
	}
	n.ID = uint32(id)
	n.Position = position
	return nil
}

// Delete removes id; descendants go with it through ON DELETE CASCADE.
func (r *NodeRepo) Delete(ctx context.Context, id uint32) error {
	const q = `DELETE FROM nodes WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %d: %w", id, errs.ErrNotFound)
	}
	return nil
}

// Get selects a node by id.
func (r *NodeRepo) Get(ctx context.Context, id uint32) (*model.Node, error) {
	const q = `
SELECT id, parent_id, name, type, position, created_at
FROM nodes WHERE id=$1`
	rows, err := r.db.Pool.Query(ctx, q, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("node %d: %w", id, errs.ErrNotFound)
	}
	n, err := scanNode(rows)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNode(rows pgx.Rows) (model.Node, error) {
	var (
		n            model.Node
		id, parentID int64
	)
	if err := rows.Scan(&id, &parentID, &n.Name, &n.Type, &n.Position, &n.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return n, errs.ErrNotFound
		}
		return n, err
	}
	n.ID = uint32(id)
	n.ParentID = uint32(parentID)
	return n, nil
}
