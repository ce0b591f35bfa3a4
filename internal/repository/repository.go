// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/gophnotes/internal/model"
)

// NodeRepository persists the shape of the note directory.
type NodeRepository interface {
	// Children returns the children of parentID ordered by position.
	Children(ctx context.Context, parentID uint32) ([]model.Node, error)
	// Create inserts n as the last child of n.ParentID and fills in ID, Position and CreatedAt.
	// A sibling with the same name yields errs.ErrAlreadyExists.
	Create(ctx context.Context, n *model.Node) error
	// Delete removes the node and its whole subtree.
	Delete(ctx context.Context, id uint32) error
	// Get loads a single node; errs.ErrNotFound if it does not exist.
	Get(ctx context.Context, id uint32) (*model.Node, error)
}

// AccountRepository provides access to login accounts.
type AccountRepository interface {
	// Create inserts a new account; a taken username yields errs.ErrAlreadyExists.
	Create(ctx context.Context, a *model.Account) error
	// GetByUsername loads an account by username.
	GetByUsername(ctx context.Context, username string) (*model.Account, error)
}
