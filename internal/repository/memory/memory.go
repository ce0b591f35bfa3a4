// Package memory implements the repository interfaces in process memory. It backs servers
// started without a database and tests of the layers above.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/model"
	"github.com/and161185/gophnotes/internal/repository"
)

// NodeRepo is safe for concurrent use.
type NodeRepo struct {
	mu     sync.Mutex
	nextID uint32
	nodes  map[uint32]model.Node
}

var _ repository.NodeRepository = (*NodeRepo)(nil)

// NewNodeRepo returns an empty directory.
func NewNodeRepo() *NodeRepo {
	return &NodeRepo{nextID: 1, nodes: map[uint32]model.Node{}}
}

func (r *NodeRepo) Children(_ context.Context, parentID uint32) ([]model.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Node
	for _, n := range r.nodes {
		if n.ParentID == parentID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r *NodeRepo) Create(_ context.Context, n *model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ParentID != 0 {
		if _, ok := r.nodes[n.ParentID]; !ok {
			return fmt.Errorf("parent %d: %w", n.ParentID, errs.ErrNotFound)
		}
	}
	position := 0
	for _, x := range r.nodes {
		if x.ParentID != n.ParentID {
			continue
		}
		if x.Name == n.Name {
			return fmt.Errorf("node %q in %d: %w", n.Name, n.ParentID, errs.ErrAlreadyExists)
		}
		if x.Position >= position {
			position = x.Position + 1
		}
	}
	if r.nextID > model.MaxNodeID {
		return fmt.Errorf("node id %d out of range: %w", r.nextID, errs.ErrStorage)
	}
	n.ID = r.nextID
	n.Position = position
	n.CreatedAt = time.Now().UTC()
	r.nextID++
	r.nodes[n.ID] = *n
	return nil
}

func (r *NodeRepo) Delete(_ context.Context, id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return fmt.Errorf("node %d: %w", id, errs.ErrNotFound)
	}
	r.deleteLocked(id)
	return nil
}

func (r *NodeRepo) deleteLocked(id uint32) {
	for cid, c := range r.nodes {
		if c.ParentID == id && cid != id {
			r.deleteLocked(cid)
		}
	}
	delete(r.nodes, id)
}

func (r *NodeRepo) Get(_ context.Context, id uint32) (*model.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, errs.ErrNotFound)
	}
	return &n, nil
}

// AccountRepo is safe for concurrent use.
type AccountRepo struct {
	mu     sync.Mutex
	byName map[string]model.Account
}

var _ repository.AccountRepository = (*AccountRepo)(nil)

// NewAccountRepo returns an empty account store.
func NewAccountRepo() *AccountRepo {
	return &AccountRepo{byName: map[string]model.Account{}}
}

func (r *AccountRepo) Create(_ context.Context, a *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[a.Username]; ok {
		return fmt.Errorf("account %q: %w", a.Username, errs.ErrAlreadyExists)
	}
	a.CreatedAt = time.Now().UTC()
	r.byName[a.Username] = *a
	return nil
}

func (r *AccountRepo) GetByUsername(_ context.Context, username string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byName[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}
