package browser

import (
	"fmt"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/protocol"
)

// RootID is the id of the root directory.
const RootID uint32 = 0

// Node is one entry of a Tree.
type Node struct {
	ID       uint32
	Name     string
	Type     string
	Parent   *Node
	Children []*Node
	// Explored is set once the full child list is known.
	Explored bool
}

// IsSubdirectory reports whether the node holds children rather than a session.
func (n *Node) IsSubdirectory() bool { return n.Type == protocol.SubdirectoryType }

// Tree is the ordered node store behind both browser implementations. Children keep the
// order they were inserted in.
type Tree struct {
	nodes map[uint32]*Node
	root  *Node
}

// NewTree returns a tree holding only the root directory.
func NewTree() *Tree {
	root := &Node{ID: RootID, Type: protocol.SubdirectoryType}
	return &Tree{nodes: map[uint32]*Node{RootID: root}, root: root}
}

func noSuchNode(id uint32) error {
	return errs.Newf(errs.DomainDirectory, errs.CodeNoSuchNode, "Node %d does not exist", id)
}

func (t *Tree) Root() Iter { return Iter{ID: RootID} }

// Lookup returns the node behind id.
func (t *Tree) Lookup(id uint32) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Node resolves a cursor.
func (t *Tree) Node(it Iter) (*Node, error) {
	n, ok := t.nodes[it.ID]
	if !ok {
		return nil, noSuchNode(it.ID)
	}
	return n, nil
}

func (t *Tree) sibling(it Iter, delta int) (Iter, error) {
	n, err := t.Node(it)
	if err != nil {
		return Iter{}, err
	}
	if n.Parent == nil {
		return Iter{}, noSuchNode(it.ID)
	}
	sibs := n.Parent.Children
	for i, s := range sibs {
		if s == n {
			j := i + delta
			if j < 0 || j >= len(sibs) {
				return Iter{}, errs.Newf(errs.DomainDirectory, errs.CodeNoSuchNode, "Node %d has no sibling there", it.ID)
			}
			return Iter{ID: sibs[j].ID}, nil
		}
	}
	return Iter{}, noSuchNode(it.ID)
}

func (t *Tree) Next(it Iter) (Iter, error) { return t.sibling(it, 1) }

func (t *Tree) Prev(it Iter) (Iter, error) { return t.sibling(it, -1) }

func (t *Tree) Parent(it Iter) (Iter, error) {
	n, err := t.Node(it)
	if err != nil {
		return Iter{}, err
	}
	if n.Parent == nil {
		return Iter{}, errs.Newf(errs.DomainDirectory, errs.CodeNoSuchNode, "The root node has no parent")
	}
	return Iter{ID: n.Parent.ID}, nil
}

// Child returns the first child. The node must be an explored directory.
func (t *Tree) Child(it Iter) (Iter, error) {
	n, err := t.Node(it)
	if err != nil {
		return Iter{}, err
	}
	if !n.IsSubdirectory() {
		return Iter{}, errs.Newf(errs.DomainDirectory, errs.CodeNotSubdirectory, "Node %d is not a subdirectory", it.ID)
	}
	if !n.Explored {
		return Iter{}, errs.Newf(errs.DomainDirectory, errs.CodeNotExplored, "Subdirectory %d has not been explored", it.ID)
	}
	if len(n.Children) == 0 {
		return Iter{}, errs.Newf(errs.DomainDirectory, errs.CodeNoSuchNode, "Subdirectory %d is empty", it.ID)
	}
	return Iter{ID: n.Children[0].ID}, nil
}

func (t *Tree) NodeName(it Iter) (string, error) {
	n, err := t.Node(it)
	if err != nil {
		return "", err
	}
	return n.Name, nil
}

func (t *Tree) NodeType(it Iter) (string, error) {
	n, err := t.Node(it)
	if err != nil {
		return "", err
	}
	return n.Type, nil
}

func (t *Tree) IsSubdirectory(it Iter) (bool, error) {
	n, err := t.Node(it)
	if err != nil {
		return false, err
	}
	return n.IsSubdirectory(), nil
}

func (t *Tree) IsExplored(it Iter) bool {
	n, ok := t.nodes[it.ID]
	return ok && n.Explored
}

// ChildByName returns the child of parent called name.
func (t *Tree) ChildByName(parent *Node, name string) (*Node, bool) {
	for _, c := range parent.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Insert appends a new node to parent.
func (t *Tree) Insert(parent *Node, id uint32, name, typ string) (*Node, error) {
	if _, ok := t.nodes[id]; ok {
		return nil, fmt.Errorf("insert node %d: %w", id, errs.ErrAlreadyExists)
	}
	if !parent.IsSubdirectory() {
		return nil, errs.Newf(errs.DomainDirectory, errs.CodeNotSubdirectory, "Node %d is not a subdirectory", parent.ID)
	}
	n := &Node{ID: id, Name: name, Type: typ, Parent: parent}
	parent.Children = append(parent.Children, n)
	t.nodes[id] = n
	return n, nil
}

// Rekey changes the id of n.
func (t *Tree) Rekey(n *Node, id uint32) error {
	if _, ok := t.nodes[id]; ok {
		return fmt.Errorf("rekey node %d to %d: %w", n.ID, id, errs.ErrAlreadyExists)
	}
	delete(t.nodes, n.ID)
	n.ID = id
	t.nodes[id] = n
	return nil
}

// Remove detaches n from its parent and forgets its subtree. It returns the removed nodes,
// descendants first.
func (t *Tree) Remove(n *Node) []*Node {
	if n.Parent != nil {
		sibs := n.Parent.Children
		for i, s := range sibs {
			if s == n {
				n.Parent.Children = append(sibs[:i:i], sibs[i+1:]...)
				break
			}
		}
	}
	var out []*Node
	Walk(n, func(x *Node) {
		delete(t.nodes, x.ID)
		out = append(out, x)
	})
	return out
}

// Restore reattaches a node detached by Remove at position pos of its parent.
func (t *Tree) Restore(n *Node, pos int) {
	sibs := n.Parent.Children
	if pos < 0 || pos > len(sibs) {
		pos = len(sibs)
	}
	sibs = append(sibs, nil)
	copy(sibs[pos+1:], sibs[pos:])
	sibs[pos] = n
	n.Parent.Children = sibs
	Walk(n, func(x *Node) { t.nodes[x.ID] = x })
}

// Position returns the index of n among its siblings.
func Position(n *Node) int {
	if n.Parent == nil {
		return 0
	}
	for i, s := range n.Parent.Children {
		if s == n {
			return i
		}
	}
	return -1
}

// Walk calls fn for every node of the subtree, children before their parent.
func Walk(n *Node, fn func(*Node)) {
	for _, c := range n.Children {
		Walk(c, fn)
	}
	fn(n)
}
