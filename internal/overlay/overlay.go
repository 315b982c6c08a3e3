// Package overlay defines the thin contract a dispatcher needs from the
// tree-construction and repair protocol: who my father is, who my two
// children are, and whether each child is itself an execution leaf. The
// protocol that builds and repairs the tree is an external collaborator
// (§1's Out of scope); this package only carries the query surface plus a
// reference static implementation used by tests and single-process demos.
package overlay

import (
	"github.com/jcelaya/stars/internal/address"
	"github.com/jcelaya/stars/internal/zone"
)

// Side names a child position.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Node is the contract a dispatcher queries. IsRoot and IsLeaf are mutually
// informative: a leaf has no children, the root has no father.
type Node interface {
	Self() address.Address
	IsRoot() bool
	IsLeaf() bool
	Father() (address.Address, bool)
	Child(side Side) (address.Address, bool)
	// ChildIsLeaf reports whether the named child is itself an execution
	// leaf, so the dispatcher can tag outgoing bags with forEN correctly.
	ChildIsLeaf(side Side) bool
}

// StaticTree is a fixed, in-memory binary overlay tree, useful for tests
// and single-process demonstrations where no repair protocol runs.
type StaticTree struct {
	Addr      address.Address
	FatherOf  map[address.Address]address.Address
	LeftOf    map[address.Address]address.Address
	RightOf   map[address.Address]address.Address
	LeafNodes map[address.Address]bool
}

// NewStaticTree creates an empty static tree rooted conceptually at no
// particular node; use AddEdge to wire it up before use.
func NewStaticTree() *StaticTree {
	return &StaticTree{
		FatherOf:  make(map[address.Address]address.Address),
		LeftOf:    make(map[address.Address]address.Address),
		RightOf:   make(map[address.Address]address.Address),
		LeafNodes: make(map[address.Address]bool),
	}
}

// AddEdge records that parent's left/right child is child, and marks child
// as a leaf if isLeaf is true.
func (t *StaticTree) AddEdge(parent address.Address, side Side, child address.Address, isLeaf bool) {
	t.FatherOf[child] = parent
	if side == Left {
		t.LeftOf[parent] = child
	} else {
		t.RightOf[parent] = child
	}
	if isLeaf {
		t.LeafNodes[child] = true
	}
}

// View returns the Node contract for addr as seen within this tree.
func (t *StaticTree) View(addr address.Address) Node {
	return staticView{tree: t, addr: addr}
}

type staticView struct {
	tree *StaticTree
	addr address.Address
}

func (v staticView) Self() address.Address { return v.addr }

func (v staticView) IsRoot() bool {
	_, ok := v.tree.FatherOf[v.addr]
	return !ok
}

func (v staticView) IsLeaf() bool {
	return v.tree.LeafNodes[v.addr]
}

func (v staticView) Father() (address.Address, bool) {
	f, ok := v.tree.FatherOf[v.addr]
	return f, ok
}

func (v staticView) Child(side Side) (address.Address, bool) {
	var m map[address.Address]address.Address
	if side == Left {
		m = v.tree.LeftOf
	} else {
		m = v.tree.RightOf
	}
	c, ok := m[v.addr]
	return c, ok
}

func (v staticView) ChildIsLeaf(side Side) bool {
	c, ok := v.Child(side)
	return ok && v.tree.LeafNodes[c]
}

// Zone computes addr's subtree zone by recursing down to its leaves and
// aggregating on the way back up, maintaining the invariant
// father.zone = aggregate(left.zone, right.zone) without requiring a
// separate repair protocol to keep it current in a StaticTree.
func (t *StaticTree) Zone(addr address.Address) zone.Description {
	if t.LeafNodes[addr] {
		return zone.Leaf(addr)
	}
	left, hasLeft := t.LeftOf[addr]
	right, hasRight := t.RightOf[addr]
	switch {
	case hasLeft && hasRight:
		return zone.Aggregate(t.Zone(left), t.Zone(right))
	case hasLeft:
		return t.Zone(left)
	case hasRight:
		return t.Zone(right)
	default:
		return zone.Leaf(addr)
	}
}
