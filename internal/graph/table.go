package graph

import (
	"fmt"

	"github.com/agentic-research/strata/api"
	"github.com/google/btree"
)

// View is a consistent, read-only picture of the namespace: the writer's
// staged state, or the state of one published checkpoint.
type View interface {
	Root() Addr
	// Header loads the header at addr. A missing header is api.ErrNotFound;
	// a storage failure is api.ErrIOFailure.
	Header(addr Addr) (*Header, error)
}

// Table is the arena of object headers keyed by address. Clone is O(1)
// and copy-on-write, so every checkpoint can own a Table that later
// writer changes never touch.
type Table struct {
	tree *btree.BTreeG[*Header]
}

const tableDegree = 32

// NewTable returns an empty arena.
func NewTable() *Table {
	return &Table{tree: btree.NewG(tableDegree, func(a, b *Header) bool { return a.Addr < b.Addr })}
}

// Get returns the header at addr.
func (t *Table) Get(addr Addr) (*Header, bool) {
	return t.tree.Get(&Header{Addr: addr})
}

// Put inserts or replaces a header. The header must not be mutated after.
func (t *Table) Put(h *Header) {
	t.tree.ReplaceOrInsert(h)
}

// Delete removes the header at addr.
func (t *Table) Delete(addr Addr) {
	t.tree.Delete(&Header{Addr: addr})
}

// Len returns the number of headers.
func (t *Table) Len() int { return t.tree.Len() }

// Ascend visits headers in address order.
func (t *Table) Ascend(fn func(*Header) bool) {
	t.tree.Ascend(func(h *Header) bool { return fn(h) })
}

// Clone returns a copy-on-write snapshot. Only the writer may call it.
func (t *Table) Clone() *Table {
	return &Table{tree: t.tree.Clone()}
}

// StaticView serves a Table with a fixed root.
type StaticView struct {
	Table    *Table
	RootAddr Addr
}

func (v StaticView) Root() Addr { return v.RootAddr }

func (v StaticView) Header(addr Addr) (*Header, error) {
	h, ok := v.Table.Get(addr)
	if !ok {
		return nil, fmt.Errorf("object header %d: %w", addr, api.ErrNotFound)
	}
	return h, nil
}
