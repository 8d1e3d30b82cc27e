package graph

import (
	"fmt"
	"sort"

	"github.com/agentic-research/strata/api"
	"github.com/google/btree"
)

// Link is a named hard link from a group to an object header.
type Link struct {
	Name   string
	Target Addr
	// Corder is the creation-order value, meaningful only when the group
	// tracks creation order.
	Corder int64
}

// LinkTable stores a group's links. Two implementations exist: compact
// (an insertion-ordered slice, for small groups) and dense (name and
// creation-order B-tree indexes). Callers never see which one is in use
// except through StorageType.
type LinkTable interface {
	Len() int
	Lookup(name string) (Link, bool)
	Insert(l Link)
	Remove(name string) (Link, bool)
	// Ascend visits links in insertion order (compact) or name order (dense).
	Ascend(fn func(Link) bool)
	// Nth returns the n-th link of the given index in the given order.
	Nth(kind api.IndexKind, order api.IterOrder, n int) (Link, bool)
	StorageType() api.StorageType
	clone() LinkTable
}

// compactLinks keeps links in insertion order.
type compactLinks struct {
	links []Link
}

func (c *compactLinks) Len() int { return len(c.links) }

func (c *compactLinks) Lookup(name string) (Link, bool) {
	for _, l := range c.links {
		if l.Name == name {
			return l, true
		}
	}
	return Link{}, false
}

func (c *compactLinks) Insert(l Link) {
	c.links = append(c.links, l)
}

func (c *compactLinks) Remove(name string) (Link, bool) {
	for i, l := range c.links {
		if l.Name == name {
			c.links = append(c.links[:i:i], c.links[i+1:]...)
			return l, true
		}
	}
	return Link{}, false
}

func (c *compactLinks) Ascend(fn func(Link) bool) {
	for _, l := range c.links {
		if !fn(l) {
			return
		}
	}
}

func (c *compactLinks) Nth(kind api.IndexKind, order api.IterOrder, n int) (Link, bool) {
	if n < 0 || n >= len(c.links) {
		return Link{}, false
	}
	sorted := make([]Link, len(c.links))
	copy(sorted, c.links)
	switch kind {
	case api.IndexCreationOrder:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Corder < sorted[j].Corder })
	default:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	}
	if order == api.OrderDec {
		return sorted[len(sorted)-1-n], true
	}
	return sorted[n], true
}

func (c *compactLinks) StorageType() api.StorageType { return api.StorageCompact }

func (c *compactLinks) clone() LinkTable {
	out := make([]Link, len(c.links))
	copy(out, c.links)
	return &compactLinks{links: out}
}

const denseDegree = 16

// denseLinks indexes links by name and by creation order.
type denseLinks struct {
	byName   *btree.BTreeG[Link]
	byCorder *btree.BTreeG[Link]
}

func lessName(a, b Link) bool { return a.Name < b.Name }

func lessCorder(a, b Link) bool {
	if a.Corder != b.Corder {
		return a.Corder < b.Corder
	}
	return a.Name < b.Name
}

func newDenseLinks() *denseLinks {
	return &denseLinks{
		byName:   btree.NewG(denseDegree, lessName),
		byCorder: btree.NewG(denseDegree, lessCorder),
	}
}

func (d *denseLinks) Len() int { return d.byName.Len() }

func (d *denseLinks) Lookup(name string) (Link, bool) {
	return d.byName.Get(Link{Name: name})
}

func (d *denseLinks) Insert(l Link) {
	d.byName.ReplaceOrInsert(l)
	d.byCorder.ReplaceOrInsert(l)
}

func (d *denseLinks) Remove(name string) (Link, bool) {
	l, ok := d.byName.Delete(Link{Name: name})
	if !ok {
		return Link{}, false
	}
	d.byCorder.Delete(l)
	return l, true
}

func (d *denseLinks) Ascend(fn func(Link) bool) {
	d.byName.Ascend(func(l Link) bool { return fn(l) })
}

func (d *denseLinks) Nth(kind api.IndexKind, order api.IterOrder, n int) (Link, bool) {
	if n < 0 || n >= d.Len() {
		return Link{}, false
	}
	tree := d.byName
	if kind == api.IndexCreationOrder {
		tree = d.byCorder
	}
	var (
		found Link
		i     int
	)
	visit := func(l Link) bool {
		if i == n {
			found = l
			return false
		}
		i++
		return true
	}
	if order == api.OrderDec {
		tree.Descend(visit)
	} else {
		tree.Ascend(visit)
	}
	return found, true
}

func (d *denseLinks) StorageType() api.StorageType { return api.StorageDense }

func (d *denseLinks) clone() LinkTable {
	return &denseLinks{byName: d.byName.Clone(), byCorder: d.byCorder.Clone()}
}

// GroupMessage is the namespace part of a group's object header.
type GroupMessage struct {
	Props      api.GroupCreateProps
	NextCorder int64
	links      LinkTable
}

// NewGroupMessage returns an empty group with the given creation properties.
func NewGroupMessage(props api.GroupCreateProps) *GroupMessage {
	return &GroupMessage{Props: props.WithDefaults(), links: &compactLinks{}}
}

func (g *GroupMessage) clone() *GroupMessage {
	out := *g
	out.links = g.links.clone()
	return &out
}

// Len returns the number of links.
func (g *GroupMessage) Len() int { return g.links.Len() }

// Lookup finds a link by name.
func (g *GroupMessage) Lookup(name string) (Link, bool) { return g.links.Lookup(name) }

// Ascend visits every link.
func (g *GroupMessage) Ascend(fn func(Link) bool) { g.links.Ascend(fn) }

// StorageType reports compact or dense link storage.
func (g *GroupMessage) StorageType() api.StorageType { return g.links.StorageType() }

// Insert adds a link, assigning its creation order. The name must not
// already exist.
func (g *GroupMessage) Insert(name string, target Addr) (Link, error) {
	if err := ValidateName(name); err != nil {
		return Link{}, err
	}
	if _, ok := g.links.Lookup(name); ok {
		return Link{}, fmt.Errorf("link %q: %w", name, api.ErrAlreadyExists)
	}
	l := Link{Name: name, Target: target}
	if g.Props.TrackCreationOrder {
		l.Corder = g.NextCorder
		g.NextCorder++
	}
	g.links.Insert(l)
	if g.links.StorageType() == api.StorageCompact && g.links.Len() > int(g.Props.MaxCompact) {
		g.convert(newDenseLinks())
	}
	return l, nil
}

// Remove deletes a link by name.
func (g *GroupMessage) Remove(name string) (Link, error) {
	l, ok := g.links.Remove(name)
	if !ok {
		return Link{}, fmt.Errorf("link %q: %w", name, api.ErrNotFound)
	}
	if g.links.StorageType() == api.StorageDense && g.links.Len() < int(g.Props.MinDense) {
		g.convert(&compactLinks{})
	}
	return l, nil
}

// ByIndex returns the n-th link under the given index and order.
func (g *GroupMessage) ByIndex(kind api.IndexKind, order api.IterOrder, n int) (Link, error) {
	switch kind {
	case api.IndexName:
	case api.IndexCreationOrder:
		if !g.Props.TrackCreationOrder {
			return Link{}, fmt.Errorf("creation order not tracked: %w", api.ErrInvalidArgument)
		}
	default:
		return Link{}, fmt.Errorf("index kind %d: %w", kind, api.ErrInvalidArgument)
	}
	switch order {
	case api.OrderInc, api.OrderDec, api.OrderNative:
	default:
		return Link{}, fmt.Errorf("iteration order %d: %w", order, api.ErrInvalidArgument)
	}
	l, ok := g.links.Nth(kind, order, n)
	if !ok {
		return Link{}, fmt.Errorf("index %d of %d links: %w", n, g.links.Len(), api.ErrOutOfRange)
	}
	return l, nil
}

// Info summarises the group for the get-info operations.
func (g *GroupMessage) Info() api.GroupInfo {
	info := api.GroupInfo{
		StorageType: g.links.StorageType(),
		NumLinks:    uint64(g.links.Len()),
	}
	if g.Props.TrackCreationOrder {
		info.MaxCreationOrder = g.NextCorder
	}
	return info
}

// convert moves every link into dst, preserving creation order so the
// compact form keeps its insertion order.
func (g *GroupMessage) convert(dst LinkTable) {
	var all []Link
	g.links.Ascend(func(l Link) bool {
		all = append(all, l)
		return true
	})
	if g.links.StorageType() == api.StorageDense && g.Props.TrackCreationOrder {
		sort.Slice(all, func(i, j int) bool { return all[i].Corder < all[j].Corder })
	}
	for _, l := range all {
		dst.Insert(l)
	}
	g.links = dst
}
