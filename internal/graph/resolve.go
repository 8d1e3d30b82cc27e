package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentic-research/strata/api"
)

// Edge is one step of a hierarchy path: the link Name inside group Parent.
type Edge struct {
	Parent Addr
	Name   string
}

// PathRecord remembers how a location was reached so its name can be
// reported later. Rooted records start at the container root; unrooted
// ones start at an object with no known name (an anonymous group).
type PathRecord struct {
	Rooted bool
	Edges  []Edge
}

// Append returns a new record extended by one edge.
func (r PathRecord) Append(parent Addr, name string) PathRecord {
	edges := make([]Edge, len(r.Edges), len(r.Edges)+1)
	copy(edges, r.Edges)
	return PathRecord{Rooted: r.Rooted, Edges: append(edges, Edge{Parent: parent, Name: name})}
}

// String renders the recorded name; unrooted records render as "".
func (r PathRecord) String() string {
	if !r.Rooted {
		return ""
	}
	names := make([]string, len(r.Edges))
	for i, e := range r.Edges {
		names[i] = e.Name
	}
	return Separator + strings.Join(names, Separator)
}

// Location is a resolved object: its header address and how it was named.
type Location struct {
	Addr   Addr
	Record PathRecord
}

// RootLocation returns the location of the view's root group.
func RootLocation(v View) Location {
	return Location{Addr: v.Root(), Record: PathRecord{Rooted: true}}
}

// Resolve walks p from start. Absolute paths restart at the root. Every
// component but the last must name a group; the last may name anything.
func Resolve(v View, start Location, p Path) (Location, error) {
	cur := start
	if p.Absolute {
		cur = RootLocation(v)
	}
	for _, name := range p.Components {
		next, err := step(v, cur, name)
		if err != nil {
			return Location{}, err
		}
		cur = next
	}
	return cur, nil
}

// CreateFunc creates a missing intermediate group named name inside parent.
type CreateFunc func(parent Location, name string) (Location, error)

// ResolveParent walks every component of p except the last and returns
// the parent location with the final name. When create is non-nil,
// missing intermediate groups are created through it.
func ResolveParent(v View, start Location, p Path, create CreateFunc) (Location, string, error) {
	parent, base, err := p.Split()
	if err != nil {
		return Location{}, "", err
	}
	if err := ValidateName(base); err != nil {
		return Location{}, "", err
	}
	cur := start
	if parent.Absolute {
		cur = RootLocation(v)
	}
	for _, name := range parent.Components {
		next, err := step(v, cur, name)
		if errors.Is(err, api.ErrNotFound) && create != nil {
			next, err = create(cur, name)
		}
		if err != nil {
			return Location{}, "", err
		}
		cur = next
	}
	h, err := v.Header(cur.Addr)
	if err != nil {
		return Location{}, "", err
	}
	if h.Kind != KindGroup {
		return Location{}, "", fmt.Errorf("%s is a %s, not a group: %w", describe(cur), h.Kind, api.ErrBadPath)
	}
	return cur, base, nil
}

func step(v View, cur Location, name string) (Location, error) {
	h, err := v.Header(cur.Addr)
	if err != nil {
		return Location{}, err
	}
	if h.Kind != KindGroup {
		return Location{}, fmt.Errorf("cannot traverse %s (a %s): %w", describe(cur), h.Kind, api.ErrBadPath)
	}
	l, ok := h.Group.Lookup(name)
	if !ok {
		return Location{}, fmt.Errorf("%q in %s: %w", name, describe(cur), api.ErrNotFound)
	}
	return Location{Addr: l.Target, Record: cur.Record.Append(cur.Addr, name)}, nil
}

// NameOf re-validates loc's path record against v and returns its name.
// If any recorded edge no longer exists the object is unreachable by
// that name and NameOf reports api.ErrNotFound.
func NameOf(v View, loc Location) (string, error) {
	if !loc.Record.Rooted {
		return "", fmt.Errorf("object %d has no name: %w", loc.Addr, api.ErrNotFound)
	}
	cur := v.Root()
	for _, e := range loc.Record.Edges {
		if e.Parent != cur {
			return "", fmt.Errorf("name of object %d changed: %w", loc.Addr, api.ErrNotFound)
		}
		h, err := v.Header(cur)
		if err != nil {
			return "", err
		}
		if h.Kind != KindGroup {
			return "", fmt.Errorf("name of object %d changed: %w", loc.Addr, api.ErrNotFound)
		}
		l, ok := h.Group.Lookup(e.Name)
		if !ok {
			return "", fmt.Errorf("link %q removed: %w", e.Name, api.ErrNotFound)
		}
		cur = l.Target
	}
	if cur != loc.Addr {
		return "", fmt.Errorf("name of object %d changed: %w", loc.Addr, api.ErrNotFound)
	}
	return loc.Record.String(), nil
}

func describe(loc Location) string {
	if s := loc.Record.String(); s != "" {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("object %d", loc.Addr)
}
