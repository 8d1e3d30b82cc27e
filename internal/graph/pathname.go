package graph

import (
	"fmt"
	"strings"

	"github.com/agentic-research/strata/api"
)

// Separator separates path components.
const Separator = "/"

// Path is a parsed object name: the components to walk and whether the
// walk restarts at the root. Paths are immutable once parsed.
type Path struct {
	Components []string
	Absolute   bool
}

// ParsePath splits name into components. Repeated separators collapse,
// a trailing separator is ignored and "." components are skipped, so "."
// is the empty relative path and "/" the empty absolute path.
func ParsePath(name string) (Path, error) {
	if name == "" {
		return Path{}, fmt.Errorf("empty name: %w", api.ErrBadPath)
	}
	p := Path{Absolute: strings.HasPrefix(name, Separator)}
	for _, c := range strings.Split(name, Separator) {
		if c == "" || c == "." {
			continue
		}
		p.Components = append(p.Components, c)
	}
	return p, nil
}

// IsEmpty reports whether the path names its starting location.
func (p Path) IsEmpty() bool { return len(p.Components) == 0 }

// Split returns the parent path and the last component. The empty path
// has no last component.
func (p Path) Split() (Path, string, error) {
	if p.IsEmpty() {
		return Path{}, "", fmt.Errorf("path %q has no final component: %w", p.String(), api.ErrBadPath)
	}
	n := len(p.Components)
	parent := Path{Components: p.Components[:n-1:n-1], Absolute: p.Absolute}
	return parent, p.Components[n-1], nil
}

// Join appends components.
func (p Path) Join(names ...string) Path {
	out := Path{Absolute: p.Absolute}
	out.Components = append(append([]string(nil), p.Components...), names...)
	return out
}

// String renders the normalized path.
func (p Path) String() string {
	s := strings.Join(p.Components, Separator)
	if p.Absolute {
		return Separator + s
	}
	if s == "" {
		return "."
	}
	return s
}

// ValidateName checks a single link name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty link name: %w", api.ErrBadPath)
	case name == ".":
		return fmt.Errorf("link name %q is reserved: %w", name, api.ErrBadPath)
	case strings.Contains(name, Separator):
		return fmt.Errorf("link name %q contains %q: %w", name, Separator, api.ErrBadPath)
	}
	return nil
}
