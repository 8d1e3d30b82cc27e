package graph

import (
	"testing"

	"github.com/agentic-research/strata/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tree builds /a/b (groups) and /a/d (dataset) rooted at address 1.
func tree(t *testing.T) StaticView {
	t.Helper()
	tbl := NewTable()
	root := NewGroupHeader(1, api.GroupCreateProps{})
	a := NewGroupHeader(2, api.GroupCreateProps{})
	b := NewGroupHeader(3, api.GroupCreateProps{})
	d := NewDatasetHeader(4, api.DatasetCreateProps{ElemSize: 4, Dims: []uint64{4}, Chunk: []uint64{2}})
	_, err := root.Group.Insert("a", a.Addr)
	require.NoError(t, err)
	_, err = a.Group.Insert("b", b.Addr)
	require.NoError(t, err)
	_, err = a.Group.Insert("d", d.Addr)
	require.NoError(t, err)
	for _, h := range []*Header{root, a, b, d} {
		h.LinkCount = 1
		tbl.Put(h)
	}
	return StaticView{Table: tbl, RootAddr: root.Addr}
}

func mustParse(t *testing.T, s string) Path {
	t.Helper()
	p, err := ParsePath(s)
	require.NoError(t, err)
	return p
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		in       string
		want     []string
		absolute bool
		str      string
	}{
		{"/", nil, true, "/"},
		{".", nil, false, "."},
		{"a//b/", []string{"a", "b"}, false, "a/b"},
		{"/a/./b", []string{"a", "b"}, true, "/a/b"},
		{"a/../b", []string{"a", "..", "b"}, false, "a/../b"},
	}
	for _, tc := range cases {
		p, err := ParsePath(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, p.Components, tc.in)
		assert.Equal(t, tc.absolute, p.Absolute, tc.in)
		assert.Equal(t, tc.str, p.String(), tc.in)
	}

	_, err := ParsePath("")
	assert.ErrorIs(t, err, api.ErrBadPath)
}

func TestResolve(t *testing.T) {
	v := tree(t)
	root := RootLocation(v)

	loc, err := Resolve(v, root, mustParse(t, "/a/b"))
	require.NoError(t, err)
	assert.Equal(t, Addr(3), loc.Addr)
	assert.Equal(t, "/a/b", loc.Record.String())

	a, err := Resolve(v, root, mustParse(t, "a"))
	require.NoError(t, err)
	loc, err = Resolve(v, a, mustParse(t, "d"))
	require.NoError(t, err)
	assert.Equal(t, Addr(4), loc.Addr)
	assert.Equal(t, "/a/d", loc.Record.String())

	// Absolute paths ignore the start location.
	loc, err = Resolve(v, a, mustParse(t, "/"))
	require.NoError(t, err)
	assert.Equal(t, v.Root(), loc.Addr)

	_, err = Resolve(v, root, mustParse(t, "/a/missing"))
	assert.ErrorIs(t, err, api.ErrNotFound)

	_, err = Resolve(v, root, mustParse(t, "/a/d/x"))
	assert.ErrorIs(t, err, api.ErrBadPath)

	_, err = Resolve(v, root, mustParse(t, "/a/.."))
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestResolve_ParentThenDotEqualsParentThenName(t *testing.T) {
	v := tree(t)
	root := RootLocation(v)

	for _, full := range []string{"/a/b", "/a/d", "a"} {
		p := mustParse(t, full)
		parent, base, err := p.Split()
		require.NoError(t, err)

		direct, err := Resolve(v, root, p)
		require.NoError(t, err)

		ploc, err := Resolve(v, root, parent)
		require.NoError(t, err)
		viaParent, err := Resolve(v, ploc, mustParse(t, base))
		require.NoError(t, err)
		viaDot, err := Resolve(v, viaParent, mustParse(t, "."))
		require.NoError(t, err)

		assert.Equal(t, direct.Addr, viaParent.Addr, full)
		assert.Equal(t, direct.Addr, viaDot.Addr, full)
	}
}

func TestResolveParent_CreatesIntermediates(t *testing.T) {
	v := tree(t)
	next := Addr(10)
	var created []string
	create := func(parent Location, name string) (Location, error) {
		created = append(created, name)
		h := NewGroupHeader(next, api.GroupCreateProps{})
		next++
		ph, _ := v.Table.Get(parent.Addr)
		ph = ph.Clone()
		if _, err := ph.Group.Insert(name, h.Addr); err != nil {
			return Location{}, err
		}
		v.Table.Put(ph)
		v.Table.Put(h)
		return Location{Addr: h.Addr, Record: parent.Record.Append(parent.Addr, name)}, nil
	}

	parent, base, err := ResolveParent(v, RootLocation(v), mustParse(t, "/a/x/y/z"), create)
	require.NoError(t, err)
	assert.Equal(t, "z", base)
	assert.Equal(t, []string{"x", "y"}, created)
	assert.Equal(t, "/a/x/y", parent.Record.String())

	_, _, err = ResolveParent(v, RootLocation(v), mustParse(t, "/q/r"), nil)
	assert.ErrorIs(t, err, api.ErrNotFound)

	_, _, err = ResolveParent(v, RootLocation(v), mustParse(t, "/a/d/r"), nil)
	assert.ErrorIs(t, err, api.ErrBadPath)

	_, _, err = ResolveParent(v, RootLocation(v), mustParse(t, "/"), nil)
	assert.ErrorIs(t, err, api.ErrBadPath)
}

func TestNameOf_RevalidatesEdges(t *testing.T) {
	v := tree(t)
	loc, err := Resolve(v, RootLocation(v), mustParse(t, "/a/b"))
	require.NoError(t, err)

	name, err := NameOf(v, loc)
	require.NoError(t, err)
	assert.Equal(t, "/a/b", name)

	a, _ := v.Table.Get(2)
	a = a.Clone()
	_, err = a.Group.Remove("b")
	require.NoError(t, err)
	v.Table.Put(a)

	_, err = NameOf(v, loc)
	assert.ErrorIs(t, err, api.ErrNotFound)

	_, err = NameOf(v, Location{Addr: 7})
	assert.ErrorIs(t, err, api.ErrNotFound)
}
