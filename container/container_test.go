package container

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/graph"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/go-git/go-billy/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fileName = "test.strata"

var (
	noLcpl        = api.LinkCreateProps{}
	intermediates = api.LinkCreateProps{IntermediateGroups: true}
	noGcpl        = api.GroupCreateProps{}
)

func newWriter(t *testing.T, opts Options) (*File, billy.Filesystem) {
	t.Helper()
	b, fs, err := storage.NewMemory(fileName)
	require.NoError(t, err)
	opts.CloseBackend = true
	f, err := Create(context.Background(), b, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.CloseFile(context.Background()) })
	return f, fs
}

// openSeparate opens a reader through its own back-end handle, the way
// another process would.
func openSeparate(t *testing.T, fs billy.Filesystem, opts Options) *File {
	t.Helper()
	b, err := storage.OpenFile(fs, fileName, false, true)
	require.NoError(t, err)
	opts.Access.ReadOnly = true
	opts.CloseBackend = true
	r, err := Open(context.Background(), b, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.CloseFile(context.Background()) })
	return r
}

func flush(t *testing.T, f *File) uint64 {
	t.Helper()
	seq, err := f.Flush(context.Background())
	require.NoError(t, err)
	return seq
}

// pattern returns n little-endian uint32 values from, from+1, ...
func pattern(from, n uint32) []byte {
	out := make([]byte, 4*n)
	for i := uint32(0); i < n; i++ {
		binary.LittleEndian.PutUint32(out[4*i:], from+i)
	}
	return out
}

func span(start, count uint64) Slab {
	return Slab{Start: []uint64{start}, Count: []uint64{count}}
}

func addrOf(t *testing.T, f *File, id ID) uint64 {
	t.Helper()
	info, err := f.ObjectInfo(id)
	require.NoError(t, err)
	return info.Addr
}

func TestScenarioA_IntermediateGroups(t *testing.T) {
	f, _ := newWriter(t, Options{})

	_, err := f.CreateGroup(f.ID(), "/A/B", noLcpl, noGcpl)
	require.ErrorIs(t, err, api.ErrNotFound)
	_, err = f.OpenGroup(f.ID(), "/A")
	require.ErrorIs(t, err, api.ErrNotFound, "a failed create stages nothing")

	b, err := f.CreateGroup(f.ID(), "/A/B", intermediates, noGcpl)
	require.NoError(t, err)
	a, err := f.OpenGroup(f.ID(), "/A")
	require.NoError(t, err)
	b2, err := f.OpenGroup(a, "B")
	require.NoError(t, err)
	assert.Equal(t, addrOf(t, f, b), addrOf(t, f, b2))

	name, err := f.GetName(b)
	require.NoError(t, err)
	assert.Equal(t, "/A/B", name)

	_, err = f.CreateGroup(f.ID(), "/A/B", noLcpl, noGcpl)
	assert.ErrorIs(t, err, api.ErrAlreadyExists)
}

func TestParentDotEquivalence(t *testing.T) {
	f, _ := newWriter(t, Options{})
	_, err := f.CreateGroup(f.ID(), "/a/b/c/d", intermediates, noGcpl)
	require.NoError(t, err)
	b, err := f.OpenGroup(f.ID(), "a/b")
	require.NoError(t, err)

	cases := []struct {
		start  ID
		parent string
		last   string
	}{
		{f.ID(), "/a/b/c", "d"},
		{f.ID(), "a//b/", "c"},
		{b, "c", "d"},
		{b, ".", "c"},
		{b, "/a", "b"},
		{b, "/", "a"},
	}
	for _, tc := range cases {
		direct, err := f.OpenGroup(tc.start, tc.parent+"/"+tc.last)
		require.NoError(t, err, tc.parent)
		parent, err := f.OpenGroup(tc.start, tc.parent+"/.")
		require.NoError(t, err, tc.parent)
		viaParent, err := f.OpenGroup(parent, tc.last)
		require.NoError(t, err, tc.parent)
		assert.Equal(t, addrOf(t, f, direct), addrOf(t, f, viaParent), "%s/%s", tc.parent, tc.last)
	}

	dot, err := f.OpenGroup(b, ".")
	require.NoError(t, err)
	assert.Equal(t, addrOf(t, f, b), addrOf(t, f, dot))
	root, err := f.OpenGroup(b, "/")
	require.NoError(t, err)
	assert.Equal(t, addrOf(t, f, f.ID()), addrOf(t, f, root))

	_, err = f.OpenGroup(b, "")
	assert.ErrorIs(t, err, api.ErrBadPath)
}

func TestLinkCountRoundTrip(t *testing.T) {
	f, _ := newWriter(t, Options{})
	g, err := f.CreateGroup(f.ID(), "/x/g", intermediates, noGcpl)
	require.NoError(t, err)
	require.NoError(t, f.HardLink(f.ID(), "/x/g", f.ID(), "/y/alias", intermediates))
	require.NoError(t, f.HardLink(g, ".", f.ID(), "/x/again", noLcpl))
	_, err = f.CreateDataset(g, "data", noLcpl, api.DatasetCreateProps{ElemSize: 1, Dims: []uint64{4}, Chunk: []uint64{4}})
	require.NoError(t, err)
	require.NoError(t, f.HardLink(g, "data", f.ID(), "/data", noLcpl))

	// Count links by walking every group.
	counts := map[uint64]uint32{}
	var walk func(path string)
	walk = func(path string) {
		members, err := f.List(f.ID(), path, api.IndexName)
		require.NoError(t, err)
		for _, m := range members {
			counts[m.Addr]++
			if m.Kind == api.KindGroup && counts[m.Addr] == 1 {
				walk(path + "/" + m.Name)
			}
		}
	}
	walk("/")
	require.NotEmpty(t, counts)

	flush(t, f)
	for _, view := range []*File{f, mustReader(t, f)} {
		for addr, want := range counts {
			var got uint32
			require.NoError(t, view.read(func(v graph.View) error {
				h, err := v.Header(graph.Addr(addr))
				if err != nil {
					return err
				}
				got = h.LinkCount
				return nil
			}))
			assert.Equal(t, want, got, "object %d", addr)
		}
	}
	info, err := f.ObjectInfo(g)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), info.LinkCount)
}

func mustReader(t *testing.T, f *File) *File {
	t.Helper()
	r, err := f.NewReader()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.CloseFile(context.Background()) })
	return r
}

func TestRefreshIdempotentAndMonotonic(t *testing.T) {
	ctx := context.Background()
	f, fs := newWriter(t, Options{})
	_, err := f.CreateGroup(f.ID(), "/one", noLcpl, noGcpl)
	require.NoError(t, err)
	flush(t, f)

	for name, r := range map[string]*File{"in-process": mustReader(t, f), "separate": openSeparate(t, fs, Options{})} {
		t.Run(name, func(t *testing.T) {
			before, err := r.List(r.ID(), "/", api.IndexName)
			require.NoError(t, err)
			epoch := r.Epoch()
			for range 3 {
				advanced, err := r.Refresh(ctx)
				require.NoError(t, err)
				assert.False(t, advanced)
				assert.Equal(t, epoch, r.Epoch())
				after, err := r.List(r.ID(), "/", api.IndexName)
				require.NoError(t, err)
				assert.Equal(t, before, after)
			}
		})
	}

	r := mustReader(t, f)
	last := r.Epoch()
	for i := range 4 {
		if i%2 == 0 {
			_, err := f.CreateGroup(f.ID(), "/g"+string(rune('a'+i)), noLcpl, noGcpl)
			require.NoError(t, err)
			flush(t, f)
		}
		_, err := r.Refresh(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.Epoch(), last)
		last = r.Epoch()
	}
	assert.Equal(t, f.Epoch(), last)
}

func TestScenarioB_ExtendVisibleAfterRefresh(t *testing.T) {
	ctx := context.Background()
	f, fs := newWriter(t, Options{})
	ds, err := f.CreateDataset(f.ID(), "/data", noLcpl, api.DatasetCreateProps{
		ElemSize: 4, Dims: []uint64{256}, MaxDims: []uint64{api.Unlimited}, Chunk: []uint64{64},
	})
	require.NoError(t, err)
	require.NoError(t, f.WriteRegion(ctx, ds, span(0, 256), pattern(0, 256)))
	flush(t, f)

	readers := map[string]*File{"in-process": mustReader(t, f), "separate": openSeparate(t, fs, Options{})}
	handles := map[string]ID{}
	for name, r := range readers {
		id, err := r.OpenDataset(r.ID(), "/data")
		require.NoError(t, err)
		handles[name] = id
	}

	require.NoError(t, f.Extend(ctx, ds, []uint64{512}))
	require.NoError(t, f.WriteRegion(ctx, ds, span(256, 256), pattern(256, 256)))
	flush(t, f)

	for name, r := range readers {
		t.Run(name, func(t *testing.T) {
			id := handles[name]
			dims, _, err := r.Extent(id)
			require.NoError(t, err)
			assert.Equal(t, []uint64{256}, dims)
			data, err := r.ReadRegion(ctx, id, span(0, 256))
			require.NoError(t, err)
			assert.Equal(t, pattern(0, 256), data)
			_, err = r.ReadRegion(ctx, id, span(256, 256))
			assert.ErrorIs(t, err, api.ErrOutOfRange)

			advanced, err := r.Refresh(ctx)
			require.NoError(t, err)
			assert.True(t, advanced)
			dims, _, err = r.Extent(id)
			require.NoError(t, err)
			assert.Equal(t, []uint64{512}, dims)
			data, err = r.ReadRegion(ctx, id, span(256, 256))
			require.NoError(t, err)
			assert.Equal(t, pattern(256, 256), data)
		})
	}
}

func TestScenarioC_ReadersAtDifferentEpochs(t *testing.T) {
	ctx := context.Background()
	f, _ := newWriter(t, Options{})
	ds, err := f.CreateDataset(f.ID(), "/d", noLcpl, api.DatasetCreateProps{
		ElemSize: 4, Dims: []uint64{8}, MaxDims: []uint64{api.Unlimited}, Chunk: []uint64{4},
	})
	require.NoError(t, err)
	require.NoError(t, f.WriteRegion(ctx, ds, span(0, 8), pattern(0, 8)))
	flush(t, f)

	r1, r2 := mustReader(t, f), mustReader(t, f)
	k := r1.Epoch()
	require.Equal(t, k, r2.Epoch())

	require.NoError(t, f.Extend(ctx, ds, []uint64{16}))
	require.NoError(t, f.WriteRegion(ctx, ds, span(8, 8), pattern(8, 8)))
	assert.Equal(t, k+1, flush(t, f))

	_, err = r1.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, k+1, r1.Epoch())
	assert.Equal(t, k, r2.Epoch())

	for r, want := range map[*File]uint32{r1: 16, r2: 8} {
		id, err := r.OpenDataset(r.ID(), "/d")
		require.NoError(t, err)
		dims, _, err := r.Extent(id)
		require.NoError(t, err)
		assert.Equal(t, []uint64{uint64(want)}, dims)
		data, err := r.ReadRegion(ctx, id, span(0, uint64(want)))
		require.NoError(t, err)
		assert.Equal(t, pattern(0, want), data)
	}
}

func TestIsolation_FailedMultiChunkWrite(t *testing.T) {
	ctx := context.Background()
	mem, _, err := storage.NewMemory(fileName)
	require.NoError(t, err)
	b := storage.NewFaulty(mem)
	f, err := Create(ctx, b, Options{CloseBackend: true})
	require.NoError(t, err)
	defer func() { _ = f.CloseFile(ctx) }()

	ds, err := f.CreateDataset(f.ID(), "/d", noLcpl, api.DatasetCreateProps{
		ElemSize: 4, Dims: []uint64{16}, MaxDims: []uint64{api.Unlimited}, Chunk: []uint64{4},
	})
	require.NoError(t, err)
	require.NoError(t, f.WriteRegion(ctx, ds, span(0, 16), pattern(0, 16)))
	flush(t, f)
	r := mustReader(t, f)
	rds, err := r.OpenDataset(r.ID(), "/d")
	require.NoError(t, err)

	require.NoError(t, f.Extend(ctx, ds, []uint64{32}))
	b.FailWritesAfter(2)
	err = f.WriteRegion(ctx, ds, span(0, 32), pattern(100, 32))
	require.ErrorIs(t, err, storage.ErrInjected)
	b.Heal()
	flush(t, f)

	_, err = r.Refresh(ctx)
	require.NoError(t, err)
	dims, _, err := r.Extent(rds)
	require.NoError(t, err)
	assert.Equal(t, []uint64{32}, dims, "the extend was staged on its own")
	data, err := r.ReadRegion(ctx, rds, span(0, 32))
	require.NoError(t, err)
	assert.Equal(t, append(pattern(0, 16), make([]byte, 64)...), data, "none of the failed write is visible")

	require.NoError(t, f.WriteRegion(ctx, ds, span(0, 32), pattern(100, 32)))
	flush(t, f)
	_, err = r.Refresh(ctx)
	require.NoError(t, err)
	data, err = r.ReadRegion(ctx, rds, span(0, 32))
	require.NoError(t, err)
	assert.Equal(t, pattern(100, 32), data)
}

func TestStagedChangesInvisibleUntilFlush(t *testing.T) {
	ctx := context.Background()
	f, _ := newWriter(t, Options{})
	r := mustReader(t, f)

	_, err := f.CreateGroup(f.ID(), "/pending", noLcpl, noGcpl)
	require.NoError(t, err)
	assert.True(t, f.Dirty())
	_, err = f.OpenGroup(f.ID(), "/pending")
	require.NoError(t, err, "the writer sees its own staged state")

	_, err = r.Refresh(ctx)
	require.NoError(t, err)
	_, err = r.OpenGroup(r.ID(), "/pending")
	assert.ErrorIs(t, err, api.ErrNotFound)

	flush(t, f)
	assert.False(t, f.Dirty())
	_, err = r.Refresh(ctx)
	require.NoError(t, err)
	_, err = r.OpenGroup(r.ID(), "/pending")
	assert.NoError(t, err)
}

func TestReader_IsReadOnly(t *testing.T) {
	ctx := context.Background()
	f, fs := newWriter(t, Options{})
	for _, r := range []*File{mustReader(t, f), openSeparate(t, fs, Options{})} {
		_, err := r.CreateGroup(r.ID(), "/x", noLcpl, noGcpl)
		assert.ErrorIs(t, err, api.ErrReadOnly)
		assert.ErrorIs(t, r.Unlink(r.ID(), "/x"), api.ErrReadOnly)
		_, err = r.Flush(ctx)
		assert.ErrorIs(t, err, api.ErrReadOnly)
		_, err = r.NewReader()
		assert.ErrorIs(t, err, api.ErrReadOnly)
		assert.True(t, r.ReadOnly())
	}
}

func TestSeparateReader_StaleUnderFailPolicy(t *testing.T) {
	ctx := context.Background()
	access := api.AccessProps{MaxLag: 1, LagPolicy: api.LagFail}
	f, fs := newWriter(t, Options{Access: access})
	r := openSeparate(t, fs, Options{Access: access})

	for i := range 3 {
		_, err := f.CreateGroup(f.ID(), "/g"+string(rune('0'+i)), noLcpl, noGcpl)
		require.NoError(t, err)
		flush(t, f)
	}
	_, err := r.List(r.ID(), "/", api.IndexName)
	assert.ErrorIs(t, err, api.ErrStale)
	_, err = r.GetInfo(r.ID())
	assert.ErrorIs(t, err, api.ErrStale)

	_, err = r.Refresh(ctx)
	require.NoError(t, err)
	members, err := r.List(r.ID(), "/", api.IndexName)
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestCloseFile(t *testing.T) {
	ctx := context.Background()
	b, fs, err := storage.NewMemory(fileName)
	require.NoError(t, err)
	f, err := Create(ctx, b, Options{CloseBackend: true})
	require.NoError(t, err)
	g, err := f.CreateGroup(f.ID(), "/g", noLcpl, noGcpl)
	require.NoError(t, err)

	require.NoError(t, f.CloseFile(ctx))
	require.NoError(t, f.CloseFile(ctx))
	_, err = f.GetInfo(g)
	assert.ErrorIs(t, err, api.ErrInvalidHandle)

	// The staged group was published on close.
	b2, err := storage.OpenFile(fs, fileName, false, false)
	require.NoError(t, err)
	f2, err := Open(ctx, b2, Options{CloseBackend: true})
	require.NoError(t, err)
	defer func() { _ = f2.CloseFile(ctx) }()
	_, err = f2.OpenGroup(f2.ID(), "/g")
	assert.NoError(t, err)
}

func TestOpen_MissingContainer(t *testing.T) {
	b, _, err := storage.NewMemory(fileName)
	require.NoError(t, err)
	_, err = Open(context.Background(), b, Options{CloseBackend: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInconsistent) || errors.Is(err, api.ErrIOFailure), err.Error())
}
