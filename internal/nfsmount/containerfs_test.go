package nfsmount

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/container"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestContainer returns a writer holding /vulns/{a,b} and a reader
// over it.
func newTestContainer(t *testing.T) (*container.File, *container.File) {
	t.Helper()
	ctx := context.Background()
	b, _, err := storage.NewMemory("nfs.strata")
	require.NoError(t, err)
	w, err := container.Create(ctx, b, container.Options{CloseBackend: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.CloseFile(ctx) })

	_, err = w.CreateGroup(w.ID(), "/vulns", api.LinkCreateProps{}, api.GroupCreateProps{})
	require.NoError(t, err)
	for name, data := range map[string]string{"a": "hello, strata!", "b": "bye"} {
		ds, err := w.CreateDataset(w.ID(), "/vulns/"+name, api.LinkCreateProps{}, api.DatasetCreateProps{
			ElemSize: 1, Dims: []uint64{uint64(len(data))}, Chunk: []uint64{4}, Filter: api.FilterZstd,
		})
		require.NoError(t, err)
		require.NoError(t, w.WriteRegion(ctx, ds, container.Slab{Start: []uint64{0}, Count: []uint64{uint64(len(data))}}, []byte(data)))
	}
	_, err = w.Flush(ctx)
	require.NoError(t, err)

	r, err := w.NewReader()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.CloseFile(ctx) })
	return w, r
}

func TestStatRoot(t *testing.T) {
	_, r := newTestContainer(t)
	cfs := NewContainerFS(r, nil)

	info, err := cfs.Stat("/")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "/", info.Name())
}

func TestStatDatasetAndGroup(t *testing.T) {
	_, r := newTestContainer(t)
	cfs := NewContainerFS(r, nil)

	info, err := cfs.Stat("/vulns/a")
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Equal(t, "a", info.Name())
	assert.Equal(t, int64(14), info.Size())

	info, err = cfs.Stat("vulns")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = cfs.Stat("/vulns/missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = cfs.Stat("/vulns/a/below")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadDir(t *testing.T) {
	_, r := newTestContainer(t)
	cfs := NewContainerFS(r, nil)

	root, err := cfs.ReadDir("/")
	require.NoError(t, err)
	var names []string
	for _, fi := range root {
		names = append(names, fi.Name())
	}
	assert.Equal(t, []string{statusName, "vulns"}, names)

	entries, err := cfs.ReadDir("/vulns")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name())
	assert.Equal(t, int64(3), entries[1].Size())

	_, err = cfs.ReadDir("/vulns/a")
	assert.Error(t, err)
}

func TestOpenAndRead(t *testing.T) {
	_, r := newTestContainer(t)
	cfs := NewContainerFS(r, nil)

	f, err := cfs.Open("/vulns/a")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello, strata!", string(data))

	buf := make([]byte, 6)
	n, err := f.ReadAt(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, "strata", string(buf[:n]))

	pos, err := f.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(11), pos)

	_, err = cfs.Open("/vulns")
	assert.Error(t, err)
}

func TestReadOnly(t *testing.T) {
	_, r := newTestContainer(t)
	cfs := NewContainerFS(r, nil)

	_, err := cfs.Create("/new")
	assert.ErrorIs(t, err, errReadOnly)
	_, err = cfs.OpenFile("/vulns/a", os.O_RDWR, 0)
	assert.ErrorIs(t, err, errReadOnly)
	assert.ErrorIs(t, cfs.Remove("/vulns/a"), errReadOnly)
	assert.ErrorIs(t, cfs.MkdirAll("/x", 0o755), errReadOnly)

	f, err := cfs.Open("/vulns/b")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, errReadOnly)
}

func TestRefreshShowsNewObjects(t *testing.T) {
	ctx := context.Background()
	w, r := newTestContainer(t)
	cfs := NewContainerFS(r, nil)

	_, err := w.CreateGroup(w.ID(), "/later", api.LinkCreateProps{}, api.GroupCreateProps{})
	require.NoError(t, err)
	_, err = w.Flush(ctx)
	require.NoError(t, err)

	_, err = cfs.Stat("/later")
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, cfs.Refresh(ctx))
	info, err := cfs.Stat("/later")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	f, err := cfs.Open("/" + statusName)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"epoch"`)
}

func TestServerLifecycle(t *testing.T) {
	_, r := newTestContainer(t)
	srv, err := NewServer(NewContainerFS(r, nil), "127.0.0.1:0", nil)
	require.NoError(t, err)
	assert.NotZero(t, srv.Port())
	require.NoError(t, srv.Close())
}
