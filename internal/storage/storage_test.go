package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/agentic-research/strata/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	mem, _, err := NewMemory("c.strata")
	require.NoError(t, err)

	disk, err := OpenOS(filepath.Join(t.TempDir(), "c.strata"), true, false)
	require.NoError(t, err)

	pages, err := OpenPages(PagesConfig{InMemory: true, PageSize: 64})
	require.NoError(t, err)

	out := map[string]Backend{"memfs": mem, "osfs": disk, "badger": pages}
	t.Cleanup(func() {
		for _, b := range out {
			_ = b.Close()
		}
	})
	return out
}

func TestBackend_ReadWriteGrow(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			size, err := b.Size()
			require.NoError(t, err)
			assert.Equal(t, uint64(0), size)

			require.NoError(t, b.WriteAt(10, []byte("hello")))
			size, err = b.Size()
			require.NoError(t, err)
			assert.Equal(t, uint64(15), size)

			got, err := b.ReadAt(0, 15)
			require.NoError(t, err)
			assert.Equal(t, append(make([]byte, 10), "hello"...), got, "gap reads as zeros")

			// Spans several 64-byte pages on the badger store.
			big := bytes.Repeat([]byte("0123456789"), 30)
			require.NoError(t, b.WriteAt(50, big))
			got, err = b.ReadAt(50, uint64(len(big)))
			require.NoError(t, err)
			assert.Equal(t, big, got)

			got, err = b.ReadAt(10, 5)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), got, "unrelated bytes on a shared page survive")

			_, err = b.ReadAt(345, 10)
			assert.ErrorIs(t, err, api.ErrIOFailure)
			assert.ErrorIs(t, err, ErrShortRead)

			require.NoError(t, b.Sync())
		})
	}
}

func TestFile_SharedMemoryFilesystem(t *testing.T) {
	w, fs, err := NewMemory("shared")
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.WriteAt(0, []byte("abc")))

	r, err := OpenFile(fs, "shared", false, true)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	got, err := r.ReadAt(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	assert.ErrorIs(t, r.WriteAt(0, []byte("x")), api.ErrIOFailure)
}

func TestPages_PersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPages(PagesConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, p.WriteAt(4095, []byte{1, 2}))
	require.NoError(t, p.Sync())
	require.NoError(t, p.Close())

	p, err = OpenPages(PagesConfig{Path: dir})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	got, err := p.ReadAt(4095, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)
}

func TestFaulty(t *testing.T) {
	mem, _, err := NewMemory("f")
	require.NoError(t, err)
	f := NewFaulty(mem)

	f.FailWritesAfter(1)
	require.NoError(t, f.WriteAt(0, []byte("a")))
	err = f.WriteAt(1, []byte("b"))
	assert.ErrorIs(t, err, api.ErrIOFailure)
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 1, f.Writes())

	f.FailSync(true)
	assert.ErrorIs(t, f.Sync(), ErrInjected)

	f.Heal()
	require.NoError(t, f.WriteAt(1, []byte("b")))
	require.NoError(t, f.Sync())
}
