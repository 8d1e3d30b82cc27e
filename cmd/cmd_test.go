package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/container"
	"github.com/agentic-research/strata/internal/bigset"
	"github.com/agentic-research/strata/internal/config"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	configPath, backend, containerPath, logLevel, logFormat = "", "", "", "", ""
	parents, trackOrder, byCorder = false, false, false
	cfg = config.Default()
	bs = bigset.DefaultConfig()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestParseDims(t *testing.T) {
	got, err := parseDims([]string{"256", " unlimited", "*"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{256, api.Unlimited, api.Unlimited}, got)

	_, err = parseDims(nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = parseDims([]string{"-1"})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestEachChunk(t *testing.T) {
	var slabs []container.Slab
	require.NoError(t, eachChunk([]uint64{5, 4}, []uint64{2, 4}, func(s container.Slab) error {
		slabs = append(slabs, s)
		return nil
	}))
	require.Len(t, slabs, 3)
	assert.Equal(t, []uint64{4, 0}, slabs[2].Start)
	assert.Equal(t, []uint64{1, 4}, slabs[2].Count, "edge chunk clipped to the extent")

	called := false
	require.NoError(t, eachChunk([]uint64{0, 4}, []uint64{2, 2}, func(container.Slab) error {
		called = true
		return nil
	}))
	assert.False(t, called)
}

func TestCommands_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "c.strata")

	require.NoError(t, run(t, "create", "-p", file))
	require.NoError(t, run(t, "mkgroup", "-p", file, "--parents", "/a/b"))
	require.NoError(t, run(t, "mkdataset", "-p", file, "/a/data",
		"--dims", "4,4", "--max-dims", "unlimited,4", "--chunk", "2,2", "--filter", "lz4"))
	require.NoError(t, run(t, "ln", "-p", file, "/a/data", "/alias"))
	require.NoError(t, run(t, "ls", "-p", file, "/a"))
	require.NoError(t, run(t, "info", "-p", file, "/alias"))
	require.NoError(t, run(t, "fsck", "-p", file))

	db := filepath.Join(dir, "catalog.db")
	require.NoError(t, run(t, "export", "-p", file, db))
	_, err := os.Stat(db)
	require.NoError(t, err)

	require.NoError(t, run(t, "rm", "-p", file, "/alias"))
	assert.Error(t, run(t, "mkgroup", "-p", file, "/x/y"), "missing intermediate group")

	ctx := context.Background()
	f, err := container.OpenPath(ctx, file, container.Options{Access: api.AccessProps{ReadOnly: true}})
	require.NoError(t, err)
	defer func() { _ = f.CloseFile(ctx) }()

	rep, err := describe(f, "/a/data")
	require.NoError(t, err)
	assert.Equal(t, api.KindDataset, rep.Object.Kind)
	assert.Equal(t, uint32(1), rep.Object.LinkCount, "alias removed")
	require.NotNil(t, rep.Dataset)
	assert.Equal(t, []uint64{4, 4}, rep.Dataset.Dims)
	assert.Equal(t, api.FilterLZ4, rep.Dataset.Filter)

	rep, err = describe(f, "/a")
	require.NoError(t, err)
	require.NotNil(t, rep.Group)
	assert.Equal(t, uint64(2), rep.Group.NumLinks)

	res := check(ctx, f)
	assert.Empty(t, res.problems)
	assert.Equal(t, 4, res.objects, "root, a, b, data")
	assert.Equal(t, 4, res.chunks, "2x2 grid of chunks, written or not")
}

func TestBigsetRun_Memory(t *testing.T) {
	require.NoError(t, run(t, "bigset", "run", "-b", "memory",
		"--sets", "2", "--rows", "2", "--cols", "4", "--steps", "3", "--two-d",
		"--interval", "0s", "--poll", "1ms", "--readers", "2"))
}
