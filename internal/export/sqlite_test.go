package export

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/container"
	"github.com/agentic-research/strata/internal/storage"
)

func TestSQLite_ExportsNamespace(t *testing.T) {
	ctx := context.Background()
	b, _, err := storage.NewMemory("export.strata")
	require.NoError(t, err)
	f, err := container.Create(ctx, b, container.Options{CloseBackend: true})
	require.NoError(t, err)
	defer func() { _ = f.CloseFile(ctx) }()

	lcpl := api.LinkCreateProps{IntermediateGroups: true}
	_, err = f.CreateGroup(f.ID(), "/a/b", lcpl, api.GroupCreateProps{})
	require.NoError(t, err)
	ds, err := f.CreateDataset(f.ID(), "/a/data", lcpl, api.DatasetCreateProps{
		ElemSize: 4, Dims: []uint64{4, 4}, MaxDims: []uint64{api.Unlimited, 8}, Chunk: []uint64{2, 2}, Filter: api.FilterLZ4,
	})
	require.NoError(t, err)
	require.NoError(t, f.WriteRegion(ctx, ds, container.Slab{Start: []uint64{0, 0}, Count: []uint64{2, 2}}, make([]byte, 16)))
	require.NoError(t, f.HardLink(f.ID(), "/a/data", f.ID(), "/alias", api.LinkCreateProps{}))

	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	stats, err := SQLite(ctx, f, dbPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Objects, "root, a, b, data")
	assert.Equal(t, 4, stats.Links, "a, b, data, alias")
	assert.Equal(t, 1, stats.Datasets)

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var path string
	var links int
	require.NoError(t, db.QueryRow(`SELECT o.path, o.link_count FROM objects o JOIN datasets d ON d.addr = o.addr`).Scan(&path, &links))
	assert.Equal(t, "/alias", path, "first name found breadth first")
	assert.Equal(t, 2, links)

	var dims, filter string
	var chunks int
	require.NoError(t, db.QueryRow(`SELECT dims, filter, chunks FROM datasets`).Scan(&dims, &filter, &chunks))
	assert.Equal(t, "[4,4]", dims)
	assert.Equal(t, "lz4", filter)
	assert.Equal(t, 1, chunks)

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM links l JOIN objects o ON o.addr = l.target WHERE o.kind = 'dataset'`).Scan(&n))
	assert.Equal(t, 2, n)
}
