package control

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_AnnounceVisibleToSecondMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl", "strata.ctl")

	w, err := OpenOrCreate(path)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	id := uuid.New()
	require.NoError(t, w.Bind(id, "/data/run.strata"))
	require.NoError(t, w.Announce(3, 8192))

	r, err := OpenOrCreate(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	assert.Equal(t, uint64(3), r.Generation())
	assert.Equal(t, uint64(8192), r.EOF())
	assert.Equal(t, id, r.ContainerID())
	assert.Equal(t, "/data/run.strata", r.ContainerPath())

	require.NoError(t, w.Announce(4, 9000))
	assert.Equal(t, uint64(4), r.Generation())
}

func TestController_AnnounceRejectsRegression(t *testing.T) {
	c, err := OpenOrCreate(filepath.Join(t.TempDir(), "strata.ctl"))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Announce(5, 0))
	assert.Error(t, c.Announce(4, 0))
	assert.Equal(t, uint64(5), c.Generation())
}

func TestController_BindNewContainerResetsGeneration(t *testing.T) {
	c, err := OpenOrCreate(filepath.Join(t.TempDir(), "strata.ctl"))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Bind(uuid.New(), "a"))
	require.NoError(t, c.Announce(9, 0))
	require.NoError(t, c.Bind(uuid.New(), "b"))
	assert.Equal(t, uint64(0), c.Generation())
	assert.Equal(t, "b", c.ContainerPath())
}
