package bigset

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/strata/container"
	"github.com/agentic-research/strata/internal/storage"
)

func small(twoD bool) Config {
	return Config{Sets: 3, Rows: 4, Cols: 8, Steps: 4, TwoD: twoD}
}

func newContainer(t *testing.T) *container.File {
	t.Helper()
	b, _, err := storage.NewMemory("bigset.strata")
	require.NoError(t, err)
	f, err := container.Create(context.Background(), b, container.Options{CloseBackend: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.CloseFile(context.Background()) })
	return f
}

func newReader(t *testing.T, f *container.File) *container.File {
	t.Helper()
	r, err := f.NewReader()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.CloseFile(context.Background()) })
	return r
}

func TestValue_DistinctOverSquare(t *testing.T) {
	const side = 40
	seen := make(map[uint32]bool, side*side)
	for i := range uint64(side) {
		for j := range uint64(side) {
			v := Value(0, i, j)
			require.False(t, seen[v], "(%d, %d) repeats %d", i, j, v)
			seen[v] = true
			assert.Less(t, v, uint32(side*side))
		}
	}
	assert.Equal(t, uint32(0), Value(0, 0, 0))
	assert.Equal(t, uint32(7), Value(7, 0, 0))
	assert.Equal(t, uint32(1), Value(0, 0, 1))
	assert.Equal(t, uint32(3), Value(0, 1, 0))
}

func TestChunk_Layout(t *testing.T) {
	cfg := small(false)
	b := cfg.Chunk(2, 4, 8)
	require.Len(t, b, int(cfg.Rows*cfg.Cols*4))
	assert.Equal(t, Value(2, 4, 8), binary.LittleEndian.Uint32(b[0:]))
	assert.Equal(t, Value(2, 4, 9), binary.LittleEndian.Uint32(b[4:]))
	assert.Equal(t, Value(2, 5, 8), binary.LittleEndian.Uint32(b[4*cfg.Cols:]))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Sets: 0, Rows: 1, Cols: 1, Steps: 1}.Validate())
	assert.Error(t, Config{Sets: 1, Rows: 1 << 20, Cols: 1, Steps: 1 << 10}.Validate())
}

func TestWriter_ExtentsPerStep(t *testing.T) {
	for _, twoD := range []bool{false, true} {
		cfg := small(twoD)
		f := newContainer(t)
		w, err := NewWriter(f, cfg, nil)
		require.NoError(t, err)
		require.NoError(t, w.Run(context.Background()))
		require.NoError(t, w.Close())

		r := newReader(t, f)
		rep, err := Verify(context.Background(), r, cfg)
		require.NoError(t, err)
		assert.True(t, rep.Done(cfg))
		final := cfg.Extent(cfg.Steps - 1)
		for _, d := range rep.Dims {
			assert.Equal(t, final, d)
		}
		perSet := cfg.Steps
		if twoD {
			perSet = cfg.Steps * cfg.Steps
		}
		assert.Equal(t, cfg.Sets*perSet, rep.Chunks, "twoD=%v", twoD)
	}
}

func TestVerify_BeforeFirstFlush(t *testing.T) {
	cfg := small(false)
	f := newContainer(t)
	r := newReader(t, f)

	w, err := NewWriter(f, cfg, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.Step(context.Background(), 0, 0))

	rep, err := Verify(context.Background(), r, cfg)
	require.NoError(t, err)
	assert.Zero(t, rep.Chunks)
	assert.False(t, rep.Done(cfg))
	for _, d := range rep.Dims {
		assert.Nil(t, d, "nothing published yet")
	}
}

func TestVerify_DetectsMismatch(t *testing.T) {
	cfg := small(true)
	cfg.Steps = 2
	f := newContainer(t)
	w, err := NewWriter(f, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, w.Close())

	ds, err := f.OpenDataset(f.ID(), Name(1))
	require.NoError(t, err)
	bad := cfg.Chunk(1, 0, cfg.Cols)
	bad[0] ^= 0xff
	require.NoError(t, f.WriteRegion(context.Background(), ds, cfg.slab(0, cfg.Cols), bad))
	require.NoError(t, f.Close(ds))
	_, err = f.Flush(context.Background())
	require.NoError(t, err)

	_, err = Verify(context.Background(), f, cfg)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, Name(1), mismatch.Dataset)
	assert.Equal(t, uint64(0), mismatch.Row)
	assert.Equal(t, cfg.Cols, mismatch.Col)
}

func TestWatch_ConcurrentWriter(t *testing.T) {
	cfg := small(true)
	cfg.Interval = time.Millisecond
	f := newContainer(t)
	r := newReader(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w, err := NewWriter(f, cfg, nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		err := w.Run(ctx)
		done <- err
	}()

	rep, err := Watch(ctx, r, cfg, time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.NoError(t, w.Close())
	assert.True(t, rep.Done(cfg))
	assert.Equal(t, cfg.Sets*cfg.Steps*cfg.Steps, rep.Chunks)
}

func TestWatch_StopsWithContext(t *testing.T) {
	cfg := small(false)
	f := newContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Watch(ctx, f, cfg, time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
