// Package bigset drives a writer and readers over a set of growing
// two-dimensional datasets. Each step extends every dataset by one chunk
// row (and, in two-dimensional mode, one chunk column) and fills the new
// chunks with a pattern the readers can verify independently.
package bigset

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/container"
)

const elemSize = 4

// Config shapes a run. Writer and readers must agree on it.
type Config struct {
	Sets int
	// Rows and Cols are the chunk shape and the per-step growth.
	Rows, Cols uint64
	Steps      int
	TwoD       bool
	Interval   time.Duration
	Filter     api.Filter
}

// DefaultConfig returns the shape of the classic run: five datasets of
// 256x512 chunks grown over 100 steps, a thirtieth of a second apart.
func DefaultConfig() Config {
	return Config{Sets: 5, Rows: 256, Cols: 512, Steps: 100, Interval: time.Second / 30}
}

// Validate rejects shapes that cannot run.
func (c Config) Validate() error {
	if c.Sets <= 0 || c.Rows == 0 || c.Cols == 0 || c.Steps <= 0 {
		return fmt.Errorf("bigset needs positive sets, chunk shape and steps: %w", api.ErrInvalidArgument)
	}
	// The pattern must fit in uint32 at the far corner of the last step.
	side := max(c.Rows, c.Cols) * uint64(c.Steps)
	if side*side+uint64(c.Sets) > 1<<32 {
		return fmt.Errorf("bigset of side %d overflows the pattern: %w", side, api.ErrInvalidArgument)
	}
	return nil
}

// Name returns the path of dataset which.
func Name(which int) string { return fmt.Sprintf("/dataset-%d", which) }

// Value is the element at (i, j) of dataset which. Walking the square
// shells of the plane, every element gets a distinct value.
func Value(which uint32, i, j uint64) uint32 {
	var u uint64
	if j <= i {
		u = (i+1)*(i+1) - 1 - j
	} else {
		u = j*j + i
	}
	return uint32(u) + which
}

// Chunk returns the little-endian elements of the chunk of dataset which
// whose corner is (row, col).
func (c Config) Chunk(which int, row, col uint64) []byte {
	out := make([]byte, c.Rows*c.Cols*elemSize)
	k := 0
	for r := range c.Rows {
		for q := range c.Cols {
			binary.LittleEndian.PutUint32(out[k:], Value(uint32(which), row+r, col+q))
			k += elemSize
		}
	}
	return out
}

// Extent returns the dataset dimensions after step (zero based).
func (c Config) Extent(step int) []uint64 {
	n := uint64(step + 1)
	if c.TwoD {
		return []uint64{c.Rows * n, c.Cols * n}
	}
	return []uint64{c.Rows * n, c.Cols}
}

func (c Config) slab(row, col uint64) container.Slab {
	return container.Slab{Start: []uint64{row, col}, Count: []uint64{c.Rows, c.Cols}}
}

// Writer grows the datasets of a run through a container writer.
type Writer struct {
	f   *container.File
	cfg Config
	log *logrus.Logger
	ids []container.ID
}

// NewWriter creates the datasets of cfg in f.
func NewWriter(f *container.File, cfg Config, log *logrus.Logger) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	w := &Writer{f: f, cfg: cfg, log: log}
	maxDims := []uint64{api.Unlimited, cfg.Cols}
	if cfg.TwoD {
		maxDims[1] = api.Unlimited
	}
	for which := range cfg.Sets {
		id, err := f.CreateDataset(f.ID(), Name(which), api.LinkCreateProps{}, api.DatasetCreateProps{
			ElemSize: elemSize,
			Dims:     []uint64{0, 0},
			MaxDims:  maxDims,
			Chunk:    []uint64{cfg.Rows, cfg.Cols},
			Filter:   cfg.Filter,
		})
		if err != nil {
			return nil, errors.Join(err, w.Close())
		}
		w.ids = append(w.ids, id)
	}
	return w, nil
}

// Step extends dataset which to its size after step and writes the
// chunks that appeared. Nothing is published until the next flush.
func (w *Writer) Step(ctx context.Context, which, step int) error {
	cfg := w.cfg
	id := w.ids[which]
	if err := w.f.Extend(ctx, id, cfg.Extent(step)); err != nil {
		return err
	}
	last := uint64(step)
	if !cfg.TwoD {
		return w.write(ctx, which, last*cfg.Rows, 0)
	}
	for r := uint64(0); r <= last; r++ {
		if err := w.write(ctx, which, r*cfg.Rows, last*cfg.Cols); err != nil {
			return err
		}
	}
	for c := uint64(0); c < last; c++ {
		if err := w.write(ctx, which, last*cfg.Rows, c*cfg.Cols); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) write(ctx context.Context, which int, row, col uint64) error {
	return w.f.WriteRegion(ctx, w.ids[which], w.cfg.slab(row, col), w.cfg.Chunk(which, row, col))
}

// Run performs every step of every dataset, publishing after each and
// pausing cfg.Interval between them.
func (w *Writer) Run(ctx context.Context) error {
	start := time.Now()
	for step := range w.cfg.Steps {
		for which := range w.cfg.Sets {
			if err := w.Step(ctx, which, step); err != nil {
				return fmt.Errorf("step %d of %s: %w", step, Name(which), err)
			}
			if _, err := w.f.Flush(ctx); err != nil {
				return fmt.Errorf("flush step %d of %s: %w", step, Name(which), err)
			}
			if err := sleep(ctx, w.cfg.Interval); err != nil {
				return err
			}
		}
		w.log.WithFields(logrus.Fields{"step": step, "epoch": w.f.Epoch()}).Debug("bigset step written")
	}
	w.log.WithFields(logrus.Fields{
		"steps":   w.cfg.Steps,
		"sets":    w.cfg.Sets,
		"elapsed": time.Since(start),
	}).Info("bigset writer done")
	return nil
}

// Close releases the dataset handles.
func (w *Writer) Close() error {
	var errs []error
	for _, id := range w.ids {
		errs = append(errs, w.f.Close(id))
	}
	w.ids = nil
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
