package bigset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/container"
)

// Source is the read side of a container a Reader checks.
type Source interface {
	ID() container.ID
	Epoch() uint64
	Refresh(ctx context.Context) (bool, error)
	OpenDataset(loc container.ID, name string) (container.ID, error)
	Extent(id container.ID) (dims, maxDims []uint64, err error)
	ReadRegion(ctx context.Context, id container.ID, slab container.Slab) ([]byte, error)
	Close(id container.ID) error
}

// Report is the outcome of one verification pass.
type Report struct {
	Epoch uint64
	// Dims holds the extent of each dataset seen; nil for those not yet
	// published.
	Dims   [][]uint64
	Chunks int
}

// Done reports whether every dataset reached the final extent of cfg.
func (r Report) Done(cfg Config) bool {
	final := cfg.Extent(cfg.Steps - 1)
	for _, d := range r.Dims {
		if len(d) != 2 || d[0] < final[0] || d[1] < final[1] {
			return false
		}
	}
	return len(r.Dims) == cfg.Sets
}

// MismatchError reports a chunk whose contents differ from the pattern.
type MismatchError struct {
	Dataset  string
	Row, Col uint64
	Epoch    uint64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s chunk at (%d, %d) differs from the pattern at epoch %d", e.Dataset, e.Row, e.Col, e.Epoch)
}

// Verify reads every chunk inside the current extent of each dataset and
// compares it with the pattern.
func Verify(ctx context.Context, src Source, cfg Config) (Report, error) {
	rep := Report{Epoch: src.Epoch(), Dims: make([][]uint64, cfg.Sets)}
	for which := range cfg.Sets {
		n, dims, err := verifyOne(ctx, src, cfg, which)
		if err != nil {
			return rep, err
		}
		rep.Dims[which] = dims
		rep.Chunks += n
	}
	return rep, nil
}

func verifyOne(ctx context.Context, src Source, cfg Config, which int) (_ int, _ []uint64, err error) {
	name := Name(which)
	id, err := src.OpenDataset(src.ID(), name)
	if errors.Is(err, api.ErrNotFound) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	defer func() { err = errors.Join(err, src.Close(id)) }()

	dims, _, err := src.Extent(id)
	if err != nil {
		return 0, nil, err
	}
	if len(dims) != 2 || dims[0]%cfg.Rows != 0 || dims[1]%cfg.Cols != 0 {
		return 0, nil, fmt.Errorf("%s extent %v is not a whole number of chunks: %w", name, dims, api.ErrInconsistent)
	}
	n := 0
	for row := uint64(0); row < dims[0]; row += cfg.Rows {
		for col := uint64(0); col < dims[1]; col += cfg.Cols {
			got, err := src.ReadRegion(ctx, id, cfg.slab(row, col))
			if err != nil {
				return n, dims, err
			}
			if !bytes.Equal(got, cfg.Chunk(which, row, col)) {
				return n, dims, &MismatchError{Dataset: name, Row: row, Col: col, Epoch: src.Epoch()}
			}
			n++
		}
	}
	return n, dims, nil
}

// Watch refreshes src every poll and verifies it, until every dataset
// reaches its final extent or ctx ends. A stale view is refreshed and
// retried.
func Watch(ctx context.Context, src Source, cfg Config, poll time.Duration, log *logrus.Logger) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	if log == nil {
		log = logrus.New()
	}
	var last Report
	passes := 0
	for {
		if _, err := src.Refresh(ctx); err != nil {
			return last, fmt.Errorf("refresh: %w", err)
		}
		rep, err := Verify(ctx, src, cfg)
		switch {
		case errors.Is(err, api.ErrStale):
			log.WithField("epoch", src.Epoch()).Debug("bigset reader fell behind, refreshing")
		case err != nil:
			return last, err
		default:
			last = rep
			passes++
			log.WithFields(logrus.Fields{"epoch": rep.Epoch, "chunks": rep.Chunks}).Debug("bigset pass verified")
			if rep.Done(cfg) {
				log.WithFields(logrus.Fields{"epoch": rep.Epoch, "passes": passes}).Info("bigset reader done")
				return rep, nil
			}
		}
		if err := sleep(ctx, poll); err != nil {
			return last, err
		}
	}
}
