package container

import (
	"context"
	"slices"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/chunk"
	"github.com/agentic-research/strata/internal/graph"
	"github.com/agentic-research/strata/internal/swmr"
)

// Slab selects a rectangular region of a dataset.
type Slab = chunk.Slab

// CreateDataset creates a chunked dataset at name relative to loc and
// returns an open handle to it.
func (f *File) CreateDataset(loc ID, name string, lcpl api.LinkCreateProps, dcpl api.DatasetCreateProps) (ID, error) {
	if err := dcpl.Validate(); err != nil {
		return 0, err
	}
	return f.create(loc, name, lcpl, api.KindDataset, func(addr graph.Addr) *graph.Header {
		return graph.NewDatasetHeader(addr, dcpl)
	})
}

// OpenDataset opens the dataset at name relative to loc.
func (f *File) OpenDataset(loc ID, name string) (ID, error) {
	dl, _, err := f.resolve(loc, name, graph.KindDataset)
	if err != nil {
		return 0, err
	}
	return f.open(api.KindDataset, dl, false), nil
}

func (f *File) datasetHeader(id ID) (*graph.Header, error) {
	loc, release, err := f.object(id, api.KindDataset)
	if err != nil {
		return nil, err
	}
	defer release()
	var h *graph.Header
	err = f.read(func(v graph.View) error {
		h, err = header(v, loc, graph.KindDataset)
		return err
	})
	return h, err
}

// DatasetInfo describes the dataset behind id as the file currently sees
// it.
func (f *File) DatasetInfo(id ID) (api.DatasetInfo, error) {
	h, err := f.datasetHeader(id)
	if err != nil {
		return api.DatasetInfo{}, err
	}
	d := h.Dataset
	return api.DatasetInfo{
		ElemSize: d.ElemSize,
		Dims:     slices.Clone(d.Dims),
		MaxDims:  slices.Clone(d.MaxDims),
		Chunk:    slices.Clone(d.Chunk),
		Filter:   d.Filter,
		Chunks:   len(d.Chunks),
	}, nil
}

// Extent returns the current and maximum extent of the dataset behind id.
func (f *File) Extent(id ID) (dims, maxDims []uint64, err error) {
	info, err := f.DatasetInfo(id)
	if err != nil {
		return nil, nil, err
	}
	return info.Dims, info.MaxDims, nil
}

// mutateDataset stages fn's change to the dataset behind id.
func (f *File) mutateDataset(id ID, fn func(tx *swmr.Tx, d *graph.DatasetMessage) error) error {
	loc, release, err := f.object(id, api.KindDataset)
	if err != nil {
		return err
	}
	defer release()
	return f.update(func(tx *swmr.Tx) error {
		h, err := header(tx, loc, graph.KindDataset)
		if err != nil {
			return err
		}
		h = h.Clone()
		if err := fn(tx, h.Dataset); err != nil {
			return err
		}
		tx.Put(h)
		return nil
	})
}

// Extend sets the extent of the dataset behind id. Dimensions may grow up
// to their maximum (api.ErrExtentExceeded beyond it) or shrink; shrinking
// discards the data outside the new extent.
func (f *File) Extend(ctx context.Context, id ID, dims []uint64) error {
	return f.mutateDataset(id, func(tx *swmr.Tx, d *graph.DatasetMessage) error {
		return f.chunks.Extend(ctx, tx, d, dims)
	})
}

// WriteRegion writes data, the row-major elements of slab, into the
// dataset behind id. The slab must lie within the current extent. Either
// every affected chunk is written and the change staged, or nothing is.
func (f *File) WriteRegion(ctx context.Context, id ID, slab Slab, data []byte) error {
	return f.mutateDataset(id, func(tx *swmr.Tx, d *graph.DatasetMessage) error {
		return f.chunks.WriteRegion(ctx, tx, d, slab, data)
	})
}

// ReadRegion returns the row-major elements of slab from the dataset
// behind id, as of the file's current view. Unwritten elements are zero.
func (f *File) ReadRegion(ctx context.Context, id ID, slab Slab) ([]byte, error) {
	loc, release, err := f.object(id, api.KindDataset)
	if err != nil {
		return nil, err
	}
	defer release()
	var out []byte
	err = f.read(func(v graph.View) error {
		h, err := header(v, loc, graph.KindDataset)
		if err != nil {
			return err
		}
		out, err = f.chunks.ReadRegion(ctx, h.Dataset, slab)
		return err
	})
	return out, err
}
