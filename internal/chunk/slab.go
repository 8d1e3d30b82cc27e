package chunk

import (
	"fmt"

	"github.com/agentic-research/strata/api"
)

// Slab is a rectangular region of a dataset: Count elements per
// dimension starting at Start.
type Slab struct {
	Start []uint64
	Count []uint64
}

// Whole returns the slab covering dims entirely.
func Whole(dims []uint64) Slab {
	return Slab{Start: make([]uint64, len(dims)), Count: append([]uint64(nil), dims...)}
}

// Elements returns the number of elements in the slab.
func (s Slab) Elements() uint64 {
	n := uint64(1)
	for _, c := range s.Count {
		n *= c
	}
	return n
}

// End returns the exclusive upper corner.
func (s Slab) End() []uint64 {
	end := make([]uint64, len(s.Start))
	for i := range s.Start {
		end[i] = s.Start[i] + s.Count[i]
	}
	return end
}

// Empty reports whether the slab selects nothing.
func (s Slab) Empty() bool { return s.Elements() == 0 }

// Within checks that the slab lies inside an extent of dims.
func (s Slab) Within(dims []uint64) error {
	if len(s.Start) != len(dims) || len(s.Count) != len(dims) {
		return fmt.Errorf("slab rank %d/%d != dataset rank %d: %w", len(s.Start), len(s.Count), len(dims), api.ErrInvalidArgument)
	}
	for i := range dims {
		if s.Start[i] > dims[i] || s.Count[i] > dims[i]-s.Start[i] {
			return fmt.Errorf("dimension %d: [%d, +%d) outside extent %d: %w", i, s.Start[i], s.Count[i], dims[i], api.ErrOutOfRange)
		}
	}
	return nil
}

// each visits every point of the box [lo, hi). at is reused between
// calls.
func each(lo, hi []uint64, fn func(at []uint64) error) error {
	for i := range lo {
		if hi[i] <= lo[i] {
			return nil
		}
	}
	at := append([]uint64(nil), lo...)
	for {
		if err := fn(at); err != nil {
			return err
		}
		i := len(at) - 1
		for ; i >= 0; i-- {
			at[i]++
			if at[i] < hi[i] {
				break
			}
			at[i] = lo[i]
		}
		if i < 0 {
			return nil
		}
	}
}

// rows visits the first point of every contiguous run of [lo, hi) along
// the last dimension.
func rows(lo, hi []uint64, fn func(at []uint64)) {
	if len(lo) == 0 {
		return
	}
	last := len(lo) - 1
	rowHi := append([]uint64(nil), hi...)
	rowHi[last] = lo[last] + 1
	if hi[last] <= lo[last] {
		return
	}
	_ = each(lo, rowHi, func(at []uint64) error {
		fn(at)
		return nil
	})
}

// offset returns the row-major element offset of at inside a buffer of
// the given shape whose first element sits at origin.
func offset(at, origin, shape []uint64) uint64 {
	var off uint64
	for i := range at {
		off = off*shape[i] + (at[i] - origin[i])
	}
	return off
}

// buffer is a row-major array of elemSize-byte elements covering the box
// of shape starting at origin.
type buffer struct {
	data   []byte
	origin []uint64
	shape  []uint64
}

// copyBox copies the box [lo, hi) from src to dst. Both buffers must
// contain the box.
func copyBox(dst, src buffer, lo, hi []uint64, elemSize uint64) {
	n := (hi[len(hi)-1] - lo[len(lo)-1]) * elemSize
	rows(lo, hi, func(at []uint64) {
		d := offset(at, dst.origin, dst.shape) * elemSize
		s := offset(at, src.origin, src.shape) * elemSize
		copy(dst.data[d:d+n], src.data[s:s+n])
	})
}

// zeroBox clears the box [lo, hi) of dst.
func zeroBox(dst buffer, lo, hi []uint64, elemSize uint64) {
	n := (hi[len(hi)-1] - lo[len(lo)-1]) * elemSize
	rows(lo, hi, func(at []uint64) {
		d := offset(at, dst.origin, dst.shape) * elemSize
		clear(dst.data[d : d+n])
	})
}

// intersect returns the intersection of [alo, ahi) and [blo, bhi) and
// whether it is non-empty.
func intersect(alo, ahi, blo, bhi []uint64) (lo, hi []uint64, ok bool) {
	lo = make([]uint64, len(alo))
	hi = make([]uint64, len(alo))
	for i := range alo {
		lo[i] = max(alo[i], blo[i])
		hi[i] = min(ahi[i], bhi[i])
		if hi[i] <= lo[i] {
			return nil, nil, false
		}
	}
	return lo, hi, true
}

// chunkRange returns the box, in chunk coordinates, of chunks that
// intersect [lo, hi).
func chunkRange(lo, hi, chunk []uint64) (clo, chi []uint64) {
	clo = make([]uint64, len(lo))
	chi = make([]uint64, len(lo))
	for i := range lo {
		clo[i] = lo[i] / chunk[i]
		chi[i] = (hi[i]-1)/chunk[i] + 1
	}
	return clo, chi
}

// chunkBox returns the element box covered by the chunk at coords.
func chunkBox(coords, chunk []uint64) (lo, hi []uint64) {
	lo = make([]uint64, len(coords))
	hi = make([]uint64, len(coords))
	for i := range coords {
		lo[i] = coords[i] * chunk[i]
		hi[i] = lo[i] + chunk[i]
	}
	return lo, hi
}
