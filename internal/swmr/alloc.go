package swmr

import (
	"cmp"
	"slices"
)

// allocator hands out space in the data region. Fresh space comes from
// the end of file; freed space is reused only once no reader that may
// still be served could reference it.
type allocator struct {
	eof  uint64
	free []FreedExtent
	// maxLag is the retention window; zero disables reuse.
	maxLag uint64
}

type allocMark struct {
	eof  uint64
	free []FreedExtent
}

func (a *allocator) mark() allocMark {
	return allocMark{eof: a.eof, free: append([]FreedExtent(nil), a.free...)}
}

func (a *allocator) rollback(m allocMark) {
	a.eof = m.eof
	a.free = m.free
}

// reusable reports whether space freed at freedSeq may back checkpoint
// seq. Space freed at freedSeq is referenced by checkpoints before it,
// so it must be older than both the fallback checkpoint (seq-1) and
// every reader inside the lag window.
func (a *allocator) reusable(freedSeq, seq uint64) bool {
	return a.maxLag > 0 && freedSeq < seq && seq-freedSeq > a.maxLag
}

// alloc returns n bytes of space for checkpoint seq.
func (a *allocator) alloc(n, seq uint64) Extent {
	for i, f := range a.free {
		if f.Len < n || !a.reusable(f.Seq, seq) {
			continue
		}
		ext := Extent{Off: f.Off, Len: n}
		if f.Len == n {
			a.free = append(a.free[:i:i], a.free[i+1:]...)
		} else {
			a.free[i].Off += n
			a.free[i].Len -= n
		}
		return ext
	}
	return a.bump(n)
}

// bump returns n bytes of fresh space at the end of file.
func (a *allocator) bump(n uint64) Extent {
	ext := Extent{Off: a.eof, Len: n}
	a.eof += n
	return ext
}

// release records space no longer referenced as of checkpoint seq. With
// reuse disabled the space is simply retained forever. Adjacent extents
// merge; the merged extent carries the later sequence.
func (a *allocator) release(seq uint64, exts ...Extent) {
	if a.maxLag == 0 {
		return
	}
	free := append([]FreedExtent(nil), a.free...)
	for _, e := range exts {
		if e.Len == 0 {
			continue
		}
		free = append(free, FreedExtent{Extent: e, Seq: seq})
	}
	slices.SortFunc(free, func(x, y FreedExtent) int { return cmp.Compare(x.Off, y.Off) })
	merged := free[:0]
	for _, f := range free {
		if n := len(merged); n > 0 && merged[n-1].End() == f.Off {
			merged[n-1].Len += f.Len
			merged[n-1].Seq = max(merged[n-1].Seq, f.Seq)
			continue
		}
		merged = append(merged, f)
	}
	a.free = merged
}

// freeBytes returns the total retained free space.
func (a *allocator) freeBytes() uint64 {
	var n uint64
	for _, f := range a.free {
		n += f.Len
	}
	return n
}
