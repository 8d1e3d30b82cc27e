package swmr

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// Retention tracks the checkpoint epochs pinned by in-process readers so
// the writer can tell how far behind the slowest reader is.
type Retention struct {
	mu     sync.Mutex
	pinned *roaring64.Bitmap
	counts map[uint64]int
	// changed is closed and replaced whenever a pin is dropped.
	changed chan struct{}
}

func NewRetention() *Retention {
	return &Retention{
		pinned:  roaring64.New(),
		counts:  make(map[uint64]int),
		changed: make(chan struct{}),
	}
}

// Pin records a reader at epoch seq.
func (r *Retention) Pin(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[seq]++
	r.pinned.Add(seq)
}

// Unpin drops one reader at epoch seq.
func (r *Retention) Unpin(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unpinLocked(seq)
}

func (r *Retention) unpinLocked(seq uint64) {
	n, ok := r.counts[seq]
	if !ok {
		return
	}
	if n <= 1 {
		delete(r.counts, seq)
		r.pinned.Remove(seq)
	} else {
		r.counts[seq] = n - 1
	}
	close(r.changed)
	r.changed = make(chan struct{})
}

// Move re-pins one reader from epoch from to epoch to.
func (r *Retention) Move(from, to uint64) {
	if from == to {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[to]++
	r.pinned.Add(to)
	r.unpinLocked(from)
}

// Oldest returns the lowest pinned epoch.
func (r *Retention) Oldest() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pinned.IsEmpty() {
		return 0, false
	}
	return r.pinned.Minimum(), true
}

// Readers returns the number of pinned readers.
func (r *Retention) Readers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.counts {
		n += c
	}
	return n
}

// WaitWithin blocks until every pinned reader is at most maxLag
// checkpoints behind seq, or ctx is done.
func (r *Retention) WaitWithin(ctx context.Context, seq, maxLag uint64) error {
	for {
		r.mu.Lock()
		ok := r.pinned.IsEmpty() || seq <= maxLag || r.pinned.Minimum() >= seq-maxLag
		changed := r.changed
		r.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for lagging readers: %w", ctx.Err())
		}
	}
}
