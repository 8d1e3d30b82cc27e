package storage

import (
	"errors"
	"sync"
)

// ErrInjected is the failure Faulty produces.
var ErrInjected = errors.New("injected storage fault")

// Faulty wraps a Backend and fails selected operations. It is used to
// exercise crash and partial-write paths.
type Faulty struct {
	Backend

	mu        sync.Mutex
	failWrite func(off uint64, n int) bool
	failSync  bool
	writes    int
}

// NewFaulty wraps b with no faults armed.
func NewFaulty(b Backend) *Faulty { return &Faulty{Backend: b} }

// FailWrites arms a predicate checked before every write. A nil
// predicate disarms it.
func (f *Faulty) FailWrites(pred func(off uint64, n int) bool) {
	f.mu.Lock()
	f.failWrite = pred
	f.mu.Unlock()
}

// FailWritesAfter lets n more writes through and fails the rest.
func (f *Faulty) FailWritesAfter(n int) {
	f.mu.Lock()
	left := n
	f.failWrite = func(uint64, int) bool {
		if left > 0 {
			left--
			return false
		}
		return true
	}
	f.mu.Unlock()
}

// FailSync makes Sync fail while set.
func (f *Faulty) FailSync(fail bool) {
	f.mu.Lock()
	f.failSync = fail
	f.mu.Unlock()
}

// Heal disarms every fault.
func (f *Faulty) Heal() {
	f.mu.Lock()
	f.failWrite = nil
	f.failSync = false
	f.mu.Unlock()
}

// Writes returns the number of successful writes.
func (f *Faulty) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *Faulty) WriteAt(off uint64, data []byte) error {
	f.mu.Lock()
	fail := f.failWrite != nil && f.failWrite(off, len(data))
	f.mu.Unlock()
	if fail {
		return ioErr("write", off, ErrInjected)
	}
	if err := f.Backend.WriteAt(off, data); err != nil {
		return err
	}
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return nil
}

func (f *Faulty) Sync() error {
	f.mu.Lock()
	fail := f.failSync
	f.mu.Unlock()
	if fail {
		return ioErr("sync", 0, ErrInjected)
	}
	return f.Backend.Sync()
}
