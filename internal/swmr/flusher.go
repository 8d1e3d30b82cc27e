package swmr

import (
	"context"
	"sync"
	"time"
)

// Flusher publishes the writer's staged state in the background.
//
// Every staged mutation would otherwise cost one checkpoint. The
// coalescing goroutine instead publishes at most once per tick, so N
// mutations inside one interval produce a single checkpoint. Callers that
// need durability now use FlushNow.
type Flusher struct {
	w *Writer

	mu       sync.Mutex
	dirty    bool
	flushErr error // last flush error, readable via LastError()
	tick     *time.Ticker
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  bool
}

// NewFlusher creates a flusher for w. Call Start to begin the coalescing
// goroutine and Close to stop it with a final flush.
func NewFlusher(w *Writer) *Flusher {
	return &Flusher{w: w}
}

// Start begins the coalescing goroutine that flushes at most once per
// interval when dirty. Safe to call multiple times.
func (f *Flusher) Start(interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tick != nil || f.stopped {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.tick = time.NewTicker(interval)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.coalesceLoop(ctx)
}

func (f *Flusher) coalesceLoop(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-f.tick.C:
			f.mu.Lock()
			dirty := f.dirty || f.w.Dirty()
			f.dirty = false
			f.mu.Unlock()
			if !dirty {
				continue
			}
			if _, err := f.w.Flush(ctx); err != nil {
				f.mu.Lock()
				f.flushErr = err
				f.dirty = true
				f.mu.Unlock()
				if ctx.Err() == nil {
					f.w.cfg.Logger.WithError(err).Warn("background flush failed")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// RequestFlush marks the flusher dirty. The coalescing goroutine flushes
// on the next tick. Non-blocking.
func (f *Flusher) RequestFlush() {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
}

// FlushNow performs a synchronous flush.
func (f *Flusher) FlushNow(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	f.dirty = false
	f.mu.Unlock()
	return f.w.Flush(ctx)
}

// LastError returns the last error from the coalescing goroutine.
func (f *Flusher) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushErr
}

// Close stops the coalescing goroutine and flushes anything still staged.
func (f *Flusher) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	if f.tick != nil {
		f.tick.Stop()
		f.cancel()
	}
	done := f.done
	f.mu.Unlock()

	if done != nil {
		<-done
	}
	_, err := f.w.Flush(ctx)
	return err
}
