package swmr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/graph"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// source supplies checkpoints to a Reader.
type source interface {
	// newest returns the newest checkpoint available to the reader.
	newest(ctx context.Context) (*Checkpoint, error)
	// newestSeq returns the newest published sequence without loading it.
	newestSeq() (uint64, error)
	view(c *Checkpoint) graph.View
	retention() *Retention
	backend() storage.Backend
}

// Reader observes one checkpoint at a time. Its epoch only moves
// forward, and only through Refresh.
type Reader struct {
	cfg    Config
	src    source
	cur    atomic.Pointer[Checkpoint]
	mu     sync.Mutex // serialises Refresh and Close
	closed bool
}

func newReader(cfg Config, src source) *Reader {
	cfg.setDefaults()
	r := &Reader{cfg: cfg, src: src}
	c, _ := src.newest(context.Background())
	r.adopt(nil, c)
	return r
}

func (r *Reader) adopt(old, c *Checkpoint) {
	if ret := r.src.retention(); ret != nil {
		if old == nil {
			ret.Pin(c.Seq)
		} else {
			ret.Move(old.Seq, c.Seq)
		}
	}
	r.cur.Store(c)
}

// Epoch returns the sequence of the checkpoint the reader observes.
func (r *Reader) Epoch() uint64 { return r.cur.Load().Seq }

// Checkpoint returns the observed checkpoint.
func (r *Reader) Checkpoint() *Checkpoint { return r.cur.Load() }

// View returns a namespace view of the observed checkpoint.
func (r *Reader) View() graph.View { return r.src.view(r.cur.Load()) }

// ViewOf returns a namespace view of c, a checkpoint this reader observed.
func (r *Reader) ViewOf(c *Checkpoint) graph.View { return r.src.view(c) }

// Backend returns the storage back-end for data reads.
func (r *Reader) Backend() storage.Backend { return r.src.backend() }

// Refresh adopts the newest published checkpoint. It never blocks on the
// writer and reports whether the epoch advanced.
func (r *Reader) Refresh(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrClosed
	}
	cur := r.cur.Load()
	c, err := r.src.newest(ctx)
	if err != nil {
		return false, err
	}
	if c.Seq <= cur.Seq {
		return false, nil
	}
	r.adopt(cur, c)
	r.cfg.Metrics.Refreshed()
	r.cfg.Logger.WithFields(logrus.Fields{"from": cur.Seq, "to": c.Seq}).Debug("reader refreshed")
	return true, nil
}

// Lag returns how many checkpoints the reader is behind the writer.
func (r *Reader) Lag() (uint64, error) {
	seq, err := r.src.newestSeq()
	if err != nil {
		return 0, err
	}
	epoch := r.Epoch()
	if seq <= epoch {
		return 0, nil
	}
	return seq - epoch, nil
}

// Check fails with api.ErrStale when the space the reader's checkpoint
// references may already have been reused. Blocking policy protects
// in-process readers, so they are never stale.
func (r *Reader) Check() error {
	if r.cfg.MaxLag == 0 {
		return nil
	}
	if r.cfg.LagPolicy == api.LagBlock && r.src.retention() != nil {
		return nil
	}
	lag, err := r.Lag()
	if err != nil {
		return err
	}
	if lag > r.cfg.MaxLag {
		r.cfg.Metrics.Stale()
		return fmt.Errorf("reader at checkpoint %d is %d behind (max %d): %w", r.Epoch(), lag, r.cfg.MaxLag, api.ErrStale)
	}
	return nil
}

// Close releases the reader's pin.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if ret := r.src.retention(); ret != nil {
		ret.Unpin(r.cur.Load().Seq)
	}
	return nil
}

type writerSource struct {
	w *Writer
}

func (s *writerSource) newest(context.Context) (*Checkpoint, error) {
	return s.w.published.Load(), nil
}

func (s *writerSource) newestSeq() (uint64, error) {
	return s.w.published.Load().Seq, nil
}

func (s *writerSource) view(c *Checkpoint) graph.View {
	return graph.StaticView{Table: c.headers, RootAddr: c.Root}
}

func (s *writerSource) retention() *Retention   { return s.w.retention }
func (s *writerSource) backend() storage.Backend { return s.w.cfg.Backend }

type headerKey struct {
	addr graph.Addr
	ver  uint64
}

// diskSource loads checkpoints from storage for readers in another
// process than the writer.
type diskSource struct {
	cfg   Config
	id    uuid.UUID
	cache *lru.Cache[headerKey, *graph.Header]

	mu   sync.Mutex
	last *Checkpoint
}

const loadAttempts = 3

// OpenReader opens a container read-only and positions a reader at its
// newest valid checkpoint.
func OpenReader(ctx context.Context, cfg Config) (*Reader, error) {
	cfg.setDefaults()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sb, c, fellBack, err := openCheckpoint(cfg.Backend, cfg.Logger, false)
	if err != nil {
		return nil, err
	}
	if fellBack {
		cfg.Metrics.Fallback()
	}
	cache, err := lru.New[headerKey, *graph.Header](cfg.HeaderCacheSize)
	if err != nil {
		return nil, fmt.Errorf("header cache: %w", err)
	}
	src := &diskSource{cfg: cfg, id: sb.ID, cache: cache, last: c}
	cfg.Logger.WithFields(logrus.Fields{"id": sb.ID, "seq": c.Seq}).Debug("container opened for reading")
	return newReader(cfg, src), nil
}

func (s *diskSource) newestSeq() (uint64, error) {
	if ctl := s.cfg.Control; ctl != nil && ctl.ContainerID() == s.id {
		return ctl.Generation(), nil
	}
	sb, err := ReadSuperblock(s.cfg.Backend)
	if err != nil {
		return 0, err
	}
	return sb.Seq, nil
}

// newest loads the active checkpoint if it is newer than the last one.
// The writer may rewrite a slot while it is being read; that shows up as
// a validation failure and the load is retried from the superblock.
func (s *diskSource) newest(ctx context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.newestSeq()
	if err != nil {
		return nil, err
	}
	if seq <= s.last.Seq {
		return s.last, nil
	}
	var lastErr error
	for i := 0; i < loadAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sb, err := ReadSuperblock(s.cfg.Backend)
		if err != nil {
			lastErr = err
			continue
		}
		if sb.Seq <= s.last.Seq {
			return s.last, nil
		}
		c, err := loadCheckpoint(s.cfg.Backend, sb.Active, false)
		if err != nil {
			lastErr = err
			continue
		}
		if c.Seq > s.last.Seq {
			s.last = c
		}
		return s.last, nil
	}
	return nil, fmt.Errorf("load newest checkpoint: %w", lastErr)
}

func (s *diskSource) view(c *Checkpoint) graph.View { return &diskView{src: s, c: c} }

func (s *diskSource) retention() *Retention   { return nil }
func (s *diskSource) backend() storage.Backend { return s.cfg.Backend }

// diskView resolves headers of one checkpoint through the shared cache.
type diskView struct {
	src *diskSource
	c   *Checkpoint
}

func (v *diskView) Root() graph.Addr { return v.c.Root }

func (v *diskView) Header(addr graph.Addr) (*graph.Header, error) {
	ext, ver, ok := v.c.HeaderExtent(addr)
	if !ok {
		return nil, fmt.Errorf("object header %d: %w", addr, api.ErrNotFound)
	}
	key := headerKey{addr: addr, ver: ver}
	if h, ok := v.src.cache.Get(key); ok {
		v.src.cfg.Metrics.CacheHit("header", true)
		return h, nil
	}
	v.src.cfg.Metrics.CacheHit("header", false)
	h, err := readHeader(v.src.cfg.Backend, indexEntry{Addr: addr, Ext: ext, Ver: ver})
	if err != nil {
		if errors.Is(err, api.ErrInconsistent) || errors.Is(err, storage.ErrShortRead) {
			// Space reused under a lagging reader looks like corruption.
			if seq, serr := v.src.newestSeq(); serr == nil && v.src.cfg.MaxLag > 0 && seq > v.c.Seq && seq-v.c.Seq > v.src.cfg.MaxLag {
				return nil, fmt.Errorf("header %d of checkpoint %d: %w", addr, v.c.Seq, api.ErrStale)
			}
		}
		return nil, err
	}
	v.src.cache.Add(key, h)
	return h, nil
}
