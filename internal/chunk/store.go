// Package chunk reads and writes the chunked storage of extensible
// datasets. Chunk records live in the dataset's header; this package
// turns region reads and writes into whole-chunk I/O and back.
package chunk

import (
	"context"
	"fmt"
	"runtime"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/graph"
	"github.com/agentic-research/strata/internal/metrics"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/agentic-research/strata/internal/swmr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
)

// Allocator hands out space for chunk writes and takes back space the
// pending checkpoint no longer references. *swmr.Tx implements it.
type Allocator interface {
	Alloc(n uint64) swmr.Extent
	Retire(exts ...swmr.Extent)
}

// Config configures a Store.
type Config struct {
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	// CacheSize bounds the number of decoded chunks kept in memory.
	CacheSize int
	// Concurrency bounds parallel chunk I/O within one operation.
	Concurrency int
}

const defaultCacheSize = 256

type cacheKey struct {
	off, len, sum uint64
	codec         api.Filter
}

// Store performs chunk I/O against one storage back-end. It is safe for
// concurrent use by the writer and any number of readers.
type Store struct {
	cfg   Config
	b     storage.Backend
	cache *lru.Cache[cacheKey, []byte]
}

// New returns a Store over b.
func New(b storage.Backend, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	cache, err := lru.New[cacheKey, []byte](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("chunk cache: %w", err)
	}
	return &Store{cfg: cfg, b: b, cache: cache}, nil
}

// load returns the decoded chunk at coords, or nil if the chunk was never
// written. The result is shared with the cache and must not be modified.
func (s *Store) load(d *graph.DatasetMessage, coords []uint64) ([]byte, error) {
	ref, ok := d.Chunks[graph.ChunkKey(coords)]
	if !ok {
		return nil, nil
	}
	key := cacheKey{off: ref.Off, len: ref.Len, sum: ref.Sum, codec: ref.Codec}
	if data, ok := s.cache.Get(key); ok {
		s.cfg.Metrics.CacheHit("chunk", true)
		return data, nil
	}
	s.cfg.Metrics.CacheHit("chunk", false)
	stored, err := s.b.ReadAt(ref.Off, ref.Len)
	if err != nil {
		return nil, fmt.Errorf("chunk %v: %w", coords, err)
	}
	if sum := xxh3.Hash(stored); sum != ref.Sum {
		return nil, fmt.Errorf("chunk %v: checksum %016x, want %016x: %w", coords, sum, ref.Sum, api.ErrInconsistent)
	}
	data, err := Decode(ref.Codec, stored, int(d.ChunkBytes()))
	if err != nil {
		return nil, fmt.Errorf("chunk %v: %w", coords, err)
	}
	s.cache.Add(key, data)
	return data, nil
}

// ReadRegion returns the elements of slab in row-major order.
// Unwritten chunks read as zero.
func (s *Store) ReadRegion(ctx context.Context, d *graph.DatasetMessage, slab Slab) ([]byte, error) {
	if err := slab.Within(d.Dims); err != nil {
		return nil, err
	}
	elem := uint64(d.ElemSize)
	out := make([]byte, slab.Elements()*elem)
	if slab.Empty() {
		return out, nil
	}
	dst := buffer{data: out, origin: slab.Start, shape: slab.Count}
	lo, hi := slab.Start, slab.End()
	clo, chi := chunkRange(lo, hi, d.Chunk)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	_ = each(clo, chi, func(at []uint64) error {
		coords := append([]uint64(nil), at...)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := s.load(d, coords)
			if err != nil || data == nil {
				return err
			}
			blo, bhi := chunkBox(coords, d.Chunk)
			ilo, ihi, _ := intersect(lo, hi, blo, bhi)
			// Chunks cover disjoint parts of out.
			copyBox(dst, buffer{data: data, origin: blo, shape: d.Chunk}, ilo, ihi, elem)
			return nil
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// pending is one chunk being rewritten.
type pending struct {
	key    string
	stored []byte
	codec  api.Filter
	ext    swmr.Extent
}

// WriteRegion writes data, the row-major elements of slab, into the
// chunks of d. Chunks partially covered by slab are read, merged and
// rewritten; every rewritten chunk goes to fresh space. d is updated
// only after every chunk write has succeeded; on failure it is left
// untouched and the caller must discard the allocations.
func (s *Store) WriteRegion(ctx context.Context, alloc Allocator, d *graph.DatasetMessage, slab Slab, data []byte) error {
	if err := slab.Within(d.Dims); err != nil {
		return err
	}
	elem := uint64(d.ElemSize)
	if uint64(len(data)) != slab.Elements()*elem {
		return fmt.Errorf("region of %d elements needs %d bytes, got %d: %w", slab.Elements(), slab.Elements()*elem, len(data), api.ErrInvalidArgument)
	}
	if slab.Empty() {
		return nil
	}
	src := buffer{data: data, origin: slab.Start, shape: slab.Count}
	lo, hi := slab.Start, slab.End()
	clo, chi := chunkRange(lo, hi, d.Chunk)

	var coords [][]uint64
	_ = each(clo, chi, func(at []uint64) error {
		coords = append(coords, append([]uint64(nil), at...))
		return nil
	})
	chunks := make([]pending, len(coords))

	// Merge and encode.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, c := range coords {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			blo, bhi := chunkBox(c, d.Chunk)
			ilo, ihi, _ := intersect(lo, hi, blo, bhi)
			raw := make([]byte, d.ChunkBytes())
			if !covers(ilo, ihi, blo, bhi) {
				old, err := s.load(d, c)
				if err != nil {
					return err
				}
				copy(raw, old)
			}
			copyBox(buffer{data: raw, origin: blo, shape: d.Chunk}, src, ilo, ihi, elem)
			stored, codec, err := Encode(d.Filter, raw)
			if err != nil {
				return err
			}
			chunks[i] = pending{key: graph.ChunkKey(c), stored: stored, codec: codec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.commit(ctx, alloc, d, chunks)
}

// commit allocates space for every pending chunk, writes them all and
// then records them in d.
func (s *Store) commit(ctx context.Context, alloc Allocator, d *graph.DatasetMessage, chunks []pending) error {
	for i := range chunks {
		chunks[i].ext = alloc.Alloc(uint64(len(chunks[i].stored)))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, p := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := s.b.WriteAt(p.ext.Off, p.stored); err != nil {
				return fmt.Errorf("write chunk %s: %w", p.key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.cfg.Logger.WithError(err).WithField("chunks", len(chunks)).Debug("chunk write failed")
		return err
	}

	var retired []swmr.Extent
	for _, p := range chunks {
		if old, ok := d.Chunks[p.key]; ok {
			retired = append(retired, swmr.Extent{Off: old.Off, Len: old.Len})
		}
		d.Chunks[p.key] = graph.ChunkRef{Off: p.ext.Off, Len: p.ext.Len, Sum: xxh3.Hash(p.stored), Codec: p.codec}
	}
	alloc.Retire(retired...)
	return nil
}

// covers reports whether [lo, hi) contains the whole box [blo, bhi).
func covers(lo, hi, blo, bhi []uint64) bool {
	for i := range lo {
		if lo[i] > blo[i] || hi[i] < bhi[i] {
			return false
		}
	}
	return true
}

// Extend changes the extent of d to dims. Each dimension must stay within
// its maximum. When a dimension shrinks, chunks wholly outside the new
// extent are dropped and the cut-off part of straddling chunks is
// rewritten as zero, so growing again exposes fill values and not old
// data. As with WriteRegion, d changes only on success.
func (s *Store) Extend(ctx context.Context, alloc Allocator, d *graph.DatasetMessage, dims []uint64) error {
	if len(dims) != d.Rank() {
		return fmt.Errorf("new rank %d != dataset rank %d: %w", len(dims), d.Rank(), api.ErrInvalidArgument)
	}
	shrunk := false
	for i, n := range dims {
		if d.MaxDims[i] != api.Unlimited && n > d.MaxDims[i] {
			return fmt.Errorf("dimension %d: extent %d > max %d: %w", i, n, d.MaxDims[i], api.ErrExtentExceeded)
		}
		if n < d.Dims[i] {
			shrunk = true
		}
	}
	if !shrunk {
		copy(d.Dims, dims)
		return nil
	}

	var (
		dropped []string
		partial [][]uint64
	)
	for key := range d.Chunks {
		coords, err := graph.ParseChunkKey(key)
		if err != nil {
			return err
		}
		blo, bhi := chunkBox(coords, d.Chunk)
		outside, straddles := false, false
		for i := range dims {
			if blo[i] >= dims[i] {
				outside = true
				break
			}
			if dims[i] < d.Dims[i] && bhi[i] > dims[i] {
				straddles = true
			}
		}
		switch {
		case outside:
			dropped = append(dropped, key)
		case straddles:
			partial = append(partial, coords)
		}
	}

	elem := uint64(d.ElemSize)
	chunks := make([]pending, len(partial))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, c := range partial {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			old, err := s.load(d, c)
			if err != nil {
				return err
			}
			raw := append([]byte(nil), old...)
			blo, bhi := chunkBox(c, d.Chunk)
			buf := buffer{data: raw, origin: blo, shape: d.Chunk}
			for dim := range dims {
				if dims[dim] >= bhi[dim] {
					continue
				}
				zlo := append([]uint64(nil), blo...)
				zlo[dim] = dims[dim]
				zeroBox(buf, zlo, bhi, elem)
			}
			stored, codec, err := Encode(d.Filter, raw)
			if err != nil {
				return err
			}
			chunks[i] = pending{key: graph.ChunkKey(c), stored: stored, codec: codec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.commit(ctx, alloc, d, chunks); err != nil {
		return err
	}

	retired := make([]swmr.Extent, 0, len(dropped))
	for _, key := range dropped {
		old := d.Chunks[key]
		retired = append(retired, swmr.Extent{Off: old.Off, Len: old.Len})
		delete(d.Chunks, key)
	}
	alloc.Retire(retired...)
	copy(d.Dims, dims)
	s.cfg.Logger.WithFields(logrus.Fields{
		"dims":      dims,
		"dropped":   len(dropped),
		"rewritten": len(partial),
	}).Debug("dataset shrunk")
	return nil
}
