package swmr

import (
	"errors"
	"fmt"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/codec"
	"github.com/agentic-research/strata/internal/graph"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Extent is a byte range of the data region.
type Extent struct {
	Off uint64 `cbor:"1,keyasint"`
	Len uint64 `cbor:"2,keyasint"`
}

// End returns the first offset past the extent.
func (e Extent) End() uint64 { return e.Off + e.Len }

// FreedExtent is space no longer referenced as of checkpoint Seq. It is
// still referenced by every earlier checkpoint.
type FreedExtent struct {
	Extent
	Seq uint64 `cbor:"3,keyasint"`
}

type indexEntry struct {
	Addr graph.Addr `cbor:"1,keyasint"`
	Ext  Extent     `cbor:"2,keyasint"`
	// Ver is the sequence that wrote this version of the header.
	Ver uint64 `cbor:"3,keyasint"`
}

type indexBlob struct {
	Seq      uint64        `cbor:"1,keyasint"`
	Root     graph.Addr    `cbor:"2,keyasint"`
	NextAddr graph.Addr    `cbor:"3,keyasint"`
	Headers  []indexEntry  `cbor:"4,keyasint"`
	Free     []FreedExtent `cbor:"5,keyasint"`
}

const extentDegree = 32

func newExtentIndex() *btree.BTreeG[indexEntry] {
	return btree.NewG(extentDegree, func(a, b indexEntry) bool { return a.Addr < b.Addr })
}

// Checkpoint is one published, immutable state of the container.
type Checkpoint struct {
	Seq      uint64
	Root     graph.Addr
	NextAddr graph.Addr
	EOF      uint64
	// Slot is the superblock slot holding this checkpoint's record.
	Slot uint8

	index   Extent
	extents *btree.BTreeG[indexEntry]
	free    []FreedExtent
	// headers is the full header table, present for checkpoints built or
	// loaded by the writer. Disk readers load headers lazily instead.
	headers *graph.Table
}

// HeaderExtent returns where the header at addr is stored and the
// sequence that wrote it.
func (c *Checkpoint) HeaderExtent(addr graph.Addr) (Extent, uint64, bool) {
	e, ok := c.extents.Get(indexEntry{Addr: addr})
	return e.Ext, e.Ver, ok
}

// Headers returns the number of object headers in the checkpoint.
func (c *Checkpoint) Headers() int { return c.extents.Len() }

// Addrs visits every header address in ascending order.
func (c *Checkpoint) Addrs(fn func(graph.Addr) bool) {
	c.extents.Ascend(func(e indexEntry) bool { return fn(e.Addr) })
}

// Free returns the retained free list.
func (c *Checkpoint) Free() []FreedExtent { return c.free }

// IndexExtent returns the location of the index blob.
func (c *Checkpoint) IndexExtent() Extent { return c.index }

// Table returns the in-memory header table, or nil if headers are loaded
// lazily.
func (c *Checkpoint) Table() *graph.Table { return c.headers }

func (c *Checkpoint) record(digest [32]byte) Record {
	return Record{
		Seq:      c.Seq,
		Root:     c.Root,
		NextAddr: c.NextAddr,
		EOF:      c.EOF,
		Index:    c.index,
		Digest:   digest,
	}
}

func encodeIndex(c *Checkpoint) ([]byte, error) {
	blob := indexBlob{
		Seq:      c.Seq,
		Root:     c.Root,
		NextAddr: c.NextAddr,
		Headers:  make([]indexEntry, 0, c.extents.Len()),
		Free:     c.free,
	}
	c.extents.Ascend(func(e indexEntry) bool {
		blob.Headers = append(blob.Headers, e)
		return true
	})
	return codec.Marshal(blob)
}

// loadCheckpoint reads the checkpoint in slot i and validates its record
// checksum, index digest and index contents. When withHeaders is set it
// also loads and decodes every header.
func loadCheckpoint(b storage.Backend, i uint8, withHeaders bool) (*Checkpoint, error) {
	rec, err := ReadRecord(b, i)
	if err != nil {
		return nil, err
	}
	if rec.Index.Off < SuperblockSize || rec.Index.End() > rec.EOF {
		return nil, fmt.Errorf("slot %d: index extent %+v outside data region: %w", i, rec.Index, api.ErrInconsistent)
	}
	raw, err := b.ReadAt(rec.Index.Off, rec.Index.Len)
	if err != nil {
		return nil, fmt.Errorf("slot %d: read index: %w", i, err)
	}
	if blake3.Sum256(raw) != rec.Digest {
		return nil, fmt.Errorf("slot %d: index digest mismatch: %w", i, api.ErrInconsistent)
	}
	var blob indexBlob
	if err := codec.UnmarshalPadded(raw, &blob); err != nil {
		return nil, fmt.Errorf("slot %d: decode index: %v: %w", i, err, api.ErrInconsistent)
	}
	if blob.Seq != rec.Seq || blob.Root != rec.Root || blob.NextAddr != rec.NextAddr {
		return nil, fmt.Errorf("slot %d: index does not match record: %w", i, api.ErrInconsistent)
	}

	c := &Checkpoint{
		Seq:      rec.Seq,
		Root:     rec.Root,
		NextAddr: rec.NextAddr,
		EOF:      rec.EOF,
		Slot:     i,
		index:    rec.Index,
		extents:  newExtentIndex(),
		free:     blob.Free,
	}
	for _, e := range blob.Headers {
		if e.Addr == graph.Undefined || e.Addr >= c.NextAddr || e.Ver > c.Seq || e.Ext.Off < SuperblockSize || e.Ext.End() > c.EOF {
			return nil, fmt.Errorf("slot %d: bad index entry %+v: %w", i, e, api.ErrInconsistent)
		}
		c.extents.ReplaceOrInsert(e)
	}
	if _, ok := c.extents.Get(indexEntry{Addr: c.Root}); !ok {
		return nil, fmt.Errorf("slot %d: root header %d missing: %w", i, c.Root, api.ErrInconsistent)
	}

	if withHeaders {
		c.headers = graph.NewTable()
		var loadErr error
		c.extents.Ascend(func(e indexEntry) bool {
			var h *graph.Header
			h, loadErr = readHeader(b, e)
			if loadErr != nil {
				return false
			}
			c.headers.Put(h)
			return true
		})
		if loadErr != nil {
			return nil, fmt.Errorf("slot %d: %w", i, loadErr)
		}
	}
	return c, nil
}

func readHeader(b storage.Backend, e indexEntry) (*graph.Header, error) {
	raw, err := b.ReadAt(e.Ext.Off, e.Ext.Len)
	if err != nil {
		return nil, fmt.Errorf("read header %d: %w", e.Addr, err)
	}
	h, err := graph.DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.Addr != e.Addr || h.Modified != e.Ver {
		return nil, fmt.Errorf("header %d version %d: found header %d version %d: %w",
			e.Addr, e.Ver, h.Addr, h.Modified, api.ErrInconsistent)
	}
	return h, nil
}

// openCheckpoint picks the newest valid checkpoint: the active slot, or
// the other slot when the active one does not validate. It reports
// whether it fell back.
func openCheckpoint(b storage.Backend, log *logrus.Logger, withHeaders bool) (Superblock, *Checkpoint, bool, error) {
	sb, err := ReadSuperblock(b)
	if err != nil {
		return Superblock{}, nil, false, err
	}
	c, activeErr := loadCheckpoint(b, sb.Active, withHeaders)
	if activeErr == nil {
		return sb, c, false, nil
	}
	other := 1 - sb.Active
	c, otherErr := loadCheckpoint(b, other, withHeaders)
	if otherErr != nil {
		err := errors.Join(activeErr, otherErr)
		if !errors.Is(err, api.ErrInconsistent) {
			return Superblock{}, nil, false, err
		}
		return Superblock{}, nil, false, fmt.Errorf("no valid checkpoint: %w", err)
	}
	log.WithFields(logrus.Fields{
		"active_slot": sb.Active,
		"fallback":    other,
		"seq":         c.Seq,
		"error":       activeErr,
	}).Warn("active checkpoint invalid, using fallback slot")
	return sb, c, true, nil
}
