// Package swmr implements single-writer/multiple-reader publication of
// container metadata. The writer stages header changes and publishes
// them as numbered checkpoints; readers observe exactly one checkpoint
// at a time and never see a partially written structure.
package swmr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/control"
	"github.com/agentic-research/strata/internal/graph"
	"github.com/agentic-research/strata/internal/metrics"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// State is the writer's publication state.
type State int32

const (
	Idle State = iota
	Staging
	Publishing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Staging:
		return "staging"
	case Publishing:
		return "publishing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrClosed is returned by operations on a closed writer or reader.
var ErrClosed = errors.New("swmr: closed")

// Config is shared by writers and readers.
type Config struct {
	Backend storage.Backend
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	// Control, when set, receives every published sequence.
	Control *control.Controller
	// Name identifies the container in the control block.
	Name      string
	MaxLag    uint64
	LagPolicy api.LagPolicy
	// HeaderCacheSize bounds the disk reader's decoded header cache.
	HeaderCacheSize int
}

const defaultHeaderCacheSize = 4096

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.LagPolicy == "" {
		c.LagPolicy = api.LagFail
	}
	if c.HeaderCacheSize <= 0 {
		c.HeaderCacheSize = defaultHeaderCacheSize
	}
}

// Writer is the single writer of a container.
type Writer struct {
	cfg Config
	id  uuid.UUID

	mu          sync.Mutex
	work        *graph.Table
	staged      map[graph.Addr]bool // false marks a staged delete
	root        graph.Addr
	nextAddr    graph.Addr
	alloc       allocator
	pendingFree []Extent
	active      uint8
	// repair forces the superblock header to be rewritten before the next
	// slot write, after an uncertain flip or a fallback on open.
	repair bool
	closed bool

	state     atomic.Int32
	nstaged   atomic.Int64
	published atomic.Pointer[Checkpoint]
	retention *Retention
}

func newWriter(cfg Config) *Writer {
	cfg.setDefaults()
	return &Writer{
		cfg:       cfg,
		staged:    make(map[graph.Addr]bool),
		alloc:     allocator{eof: SuperblockSize, maxLag: cfg.MaxLag},
		retention: NewRetention(),
	}
}

// Create lays out a new container on cfg.Backend with an empty root
// group and publishes it as checkpoint 1.
func Create(ctx context.Context, cfg Config, rootProps api.GroupCreateProps) (*Writer, error) {
	w := newWriter(cfg)
	w.id = uuid.New()
	if err := initSuperblock(w.cfg.Backend); err != nil {
		return nil, err
	}
	// Slot 1 is "active" so the first publication lands in slot 0.
	w.active = 1
	if err := writeSuperblock(w.cfg.Backend, Superblock{Version: FormatVersion, Active: w.active, ID: w.id}); err != nil {
		return nil, err
	}
	w.published.Store(&Checkpoint{
		Slot:    w.active,
		extents: newExtentIndex(),
		headers: graph.NewTable(),
	})
	w.work = graph.NewTable()
	w.nextAddr = 1

	w.root = w.nextAddr
	w.nextAddr++
	root := graph.NewGroupHeader(w.root, rootProps)
	// The superblock holds the root's only link.
	root.LinkCount = 1
	w.work.Put(root)
	w.staged[w.root] = true

	if err := w.bindControl(); err != nil {
		return nil, err
	}
	if _, err := w.Flush(ctx); err != nil {
		return nil, err
	}
	w.cfg.Logger.WithFields(logrus.Fields{"id": w.id, "name": w.cfg.Name}).Info("container created")
	return w, nil
}

// Open resumes writing an existing container.
func Open(ctx context.Context, cfg Config) (*Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := newWriter(cfg)
	sb, c, fellBack, err := openCheckpoint(w.cfg.Backend, w.cfg.Logger, true)
	if err != nil {
		return nil, err
	}
	if fellBack {
		w.cfg.Metrics.Fallback()
	}
	w.id = sb.ID
	w.active = c.Slot
	w.repair = fellBack || sb.Active != c.Slot || sb.Seq != c.Seq
	w.alloc.eof = c.EOF
	w.alloc.free = append([]FreedExtent(nil), c.free...)
	w.work = c.headers.Clone()
	w.root = c.Root
	w.nextAddr = c.NextAddr
	w.published.Store(c)
	w.cfg.Metrics.Published(c.Seq)

	if err := w.bindControl(); err != nil {
		return nil, err
	}
	if w.cfg.Control != nil {
		if err := w.cfg.Control.Announce(c.Seq, c.EOF); err != nil {
			w.cfg.Logger.WithError(err).Warn("control block announce failed")
		}
	}
	w.cfg.Logger.WithFields(logrus.Fields{
		"id":      w.id,
		"seq":     c.Seq,
		"headers": c.Headers(),
	}).Info("container opened for writing")
	return w, nil
}

func (w *Writer) bindControl() error {
	if w.cfg.Control == nil {
		return nil
	}
	if err := w.cfg.Control.Bind(w.id, w.cfg.Name); err != nil {
		return fmt.Errorf("bind control block: %w", err)
	}
	return nil
}

// ID returns the container identity.
func (w *Writer) ID() uuid.UUID { return w.id }

// Root returns the root group address.
func (w *Writer) Root() graph.Addr { return w.root }

// State returns the current publication state.
func (w *Writer) State() State { return State(w.state.Load()) }

// Dirty reports whether anything is staged.
func (w *Writer) Dirty() bool { return w.nstaged.Load() > 0 }

// Published returns the newest published checkpoint.
func (w *Writer) Published() *Checkpoint { return w.published.Load() }

// Retention returns the tracker of in-process reader epochs.
func (w *Writer) Retention() *Retention { return w.retention }

// Backend returns the storage back-end.
func (w *Writer) Backend() storage.Backend { return w.cfg.Backend }

// Config returns the writer's configuration.
func (w *Writer) Config() Config { return w.cfg }

// FreeBytes returns the space currently retained on the free list.
func (w *Writer) FreeBytes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alloc.freeBytes()
}

// Read runs fn against the writer's staged view.
func (w *Writer) Read(fn func(v graph.View) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return fn(graph.StaticView{Table: w.work, RootAddr: w.root})
}

// Update runs fn as one staged mutation. Changes made through the Tx
// reach the staging log only if fn returns nil; otherwise every header
// change and allocation it made is discarded.
func (w *Writer) Update(fn func(tx *Tx) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	tx := &Tx{
		w:        w,
		puts:     make(map[graph.Addr]*graph.Header),
		dels:     make(map[graph.Addr]bool),
		nextAddr: w.nextAddr,
		mark:     w.alloc.mark(),
	}
	if err := fn(tx); err != nil {
		w.alloc.rollback(tx.mark)
		return err
	}
	for addr, h := range tx.puts {
		w.work.Put(h)
		w.staged[addr] = true
	}
	for addr := range tx.dels {
		w.work.Delete(addr)
		w.staged[addr] = false
	}
	w.nextAddr = tx.nextAddr
	w.pendingFree = append(w.pendingFree, tx.retired...)
	if len(w.staged) > 0 {
		w.state.Store(int32(Staging))
	}
	w.nstaged.Store(int64(len(w.staged)))
	w.cfg.Metrics.Staged(len(w.staged))
	return nil
}

// Flush publishes the staged state as a new checkpoint and returns the
// newest published sequence. With nothing staged it is a no-op. On
// failure the previous checkpoint stays authoritative and the staged
// state is kept for a retry.
func (w *Writer) Flush(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

func (w *Writer) flushLocked(ctx context.Context) (uint64, error) {
	pub := w.published.Load()
	if len(w.staged) == 0 && len(w.pendingFree) == 0 {
		return pub.Seq, nil
	}
	seq := pub.Seq + 1
	if w.cfg.LagPolicy == api.LagBlock && w.cfg.MaxLag > 0 {
		if err := w.retention.WaitWithin(ctx, seq, w.cfg.MaxLag); err != nil {
			return pub.Seq, err
		}
	}
	if err := ctx.Err(); err != nil {
		return pub.Seq, err
	}

	w.state.Store(int32(Publishing))
	start := time.Now()
	staged := len(w.staged)
	mark := w.alloc.mark()
	c, err := w.publish(pub, seq)
	if err != nil {
		w.alloc.rollback(mark)
		w.state.Store(int32(Staging))
		w.cfg.Metrics.FlushFailed()
		w.cfg.Logger.WithFields(logrus.Fields{
			"seq":    seq,
			"staged": staged,
		}).WithError(err).Warn("checkpoint publication failed")
		return pub.Seq, fmt.Errorf("publish checkpoint %d: %w", seq, err)
	}

	w.published.Store(c)
	clear(w.staged)
	w.pendingFree = nil
	w.nstaged.Store(0)
	w.state.Store(int32(Idle))

	if w.cfg.Control != nil {
		if err := w.cfg.Control.Announce(c.Seq, c.EOF); err != nil {
			w.cfg.Logger.WithError(err).Warn("control block announce failed")
		}
	}
	took := time.Since(start)
	w.cfg.Metrics.FlushDone(c.Seq, took)
	w.cfg.Logger.WithFields(logrus.Fields{
		"seq":      c.Seq,
		"staged":   staged,
		"eof":      c.EOF,
		"duration": took,
	}).Debug("checkpoint published")
	return c.Seq, nil
}

// publish writes checkpoint seq. Nothing it writes is referenced by any
// checkpoint until the superblock flip at the end.
func (w *Writer) publish(pub *Checkpoint, seq uint64) (*Checkpoint, error) {
	b := w.cfg.Backend
	if w.repair {
		if err := writeSuperblock(b, Superblock{Version: FormatVersion, Active: w.active, Seq: pub.Seq, ID: w.id}); err != nil {
			return nil, err
		}
		if err := b.Sync(); err != nil {
			return nil, err
		}
		w.repair = false
	}

	extents := pub.extents.Clone()
	freed := append([]Extent(nil), w.pendingFree...)
	addrs := make([]graph.Addr, 0, len(w.staged))
	for addr := range w.staged {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	for _, addr := range addrs {
		if old, ok := extents.Get(indexEntry{Addr: addr}); ok {
			freed = append(freed, old.Ext)
		}
		if !w.staged[addr] {
			extents.Delete(indexEntry{Addr: addr})
			continue
		}
		h, ok := w.work.Get(addr)
		if !ok {
			return nil, fmt.Errorf("staged header %d missing: %w", addr, api.ErrInconsistent)
		}
		h.Modified = seq
		data, err := graph.EncodeHeader(h)
		if err != nil {
			return nil, err
		}
		ext := w.alloc.alloc(uint64(len(data)), seq)
		if err := b.WriteAt(ext.Off, data); err != nil {
			return nil, err
		}
		extents.ReplaceOrInsert(indexEntry{Addr: addr, Ext: ext, Ver: seq})
	}
	if pub.index.Len > 0 {
		freed = append(freed, pub.index)
	}
	w.alloc.release(seq, freed...)

	c := &Checkpoint{
		Seq:      seq,
		Root:     w.root,
		NextAddr: w.nextAddr,
		Slot:     1 - w.active,
		extents:  extents,
		headers:  w.work.Clone(),
	}
	blob, err := w.placeIndex(c)
	if err != nil {
		return nil, err
	}
	if err := b.WriteAt(c.index.Off, blob); err != nil {
		return nil, err
	}
	if err := writeRecord(b, c.Slot, c.record(blake3.Sum256(blob))); err != nil {
		return nil, err
	}
	if err := b.Sync(); err != nil {
		return nil, err
	}

	// The flip. Once the header write has been attempted the on-disk
	// active slot is uncertain until a sync succeeds.
	w.repair = true
	if err := writeSuperblock(b, Superblock{Version: FormatVersion, Active: c.Slot, Seq: seq, ID: w.id}); err != nil {
		return nil, err
	}
	if err := b.Sync(); err != nil {
		return nil, err
	}
	w.repair = false
	w.active = c.Slot
	return c, nil
}

// indexSlack is the headroom reserved for the index blob growing when its
// own allocation splits a free extent.
const indexSlack = 64

// placeIndex allocates the index blob of c and returns it zero-padded to
// its extent. The blob records the free list as it stands after its own
// allocation, so it is encoded once to size the reservation and again
// after it.
func (w *Writer) placeIndex(c *Checkpoint) ([]byte, error) {
	c.free = w.alloc.free
	sized, err := encodeIndex(c)
	if err != nil {
		return nil, err
	}
	c.index = w.alloc.alloc(uint64(len(sized))+indexSlack, c.Seq)
	c.free = append([]FreedExtent(nil), w.alloc.free...)
	blob, err := encodeIndex(c)
	if err != nil {
		return nil, err
	}
	if uint64(len(blob)) > c.index.Len {
		// Cannot happen with sane slack; fresh space leaves the free list
		// as encoded.
		w.alloc.release(c.Seq, c.index)
		c.free = append([]FreedExtent(nil), w.alloc.free...)
		if blob, err = encodeIndex(c); err != nil {
			return nil, err
		}
		c.index = w.alloc.bump(uint64(len(blob)))
	}
	c.EOF = w.alloc.eof
	padded := make([]byte, c.index.Len)
	copy(padded, blob)
	return padded, nil
}

// NewReader returns an in-process reader positioned at the newest
// published checkpoint.
func (w *Writer) NewReader() *Reader {
	return newReader(w.cfg, &writerSource{w: w})
}

// Close publishes anything staged and closes the writer. The back-end
// stays open; it belongs to the caller.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	_, err := w.flushLocked(ctx)
	w.closed = true
	return err
}

// Tx is one staged mutation; see Writer.Update. A Tx implements
// graph.View over the staged state plus its own changes.
type Tx struct {
	w        *Writer
	puts     map[graph.Addr]*graph.Header
	dels     map[graph.Addr]bool
	nextAddr graph.Addr
	mark     allocMark
	retired  []Extent
}

func (tx *Tx) Root() graph.Addr { return tx.w.root }

func (tx *Tx) Header(addr graph.Addr) (*graph.Header, error) {
	if tx.dels[addr] {
		return nil, fmt.Errorf("object header %d: %w", addr, api.ErrNotFound)
	}
	if h, ok := tx.puts[addr]; ok {
		return h, nil
	}
	if h, ok := tx.w.work.Get(addr); ok {
		return h, nil
	}
	return nil, fmt.Errorf("object header %d: %w", addr, api.ErrNotFound)
}

// NewAddr assigns a fresh header address.
func (tx *Tx) NewAddr() graph.Addr {
	a := tx.nextAddr
	tx.nextAddr++
	return a
}

// Put stages h. h must not be shared with any published checkpoint.
func (tx *Tx) Put(h *graph.Header) {
	delete(tx.dels, h.Addr)
	tx.puts[h.Addr] = h
}

// Delete stages the removal of the header at addr.
func (tx *Tx) Delete(addr graph.Addr) {
	delete(tx.puts, addr)
	tx.dels[addr] = true
}

// Alloc reserves n bytes of data space for the pending checkpoint.
func (tx *Tx) Alloc(n uint64) Extent {
	return tx.w.alloc.alloc(n, tx.Seq())
}

// Retire hands space that the pending checkpoint no longer references
// to the retention machinery.
func (tx *Tx) Retire(exts ...Extent) {
	tx.retired = append(tx.retired, exts...)
}

// Seq returns the sequence the staged state will be published as.
func (tx *Tx) Seq() uint64 { return tx.w.published.Load().Seq + 1 }

// Backend returns the storage back-end for data writes.
func (tx *Tx) Backend() storage.Backend { return tx.w.cfg.Backend }
