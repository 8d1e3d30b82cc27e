// Package container is the public face of a strata container: a
// hierarchy of groups and chunked datasets with one writer and any number
// of readers.
//
// Every object is reached through a handle ID. The file itself has one
// (File.ID), and it names the root group wherever a location is
// expected. Writer mutations are staged and become visible to readers at
// the next published checkpoint; a reader sees exactly one checkpoint
// until it refreshes.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/chunk"
	"github.com/agentic-research/strata/internal/control"
	"github.com/agentic-research/strata/internal/graph"
	"github.com/agentic-research/strata/internal/handle"
	"github.com/agentic-research/strata/internal/metrics"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/agentic-research/strata/internal/swmr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ID is an opaque handle identifier.
type ID = handle.ID

// Options configures Create and Open.
type Options struct {
	Access api.AccessProps
	// Root configures the root group of a new container.
	Root api.GroupCreateProps
	// Name identifies the container in the control block.
	Name   string
	Logger *logrus.Logger
	// Registerer receives the container's metrics. Nil keeps them private.
	Registerer prometheus.Registerer
	// HeaderCacheSize bounds a separate-process reader's header cache.
	HeaderCacheSize int
	// ChunkCacheSize bounds the decoded chunk cache.
	ChunkCacheSize int
	// CloseBackend makes CloseFile close the storage back-end.
	CloseBackend bool
}

// File is an open container, either the writer or a reader.
type File struct {
	opts    Options
	log     *logrus.Logger
	metrics *metrics.Metrics
	backend storage.Backend
	ctl     *control.Controller
	chunks  *chunk.Store
	handles *handle.Table
	root    graph.Addr
	id      ID

	// Exactly one of w and r is set.
	w       *swmr.Writer
	flusher *swmr.Flusher
	r       *swmr.Reader

	mu     sync.Mutex
	opens  map[graph.Addr]int
	closed bool
}

func newFile(b storage.Backend, opts Options) (*File, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Access.LagPolicy == "" {
		opts.Access.LagPolicy = api.LagFail
	}
	m := metrics.New(opts.Registerer)
	chunks, err := chunk.New(b, chunk.Config{Logger: opts.Logger, Metrics: m, CacheSize: opts.ChunkCacheSize})
	if err != nil {
		if opts.CloseBackend {
			err = errors.Join(err, b.Close())
		}
		return nil, err
	}
	f := &File{
		opts:    opts,
		log:     opts.Logger,
		metrics: m,
		backend: b,
		chunks:  chunks,
		handles: handle.New(opts.Logger),
		opens:   make(map[graph.Addr]int),
	}
	if opts.Access.ControlPath != "" {
		ctl, err := control.OpenOrCreate(opts.Access.ControlPath)
		if err != nil {
			return nil, f.abort(fmt.Errorf("control block: %w", err))
		}
		f.ctl = ctl
	}
	return f, nil
}

func (f *File) swmrConfig() swmr.Config {
	return swmr.Config{
		Backend:         f.backend,
		Logger:          f.log,
		Metrics:         f.metrics,
		Control:         f.ctl,
		Name:            f.opts.Name,
		MaxLag:          f.opts.Access.MaxLag,
		LagPolicy:       f.opts.Access.LagPolicy,
		HeaderCacheSize: f.opts.HeaderCacheSize,
	}
}

// abort releases what newFile acquired when opening fails.
func (f *File) abort(err error) error {
	if f.ctl != nil {
		err = errors.Join(err, f.ctl.Close())
	}
	if f.opts.CloseBackend {
		err = errors.Join(err, f.backend.Close())
	}
	return err
}

// Create lays out a new container on b and opens it for writing.
func Create(ctx context.Context, b storage.Backend, opts Options) (*File, error) {
	if opts.Access.ReadOnly {
		return nil, fmt.Errorf("create read-only: %w", api.ErrInvalidArgument)
	}
	f, err := newFile(b, opts)
	if err != nil {
		return nil, err
	}
	w, err := swmr.Create(ctx, f.swmrConfig(), opts.Root)
	if err != nil {
		return nil, f.abort(err)
	}
	f.startWriter(w)
	return f, nil
}

// Open opens an existing container on b, as a reader when
// opts.Access.ReadOnly is set and as the writer otherwise.
func Open(ctx context.Context, b storage.Backend, opts Options) (*File, error) {
	f, err := newFile(b, opts)
	if err != nil {
		return nil, err
	}
	if opts.Access.ReadOnly {
		r, err := swmr.OpenReader(ctx, f.swmrConfig())
		if err != nil {
			return nil, f.abort(err)
		}
		f.r = r
		f.root = r.Checkpoint().Root
		f.id = f.handles.Register(&fileObject{f: f}, false)
		return f, nil
	}
	w, err := swmr.Open(ctx, f.swmrConfig())
	if err != nil {
		return nil, f.abort(err)
	}
	f.startWriter(w)
	return f, nil
}

// CreatePath creates a container file at path on the local filesystem.
func CreatePath(ctx context.Context, path string, opts Options) (*File, error) {
	b, err := storage.OpenOS(path, true, false)
	if err != nil {
		return nil, err
	}
	opts.CloseBackend = true
	return Create(ctx, b, opts)
}

// OpenPath opens a container file at path on the local filesystem.
func OpenPath(ctx context.Context, path string, opts Options) (*File, error) {
	b, err := storage.OpenOS(path, false, opts.Access.ReadOnly)
	if err != nil {
		return nil, err
	}
	opts.CloseBackend = true
	return Open(ctx, b, opts)
}

func (f *File) startWriter(w *swmr.Writer) {
	f.w = w
	f.root = w.Root()
	f.id = f.handles.Register(&fileObject{f: f}, false)
	if f.opts.Access.SWMR && f.opts.Access.FlushInterval > 0 {
		f.flusher = swmr.NewFlusher(w)
		f.flusher.Start(f.opts.Access.FlushInterval)
	}
}

// NewReader opens an in-process reader positioned at the writer's newest
// published checkpoint. The reader has its own handle table and must be
// closed with CloseFile before the writer.
func (f *File) NewReader() (*File, error) {
	if f.w == nil {
		return nil, fmt.Errorf("new reader: %w", api.ErrReadOnly)
	}
	r := &File{
		opts:    f.opts,
		log:     f.log,
		metrics: f.metrics,
		backend: f.backend,
		chunks:  f.chunks,
		handles: handle.New(f.log),
		root:    f.root,
		r:       f.w.NewReader(),
		opens:   make(map[graph.Addr]int),
	}
	r.opts.Access.ReadOnly = true
	r.opts.CloseBackend = false
	r.id = r.handles.Register(&fileObject{f: r}, false)
	return r, nil
}

// ID returns the handle of the file. As a location it names the root
// group.
func (f *File) ID() ID { return f.id }

// ReadOnly reports whether f is a reader.
func (f *File) ReadOnly() bool { return f.w == nil }

// Metrics returns the file's metrics.
func (f *File) Metrics() *metrics.Metrics { return f.metrics }

// Epoch returns the checkpoint the file observes: the reader's epoch, or
// the writer's newest published checkpoint.
func (f *File) Epoch() uint64 {
	if f.r != nil {
		return f.r.Epoch()
	}
	return f.w.Published().Seq
}

// Dirty reports whether the writer has staged changes not yet published.
func (f *File) Dirty() bool { return f.w != nil && f.w.Dirty() }

// Flush publishes the writer's staged changes as a new checkpoint and
// returns its sequence.
func (f *File) Flush(ctx context.Context) (uint64, error) {
	if f.w == nil {
		return 0, fmt.Errorf("flush: %w", api.ErrReadOnly)
	}
	if f.flusher != nil {
		return f.flusher.FlushNow(ctx)
	}
	return f.w.Flush(ctx)
}

// Refresh moves a reader to the newest published checkpoint and reports
// whether its epoch advanced. It never waits for the writer. For the
// writer it is a no-op.
func (f *File) Refresh(ctx context.Context) (bool, error) {
	if f.r == nil {
		return false, nil
	}
	return f.r.Refresh(ctx)
}

// CloseFile closes every handle still open, publishes anything staged and
// releases the file. It is safe to call more than once.
func (f *File) CloseFile(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	errs := []error{f.handles.CloseAll()}
	switch {
	case f.flusher != nil:
		errs = append(errs, f.flusher.Close(ctx), f.w.Close(ctx))
	case f.w != nil:
		errs = append(errs, f.w.Close(ctx))
	default:
		errs = append(errs, f.r.Close())
	}
	if f.ctl != nil {
		errs = append(errs, f.ctl.Close())
	}
	if f.opts.CloseBackend {
		errs = append(errs, f.backend.Close())
	}
	err := errors.Join(errs...)
	fields := logrus.Fields{"epoch": f.Epoch(), "read_only": f.ReadOnly()}
	if err != nil {
		f.log.WithFields(fields).WithError(err).Warn("container closed with errors")
		return err
	}
	f.log.WithFields(fields).Debug("container closed")
	return nil
}

// read runs fn against the namespace the file observes. Readers first
// check that their epoch has not gone stale.
func (f *File) read(fn func(v graph.View) error) error {
	if f.w != nil {
		return f.w.Read(fn)
	}
	if err := f.r.Check(); err != nil {
		return err
	}
	return f.readErr(fn(f.r.View()))
}

// readErr turns validation failures of a lagging reader into staleness:
// the space it reads may already hold newer data.
func (f *File) readErr(err error) error {
	if err == nil || f.r == nil {
		return err
	}
	if errors.Is(err, api.ErrInconsistent) || errors.Is(err, storage.ErrShortRead) {
		if serr := f.r.Check(); serr != nil {
			return serr
		}
	}
	return err
}

// update stages fn as one atomic mutation.
func (f *File) update(fn func(tx *swmr.Tx) error) error {
	if f.w == nil {
		return api.ErrReadOnly
	}
	if err := f.w.Update(fn); err != nil {
		return err
	}
	if f.flusher != nil {
		f.flusher.RequestFlush()
	}
	return nil
}
