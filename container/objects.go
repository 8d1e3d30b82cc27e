package container

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/graph"
	"github.com/agentic-research/strata/internal/handle"
	"github.com/agentic-research/strata/internal/swmr"
	"github.com/sirupsen/logrus"
)

// fileObject is the handle of the file itself.
type fileObject struct {
	f *File
}

func (o *fileObject) Kind() api.ObjectKind { return api.KindFile }

// Close is a no-op; the file is released by CloseFile.
func (o *fileObject) Close() error { return nil }

// object is an open group or dataset.
type object struct {
	f    *File
	kind api.ObjectKind

	mu  sync.Mutex
	loc graph.Location
}

func (o *object) Kind() api.ObjectKind { return o.kind }

func (o *object) location() graph.Location {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loc
}

// named gives an object opened without a name the record of its first
// link.
func (o *object) named(rec graph.PathRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.loc.Record.Rooted {
		o.loc.Record = rec
	}
}

// Close runs the phases of closing an object in order: publish-side
// bookkeeping for the object, the open-count decrement, and reclamation
// of an object that is neither linked nor open any more.
func (o *object) Close() error {
	addr := o.location().Addr
	o.flushPending()
	if o.f.dropOpen(addr) > 0 || o.f.w == nil {
		return nil
	}
	return o.f.reclaimIfUnlinked(addr)
}

// flushPending hands staged changes to the background flusher. Objects
// buffer nothing of their own; everything they changed is already staged.
func (o *object) flushPending() {
	if o.f.flusher != nil && o.f.w.Dirty() {
		o.f.flusher.RequestFlush()
	}
}

// open registers an object handle and counts it against the header.
// internal keeps the object alive until the caller releases the internal
// reference, even if the application handle is closed first.
func (f *File) open(kind api.ObjectKind, loc graph.Location, internal bool) ID {
	f.mu.Lock()
	f.opens[loc.Addr]++
	f.mu.Unlock()
	return f.handles.Register(&object{f: f, kind: kind, loc: loc}, internal)
}

// dropOpen decrements the open count of addr and returns what remains.
func (f *File) dropOpen(addr graph.Addr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.opens[addr] - 1
	if n <= 0 {
		delete(f.opens, addr)
		return 0
	}
	f.opens[addr] = n
	return n
}

// openCount returns the number of handles open on addr in this process.
func (f *File) openCount(addr graph.Addr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[addr]
}

// reclaimIfUnlinked deletes the header at addr if nothing links to it.
func (f *File) reclaimIfUnlinked(addr graph.Addr) error {
	return f.update(func(tx *swmr.Tx) error {
		h, err := tx.Header(addr)
		if errors.Is(err, api.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if h.LinkCount > 0 || addr == f.root {
			return nil
		}
		return f.reclaim(tx, addr, map[graph.Addr]bool{})
	})
}

// reclaim deletes the header at addr and everything only it kept alive:
// the storage of a dataset, and for a group the targets of its links
// whose last link this was and that have no open handle.
func (f *File) reclaim(tx *swmr.Tx, addr graph.Addr, seen map[graph.Addr]bool) error {
	if seen[addr] {
		return nil
	}
	seen[addr] = true
	h, err := tx.Header(addr)
	if errors.Is(err, api.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	tx.Delete(addr)
	f.log.WithFields(logrus.Fields{"addr": addr, "kind": h.Kind}).Debug("object reclaimed")
	switch h.Kind {
	case graph.KindDataset:
		exts := make([]swmr.Extent, 0, len(h.Dataset.Chunks))
		for _, ref := range h.Dataset.Chunks {
			exts = append(exts, swmr.Extent{Off: ref.Off, Len: ref.Len})
		}
		tx.Retire(exts...)
	case graph.KindGroup:
		var targets []graph.Addr
		h.Group.Ascend(func(l graph.Link) bool {
			targets = append(targets, l.Target)
			return true
		})
		for _, t := range targets {
			if err := f.unref(tx, t, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// unref drops one link count from addr and reclaims it when that was the
// last link and no handle has it open.
func (f *File) unref(tx *swmr.Tx, addr graph.Addr, seen map[graph.Addr]bool) error {
	h, err := tx.Header(addr)
	if errors.Is(err, api.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	h = h.Clone()
	if h.LinkCount > 0 {
		h.LinkCount--
	}
	tx.Put(h)
	if h.LinkCount == 0 && addr != f.root && f.openCount(addr) == 0 {
		return f.reclaim(tx, addr, seen)
	}
	return nil
}

// addLink inserts name -> target into the group at parent and counts the
// link on target.
func addLink(tx *swmr.Tx, parent graph.Addr, name string, target graph.Addr) error {
	ph, err := tx.Header(parent)
	if err != nil {
		return err
	}
	if ph.Kind != graph.KindGroup {
		return fmt.Errorf("object %d is a %s, not a group: %w", parent, ph.Kind, api.ErrBadPath)
	}
	ph = ph.Clone()
	if _, err := ph.Group.Insert(name, target); err != nil {
		return err
	}
	tx.Put(ph)
	th, err := tx.Header(target)
	if err != nil {
		return err
	}
	th = th.Clone()
	th.LinkCount++
	tx.Put(th)
	return nil
}

// location returns the namespace location a handle names, holding an
// internal reference on it until release runs.
func (f *File) location(id ID) (graph.Location, func(), error) {
	obj, release, err := f.handles.Acquire(id, api.KindFile, api.KindGroup, api.KindDataset)
	if err != nil {
		return graph.Location{}, nil, err
	}
	switch o := obj.(type) {
	case *fileObject:
		return graph.Location{Addr: f.root, Record: graph.PathRecord{Rooted: true}}, release, nil
	case *object:
		return o.location(), release, nil
	default:
		release()
		return graph.Location{}, nil, fmt.Errorf("handle %d: %w", id, api.ErrInvalidHandle)
	}
}

// object returns the group or dataset behind id with an internal
// reference held until release runs. The file handle counts as the root
// group.
func (f *File) object(id ID, kind api.ObjectKind) (graph.Location, func(), error) {
	kinds := []api.ObjectKind{kind}
	if kind == api.KindGroup {
		kinds = append(kinds, api.KindFile)
	}
	if _, err := f.handles.Get(id, kinds...); err != nil {
		return graph.Location{}, nil, err
	}
	return f.location(id)
}

// header loads the header at loc from v and checks its kind.
func header(v graph.View, loc graph.Location, kind graph.Kind) (*graph.Header, error) {
	h, err := v.Header(loc.Addr)
	if err != nil {
		return nil, err
	}
	if h.Kind != kind {
		return nil, fmt.Errorf("object %d is a %s, not a %s: %w", loc.Addr, h.Kind, kind, api.ErrWrongKind)
	}
	return h, nil
}

func (f *File) objectInfo(h *graph.Header) api.ObjectInfo {
	return api.ObjectInfo{
		Addr:      uint64(h.Addr),
		Kind:      h.Kind.ObjectKind(),
		LinkCount: h.LinkCount,
		OpenCount: f.openCount(h.Addr),
	}
}

// ObjectInfo describes the object behind id.
func (f *File) ObjectInfo(id ID) (api.ObjectInfo, error) {
	loc, release, err := f.location(id)
	if err != nil {
		return api.ObjectInfo{}, err
	}
	defer release()
	var info api.ObjectInfo
	err = f.read(func(v graph.View) error {
		h, err := v.Header(loc.Addr)
		if err != nil {
			return err
		}
		info = f.objectInfo(h)
		return nil
	})
	return info, err
}

// Lookup describes the object at name relative to loc without opening it.
func (f *File) Lookup(loc ID, name string) (api.ObjectInfo, error) {
	start, release, err := f.location(loc)
	if err != nil {
		return api.ObjectInfo{}, err
	}
	defer release()
	p, err := graph.ParsePath(name)
	if err != nil {
		return api.ObjectInfo{}, err
	}
	var info api.ObjectInfo
	err = f.read(func(v graph.View) error {
		ol, err := graph.Resolve(v, start, p)
		if err != nil {
			return err
		}
		h, err := v.Header(ol.Addr)
		if err != nil {
			return err
		}
		info = f.objectInfo(h)
		return nil
	})
	return info, err
}

// GetName returns the absolute name the object behind id was opened by,
// checked against the file's current view. An object no longer reachable
// by that name, or opened without one, reports api.ErrNotFound.
func (f *File) GetName(id ID) (string, error) {
	loc, release, err := f.location(id)
	if err != nil {
		return "", err
	}
	defer release()
	var name string
	err = f.read(func(v graph.View) error {
		name, err = graph.NameOf(v, loc)
		return err
	})
	return name, err
}

// Close drops the caller's reference to id. The last close of a group or
// dataset releases it, and reclaims it if it is no longer linked.
func (f *File) Close(id ID) error {
	return f.handles.DecRef(id)
}

// IncRef adds a caller reference to id and returns the new count.
func (f *File) IncRef(id ID) (int, error) {
	return f.handles.IncRef(id)
}

// RefCount returns the caller's reference count on id.
func (f *File) RefCount(id ID) (int, error) {
	app, _, err := f.handles.Count(id)
	if err == nil && app == 0 {
		err = fmt.Errorf("handle %d: %w", id, api.ErrInvalidHandle)
	}
	return app, err
}

// OpenHandles returns the number of objects still open, the file included.
func (f *File) OpenHandles() int { return f.handles.Len() }

var _ handle.Object = (*object)(nil)
