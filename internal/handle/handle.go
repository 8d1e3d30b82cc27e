// Package handle maps opaque handle IDs to open objects.
//
// Every entry carries two reference counts. Application references belong
// to the caller and are dropped by an explicit close. Internal references
// are held by the library while an operation is in flight, or while a
// freshly created object waits to be linked. An ID stops resolving for the
// caller once its application count reaches zero; the object itself is
// closed when both counts are zero.
package handle

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/agentic-research/strata/api"
	"github.com/sirupsen/logrus"
)

// ID is an opaque handle identifier. Zero is never issued.
type ID int64

// Object is an open object. Close runs once, when the last reference is
// dropped.
type Object interface {
	Kind() api.ObjectKind
	Close() error
}

type entry struct {
	obj      Object
	app      int
	internal int
}

func (e *entry) dead() bool { return e.app == 0 && e.internal == 0 }

// Table is a process-local handle table. It is safe for concurrent use;
// callers still own the ordering of refcount changes on any one handle.
type Table struct {
	log *logrus.Logger

	mu      sync.Mutex
	next    ID
	entries map[ID]*entry
}

// New returns an empty table.
func New(log *logrus.Logger) *Table {
	if log == nil {
		log = logrus.New()
	}
	return &Table{log: log, entries: make(map[ID]*entry)}
}

// Register adds obj with one application reference and, when internal is
// set, one internal reference as well.
func (t *Table) Register(obj Object, internal bool) ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	e := &entry{obj: obj, app: 1}
	if internal {
		e.internal = 1
	}
	t.entries[t.next] = e
	return t.next
}

func (t *Table) live(id ID, kinds []api.ObjectKind) (*entry, error) {
	e, ok := t.entries[id]
	if !ok || e.app == 0 {
		return nil, fmt.Errorf("handle %d: %w", id, api.ErrInvalidHandle)
	}
	if len(kinds) > 0 && !slices.Contains(kinds, e.obj.Kind()) {
		return nil, fmt.Errorf("handle %d is a %s: %w", id, e.obj.Kind(), api.ErrWrongKind)
	}
	return e, nil
}

// Get returns the object behind id. With kinds given, an object of any
// other kind is api.ErrWrongKind.
func (t *Table) Get(id ID, kinds ...api.ObjectKind) (Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.live(id, kinds)
	if err != nil {
		return nil, err
	}
	return e.obj, nil
}

// Acquire is Get plus an internal reference, so the object survives a
// concurrent close until the returned release runs.
func (t *Table) Acquire(id ID, kinds ...api.ObjectKind) (Object, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.live(id, kinds)
	if err != nil {
		return nil, nil, err
	}
	e.internal++
	var once sync.Once
	return e.obj, func() { once.Do(func() { _ = t.Release(id) }) }, nil
}

// IncRef adds an application reference and returns the new count.
func (t *Table) IncRef(id ID) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.live(id, nil)
	if err != nil {
		return 0, err
	}
	e.app++
	return e.app, nil
}

// DecRef drops an application reference. When no reference of either
// kind remains the object is closed and its error returned.
func (t *Table) DecRef(id ID) error {
	t.mu.Lock()
	e, err := t.live(id, nil)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	e.app--
	return t.maybeClose(id, e)
}

// Release drops an internal reference.
func (t *Table) Release(id ID) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.internal == 0 {
		t.mu.Unlock()
		return fmt.Errorf("handle %d holds no internal reference: %w", id, api.ErrInvalidHandle)
	}
	e.internal--
	return t.maybeClose(id, e)
}

// maybeClose is called with t.mu held and releases it. The close callback
// runs outside the lock so it may use the table.
func (t *Table) maybeClose(id ID, e *entry) error {
	if !e.dead() {
		t.mu.Unlock()
		return nil
	}
	delete(t.entries, id)
	t.mu.Unlock()
	if err := e.obj.Close(); err != nil {
		t.log.WithFields(logrus.Fields{"handle": id, "kind": e.obj.Kind()}).WithError(err).Warn("close callback failed")
		return fmt.Errorf("close %s handle %d: %w", e.obj.Kind(), id, err)
	}
	return nil
}

// Count returns the application and internal reference counts of id.
func (t *Table) Count(id ID) (app, internal int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, 0, fmt.Errorf("handle %d: %w", id, api.ErrInvalidHandle)
	}
	return e.app, e.internal, nil
}

// Len returns the number of objects still open, counting those kept alive
// only by internal references.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CloseAll closes every remaining object regardless of its counts, in
// reverse registration order, and joins their errors.
func (t *Table) CloseAll() error {
	t.mu.Lock()
	ids := make([]ID, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	slices.Reverse(ids)
	objs := make([]Object, len(ids))
	for i, id := range ids {
		objs[i] = t.entries[id].obj
		delete(t.entries, id)
	}
	t.mu.Unlock()

	var errs []error
	for i, obj := range objs {
		if err := obj.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s handle %d: %w", obj.Kind(), ids[i], err))
		}
	}
	return errors.Join(errs...)
}
