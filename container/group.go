package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/graph"
	"github.com/agentic-research/strata/internal/swmr"
	"github.com/sirupsen/logrus"
)

// intermediate returns a CreateFunc that links a new default group for
// every missing component.
func intermediate(tx *swmr.Tx) graph.CreateFunc {
	return func(parent graph.Location, name string) (graph.Location, error) {
		h := graph.NewGroupHeader(tx.NewAddr(), api.GroupCreateProps{})
		tx.Put(h)
		if err := addLink(tx, parent.Addr, name, h.Addr); err != nil {
			return graph.Location{}, err
		}
		return graph.Location{Addr: h.Addr, Record: parent.Record.Append(parent.Addr, name)}, nil
	}
}

// create makes a new object with build and links it at name relative to
// locID, all in one staged mutation. The handle exists while the object
// is still unlinked, so it carries an internal reference until linking
// has been staged.
func (f *File) create(locID ID, name string, lcpl api.LinkCreateProps, kind api.ObjectKind, build func(graph.Addr) *graph.Header) (ID, error) {
	start, release, err := f.location(locID)
	if err != nil {
		return 0, err
	}
	defer release()
	p, err := graph.ParsePath(name)
	if err != nil {
		return 0, err
	}

	var id ID
	err = f.update(func(tx *swmr.Tx) error {
		var mk graph.CreateFunc
		if lcpl.IntermediateGroups {
			mk = intermediate(tx)
		}
		parent, base, err := graph.ResolveParent(tx, start, p, mk)
		if err != nil {
			return err
		}
		h := build(tx.NewAddr())
		tx.Put(h)
		id = f.open(kind, graph.Location{Addr: h.Addr, Record: parent.Record.Append(parent.Addr, base)}, true)
		return addLink(tx, parent.Addr, base, h.Addr)
	})
	if id == 0 {
		return 0, err
	}
	if err != nil {
		// Nothing was staged; dropping both references only forgets the handle.
		return 0, errors.Join(err, f.handles.DecRef(id), f.handles.Release(id))
	}
	if rerr := f.handles.Release(id); rerr != nil {
		return 0, rerr
	}
	f.log.WithFields(logrus.Fields{"name": p.String(), "kind": kind}).Debug("object created")
	return id, nil
}

// CreateGroup creates a group at name relative to loc and returns an open
// handle to it. With lcpl.IntermediateGroups, missing groups along the
// path are created too; otherwise a missing component is api.ErrNotFound.
func (f *File) CreateGroup(loc ID, name string, lcpl api.LinkCreateProps, gcpl api.GroupCreateProps) (ID, error) {
	return f.create(loc, name, lcpl, api.KindGroup, func(addr graph.Addr) *graph.Header {
		return graph.NewGroupHeader(addr, gcpl)
	})
}

// CreateGroupAnon creates a group with no name. It is reclaimed when its
// last handle closes unless Link gave it one first.
func (f *File) CreateGroupAnon(loc ID, gcpl api.GroupCreateProps) (ID, error) {
	_, release, err := f.location(loc)
	if err != nil {
		return 0, err
	}
	defer release()
	var id ID
	err = f.update(func(tx *swmr.Tx) error {
		h := graph.NewGroupHeader(tx.NewAddr(), gcpl)
		tx.Put(h)
		id = f.open(api.KindGroup, graph.Location{Addr: h.Addr}, false)
		return nil
	})
	return id, err
}

// Link gives the open object obj the name name relative to loc.
func (f *File) Link(obj ID, loc ID, name string, lcpl api.LinkCreateProps) error {
	o, err := f.handles.Get(obj, api.KindGroup, api.KindDataset)
	if err != nil {
		return err
	}
	target := o.(*object)
	start, release, err := f.location(loc)
	if err != nil {
		return err
	}
	defer release()
	p, err := graph.ParsePath(name)
	if err != nil {
		return err
	}
	var rec graph.PathRecord
	err = f.update(func(tx *swmr.Tx) error {
		var mk graph.CreateFunc
		if lcpl.IntermediateGroups {
			mk = intermediate(tx)
		}
		parent, base, err := graph.ResolveParent(tx, start, p, mk)
		if err != nil {
			return err
		}
		rec = parent.Record.Append(parent.Addr, base)
		return addLink(tx, parent.Addr, base, target.location().Addr)
	})
	if err != nil {
		return err
	}
	target.named(rec)
	return nil
}

// HardLink adds the name newName (relative to newLoc) for the object
// named curName (relative to curLoc).
func (f *File) HardLink(curLoc ID, curName string, newLoc ID, newName string, lcpl api.LinkCreateProps) error {
	cur, releaseCur, err := f.location(curLoc)
	if err != nil {
		return err
	}
	defer releaseCur()
	dst, releaseDst, err := f.location(newLoc)
	if err != nil {
		return err
	}
	defer releaseDst()
	cp, err := graph.ParsePath(curName)
	if err != nil {
		return err
	}
	np, err := graph.ParsePath(newName)
	if err != nil {
		return err
	}
	return f.update(func(tx *swmr.Tx) error {
		target, err := graph.Resolve(tx, cur, cp)
		if err != nil {
			return err
		}
		var mk graph.CreateFunc
		if lcpl.IntermediateGroups {
			mk = intermediate(tx)
		}
		parent, base, err := graph.ResolveParent(tx, dst, np, mk)
		if err != nil {
			return err
		}
		return addLink(tx, parent.Addr, base, target.Addr)
	})
}

// Unlink removes the link name relative to loc. An object losing its
// last link is reclaimed now, or at its last close if it is open.
func (f *File) Unlink(loc ID, name string) error {
	start, release, err := f.location(loc)
	if err != nil {
		return err
	}
	defer release()
	p, err := graph.ParsePath(name)
	if err != nil {
		return err
	}
	return f.update(func(tx *swmr.Tx) error {
		parent, base, err := graph.ResolveParent(tx, start, p, nil)
		if err != nil {
			return err
		}
		ph, err := tx.Header(parent.Addr)
		if err != nil {
			return err
		}
		ph = ph.Clone()
		l, err := ph.Group.Remove(base)
		if err != nil {
			return err
		}
		tx.Put(ph)
		return f.unref(tx, l.Target, map[graph.Addr]bool{})
	})
}

// resolve finds name relative to the location behind locID in the file's
// current view and checks the header kind.
func (f *File) resolve(locID ID, name string, kind graph.Kind) (graph.Location, *graph.Header, error) {
	start, release, err := f.location(locID)
	if err != nil {
		return graph.Location{}, nil, err
	}
	defer release()
	p, err := graph.ParsePath(name)
	if err != nil {
		return graph.Location{}, nil, err
	}
	var (
		loc graph.Location
		h   *graph.Header
	)
	err = f.read(func(v graph.View) error {
		var err error
		if loc, err = graph.Resolve(v, start, p); err != nil {
			return err
		}
		h, err = header(v, loc, kind)
		return err
	})
	return loc, h, err
}

// OpenGroup opens the group at name relative to loc.
func (f *File) OpenGroup(loc ID, name string) (ID, error) {
	gl, _, err := f.resolve(loc, name, graph.KindGroup)
	if err != nil {
		return 0, err
	}
	return f.open(api.KindGroup, gl, false), nil
}

// byIdx resolves the n-th link of the group at groupName under the given
// index and order. The target must be a group.
func (f *File) byIdx(locID ID, groupName string, kind api.IndexKind, order api.IterOrder, n int) (graph.Location, *graph.Header, error) {
	start, release, err := f.location(locID)
	if err != nil {
		return graph.Location{}, nil, err
	}
	defer release()
	p, err := graph.ParsePath(groupName)
	if err != nil {
		return graph.Location{}, nil, err
	}
	var (
		loc graph.Location
		h   *graph.Header
	)
	err = f.read(func(v graph.View) error {
		gl, err := graph.Resolve(v, start, p)
		if err != nil {
			return err
		}
		gh, err := header(v, gl, graph.KindGroup)
		if err != nil {
			return err
		}
		l, err := gh.Group.ByIndex(kind, order, n)
		if err != nil {
			return err
		}
		loc = graph.Location{Addr: l.Target, Record: gl.Record.Append(gl.Addr, l.Name)}
		h, err = header(v, loc, graph.KindGroup)
		return err
	})
	return loc, h, err
}

// OpenGroupByIdx opens the n-th member of the group at groupName
// (relative to loc), counting under the given index and order.
func (f *File) OpenGroupByIdx(loc ID, groupName string, kind api.IndexKind, order api.IterOrder, n int) (ID, error) {
	gl, _, err := f.byIdx(loc, groupName, kind, order, n)
	if err != nil {
		return 0, err
	}
	return f.open(api.KindGroup, gl, false), nil
}

// GetInfo describes the group behind id.
func (f *File) GetInfo(id ID) (api.GroupInfo, error) {
	h, err := f.groupHeader(id)
	if err != nil {
		return api.GroupInfo{}, err
	}
	return h.Group.Info(), nil
}

// GetInfoByName describes the group at name relative to loc.
func (f *File) GetInfoByName(loc ID, name string) (api.GroupInfo, error) {
	_, h, err := f.resolve(loc, name, graph.KindGroup)
	if err != nil {
		return api.GroupInfo{}, err
	}
	return h.Group.Info(), nil
}

// GetInfoByIdx describes the n-th member group of the group at groupName.
func (f *File) GetInfoByIdx(loc ID, groupName string, kind api.IndexKind, order api.IterOrder, n int) (api.GroupInfo, error) {
	_, h, err := f.byIdx(loc, groupName, kind, order, n)
	if err != nil {
		return api.GroupInfo{}, err
	}
	return h.Group.Info(), nil
}

// GetCreatePlist returns the creation properties of the group behind id.
func (f *File) GetCreatePlist(id ID) (api.GroupCreateProps, error) {
	h, err := f.groupHeader(id)
	if err != nil {
		return api.GroupCreateProps{}, err
	}
	return h.Group.Props, nil
}

func (f *File) groupHeader(id ID) (*graph.Header, error) {
	loc, release, err := f.object(id, api.KindGroup)
	if err != nil {
		return nil, err
	}
	defer release()
	var h *graph.Header
	err = f.read(func(v graph.View) error {
		h, err = header(v, loc, graph.KindGroup)
		return err
	})
	return h, err
}

// Member is one link of a group as reported by List.
type Member struct {
	Name   string
	Kind   api.ObjectKind
	Addr   uint64
	Corder int64
}

// List returns the links of the group at name relative to loc, in
// increasing order of the given index.
func (f *File) List(loc ID, name string, kind api.IndexKind) ([]Member, error) {
	start, release, err := f.location(loc)
	if err != nil {
		return nil, err
	}
	defer release()
	p, err := graph.ParsePath(name)
	if err != nil {
		return nil, err
	}
	var out []Member
	err = f.read(func(v graph.View) error {
		gl, err := graph.Resolve(v, start, p)
		if err != nil {
			return err
		}
		gh, err := header(v, gl, graph.KindGroup)
		if err != nil {
			return err
		}
		out = make([]Member, 0, gh.Group.Len())
		for i := range gh.Group.Len() {
			l, err := gh.Group.ByIndex(kind, api.OrderInc, i)
			if err != nil {
				return err
			}
			th, err := v.Header(l.Target)
			if err != nil {
				return err
			}
			out = append(out, Member{Name: l.Name, Kind: th.Kind.ObjectKind(), Addr: uint64(l.Target), Corder: l.Corder})
		}
		return nil
	})
	return out, err
}

// FlushObject publishes the writer's staged changes. Objects stage every
// change as it is made, so flushing one object flushes the container.
func (f *File) FlushObject(ctx context.Context, id ID) error {
	if _, err := f.handles.Get(id); err != nil {
		return err
	}
	if _, err := f.Flush(ctx); err != nil {
		return fmt.Errorf("flush object %d: %w", id, err)
	}
	return nil
}

// RefreshObject brings the object behind id up to the newest published
// checkpoint. A reader's objects share its epoch, so this refreshes the
// reader.
func (f *File) RefreshObject(ctx context.Context, id ID) error {
	if _, err := f.handles.Get(id); err != nil {
		return err
	}
	_, err := f.Refresh(ctx)
	return err
}
