package graph

import (
	"fmt"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/codec"
)

type wireLink struct {
	Name   string `cbor:"1,keyasint"`
	Target uint64 `cbor:"2,keyasint"`
	Corder int64  `cbor:"3,keyasint,omitempty"`
}

type wireGroup struct {
	Track      bool       `cbor:"1,keyasint,omitempty"`
	Index      bool       `cbor:"2,keyasint,omitempty"`
	MaxCompact uint16     `cbor:"3,keyasint"`
	MinDense   uint16     `cbor:"4,keyasint"`
	NextCorder int64      `cbor:"5,keyasint,omitempty"`
	Dense      bool       `cbor:"6,keyasint,omitempty"`
	Links      []wireLink `cbor:"7,keyasint"`
}

type wireDataset struct {
	ElemSize uint32              `cbor:"1,keyasint"`
	Dims     []uint64            `cbor:"2,keyasint"`
	MaxDims  []uint64            `cbor:"3,keyasint"`
	Chunk    []uint64            `cbor:"4,keyasint"`
	Filter   uint8               `cbor:"5,keyasint,omitempty"`
	Chunks   map[string]ChunkRef `cbor:"6,keyasint"`
}

type wireHeader struct {
	Addr      uint64       `cbor:"1,keyasint"`
	Kind      uint8        `cbor:"2,keyasint"`
	LinkCount uint32       `cbor:"3,keyasint"`
	Modified  uint64       `cbor:"4,keyasint"`
	Group     *wireGroup   `cbor:"5,keyasint,omitempty"`
	Dataset   *wireDataset `cbor:"6,keyasint,omitempty"`
}

// EncodeHeader serializes h. Compact groups keep their insertion order.
func EncodeHeader(h *Header) ([]byte, error) {
	w := wireHeader{
		Addr:      uint64(h.Addr),
		Kind:      uint8(h.Kind),
		LinkCount: h.LinkCount,
		Modified:  h.Modified,
	}
	switch h.Kind {
	case KindGroup:
		g := h.Group
		wg := &wireGroup{
			Track:      g.Props.TrackCreationOrder,
			Index:      g.Props.IndexCreationOrder,
			MaxCompact: g.Props.MaxCompact,
			MinDense:   g.Props.MinDense,
			NextCorder: g.NextCorder,
			Dense:      g.StorageType() == api.StorageDense,
			Links:      make([]wireLink, 0, g.Len()),
		}
		g.Ascend(func(l Link) bool {
			wg.Links = append(wg.Links, wireLink{Name: l.Name, Target: uint64(l.Target), Corder: l.Corder})
			return true
		})
		w.Group = wg
	case KindDataset:
		d := h.Dataset
		w.Dataset = &wireDataset{
			ElemSize: d.ElemSize,
			Dims:     d.Dims,
			MaxDims:  d.MaxDims,
			Chunk:    d.Chunk,
			Filter:   uint8(d.Filter),
			Chunks:   d.Chunks,
		}
	default:
		return nil, fmt.Errorf("encode header %d: kind %d: %w", h.Addr, h.Kind, api.ErrInvalidArgument)
	}
	return codec.Marshal(w)
}

// DecodeHeader is the inverse of EncodeHeader. Malformed input is
// api.ErrInconsistent.
func DecodeHeader(data []byte) (*Header, error) {
	var w wireHeader
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode header: %v: %w", err, api.ErrInconsistent)
	}
	h := &Header{
		Addr:      Addr(w.Addr),
		Kind:      Kind(w.Kind),
		LinkCount: w.LinkCount,
		Modified:  w.Modified,
	}
	switch h.Kind {
	case KindGroup:
		if w.Group == nil {
			return nil, fmt.Errorf("decode header %d: group message missing: %w", h.Addr, api.ErrInconsistent)
		}
		wg := w.Group
		g := &GroupMessage{
			Props: api.GroupCreateProps{
				TrackCreationOrder: wg.Track,
				IndexCreationOrder: wg.Index,
				MaxCompact:         wg.MaxCompact,
				MinDense:           wg.MinDense,
			},
			NextCorder: wg.NextCorder,
		}
		var links LinkTable = &compactLinks{}
		if wg.Dense {
			links = newDenseLinks()
		}
		for _, l := range wg.Links {
			if _, dup := links.Lookup(l.Name); dup {
				return nil, fmt.Errorf("decode header %d: duplicate link %q: %w", h.Addr, l.Name, api.ErrInconsistent)
			}
			links.Insert(Link{Name: l.Name, Target: Addr(l.Target), Corder: l.Corder})
		}
		g.links = links
		h.Group = g
	case KindDataset:
		if w.Dataset == nil {
			return nil, fmt.Errorf("decode header %d: dataset message missing: %w", h.Addr, api.ErrInconsistent)
		}
		wd := w.Dataset
		chunks := wd.Chunks
		if chunks == nil {
			chunks = map[string]ChunkRef{}
		}
		h.Dataset = &DatasetMessage{
			ElemSize: wd.ElemSize,
			Dims:     wd.Dims,
			MaxDims:  wd.MaxDims,
			Chunk:    wd.Chunk,
			Filter:   api.Filter(wd.Filter),
			Chunks:   chunks,
		}
	default:
		return nil, fmt.Errorf("decode header %d: kind %d: %w", h.Addr, w.Kind, api.ErrInconsistent)
	}
	return h, nil
}
