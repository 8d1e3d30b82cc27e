package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentic-research/strata/api"
)

// Addr is the stable address of an object header. Addresses are assigned
// by the writer, never reused, and survive every checkpoint.
type Addr uint64

// Undefined is the zero address; no header lives there.
const Undefined Addr = 0

// Kind is the object kind recorded in a header.
type Kind uint8

const (
	KindGroup   Kind = 1
	KindDataset Kind = 2
)

// ObjectKind maps a header kind to the public handle kind.
func (k Kind) ObjectKind() api.ObjectKind {
	switch k {
	case KindGroup:
		return api.KindGroup
	case KindDataset:
		return api.KindDataset
	default:
		return 0
	}
}

func (k Kind) String() string { return k.ObjectKind().String() }

// Header is an object header: the durable metadata record of one group or
// dataset. Headers reachable from a published checkpoint are immutable;
// the writer mutates a Clone and stages it.
type Header struct {
	Addr      Addr
	Kind      Kind
	LinkCount uint32
	// Modified is the checkpoint sequence that last published this header.
	Modified uint64
	Group    *GroupMessage
	Dataset  *DatasetMessage
}

// NewGroupHeader returns an unlinked group header.
func NewGroupHeader(addr Addr, props api.GroupCreateProps) *Header {
	return &Header{Addr: addr, Kind: KindGroup, Group: NewGroupMessage(props)}
}

// NewDatasetHeader returns an unlinked dataset header.
func NewDatasetHeader(addr Addr, props api.DatasetCreateProps) *Header {
	maxDims := props.MaxDims
	if maxDims == nil {
		maxDims = props.Dims
	}
	return &Header{
		Addr: addr,
		Kind: KindDataset,
		Dataset: &DatasetMessage{
			ElemSize: props.ElemSize,
			Dims:     append([]uint64(nil), props.Dims...),
			MaxDims:  append([]uint64(nil), maxDims...),
			Chunk:    append([]uint64(nil), props.Chunk...),
			Filter:   props.Filter,
			Chunks:   map[string]ChunkRef{},
		},
	}
}

// Clone returns a deep copy safe to mutate.
func (h *Header) Clone() *Header {
	out := *h
	if h.Group != nil {
		out.Group = h.Group.clone()
	}
	if h.Dataset != nil {
		out.Dataset = h.Dataset.clone()
	}
	return &out
}

// ChunkRef locates one materialized chunk in storage.
type ChunkRef struct {
	Off uint64 `cbor:"1,keyasint"`
	Len uint64 `cbor:"2,keyasint"`
	// Sum is the xxh3 checksum of the stored (filtered) bytes.
	Sum uint64 `cbor:"3,keyasint"`
	// Codec is the filter the stored bytes went through. Chunks that do
	// not compress are stored raw whatever the dataset's filter is.
	Codec api.Filter `cbor:"4,keyasint,omitempty"`
}

// DatasetMessage holds a dataset's extent descriptor and chunk index.
type DatasetMessage struct {
	ElemSize uint32
	Dims     []uint64
	MaxDims  []uint64
	Chunk    []uint64
	Filter   api.Filter
	// Chunks maps ChunkKey(coords) to the chunk's storage.
	Chunks map[string]ChunkRef
}

func (d *DatasetMessage) clone() *DatasetMessage {
	out := *d
	out.Dims = append([]uint64(nil), d.Dims...)
	out.MaxDims = append([]uint64(nil), d.MaxDims...)
	out.Chunk = append([]uint64(nil), d.Chunk...)
	out.Chunks = make(map[string]ChunkRef, len(d.Chunks))
	for k, v := range d.Chunks {
		out.Chunks[k] = v
	}
	return &out
}

// Rank returns the number of dimensions.
func (d *DatasetMessage) Rank() int { return len(d.Dims) }

// ChunkBytes returns the unfiltered size of one chunk.
func (d *DatasetMessage) ChunkBytes() uint64 {
	n := uint64(d.ElemSize)
	for _, c := range d.Chunk {
		n *= c
	}
	return n
}

// ChunkKey renders chunk coordinates (in units of chunks) as a map key.
func ChunkKey(coords []uint64) string {
	var b strings.Builder
	for i, c := range coords {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(c, 10))
	}
	return b.String()
}

// ParseChunkKey is the inverse of ChunkKey.
func ParseChunkKey(key string) ([]uint64, error) {
	parts := strings.Split(key, ",")
	out := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk key %q: %w", key, api.ErrInconsistent)
		}
		out[i] = v
	}
	return out, nil
}
