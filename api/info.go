package api

import "fmt"

// ObjectKind is the kind of object a handle refers to.
type ObjectKind uint8

const (
	KindFile    ObjectKind = 1
	KindGroup   ObjectKind = 2
	KindDataset ObjectKind = 3
)

func (k ObjectKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindGroup:
		return "group"
	case KindDataset:
		return "dataset"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// IndexKind selects the index used for by-index access to a group's links.
type IndexKind uint8

const (
	IndexName          IndexKind = 1
	IndexCreationOrder IndexKind = 2
)

// IterOrder selects the traversal order of an index.
type IterOrder uint8

const (
	OrderInc    IterOrder = 1
	OrderDec    IterOrder = 2
	OrderNative IterOrder = 3
)

// StorageType reports how a group stores its links.
type StorageType uint8

const (
	StorageCompact StorageType = 1
	StorageDense   StorageType = 2
)

func (s StorageType) String() string {
	switch s {
	case StorageCompact:
		return "compact"
	case StorageDense:
		return "dense"
	default:
		return "unknown"
	}
}

// GroupInfo is returned by the get-info family of operations.
type GroupInfo struct {
	StorageType      StorageType `json:"storage_type"`
	NumLinks         uint64      `json:"num_links"`
	MaxCreationOrder int64       `json:"max_creation_order"`
	Mounted          bool        `json:"mounted"`
}

// ObjectInfo describes an object header.
type ObjectInfo struct {
	Addr      uint64     `json:"addr"`
	Kind      ObjectKind `json:"kind"`
	LinkCount uint32     `json:"link_count"`
	// OpenCount is the number of open handles in this process.
	OpenCount int `json:"open_count"`
}

// DatasetInfo describes a dataset's shape and storage.
type DatasetInfo struct {
	ElemSize uint32   `json:"elem_size"`
	Dims     []uint64 `json:"dims"`
	MaxDims  []uint64 `json:"max_dims"`
	Chunk    []uint64 `json:"chunk"`
	Filter   Filter   `json:"filter"`
	// Chunks is the number of materialized chunks.
	Chunks int `json:"chunks"`
}
