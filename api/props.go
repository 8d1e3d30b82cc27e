package api

import (
	"fmt"
	"time"
)

// Unlimited marks a dataset dimension with no maximum extent.
const Unlimited = ^uint64(0)

// LinkCreateProps configures how a new link is inserted into the namespace.
type LinkCreateProps struct {
	// IntermediateGroups creates missing groups along the path.
	IntermediateGroups bool `json:"intermediate_groups,omitempty" yaml:"intermediate_groups,omitempty"`
}

// GroupCreateProps configures a new group's link storage.
type GroupCreateProps struct {
	// TrackCreationOrder records a creation-order value on every link.
	TrackCreationOrder bool `json:"track_creation_order,omitempty" yaml:"track_creation_order,omitempty"`
	// IndexCreationOrder allows by-index access in creation order.
	// Implies TrackCreationOrder.
	IndexCreationOrder bool `json:"index_creation_order,omitempty" yaml:"index_creation_order,omitempty"`
	// MaxCompact is the link count above which the group switches to
	// indexed (dense) link storage.
	MaxCompact uint16 `json:"max_compact,omitempty" yaml:"max_compact,omitempty"`
	// MinDense is the link count below which a dense group switches back
	// to compact storage.
	MinDense uint16 `json:"min_dense,omitempty" yaml:"min_dense,omitempty"`
}

// Default link-storage thresholds.
const (
	DefaultMaxCompact uint16 = 8
	DefaultMinDense   uint16 = 6
)

// WithDefaults fills zero thresholds with the defaults.
func (p GroupCreateProps) WithDefaults() GroupCreateProps {
	if p.MaxCompact == 0 {
		p.MaxCompact = DefaultMaxCompact
	}
	if p.MinDense == 0 {
		p.MinDense = DefaultMinDense
	}
	if p.MinDense > p.MaxCompact {
		p.MinDense = p.MaxCompact
	}
	if p.IndexCreationOrder {
		p.TrackCreationOrder = true
	}
	return p
}

// Filter selects the chunk codec of a dataset.
type Filter uint8

const (
	FilterNone Filter = 0
	FilterLZ4  Filter = 1
	FilterZstd Filter = 2
)

// String returns the filter's configuration name.
func (f Filter) String() string {
	switch f {
	case FilterNone:
		return "none"
	case FilterLZ4:
		return "lz4"
	case FilterZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", f)
	}
}

// ParseFilter parses a filter from its configuration name.
func ParseFilter(name string) (Filter, error) {
	switch name {
	case "", "none":
		return FilterNone, nil
	case "lz4":
		return FilterLZ4, nil
	case "zstd":
		return FilterZstd, nil
	default:
		return 0, fmt.Errorf("unknown filter %q: %w", name, ErrInvalidArgument)
	}
}

// DatasetCreateProps describes a chunked, extensible dataset.
type DatasetCreateProps struct {
	// ElemSize is the size in bytes of one element.
	ElemSize uint32 `json:"elem_size" yaml:"elem_size"`
	// Dims is the initial extent.
	Dims []uint64 `json:"dims" yaml:"dims"`
	// MaxDims is the per-dimension maximum; Unlimited for unbounded.
	// Nil means MaxDims == Dims.
	MaxDims []uint64 `json:"max_dims,omitempty" yaml:"max_dims,omitempty"`
	// Chunk is the fixed chunk shape.
	Chunk []uint64 `json:"chunk" yaml:"chunk"`
	// Filter is the chunk codec.
	Filter Filter `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Validate checks the shape invariants of a dataset creation request.
func (p DatasetCreateProps) Validate() error {
	if p.ElemSize == 0 {
		return fmt.Errorf("element size is zero: %w", ErrInvalidArgument)
	}
	if len(p.Dims) == 0 {
		return fmt.Errorf("rank is zero: %w", ErrInvalidArgument)
	}
	if len(p.Chunk) != len(p.Dims) {
		return fmt.Errorf("chunk rank %d != dataset rank %d: %w", len(p.Chunk), len(p.Dims), ErrInvalidArgument)
	}
	if p.MaxDims != nil && len(p.MaxDims) != len(p.Dims) {
		return fmt.Errorf("max rank %d != dataset rank %d: %w", len(p.MaxDims), len(p.Dims), ErrInvalidArgument)
	}
	for i, c := range p.Chunk {
		if c == 0 {
			return fmt.Errorf("chunk dimension %d is zero: %w", i, ErrInvalidArgument)
		}
		if p.MaxDims != nil && p.MaxDims[i] != Unlimited && p.Dims[i] > p.MaxDims[i] {
			return fmt.Errorf("dimension %d: extent %d > max %d: %w", i, p.Dims[i], p.MaxDims[i], ErrExtentExceeded)
		}
	}
	if _, err := ParseFilter(p.Filter.String()); err != nil {
		return err
	}
	return nil
}

// LagPolicy selects what happens when a reader falls more than MaxLag
// checkpoints behind the writer.
type LagPolicy string

const (
	// LagFail lets the writer proceed; the lagging reader's operations
	// fail with ErrStale until it refreshes.
	LagFail LagPolicy = "fail"
	// LagBlock makes the writer's flush wait for lagging in-process readers.
	LagBlock LagPolicy = "block"
)

// AccessProps configures how a container is opened.
type AccessProps struct {
	// ReadOnly opens the container as a reader.
	ReadOnly bool `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	// SWMR enables the background flush ticker for the writer and epoch
	// checks for readers.
	SWMR bool `json:"swmr,omitempty" yaml:"swmr,omitempty"`
	// FlushInterval is the coalescing flush period when SWMR is on.
	FlushInterval time.Duration `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
	// MaxLag is the number of checkpoints freed space is retained for.
	// Zero retains freed space forever, so readers never go stale.
	MaxLag uint64 `json:"max_lag,omitempty" yaml:"max_lag,omitempty"`
	// LagPolicy chooses between failing readers and blocking the writer.
	LagPolicy LagPolicy `json:"lag_policy,omitempty" yaml:"lag_policy,omitempty"`
	// ControlPath, when set, names a memory-mapped control file through
	// which the writer publishes the checkpoint sequence to readers.
	ControlPath string `json:"control_path,omitempty" yaml:"control_path,omitempty"`
}
