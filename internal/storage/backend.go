// Package storage provides the byte-addressed back-ends a container is
// laid out on. A back-end knows nothing about the container format; it
// only reads, writes and syncs ranges.
package storage

import (
	"errors"
	"fmt"

	"github.com/agentic-research/strata/api"
)

// Backend is a flat, growable, byte-addressed store.
//
// Reads of ranges past Size fail. Writes past Size grow the store and
// zero-fill any gap. Implementations must allow concurrent ReadAt calls
// alongside a single writer.
type Backend interface {
	ReadAt(off, n uint64) ([]byte, error)
	WriteAt(off uint64, data []byte) error
	// Sync makes every completed WriteAt durable.
	Sync() error
	Size() (uint64, error)
	Close() error
}

// ErrShortRead is returned when a read extends past the end of the store.
var ErrShortRead = errors.New("read past end of storage")

func ioErr(op string, off uint64, err error) error {
	if errors.Is(err, api.ErrIOFailure) {
		return err
	}
	return fmt.Errorf("%s at %d: %w: %w", op, off, err, api.ErrIOFailure)
}
