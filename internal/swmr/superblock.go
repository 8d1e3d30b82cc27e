package swmr

import (
	"encoding/binary"
	"fmt"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/internal/graph"
	"github.com/agentic-research/strata/internal/storage"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// On-disk layout. The superblock occupies the first 4 KiB: a small
// header naming the active slot, then two checkpoint record slots.
// Everything after it is the data region.
const (
	SuperblockSize = 4096
	Magic          = 0x53545241 // 'STRA'
	FormatVersion  = 1

	headerLen  = 40
	slotOffset = 512
	slotStride = 256
	recordLen  = 88
)

// Superblock is the decoded superblock header.
type Superblock struct {
	Version uint8
	Active  uint8
	Seq     uint64
	ID      uuid.UUID
}

func (s Superblock) encode() []byte {
	buf := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = s.Version
	buf[5] = s.Active
	binary.LittleEndian.PutUint64(buf[8:16], s.Seq)
	copy(buf[16:32], s.ID[:])
	binary.LittleEndian.PutUint64(buf[32:40], xxh3.Hash(buf[0:32]))
	return buf
}

func decodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) < headerLen {
		return Superblock{}, fmt.Errorf("superblock truncated: %w", api.ErrInconsistent)
	}
	if m := binary.LittleEndian.Uint32(buf[0:4]); m != Magic {
		return Superblock{}, fmt.Errorf("invalid superblock magic: %x: %w", m, api.ErrInconsistent)
	}
	if sum := binary.LittleEndian.Uint64(buf[32:40]); sum != xxh3.Hash(buf[0:32]) {
		return Superblock{}, fmt.Errorf("superblock checksum mismatch: %w", api.ErrInconsistent)
	}
	s := Superblock{
		Version: buf[4],
		Active:  buf[5],
		Seq:     binary.LittleEndian.Uint64(buf[8:16]),
	}
	copy(s.ID[:], buf[16:32])
	if s.Version != FormatVersion {
		return Superblock{}, fmt.Errorf("unsupported format version: %d: %w", s.Version, api.ErrInconsistent)
	}
	if s.Active > 1 {
		return Superblock{}, fmt.Errorf("invalid active slot index: %d: %w", s.Active, api.ErrInconsistent)
	}
	return s, nil
}

// ReadSuperblock reads and validates the superblock header.
func ReadSuperblock(b storage.Backend) (Superblock, error) {
	buf, err := b.ReadAt(0, headerLen)
	if err != nil {
		return Superblock{}, fmt.Errorf("read superblock: %w", err)
	}
	return decodeSuperblock(buf)
}

func writeSuperblock(b storage.Backend, s Superblock) error {
	if err := b.WriteAt(0, s.encode()); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	return nil
}

// Record is a checkpoint record as stored in a superblock slot.
type Record struct {
	Seq      uint64
	Root     graph.Addr
	NextAddr graph.Addr
	EOF      uint64
	Index    Extent
	// Digest is the blake3 digest of the index blob at Index.
	Digest [32]byte
}

func (r Record) encode() []byte {
	buf := make([]byte, recordLen)
	binary.LittleEndian.PutUint64(buf[0:8], r.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Root))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.NextAddr))
	binary.LittleEndian.PutUint64(buf[24:32], r.EOF)
	binary.LittleEndian.PutUint64(buf[32:40], r.Index.Off)
	binary.LittleEndian.PutUint64(buf[40:48], r.Index.Len)
	copy(buf[48:80], r.Digest[:])
	binary.LittleEndian.PutUint64(buf[80:88], xxh3.Hash(buf[0:80]))
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < recordLen {
		return Record{}, fmt.Errorf("checkpoint record truncated: %w", api.ErrInconsistent)
	}
	if sum := binary.LittleEndian.Uint64(buf[80:88]); sum != xxh3.Hash(buf[0:80]) {
		return Record{}, fmt.Errorf("checkpoint record checksum mismatch: %w", api.ErrInconsistent)
	}
	r := Record{
		Seq:      binary.LittleEndian.Uint64(buf[0:8]),
		Root:     graph.Addr(binary.LittleEndian.Uint64(buf[8:16])),
		NextAddr: graph.Addr(binary.LittleEndian.Uint64(buf[16:24])),
		EOF:      binary.LittleEndian.Uint64(buf[24:32]),
		Index:    Extent{Off: binary.LittleEndian.Uint64(buf[32:40]), Len: binary.LittleEndian.Uint64(buf[40:48])},
	}
	copy(r.Digest[:], buf[48:80])
	if r.Seq == 0 {
		return Record{}, fmt.Errorf("empty checkpoint slot: %w", api.ErrInconsistent)
	}
	return r, nil
}

func slotAt(i uint8) uint64 { return slotOffset + uint64(i)*slotStride }

// ReadRecord reads and checksums the record in slot i.
func ReadRecord(b storage.Backend, i uint8) (Record, error) {
	buf, err := b.ReadAt(slotAt(i), recordLen)
	if err != nil {
		return Record{}, fmt.Errorf("read slot %d: %w", i, err)
	}
	r, err := decodeRecord(buf)
	if err != nil {
		return Record{}, fmt.Errorf("slot %d: %w", i, err)
	}
	return r, nil
}

func writeRecord(b storage.Backend, i uint8, r Record) error {
	if err := b.WriteAt(slotAt(i), r.encode()); err != nil {
		return fmt.Errorf("write slot %d: %w", i, err)
	}
	return nil
}

// initSuperblock lays out an empty superblock region.
func initSuperblock(b storage.Backend) error {
	if err := b.WriteAt(0, make([]byte, SuperblockSize)); err != nil {
		return fmt.Errorf("initialise superblock: %w", err)
	}
	return nil
}
