// Package control maps a small shared file through which a container's
// writer announces new checkpoints to reader processes. Readers poll the
// generation word instead of re-reading the superblock on every refresh.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	ControlSize = 4096       // 1 page
	Magic       = 0x53545243 // 'STRC'
	Version     = 1
)

// Block is the layout of the mapped control page.
type Block struct {
	Magic   uint32
	Version uint32
	// Generation is the sequence of the newest published checkpoint.
	Generation    uint64 // Atomic
	ContainerID   [16]byte
	ContainerPath [256]byte
	// EOF is the container size at Generation.
	EOF     uint64
	Padding [ControlSize - 296]byte
}

// Controller manages the memory-mapped control file.
type Controller struct {
	path string
	file *os.File
	data []byte
	ptr  *Block
}

// OpenOrCreate opens or creates a control file at the given path.
func OpenOrCreate(path string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	if info.Size() < ControlSize {
		if err := f.Truncate(ControlSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, ControlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	ptr := (*Block)(unsafe.Pointer(&data[0]))

	if ptr.Magic == 0 {
		ptr.Magic = Magic
		ptr.Version = Version
	} else if ptr.Magic != Magic {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("invalid magic: %x", ptr.Magic)
	}

	return &Controller{
		path: path,
		file: f,
		data: data,
		ptr:  ptr,
	}, nil
}

// Path returns the control file path.
func (c *Controller) Path() string { return c.path }

// Generation returns the last announced checkpoint sequence.
func (c *Controller) Generation() uint64 {
	return atomic.LoadUint64(&c.ptr.Generation)
}

// ContainerID returns the identity of the announcing container, or the
// zero UUID if nothing has been announced yet.
func (c *Controller) ContainerID() uuid.UUID {
	return uuid.UUID(c.ptr.ContainerID)
}

// ContainerPath returns the path of the announcing container.
func (c *Controller) ContainerPath() string {
	b := c.ptr.ContainerPath[:]
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// EOF returns the container size recorded with the last announcement.
func (c *Controller) EOF() uint64 {
	return atomic.LoadUint64(&c.ptr.EOF)
}

// Bind records which container this block describes. It resets the
// generation when the block previously described another container.
func (c *Controller) Bind(id uuid.UUID, path string) error {
	if len(path) >= len(c.ptr.ContainerPath) {
		return fmt.Errorf("path too long (max %d)", len(c.ptr.ContainerPath)-1)
	}
	if uuid.UUID(c.ptr.ContainerID) != id {
		atomic.StoreUint64(&c.ptr.Generation, 0)
		c.ptr.ContainerID = id
	}
	clear(c.ptr.ContainerPath[:])
	copy(c.ptr.ContainerPath[:], path)
	return nil
}

// Announce publishes a new checkpoint sequence. The store of Generation
// comes last so readers that observe it also observe eof.
func (c *Controller) Announce(seq, eof uint64) error {
	if cur := c.Generation(); seq < cur {
		return fmt.Errorf("generation %d behind announced %d", seq, cur)
	}
	atomic.StoreUint64(&c.ptr.EOF, eof)
	atomic.StoreUint64(&c.ptr.Generation, seq)
	return nil
}

// Sync flushes the mapped page to the control file.
func (c *Controller) Sync() error {
	return unix.Msync(c.data, unix.MS_SYNC)
}

// Close unmaps and closes the control file.
func (c *Controller) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		return err
	}
	return c.file.Close()
}
