package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
)

// File is a Backend over a single file of a billy filesystem.
type File struct {
	fs   billy.Filesystem
	name string

	mu       sync.Mutex
	f        billy.File
	readOnly bool
}

// OpenFile opens name on fs. create makes the file if it does not exist.
func OpenFile(fs billy.Filesystem, name string, create, readOnly bool) (*File, error) {
	flag := os.O_RDWR
	switch {
	case readOnly:
		flag = os.O_RDONLY
	case create:
		flag |= os.O_CREATE
	}
	f, err := fs.OpenFile(name, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &File{fs: fs, name: name, f: f, readOnly: readOnly}, nil
}

// OpenOS opens a file on the host filesystem.
func OpenOS(path string, create, readOnly bool) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fs := osfs.New(filepath.Dir(abs), osfs.WithBoundOS())
	return OpenFile(fs, filepath.Base(abs), create, readOnly)
}

// NewMemory returns a Backend over an in-memory filesystem, plus the
// filesystem so tests can open further handles on the same file.
func NewMemory(name string) (*File, billy.Filesystem, error) {
	fs := memfs.New()
	f, err := OpenFile(fs, name, true, false)
	if err != nil {
		return nil, nil, err
	}
	return f, fs, nil
}

// Name returns the file name on its filesystem.
func (b *File) Name() string { return b.name }

func (b *File) ReadAt(off, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	got, err := b.f.ReadAt(buf, int64(off))
	if uint64(got) == n {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = ErrShortRead
	}
	return nil, ioErr("read", off, err)
}

func (b *File) WriteAt(off uint64, data []byte) error {
	if b.readOnly {
		return ioErr("write", off, os.ErrPermission)
	}
	if w, ok := b.f.(io.WriterAt); ok {
		if _, err := w.WriteAt(data, int64(off)); err != nil {
			return ioErr("write", off, err)
		}
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.f.Seek(int64(off), io.SeekStart); err != nil {
		return ioErr("seek", off, err)
	}
	if _, err := b.f.Write(data); err != nil {
		return ioErr("write", off, err)
	}
	return nil
}

func (b *File) Sync() error {
	if s, ok := b.f.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return ioErr("sync", 0, err)
		}
	}
	return nil
}

func (b *File) Size() (uint64, error) {
	info, err := b.fs.Stat(b.name)
	if err != nil {
		return 0, ioErr("stat", 0, err)
	}
	return uint64(info.Size()), nil
}

func (b *File) Close() error {
	return b.f.Close()
}
