// Package nfsmount exports a read-only view of a strata container over
// NFS. Groups appear as directories and datasets as files holding their
// row-major element bytes, as of the serving reader's epoch.
package nfsmount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	"github.com/sirupsen/logrus"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/container"
	"github.com/agentic-research/strata/internal/chunk"
)

var errReadOnly = errors.New("read-only filesystem")

// statusName is the virtual file describing the served epoch.
const statusName = "_container.json"

// Container is the part of container.File the filesystem reads through.
type Container interface {
	ID() container.ID
	Epoch() uint64
	Lookup(loc container.ID, name string) (api.ObjectInfo, error)
	List(loc container.ID, name string, kind api.IndexKind) ([]container.Member, error)
	OpenDataset(loc container.ID, name string) (container.ID, error)
	DatasetInfo(id container.ID) (api.DatasetInfo, error)
	ReadRegion(ctx context.Context, id container.ID, slab container.Slab) ([]byte, error)
	Close(id container.ID) error
	Refresh(ctx context.Context) (bool, error)
}

// ContainerFS adapts a container to billy.Filesystem for go-nfs.
type ContainerFS struct {
	c   Container
	log *logrus.Logger

	mu      sync.Mutex
	modTime time.Time
}

// NewContainerFS returns a filesystem over c. A nil log gets a default
// logger.
func NewContainerFS(c Container, log *logrus.Logger) *ContainerFS {
	if log == nil {
		log = logrus.New()
	}
	return &ContainerFS{c: c, log: log, modTime: time.Now()}
}

// Refresh moves the underlying reader to the newest checkpoint. Files
// opened before keep the content they were opened with.
func (fs *ContainerFS) Refresh(ctx context.Context) error {
	advanced, err := fs.c.Refresh(ctx)
	if err != nil {
		return err
	}
	if advanced {
		fs.mu.Lock()
		fs.modTime = time.Now()
		fs.mu.Unlock()
		fs.log.WithField("epoch", fs.c.Epoch()).Info("nfs view refreshed")
	}
	return nil
}

// RefreshEvery refreshes the view on a ticker until ctx is done.
func (fs *ContainerFS) RefreshEvery(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fs.Refresh(ctx); err != nil {
				fs.log.WithError(err).Warn("nfs view refresh failed")
			}
		}
	}
}

func (fs *ContainerFS) mtime() time.Time {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.modTime
}

func (fs *ContainerFS) status() []byte {
	b, _ := json.MarshalIndent(struct {
		Epoch uint64 `json:"epoch"`
	}{fs.c.Epoch()}, "", "  ")
	return append(b, '\n')
}

// --- billy.Basic ---

func (fs *ContainerFS) Create(filename string) (billy.File, error) {
	return nil, errReadOnly
}

func (fs *ContainerFS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

func (fs *ContainerFS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, errReadOnly
	}
	filename = cleanPath(filename)
	if filename == "/"+statusName {
		return &bytesFile{name: statusName, data: fs.status()}, nil
	}
	info, err := fs.c.Lookup(fs.c.ID(), filename)
	if err != nil {
		return nil, pathError("open", filename, err)
	}
	if info.Kind != api.KindDataset {
		return nil, &os.PathError{Op: "open", Path: filename, Err: fmt.Errorf("is a directory")}
	}
	data, err := fs.readDataset(filename)
	if err != nil {
		return nil, pathError("open", filename, err)
	}
	return &bytesFile{name: filepath.Base(filename), data: data}, nil
}

// readDataset reads the whole extent of the dataset at name.
func (fs *ContainerFS) readDataset(name string) ([]byte, error) {
	id, err := fs.c.OpenDataset(fs.c.ID(), name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fs.c.Close(id) }()
	info, err := fs.c.DatasetInfo(id)
	if err != nil {
		return nil, err
	}
	return fs.c.ReadRegion(context.Background(), id, chunk.Whole(info.Dims))
}

func (fs *ContainerFS) datasetSize(name string) (int64, error) {
	id, err := fs.c.OpenDataset(fs.c.ID(), name)
	if err != nil {
		return 0, err
	}
	defer func() { _ = fs.c.Close(id) }()
	info, err := fs.c.DatasetInfo(id)
	if err != nil {
		return 0, err
	}
	return int64(chunk.Whole(info.Dims).Elements() * uint64(info.ElemSize)), nil
}

func (fs *ContainerFS) Stat(filename string) (os.FileInfo, error) {
	return fs.Lstat(filename)
}

func (fs *ContainerFS) Rename(oldpath, newpath string) error { return errReadOnly }

func (fs *ContainerFS) Remove(filename string) error { return errReadOnly }

func (fs *ContainerFS) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// --- billy.TempFile ---

func (fs *ContainerFS) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

// --- billy.Dir ---

func (fs *ContainerFS) ReadDir(path string) ([]os.FileInfo, error) {
	path = cleanPath(path)
	members, err := fs.c.List(fs.c.ID(), path, api.IndexName)
	if err != nil {
		if errors.Is(err, api.ErrWrongKind) {
			return nil, &os.PathError{Op: "readdir", Path: path, Err: fmt.Errorf("not a directory")}
		}
		return nil, pathError("readdir", path, err)
	}

	infos := make([]os.FileInfo, 0, len(members)+1)
	if path == "/" {
		infos = append(infos, fs.statusInfo())
	}
	for _, m := range members {
		full := filepath.Join(path, m.Name)
		fi, err := fs.memberInfo(full, m.Kind)
		if err != nil {
			fs.log.WithFields(logrus.Fields{"path": full}).WithError(err).Debug("skipping unreadable member")
			continue
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

func (fs *ContainerFS) MkdirAll(filename string, perm os.FileMode) error {
	return errReadOnly
}

// --- billy.Symlink ---

func (fs *ContainerFS) Lstat(filename string) (os.FileInfo, error) {
	filename = cleanPath(filename)
	switch filename {
	case "/":
		return &staticFileInfo{name: "/", mode: os.ModeDir | 0o555, modTime: fs.mtime()}, nil
	case "/" + statusName:
		return fs.statusInfo(), nil
	}
	info, err := fs.c.Lookup(fs.c.ID(), filename)
	if err != nil {
		return nil, pathError("lstat", filename, err)
	}
	fi, err := fs.memberInfo(filename, info.Kind)
	if err != nil {
		return nil, pathError("lstat", filename, err)
	}
	return fi, nil
}

func (fs *ContainerFS) Symlink(target, link string) error {
	return billy.ErrNotSupported
}

func (fs *ContainerFS) Readlink(link string) (string, error) {
	return "", billy.ErrNotSupported
}

// --- billy.Chroot ---

func (fs *ContainerFS) Chroot(path string) (billy.Filesystem, error) {
	return chroot.New(fs, path), nil
}

func (fs *ContainerFS) Root() string {
	return "/"
}

// --- billy.Capable ---

func (fs *ContainerFS) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

// --- internals ---

func (fs *ContainerFS) statusInfo() os.FileInfo {
	return &staticFileInfo{name: statusName, size: int64(len(fs.status())), mode: 0o444, modTime: fs.mtime()}
}

func (fs *ContainerFS) memberInfo(path string, kind api.ObjectKind) (os.FileInfo, error) {
	fi := &staticFileInfo{name: filepath.Base(path), modTime: fs.mtime()}
	if kind != api.KindDataset {
		fi.mode = os.ModeDir | 0o555
		return fi, nil
	}
	size, err := fs.datasetSize(path)
	if err != nil {
		return nil, err
	}
	fi.mode = 0o444
	fi.size = size
	return fi, nil
}

// pathError maps container errors onto the os errors go-nfs understands.
func pathError(op, path string, err error) error {
	if errors.Is(err, api.ErrNotFound) || errors.Is(err, api.ErrBadPath) {
		return &os.PathError{Op: op, Path: path, Err: os.ErrNotExist}
	}
	return &os.PathError{Op: op, Path: path, Err: err}
}

// cleanPath normalizes a billy path to a clean absolute path.
func cleanPath(path string) string {
	path = filepath.Clean("/" + path)
	if path == "." {
		return "/"
	}
	return path
}

// staticFileInfo implements os.FileInfo with static values.
type staticFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (fi *staticFileInfo) Name() string       { return fi.name }
func (fi *staticFileInfo) Size() int64        { return fi.size }
func (fi *staticFileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *staticFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *staticFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *staticFileInfo) Sys() any           { return nil }

var (
	_ billy.Filesystem = (*ContainerFS)(nil)
	_ billy.Capable    = (*ContainerFS)(nil)
	_ Container        = (*container.File)(nil)
)
