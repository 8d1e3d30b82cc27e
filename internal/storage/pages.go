package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// DefaultPageSize is the page size of a Pages store.
const DefaultPageSize = 4096

var (
	pagePrefix = []byte("p/")
	sizeKey    = []byte("m/size")
)

type PagesConfig struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	PageSize int
	Logger   *logrus.Logger
}

// Pages is a Backend that stores fixed-size pages in badger, keyed by
// page number. Pages never written read back as zeros.
type Pages struct {
	config PagesConfig
	db     *badger.DB

	// mu serialises writers; readers rely on badger transactions.
	mu sync.Mutex
}

// OpenPages opens or creates a paged store.
func OpenPages(config PagesConfig) (*Pages, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open page store %q: %w", config.Path, err)
	}
	config.Logger.WithFields(logrus.Fields{
		"path":      config.Path,
		"in_memory": config.InMemory,
		"page_size": config.PageSize,
	}).Debug("page store opened")
	return &Pages{config: config, db: db}, nil
}

func pageKey(n uint64) []byte {
	k := make([]byte, len(pagePrefix)+8)
	copy(k, pagePrefix)
	binary.BigEndian.PutUint64(k[len(pagePrefix):], n)
	return k
}

func getPage(txn *badger.Txn, n uint64, size int) ([]byte, error) {
	page := make([]byte, size)
	item, err := txn.Get(pageKey(n))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return page, nil
	}
	if err != nil {
		return nil, err
	}
	err = item.Value(func(v []byte) error {
		copy(page, v)
		return nil
	})
	return page, err
}

func getSize(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(sizeKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var size uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("size record is %d bytes", len(v))
		}
		size = binary.BigEndian.Uint64(v)
		return nil
	})
	return size, err
}

func (p *Pages) ReadAt(off, n uint64) ([]byte, error) {
	ps := uint64(p.config.PageSize)
	out := make([]byte, n)
	err := p.db.View(func(txn *badger.Txn) error {
		size, err := getSize(txn)
		if err != nil {
			return err
		}
		if off+n > size {
			return ErrShortRead
		}
		for done := uint64(0); done < n; {
			pos := off + done
			page, err := getPage(txn, pos/ps, int(ps))
			if err != nil {
				return err
			}
			done += uint64(copy(out[done:], page[pos%ps:]))
		}
		return nil
	})
	if err != nil {
		return nil, ioErr("read", off, err)
	}
	return out, nil
}

// WriteAt rewrites every page the range touches. Edge pages are merged
// with their current contents inside one read transaction; the pages are
// then committed through a write batch so large ranges do not exceed a
// single transaction's limits.
func (p *Pages) WriteAt(off uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps := uint64(p.config.PageSize)
	end := off + uint64(len(data))
	pages := map[uint64][]byte{}
	var size uint64
	err := p.db.View(func(txn *badger.Txn) error {
		var err error
		if size, err = getSize(txn); err != nil {
			return err
		}
		for pos := off; pos < end; {
			n := pos / ps
			page, err := getPage(txn, n, int(ps))
			if err != nil {
				return err
			}
			c := copy(page[pos%ps:], data[pos-off:])
			pages[n] = page
			pos += uint64(c)
		}
		return nil
	})
	if err != nil {
		return ioErr("write", off, err)
	}

	wb := p.db.NewWriteBatch()
	defer wb.Cancel()
	for n, page := range pages {
		if err := wb.Set(pageKey(n), page); err != nil {
			return ioErr("write", off, err)
		}
	}
	if end > size {
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, end)
		if err := wb.Set(sizeKey, v); err != nil {
			return ioErr("write", off, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return ioErr("write", off, err)
	}
	return nil
}

func (p *Pages) Sync() error {
	if p.config.InMemory {
		return nil
	}
	if err := p.db.Sync(); err != nil {
		return ioErr("sync", 0, err)
	}
	return nil
}

func (p *Pages) Size() (uint64, error) {
	var size uint64
	err := p.db.View(func(txn *badger.Txn) error {
		var err error
		size, err = getSize(txn)
		return err
	})
	if err != nil {
		return 0, ioErr("stat", 0, err)
	}
	return size, nil
}

func (p *Pages) Close() error {
	return p.db.Close()
}
