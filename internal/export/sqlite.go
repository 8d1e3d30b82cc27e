// Package export writes a queryable catalog of a container's namespace to
// SQLite: one row per object, per link and per dataset, as of one epoch.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/container"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS objects (
	addr INTEGER PRIMARY KEY,
	kind TEXT NOT NULL,
	link_count INTEGER NOT NULL,
	path TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS links (
	parent INTEGER NOT NULL,
	name TEXT NOT NULL,
	target INTEGER NOT NULL,
	corder INTEGER NOT NULL,
	PRIMARY KEY (parent, name)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target);
CREATE TABLE IF NOT EXISTS datasets (
	addr INTEGER PRIMARY KEY,
	elem_size INTEGER NOT NULL,
	dims JSON NOT NULL,
	max_dims JSON NOT NULL,
	chunk JSON NOT NULL,
	filter TEXT NOT NULL,
	chunks INTEGER NOT NULL
);
`

// Source is the part of container.File an export reads.
type Source interface {
	ID() container.ID
	Epoch() uint64
	Lookup(loc container.ID, name string) (api.ObjectInfo, error)
	List(loc container.ID, name string, kind api.IndexKind) ([]container.Member, error)
	OpenDataset(loc container.ID, name string) (container.ID, error)
	DatasetInfo(id container.ID) (api.DatasetInfo, error)
	Close(id container.ID) error
}

// Stats summarises an export.
type Stats struct {
	Epoch    uint64
	Objects  int
	Links    int
	Datasets int
}

type writer struct {
	tx         *sql.Tx
	stmtObject *sql.Stmt
	stmtLink   *sql.Stmt
	stmtData   *sql.Stmt
}

// SQLite exports the namespace src sees to a fresh database at dbPath.
// Objects reachable by several names are recorded once, under the first
// name found walking groups in name order.
func SQLite(ctx context.Context, src Source, dbPath string, log *logrus.Logger) (Stats, error) {
	if log == nil {
		log = logrus.New()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return Stats{}, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	for _, pragma := range []string{"PRAGMA synchronous = OFF", "PRAGMA journal_mode = MEMORY"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return Stats{}, err
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return Stats{}, fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, err
	}
	w, err := prepare(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return Stats{}, err
	}
	stats, err := w.walk(ctx, src)
	w.close()
	if err != nil {
		_ = tx.Rollback()
		return Stats{}, err
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("commit export: %w", err)
	}
	log.WithFields(logrus.Fields{
		"db":       dbPath,
		"epoch":    stats.Epoch,
		"objects":  stats.Objects,
		"links":    stats.Links,
		"datasets": stats.Datasets,
	}).Info("catalog exported")
	return stats, nil
}

func prepare(ctx context.Context, tx *sql.Tx) (*writer, error) {
	w := &writer{tx: tx}
	var err error
	if w.stmtObject, err = tx.PrepareContext(ctx, `INSERT OR REPLACE INTO objects (addr, kind, link_count, path) VALUES (?, ?, ?, ?)`); err != nil {
		return nil, err
	}
	if w.stmtLink, err = tx.PrepareContext(ctx, `INSERT OR REPLACE INTO links (parent, name, target, corder) VALUES (?, ?, ?, ?)`); err != nil {
		return nil, err
	}
	if w.stmtData, err = tx.PrepareContext(ctx, `INSERT OR REPLACE INTO datasets (addr, elem_size, dims, max_dims, chunk, filter, chunks) VALUES (?, ?, ?, ?, ?, ?, ?)`); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *writer) close() {
	for _, s := range []*sql.Stmt{w.stmtObject, w.stmtLink, w.stmtData} {
		if s != nil {
			_ = s.Close()
		}
	}
}

// group is a group waiting to have its links listed.
type group struct {
	addr uint64
	path string
}

// walk visits groups breadth first from the root.
func (w *writer) walk(ctx context.Context, src Source) (Stats, error) {
	stats := Stats{Epoch: src.Epoch()}
	if _, err := w.tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES ('epoch', ?)`, fmt.Sprint(stats.Epoch)); err != nil {
		return stats, err
	}
	root, err := src.Lookup(src.ID(), "/")
	if err != nil {
		return stats, err
	}
	seen := map[uint64]bool{root.Addr: true}
	if err := w.object(ctx, root, "/"); err != nil {
		return stats, err
	}
	stats.Objects++

	queue := []group{{root.Addr, "/"}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		g := queue[0]
		queue = queue[1:]
		members, err := src.List(src.ID(), g.path, api.IndexName)
		if err != nil {
			return stats, fmt.Errorf("list %s: %w", g.path, err)
		}
		for _, m := range members {
			if _, err := w.stmtLink.ExecContext(ctx, g.addr, m.Name, m.Addr, m.Corder); err != nil {
				return stats, err
			}
			stats.Links++
			if seen[m.Addr] {
				continue
			}
			seen[m.Addr] = true
			p := path.Join(g.path, m.Name)
			info, err := src.Lookup(src.ID(), p)
			if err != nil {
				return stats, fmt.Errorf("lookup %s: %w", p, err)
			}
			if err := w.object(ctx, info, p); err != nil {
				return stats, err
			}
			stats.Objects++
			switch m.Kind {
			case api.KindGroup:
				queue = append(queue, group{m.Addr, p})
			case api.KindDataset:
				if err := w.dataset(ctx, src, m.Addr, p); err != nil {
					return stats, err
				}
				stats.Datasets++
			}
		}
	}
	return stats, nil
}

func (w *writer) object(ctx context.Context, info api.ObjectInfo, p string) error {
	_, err := w.stmtObject.ExecContext(ctx, info.Addr, info.Kind.String(), info.LinkCount, p)
	return err
}

func (w *writer) dataset(ctx context.Context, src Source, addr uint64, p string) (err error) {
	id, err := src.OpenDataset(src.ID(), p)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer func() { err = errors.Join(err, src.Close(id)) }()
	info, err := src.DatasetInfo(id)
	if err != nil {
		return err
	}
	dims, _ := json.Marshal(info.Dims)
	maxDims, _ := json.Marshal(info.MaxDims)
	chunk, _ := json.Marshal(info.Chunk)
	_, err = w.stmtData.ExecContext(ctx, addr, info.ElemSize, string(dims), string(maxDims), string(chunk), info.Filter.String(), info.Chunks)
	return err
}
