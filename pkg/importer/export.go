package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skeindb/skein/pkg/errs"
)

// Durable layout below the data directory.
const (
	nodesDirName = "nodes"
	edgesDirName = "edges"
	cacheDirName = "cache"
)

// NodeTableDir returns the shard directory of a node table below a
// data directory.
func NodeTableDir(dataDir, table string) string {
	return filepath.Join(dataDir, nodesDirName, table)
}

// EdgeTableDir returns the shard directory of an edge type below a
// data directory.
func EdgeTableDir(dataDir, edgeName string) string {
	return filepath.Join(dataDir, edgesDirName, edgeName)
}

// CacheDir returns the memo-cache snapshot directory below a data
// directory.
func CacheDir(dataDir string) string {
	return filepath.Join(dataDir, cacheDirName)
}

// ExportAndSwap writes the entire dataset into a fresh shadow
// directory next to the live one, then swaps it into place: the live
// directory is renamed to a uniquely named backup, the shadow takes
// its position, and the backup is removed best-effort. The live
// directory is never touched until the export has fully succeeded, and
// the shadow directory is removed on every exit path.
func (imp *Importer) ExportAndSwap(ctx context.Context) (int64, error) {
	live := imp.cfg.DataDir
	shadow := live + ".shadow-" + uuid.NewString()
	defer func() { _ = os.RemoveAll(shadow) }()

	var total int64
	err := imp.store.Read(func() error {
		var err error
		total, err = imp.exportAll(ctx, shadow)
		return err
	})
	if err != nil {
		return 0, err
	}

	if err := imp.swap(live, shadow); err != nil {
		return 0, err
	}
	imp.logger.Debug("dataset exported", zap.String("dir", live), zap.Int64("rows", total))
	return total, nil
}

// exportAll dumps every node table, edge table and the memo cache into
// dir. The cache snapshot uses the same flat JSONL shards as the data
// tables rather than a columnar layout: one format keeps the loader
// single-pathed, and the content-hash ordering already makes repeated
// exports byte-stable.
func (imp *Importer) exportAll(ctx context.Context, dir string) (int64, error) {
	ont := imp.store.Ontology()
	var total int64

	for _, name := range ont.NodeNames() {
		nt := ont.Nodes[name]
		n, err := imp.store.DumpTable(ctx, nt.Table, NodeTableDir(dir, nt.Table), true, imp.cfg.MaxRowsPerFile)
		if err != nil {
			return 0, err
		}
		total += n
	}
	for _, name := range ont.EdgeNames() {
		et := ont.Edges[name]
		n, err := imp.store.DumpTable(ctx, et.Table, EdgeTableDir(dir, name), true, imp.cfg.MaxRowsPerFile)
		if err != nil {
			return 0, err
		}
		total += n
	}

	n, err := imp.store.DumpTable(ctx, "memo_cache", CacheDir(dir), false, imp.cfg.MaxRowsPerFile)
	if err != nil {
		return 0, err
	}
	total += n

	// An empty dataset still produces the directory skeleton so the
	// swap has something to move.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errs.Wrap("export", err)
	}
	return total, nil
}

// swap atomically replaces live with shadow. A failure after the live
// directory was moved aside restores it.
func (imp *Importer) swap(live, shadow string) error {
	backup := live + ".backup-" + uuid.NewString()

	liveExists := true
	if _, err := os.Stat(live); os.IsNotExist(err) {
		liveExists = false
	}

	if liveExists {
		if err := os.Rename(live, backup); err != nil {
			return errs.Wrap("swap", fmt.Errorf("failed to move live directory aside: %w", err))
		}
	}
	if err := os.Rename(shadow, live); err != nil {
		if liveExists {
			if restoreErr := os.Rename(backup, live); restoreErr != nil {
				imp.logger.Error("failed to restore live directory after swap failure",
					zap.String("backup", backup), zap.Error(restoreErr))
			}
		}
		return errs.Wrap("swap", err)
	}
	if liveExists {
		if err := os.RemoveAll(backup); err != nil {
			imp.logger.Warn("failed to remove backup directory", zap.String("backup", backup), zap.Error(err))
		}
	}
	return nil
}
