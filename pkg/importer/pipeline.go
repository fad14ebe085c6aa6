package importer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/graph"
	"github.com/skeindb/skein/pkg/index"
	"github.com/skeindb/skein/pkg/ontology"
	"github.com/skeindb/skein/pkg/store"
)

// Pipeline defaults.
const (
	DefaultEmbedWorkers    = 4
	DefaultEmbedRetries    = 3
	DefaultEmbedRetryDelay = 500 * time.Millisecond
)

// Config tunes an importer. The zero value disables export (no data
// directory) and uses the pipeline defaults for everything else.
type Config struct {
	// DataDir is the live durable directory. Empty disables the
	// export/swap stage.
	DataDir         string
	MaxRowsPerFile  int
	EmbedWorkers    int
	EmbedRetries    int
	EmbedRetryDelay time.Duration
}

// Importer runs bundles through the import pipeline.
type Importer struct {
	store      *store.Store
	maintainer *index.Maintainer
	cache      *index.Cache
	embedder   index.Embedder
	validator  *ontology.BundleValidator
	resolver   *graph.Resolver
	logger     *zap.Logger
	cfg        Config
}

// New wires an importer. embedder may be nil, in which case imported
// content is searchable by full text only. resolver may be nil; when
// present its memo is reset after every committed import.
func New(s *store.Store, maintainer *index.Maintainer, cache *index.Cache, embedder index.Embedder, resolver *graph.Resolver, cfg Config) (*Importer, error) {
	validator, err := s.Ontology().BundleValidator()
	if err != nil {
		return nil, err
	}
	if cfg.EmbedWorkers <= 0 {
		cfg.EmbedWorkers = DefaultEmbedWorkers
	}
	if cfg.EmbedRetries <= 0 {
		cfg.EmbedRetries = DefaultEmbedRetries
	}
	if cfg.EmbedRetryDelay <= 0 {
		cfg.EmbedRetryDelay = DefaultEmbedRetryDelay
	}
	if cfg.MaxRowsPerFile <= 0 {
		cfg.MaxRowsPerFile = store.DefaultMaxRowsPerFile
	}
	return &Importer{
		store:      s,
		maintainer: maintainer,
		cache:      cache,
		embedder:   embedder,
		validator:  validator,
		resolver:   resolver,
		logger:     s.Logger(),
		cfg:        cfg,
	}, nil
}

// TypeCounts maps a node or edge type name to an operation count.
type TypeCounts map[string]int

// Result reports what one import did.
type Result struct {
	Upserts   TypeCounts `json:"upserts"`
	Deletes   TypeCounts `json:"deletes"`
	IndexRows int        `json:"index_rows"`
	Embedded  EmbedStats `json:"embedded"`
	Exported  int64      `json:"exported"`
}

// touchedNode is a node whose index rows must be rebuilt before
// commit.
type touchedNode struct {
	nt *ontology.NodeType
	id int64
}

// Run executes the full pipeline for one bundle: validate everything,
// apply all mutations and index maintenance in a single transaction,
// then compute embeddings, refresh the full-text index and export the
// dataset to the durable directory. Only the transaction and the
// atomic swap can fail the import; embedding and refresh failures
// degrade to full-text-only search.
func (imp *Importer) Run(ctx context.Context, bundle *Bundle) (*Result, error) {
	imp.store.LockImport()
	defer imp.store.UnlockImport()

	if err := imp.validate(bundle); err != nil {
		return nil, err
	}

	res := &Result{Upserts: TypeCounts{}, Deletes: TypeCounts{}}
	err := imp.store.Write(func() error {
		tx, err := imp.store.DB().BeginTx(ctx, nil)
		if err != nil {
			return errs.Wrap("import", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := imp.apply(ctx, tx, bundle, res); err != nil {
			return err
		}
		return errs.Wrap("import", tx.Commit())
	})
	if err != nil {
		return nil, err
	}
	if imp.resolver != nil {
		imp.resolver.Reset()
	}

	stats, err := imp.ComputeEmbeddings(ctx)
	if err != nil {
		imp.logger.Warn("embedding pass failed, content stays full-text-only", zap.Error(err))
	}
	res.Embedded = stats

	if err := imp.RefreshFullTextIndex(ctx); err != nil {
		imp.logger.Warn("full-text refresh failed", zap.Error(err))
	}

	if imp.cfg.DataDir != "" {
		exported, err := imp.ExportAndSwap(ctx)
		if err != nil {
			return res, err
		}
		res.Exported = exported
	}

	imp.logger.Info("bundle imported",
		zap.Int("items", len(bundle.Items)),
		zap.Int("index_rows", res.IndexRows),
		zap.Int64("exported", res.Exported))
	return res, nil
}

// RunFile runs the bundle at path. When removeInput is set the file is
// deleted on every exit path, success or failure.
func (imp *Importer) RunFile(ctx context.Context, path string, removeInput bool) (*Result, error) {
	if removeInput {
		defer func() { _ = os.Remove(path) }()
	}
	bundle, err := LoadBundle(path)
	if err != nil {
		return nil, err
	}
	return imp.Run(ctx, bundle)
}

// validate checks the whole bundle against the compiled per-type
// schemas before anything is written. The first violation aborts.
func (imp *Importer) validate(bundle *Bundle) error {
	for _, item := range bundle.Items {
		if err := imp.validator.Validate(item.Index, item.Type, item.Fields); err != nil {
			return err
		}
	}
	return nil
}

// apply runs every mutation of the bundle inside tx, re-checks edge
// references and rebuilds the index rows of every touched node.
func (imp *Importer) apply(ctx context.Context, tx *sql.Tx, bundle *Bundle, res *Result) error {
	ont := imp.store.Ontology()
	var touched []touchedNode
	var edgeUpserts []Item

	for _, item := range bundle.Items {
		if nt, ok := ont.Nodes[item.Type]; ok {
			switch item.Action {
			case ActionUpsert:
				id, err := imp.upsertNode(ctx, tx, nt, item)
				if err != nil {
					return err
				}
				touched = append(touched, touchedNode{nt: nt, id: id})
				res.Upserts[item.Type]++
			case ActionDelete:
				if err := imp.deleteNode(ctx, tx, nt, item); err != nil {
					return err
				}
				res.Deletes[item.Type]++
			}
			continue
		}

		et := ont.Edges[item.Type]
		switch item.Action {
		case ActionUpsert:
			if err := imp.upsertEdge(ctx, tx, et, item); err != nil {
				return err
			}
			edgeUpserts = append(edgeUpserts, item)
			res.Upserts[item.Type]++
		case ActionDelete:
			if err := imp.deleteEdge(ctx, tx, et, item); err != nil {
				return err
			}
			res.Deletes[item.Type]++
		}
	}

	if err := imp.checkEdgeReferences(ctx, tx, edgeUpserts); err != nil {
		return err
	}

	rebuilt := make(map[string]bool)
	for _, tn := range touched {
		key := fmt.Sprintf("%s:%d", tn.nt.Table, tn.id)
		if rebuilt[key] {
			continue
		}
		rebuilt[key] = true

		attrs, err := imp.loadRow(ctx, tx, tn.nt.Table, tn.id)
		if err != nil {
			return err
		}
		n, err := imp.maintainer.Rebuild(ctx, tx, tn.nt, tn.id, attrs)
		if err != nil {
			return err
		}
		res.IndexRows += n
	}
	return nil
}

// attrs extracts a node item's attribute values, stripping the
// discriminator and action and normalizing date-time strings.
func nodeAttrs(nt *ontology.NodeType, item Item) map[string]any {
	attrs := make(map[string]any, len(item.Fields))
	for k, v := range item.Fields {
		if k == "type" || k == "action" {
			continue
		}
		attrs[k] = v
	}
	ontology.CoerceDateTimes(attrs, nt.Attributes)
	return attrs
}

func edgeAttrs(et *ontology.EdgeType, item Item) map[string]any {
	attrs := make(map[string]any, len(item.Fields))
	for k, v := range item.Fields {
		if k == "type" || k == "action" || k == "source" || k == "target" {
			continue
		}
		attrs[k] = v
	}
	ontology.CoerceDateTimes(attrs, et.Attributes)
	return attrs
}

// resolveIdentity looks an identity up directly, without memoization:
// inside an open transaction a memo could outlive a rollback.
func resolveIdentity(ctx context.Context, tx *sql.Tx, nt *ontology.NodeType, identity map[string]any) (int64, bool, error) {
	conds := make([]string, 0, len(nt.Identity))
	args := make([]any, 0, len(nt.Identity))
	for _, field := range nt.Identity {
		value, ok := identity[field]
		if !ok {
			return 0, false, errs.Validationf("missing identity field %q for type %q", field, nt.Name)
		}
		bound, err := store.BindValue(value)
		if err != nil {
			return 0, false, err
		}
		conds = append(conds, fmt.Sprintf("%q = ?", field))
		args = append(args, bound)
	}

	var id int64
	query := fmt.Sprintf("SELECT id FROM %q WHERE %s", nt.Table, strings.Join(conds, " AND "))
	err := tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Wrap("resolve", err)
	}
	return id, true, nil
}

// upsertNode matches by identity, overwrites attributes and preserves
// the original creation time. New rows get a surrogate id from the
// table's counter.
func (imp *Importer) upsertNode(ctx context.Context, tx *sql.Tx, nt *ontology.NodeType, item Item) (int64, error) {
	attrs := nodeAttrs(nt, item)
	now := time.Now().UTC().Format(time.RFC3339)

	id, exists, err := resolveIdentity(ctx, tx, nt, attrs)
	if err != nil {
		return 0, err
	}

	cols := nt.Columns()
	values := make([]any, 0, len(cols))
	for _, col := range cols {
		bound, err := store.BindValue(attrs[col])
		if err != nil {
			return 0, errs.Validationf("record %d, field %s: %v", item.Index, col, err)
		}
		values = append(values, bound)
	}

	if exists {
		sets := make([]string, 0, len(cols)+1)
		for _, col := range cols {
			sets = append(sets, fmt.Sprintf("%q = ?", col))
		}
		sets = append(sets, `updated_at = ?`)
		query := fmt.Sprintf("UPDATE %q SET %s WHERE id = ?", nt.Table, strings.Join(sets, ", "))
		args := append(append([]any{}, values...), now, id)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, errs.Wrap("upsert_node", err)
		}
		return id, nil
	}

	id, err = imp.store.NextID(ctx, tx, nt.Table)
	if err != nil {
		return 0, errs.Wrap("upsert_node", err)
	}
	query := fmt.Sprintf("INSERT INTO %q (id, created_at, updated_at%s) VALUES (?, ?, ?%s)",
		nt.Table, prefixedColumns(cols), strings.Repeat(", ?", len(cols)))
	args := append([]any{id, now, now}, values...)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, errs.Wrap("upsert_node", err)
	}
	return id, nil
}

// deleteNode removes a node, every edge touching it and its index
// rows. The node must exist.
func (imp *Importer) deleteNode(ctx context.Context, tx *sql.Tx, nt *ontology.NodeType, item Item) error {
	attrs := nodeAttrs(nt, item)
	id, exists, err := resolveIdentity(ctx, tx, nt, attrs)
	if err != nil {
		return err
	}
	if !exists {
		return errs.NotFoundf("record %d: no %s node to delete", item.Index, nt.Name)
	}

	ont := imp.store.Ontology()
	for _, edgeName := range ont.EdgeNames() {
		et := ont.Edges[edgeName]
		if et.Source == nt.Name {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %q WHERE source_id = ?", et.Table), id); err != nil {
				return errs.Wrap("delete_node", err)
			}
		}
		if et.Target == nt.Name {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %q WHERE target_id = ?", et.Table), id); err != nil {
				return errs.Wrap("delete_node", err)
			}
		}
	}

	if err := imp.maintainer.Delete(ctx, tx, nt.Table, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %q WHERE id = ?", nt.Table), id); err != nil {
		return errs.Wrap("delete_node", err)
	}
	return nil
}

// resolveEndpoints resolves an edge item's source and target inside
// the transaction, so endpoints inserted earlier in the same bundle
// are visible.
func (imp *Importer) resolveEndpoints(ctx context.Context, tx *sql.Tx, et *ontology.EdgeType, item Item) (int64, int64, error) {
	ont := imp.store.Ontology()
	sourceNT := ont.Nodes[et.Source]
	targetNT := ont.Nodes[et.Target]

	sourceID, ok, err := resolveIdentity(ctx, tx, sourceNT, item.Source())
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, errs.Integrityf("record %d: edge %s has unresolved source %v", item.Index, et.Name, item.Source())
	}
	targetID, ok, err := resolveIdentity(ctx, tx, targetNT, item.Target())
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, errs.Integrityf("record %d: edge %s has unresolved target %v", item.Index, et.Name, item.Target())
	}
	return sourceID, targetID, nil
}

// upsertEdge inserts or overwrites the one edge row allowed per
// (source, target) pair.
func (imp *Importer) upsertEdge(ctx context.Context, tx *sql.Tx, et *ontology.EdgeType, item Item) error {
	sourceID, targetID, err := imp.resolveEndpoints(ctx, tx, et, item)
	if err != nil {
		return err
	}

	attrs := edgeAttrs(et, item)
	now := time.Now().UTC().Format(time.RFC3339)
	cols := et.Columns()
	values := make([]any, 0, len(cols))
	for _, col := range cols {
		bound, err := store.BindValue(attrs[col])
		if err != nil {
			return errs.Validationf("record %d, field %s: %v", item.Index, col, err)
		}
		values = append(values, bound)
	}

	id, err := imp.store.NextID(ctx, tx, et.Table)
	if err != nil {
		return errs.Wrap("upsert_edge", err)
	}

	sets := []string{"updated_at = excluded.updated_at"}
	for _, col := range cols {
		sets = append(sets, fmt.Sprintf("%q = excluded.%q", col, col))
	}
	query := fmt.Sprintf(
		"INSERT INTO %q (id, source_id, target_id, created_at, updated_at%s) VALUES (?, ?, ?, ?, ?%s) ON CONFLICT(source_id, target_id) DO UPDATE SET %s",
		et.Table, prefixedColumns(cols), strings.Repeat(", ?", len(cols)), strings.Join(sets, ", "))
	args := append([]any{id, sourceID, targetID, now, now}, values...)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errs.Wrap("upsert_edge", err)
	}
	return nil
}

// deleteEdge removes the edge between two resolved endpoints. The edge
// must exist.
func (imp *Importer) deleteEdge(ctx context.Context, tx *sql.Tx, et *ontology.EdgeType, item Item) error {
	ont := imp.store.Ontology()
	sourceNT := ont.Nodes[et.Source]
	targetNT := ont.Nodes[et.Target]

	sourceID, ok, err := resolveIdentity(ctx, tx, sourceNT, item.Source())
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFoundf("record %d: edge %s source does not exist", item.Index, et.Name)
	}
	targetID, ok, err := resolveIdentity(ctx, tx, targetNT, item.Target())
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFoundf("record %d: edge %s target does not exist", item.Index, et.Name)
	}

	result, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %q WHERE source_id = ? AND target_id = ?", et.Table), sourceID, targetID)
	if err != nil {
		return errs.Wrap("delete_edge", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errs.Wrap("delete_edge", err)
	}
	if n == 0 {
		return errs.NotFoundf("record %d: no %s edge between the given endpoints", item.Index, et.Name)
	}
	return nil
}

// checkEdgeReferences re-verifies, after all mutations, that every
// edge-upsert of the bundle still resolves both endpoints. A later
// node delete can invalidate an earlier edge upsert; that must roll
// the whole bundle back.
func (imp *Importer) checkEdgeReferences(ctx context.Context, tx *sql.Tx, edgeUpserts []Item) error {
	ont := imp.store.Ontology()
	for _, item := range edgeUpserts {
		et := ont.Edges[item.Type]
		if _, _, err := imp.resolveEndpoints(ctx, tx, et, item); err != nil {
			return err
		}
	}
	return nil
}

// loadRow fetches a row as an attribute map for index rebuilding.
func (imp *Importer) loadRow(ctx context.Context, tx *sql.Tx, table string, id int64) (map[string]any, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q WHERE id = ?", table), id)
	if err != nil {
		return nil, errs.Wrap("import", err)
	}
	defer func() { _ = rows.Close() }()

	maps, err := store.ScanRowMaps(rows)
	if err != nil {
		return nil, errs.Wrap("import", err)
	}
	if len(maps) == 0 {
		return nil, errs.NotFoundf("row %d vanished from %s mid-import", id, table)
	}
	return maps[0], nil
}

// RefreshFullTextIndex compacts the FTS5 mirror after bulk changes.
func (imp *Importer) RefreshFullTextIndex(ctx context.Context) error {
	return imp.store.Write(func() error {
		_, err := imp.store.DB().ExecContext(ctx,
			"INSERT INTO search_fts(search_fts) VALUES ('optimize')")
		return errs.Wrap("fts_refresh", err)
	})
}

func prefixedColumns(cols []string) string {
	var b strings.Builder
	for _, col := range cols {
		fmt.Fprintf(&b, ", %q", col)
	}
	return b.String()
}
