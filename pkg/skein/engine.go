// Package skein composes the storage, index, search, graph and import
// components into one embedded knowledge base engine.
package skein

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/skeindb/skein/internal/encoding"
	"github.com/skeindb/skein/pkg/config"
	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/graph"
	"github.com/skeindb/skein/pkg/importer"
	"github.com/skeindb/skein/pkg/index"
	"github.com/skeindb/skein/pkg/ontology"
	"github.com/skeindb/skein/pkg/search"
	"github.com/skeindb/skein/pkg/store"
)

// Engine is the top-level handle. All operations are safe for
// concurrent use; reads run together while writes and imports are
// serialized by the store's coordinator.
type Engine struct {
	cfg      *config.Config
	ontology *ontology.Ontology
	store    *store.Store
	cache    *index.Cache
	index    *index.Maintainer
	search   *search.Engine
	graph    *graph.Engine
	importer *importer.Importer
	logger   *zap.Logger

	embedder   index.Embedder
	tokenizer  index.Tokenizer
	similarity search.SimilarityFunc
}

// Option customizes an Engine before it opens.
type Option func(*Engine)

// WithEmbedder plugs in the embedding collaborator. Without one, all
// content is full-text-only.
func WithEmbedder(e index.Embedder) Option {
	return func(eng *Engine) { eng.embedder = e }
}

// WithTokenizer plugs in the segmentation collaborator. Without one,
// raw text is indexed as-is.
func WithTokenizer(t index.Tokenizer) Option {
	return func(eng *Engine) { eng.tokenizer = t }
}

// WithLogger overrides the logger built from the config.
func WithLogger(l *zap.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithSimilarity swaps the vector scoring function used by retrieval.
func WithSimilarity(fn search.SimilarityFunc) Option {
	return func(eng *Engine) { eng.similarity = fn }
}

// Open compiles the ontology, opens the database, wires every
// component and, when a data directory is configured, loads the
// durable shard files into the tables.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.OntologyPath == "" {
		return nil, errs.Validationf("ontology_path is required")
	}

	ont, err := ontology.Load(cfg.OntologyPath)
	if err != nil {
		return nil, err
	}

	eng := &Engine{cfg: cfg, ontology: ont}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.logger == nil {
		eng.logger, err = cfg.Logger()
		if err != nil {
			return nil, err
		}
	}

	eng.store, err = store.Open(cfg.DatabasePath, ont, eng.logger)
	if err != nil {
		return nil, err
	}

	eng.cache = index.NewCache()
	eng.index = index.NewMaintainer(eng.tokenizer, eng.cache, cfg.Chunk.Size, cfg.Chunk.Overlap)
	eng.search = search.NewEngine(eng.store, eng.embedder, eng.tokenizer, search.WithSimilarity(eng.similarity))
	eng.graph = graph.NewEngine(eng.store)
	eng.importer, err = importer.New(eng.store, eng.index, eng.cache, eng.embedder, eng.graph.Resolver(), importer.Config{
		DataDir:         cfg.DataDir,
		MaxRowsPerFile:  cfg.Import.MaxRowsPerFile,
		EmbedWorkers:    cfg.Import.EmbedWorkers,
		EmbedRetries:    cfg.Import.EmbedRetries,
		EmbedRetryDelay: cfg.Import.EmbedRetryDelay.Std(),
	})
	if err != nil {
		_ = eng.store.Close()
		return nil, err
	}

	if cfg.DataDir != "" {
		if err := eng.bootstrap(context.Background()); err != nil {
			_ = eng.store.Close()
			return nil, err
		}
	}
	return eng, nil
}

// bootstrap loads every durable shard file into the tables. Missing
// directories are fine; the tables just start empty.
func (e *Engine) bootstrap(ctx context.Context) error {
	return e.store.Write(func() error {
		for _, name := range e.ontology.NodeNames() {
			nt := e.ontology.Nodes[name]
			pattern := filepath.Join(importer.NodeTableDir(e.cfg.DataDir, nt.Table), "*", "part_*.jsonl")
			n, err := e.store.LoadTable(ctx, nt.Table, pattern, nt.Identity)
			if err != nil {
				return err
			}
			if n > 0 {
				e.logger.Debug("table loaded", zap.String("table", nt.Table), zap.Int64("rows", n))
			}
		}
		for _, name := range e.ontology.EdgeNames() {
			et := e.ontology.Edges[name]
			pattern := filepath.Join(importer.EdgeTableDir(e.cfg.DataDir, name), "*", "part_*.jsonl")
			n, err := e.store.LoadTable(ctx, et.Table, pattern, []string{"source_id", "target_id"})
			if err != nil {
				return err
			}
			if n > 0 {
				e.logger.Debug("table loaded", zap.String("table", et.Table), zap.Int64("rows", n))
			}
		}
		pattern := filepath.Join(importer.CacheDir(e.cfg.DataDir), "part_*.jsonl")
		_, err := e.store.LoadTable(ctx, "memo_cache", pattern, []string{"content_hash"})
		return err
	})
}

// Close releases the database connection.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Ontology returns the compiled ontology.
func (e *Engine) Ontology() *ontology.Ontology {
	return e.ontology
}

// Documentation renders the ontology reference document.
func (e *Engine) Documentation() string {
	return e.ontology.Documentation()
}

// Search runs hybrid retrieval. Zero options fall back to the
// configured limit and RRF constant; a nil alpha falls back to the
// configured weight while an explicit 0 or 1 passes through as pure
// FTS or pure vector ranking.
func (e *Engine) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = e.cfg.Search.Limit
	}
	if opts.Alpha == nil {
		opts.Alpha = &e.cfg.Search.Alpha
	}
	if opts.K <= 0 {
		opts.K = e.cfg.Search.RRFK
	}
	return e.search.Search(ctx, query, opts)
}

// VectorSearch runs the vector-only diagnostic variant.
func (e *Engine) VectorSearch(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	return e.search.VectorSearch(ctx, query, opts)
}

// FTSSearch runs the full-text-only diagnostic variant.
func (e *Engine) FTSSearch(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	return e.search.FTSSearch(ctx, query, opts)
}

// GetNeighbors lists the direct neighbors of one node.
func (e *Engine) GetNeighbors(ctx context.Context, nodeType string, ref graph.NodeRef, opts graph.NeighborOptions) (*graph.NeighborsResult, error) {
	return e.graph.Neighbors(ctx, nodeType, ref, opts)
}

// Traverse expands from one node in path or node-only mode.
func (e *Engine) Traverse(ctx context.Context, nodeType string, ref graph.NodeRef, opts graph.TraverseOptions) (*graph.TraverseResult, error) {
	return e.graph.Traverse(ctx, nodeType, ref, opts)
}

// ExtractSubgraph collects the bounded neighborhood of one node.
func (e *Engine) ExtractSubgraph(ctx context.Context, nodeType string, ref graph.NodeRef, opts graph.SubgraphOptions) (*graph.Subgraph, error) {
	return e.graph.ExtractSubgraph(ctx, nodeType, ref, opts)
}

// FindPaths collects the distinct paths between two nodes.
func (e *Engine) FindPaths(ctx context.Context, fromType string, from graph.NodeRef, toType string, to graph.NodeRef, opts graph.PathsOptions) ([]graph.Path, error) {
	return e.graph.FindPaths(ctx, fromType, from, toType, to, opts)
}

// ImportBundle runs the bundle file at path through the import
// pipeline. The file is treated as caller-supplied temporary input and
// removed when removeInput is set.
func (e *Engine) ImportBundle(ctx context.Context, path string, removeInput bool) (*importer.Result, error) {
	return e.importer.RunFile(ctx, path, removeInput)
}

// Import runs an already parsed bundle through the pipeline.
func (e *Engine) Import(ctx context.Context, bundle *importer.Bundle) (*importer.Result, error) {
	return e.importer.Run(ctx, bundle)
}

// RawSQL runs a guarded read-only statement.
func (e *Engine) RawSQL(ctx context.Context, stmt string) ([]map[string]any, error) {
	return e.search.RawQuery(ctx, stmt)
}

// GetSourceRecord fetches one row of an ontology table by surrogate
// id.
func (e *Engine) GetSourceRecord(ctx context.Context, table string, id int64) (map[string]any, error) {
	known := false
	for _, t := range e.ontology.Tables() {
		if t == table {
			known = true
			break
		}
	}
	if !known {
		return nil, errs.Validationf("unknown table %q", table)
	}

	var record map[string]any
	err := e.store.Read(func() error {
		rows, err := e.store.DB().QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q WHERE id = ?", table), id)
		if err != nil {
			return errs.Wrap("get_source_record", err)
		}
		defer func() { _ = rows.Close() }()

		maps, err := store.ScanRowMaps(rows)
		if err != nil {
			return errs.Wrap("get_source_record", err)
		}
		if len(maps) == 0 {
			return errs.NotFoundf("no row %d in %s", id, table)
		}
		record = maps[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.decodeStructuredAttrs(table, record)
	return record, nil
}

// decodeStructuredAttrs turns array and object attribute columns back
// into their structured values. They are stored as JSON text.
func (e *Engine) decodeStructuredAttrs(table string, record map[string]any) {
	attrs := e.attrSpecsForTable(table)
	for field, spec := range attrs {
		if spec.Type != "array" && spec.Type != "object" {
			continue
		}
		raw, ok := record[field].(string)
		if !ok {
			continue
		}
		value, err := encoding.DecodeAttr(raw)
		if err != nil {
			e.logger.Warn("malformed structured attribute left as text",
				zap.String("table", table), zap.String("field", field), zap.Error(err))
			continue
		}
		record[field] = value
	}
}

func (e *Engine) attrSpecsForTable(table string) map[string]ontology.FieldSpec {
	for _, nt := range e.ontology.Nodes {
		if nt.Table == table {
			return nt.Attributes
		}
	}
	for _, et := range e.ontology.Edges {
		if et.Table == table {
			return et.Attributes
		}
	}
	return nil
}

// BuildIndex rebuilds the search-index rows for every node of one
// type, or of all types when nodeType is empty, then computes missing
// embeddings. Returns the number of chunk rows written.
func (e *Engine) BuildIndex(ctx context.Context, nodeType string) (int, error) {
	var types []string
	if nodeType == "" {
		types = e.ontology.NodeNames()
	} else {
		if _, err := e.ontology.Node(nodeType); err != nil {
			return 0, err
		}
		types = []string{nodeType}
	}

	total := 0
	err := e.store.Write(func() error {
		tx, err := e.store.DB().BeginTx(ctx, nil)
		if err != nil {
			return errs.Wrap("build_index", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, name := range types {
			nt := e.ontology.Nodes[name]
			rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q ORDER BY id", nt.Table))
			if err != nil {
				return errs.Wrap("build_index", err)
			}
			records, err := store.ScanRowMaps(rows)
			_ = rows.Close()
			if err != nil {
				return errs.Wrap("build_index", err)
			}

			for _, record := range records {
				id, ok := record["id"].(int64)
				if !ok {
					continue
				}
				n, err := e.index.Rebuild(ctx, tx, nt, id, record)
				if err != nil {
					return err
				}
				total += n
			}
		}
		return errs.Wrap("build_index", tx.Commit())
	})
	if err != nil {
		return 0, err
	}

	if _, err := e.importer.ComputeEmbeddings(ctx); err != nil {
		e.logger.Warn("embedding pass failed after index rebuild", zap.Error(err))
	}
	return total, nil
}

// CollectCache garbage-collects memo entries unused for longer than
// the configured max age. Returns the number of entries reclaimed.
func (e *Engine) CollectCache(ctx context.Context) (int64, error) {
	var n int64
	err := e.store.Write(func() error {
		var err error
		n, err = e.cache.Collect(ctx, e.store.DB(), e.cfg.Cache.MaxAge.Std())
		return err
	})
	return n, err
}
