// Package search implements hybrid retrieval over the search index:
// cosine similarity over stored embeddings, FTS5 relevance over the
// tokenized column, and Reciprocal Rank Fusion of the two, plus a
// guarded raw-query escape hatch.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/skeindb/skein/internal/encoding"
	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/index"
	"github.com/skeindb/skein/pkg/store"
)

// Fusion defaults.
const (
	DefaultLimit = 10
	DefaultAlpha = 0.7
	DefaultRRFK  = 60

	// candidateFactor bounds each branch relative to the requested
	// limit before fusion.
	candidateFactor = 3
)

// Result is one fused (or single-branch) hit, joined back to the full
// chunk content and its source row.
type Result struct {
	Table   string  `json:"table"`
	ID      int64   `json:"id"`
	Field   string  `json:"field"`
	Seq     int     `json:"seq"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`

	// Per-branch ranks, 1-based. Zero means the candidate was absent
	// from that branch.
	VectorRank int `json:"vector_rank,omitempty"`
	FTSRank    int `json:"fts_rank,omitempty"`
}

// Options tunes a hybrid search. Zero values fall back to defaults.
type Options struct {
	// NodeTypes restricts results to the given node types. Empty means
	// all types.
	NodeTypes []string
	Limit     int
	// Alpha weights the vector branch; 1-alpha weights the FTS branch.
	// Nil selects DefaultAlpha. An explicit 0 is pure FTS ranking, an
	// explicit 1 pure vector ranking.
	Alpha *float64
	// K is the RRF smoothing constant.
	K int
}

// AlphaWeight builds the Alpha option value.
func AlphaWeight(v float64) *float64 {
	return &v
}

// Engine runs retrieval against a store. The embedder and tokenizer
// are the same collaborators the import pipeline uses; either may be
// nil, degrading the corresponding branch.
type Engine struct {
	store      *store.Store
	embedder   index.Embedder
	tokenizer  index.Tokenizer
	similarity SimilarityFunc
}

// EngineOption customizes a retrieval engine.
type EngineOption func(*Engine)

// WithSimilarity swaps the vector scoring function. The default is
// CosineSimilarity; DotProduct and EuclideanDist are the other built-in
// choices.
func WithSimilarity(fn SimilarityFunc) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.similarity = fn
		}
	}
}

// NewEngine wires a retrieval engine over s.
func NewEngine(s *store.Store, embedder index.Embedder, tokenizer index.Tokenizer, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      s,
		embedder:   embedder,
		tokenizer:  tokenizer,
		similarity: CosineSimilarity,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (o Options) normalized() Options {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.K <= 0 {
		o.K = DefaultRRFK
	}
	return o
}

// alpha resolves the vector weight: nil means DefaultAlpha, anything
// else is clamped to [0, 1] and taken literally.
func (o Options) alpha() float64 {
	if o.Alpha == nil {
		return DefaultAlpha
	}
	a := *o.Alpha
	if a < 0 {
		return 0
	}
	if a > 1 {
		return 1
	}
	return a
}

// tableFilter resolves node type names to table names, or nil for no
// restriction.
func (e *Engine) tableFilter(nodeTypes []string) ([]string, error) {
	if len(nodeTypes) == 0 {
		return nil, nil
	}
	tables := make([]string, 0, len(nodeTypes))
	for _, name := range nodeTypes {
		nt, err := e.store.Ontology().Node(name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, nt.Table)
	}
	return tables, nil
}

// Search embeds the query, runs the vector and FTS branches capped at
// limit*candidateFactor each, fuses them by Reciprocal Rank Fusion and
// returns the top limit results. With alpha=1 the fused order equals
// the vector order; with alpha=0 it equals the FTS order.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validationf("search query cannot be empty")
	}
	opts = opts.normalized()

	tables, err := e.tableFilter(opts.NodeTypes)
	if err != nil {
		return nil, err
	}
	branchCap := opts.Limit * candidateFactor

	var vectorHits, ftsHits []Result
	err = e.store.Read(func() error {
		var queryVec []float32
		if e.embedder != nil {
			queryVec, err = e.embedder.Embed(ctx, query)
			if err != nil {
				e.store.Logger().Warn("query embedding failed, using text only", zap.Error(err))
				queryVec = nil
			} else if err := encoding.ValidateVector(queryVec); err != nil {
				e.store.Logger().Warn("query embedding invalid, using text only", zap.Error(err))
				queryVec = nil
			}
		}

		if queryVec != nil {
			vectorHits, err = e.vectorSearch(ctx, queryVec, tables, branchCap)
			if err != nil {
				return err
			}
		}
		ftsHits, err = e.ftsSearch(ctx, query, tables, branchCap)
		return err
	})
	if err != nil {
		return nil, err
	}

	return fuse(vectorHits, ftsHits, opts), nil
}

// VectorSearch is the single-signal vector diagnostic variant.
func (e *Engine) VectorSearch(ctx context.Context, query string, opts Options) ([]Result, error) {
	if e.embedder == nil {
		return nil, errs.Validationf("no embedder configured")
	}
	opts = opts.normalized()
	tables, err := e.tableFilter(opts.NodeTypes)
	if err != nil {
		return nil, err
	}

	var results []Result
	err = e.store.Read(func() error {
		queryVec, err := e.embedder.Embed(ctx, query)
		if err != nil {
			return errs.Wrap("vector_search", err)
		}
		if err := encoding.ValidateVector(queryVec); err != nil {
			return errs.Validationf("embedder returned an unusable query vector: %v", err)
		}
		results, err = e.vectorSearch(ctx, queryVec, tables, opts.Limit)
		return err
	})
	return results, err
}

// FTSSearch is the single-signal full-text diagnostic variant.
func (e *Engine) FTSSearch(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validationf("search query cannot be empty")
	}
	opts = opts.normalized()
	tables, err := e.tableFilter(opts.NodeTypes)
	if err != nil {
		return nil, err
	}

	var results []Result
	err = e.store.Read(func() error {
		results, err = e.ftsSearch(ctx, query, tables, opts.Limit)
		return err
	})
	return results, err
}

// vectorSearch scans stored embeddings, scores them by cosine
// similarity and returns the top limit in rank order.
func (e *Engine) vectorSearch(ctx context.Context, queryVec []float32, tables []string, limit int) ([]Result, error) {
	query := "SELECT src_table, src_id, src_field, seq, content, embedding FROM search_index WHERE embedding IS NOT NULL"
	args := []any{}
	if len(tables) > 0 {
		query += " AND src_table IN (" + placeholders(len(tables)) + ")"
		for _, t := range tables {
			args = append(args, t)
		}
	}

	rows, err := e.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap("vector_search", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		var r Result
		var blob []byte
		if err := rows.Scan(&r.Table, &r.ID, &r.Field, &r.Seq, &r.Content, &blob); err != nil {
			return nil, errs.Wrap("vector_search", err)
		}
		vec, err := encoding.DecodeVector(blob)
		if err != nil {
			return nil, errs.Wrap("vector_search", err)
		}
		r.Score = e.similarity(queryVec, vec)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("vector_search", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return resultKey(results[i]) < resultKey(results[j])
	})
	if len(results) > limit {
		results = results[:limit]
	}
	for i := range results {
		results[i].VectorRank = i + 1
	}
	return results, nil
}

// ftsSearch matches the tokenized column via the FTS5 mirror, ranked
// by bm25 (lower is better), and returns the top limit in rank order.
func (e *Engine) ftsSearch(ctx context.Context, query string, tables []string, limit int) ([]Result, error) {
	match := query
	if e.tokenizer != nil {
		tokenized, err := e.tokenizer.Segment(ctx, query)
		if err != nil {
			return nil, errs.Wrap("fts_search", err)
		}
		match = tokenized
	}
	match = ftsQuote(match)
	if match == "" {
		return nil, nil
	}

	stmt := `
		SELECT si.src_table, si.src_id, si.src_field, si.seq, si.content, bm25(search_fts) AS rank
		FROM search_fts
		JOIN search_index si ON si.rowid = search_fts.rowid
		WHERE search_fts MATCH ?`
	args := []any{match}
	if len(tables) > 0 {
		stmt += " AND si.src_table IN (" + placeholders(len(tables)) + ")"
		for _, t := range tables {
			args = append(args, t)
		}
	}
	stmt += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := e.store.DB().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errs.Wrap("fts_search", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		var r Result
		var rank float64
		if err := rows.Scan(&r.Table, &r.ID, &r.Field, &r.Seq, &r.Content, &rank); err != nil {
			return nil, errs.Wrap("fts_search", err)
		}
		// bm25 is a cost; negate so higher means more relevant.
		r.Score = -rank
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap("fts_search", err)
	}

	for i := range results {
		results[i].FTSRank = i + 1
	}
	return results, nil
}

// fuse merges the two ranked candidate sets by Reciprocal Rank Fusion.
// A candidate missing from one branch contributes 0 for that branch.
func fuse(vectorHits, ftsHits []Result, opts Options) []Result {
	merged := make(map[string]*Result)

	for i := range vectorHits {
		r := vectorHits[i]
		merged[resultKey(r)] = &r
	}
	for i := range ftsHits {
		r := ftsHits[i]
		key := resultKey(r)
		if existing, ok := merged[key]; ok {
			existing.FTSRank = r.FTSRank
		} else {
			merged[key] = &r
		}
	}

	k := float64(opts.K)
	alpha := opts.alpha()
	fused := make([]Result, 0, len(merged))
	for _, r := range merged {
		score := 0.0
		if r.VectorRank > 0 {
			score += alpha / (k + float64(r.VectorRank))
		}
		if r.FTSRank > 0 {
			score += (1 - alpha) / (k + float64(r.FTSRank))
		}
		r.Score = score
		fused = append(fused, *r)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return resultKey(fused[i]) < resultKey(fused[j])
	})
	if len(fused) > opts.Limit {
		fused = fused[:opts.Limit]
	}
	return fused
}

func resultKey(r Result) string {
	return fmt.Sprintf("%s/%d/%s/%d", r.Table, r.ID, r.Field, r.Seq)
}

// ftsQuote turns free text into a safe FTS5 MATCH expression: each
// whitespace-separated token becomes a quoted phrase term, so query
// punctuation can never be parsed as MATCH syntax.
func ftsQuote(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
