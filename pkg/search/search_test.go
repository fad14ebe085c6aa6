package search

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/skeindb/skein/internal/encoding"
	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/index"
	"github.com/skeindb/skein/pkg/ontology"
	"github.com/skeindb/skein/pkg/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	o, err := ontology.Parse([]byte(`
nodes:
  Character:
    table: characters
    identity: [name]
    attributes:
      name: {type: string}
      bio: {type: string}
    search:
      text_fields: [bio]
      vector_fields: [bio]
  Place:
    table: places
    identity: [name]
    attributes:
      name: {type: string}
      description: {type: string}
    search:
      text_fields: [description]
`))
	if err != nil {
		t.Fatalf("ontology parse failed: %v", err)
	}
	s, err := store.Open(filepath.Join(t.TempDir(), "kb.db"), o, zap.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedChunk inserts one search_index row, optionally with an
// embedding, so branch behavior can be controlled per row.
func seedChunk(t *testing.T, s *store.Store, table string, id int64, seq int, content string, vec []float32) {
	t.Helper()
	var blob any
	if vec != nil {
		b, err := encoding.EncodeVector(vec)
		if err != nil {
			t.Fatalf("EncodeVector failed: %v", err)
		}
		blob = b
	}
	_, err := s.DB().ExecContext(context.Background(), `
		INSERT INTO search_index (src_table, src_id, src_field, seq, content, tokenized, embedding, content_hash, created_at)
		VALUES (?, ?, 'bio', ?, ?, ?, ?, ?, '2026-01-01T00:00:00Z')`,
		table, id, seq, content, content, blob, encoding.ContentHash(content))
	if err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}
}

// fixedEmbedder returns the same vector for every input.
func fixedEmbedder(vec []float32) index.Embedder {
	return index.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return vec, nil
	})
}

func TestVectorSearchRanksByCosine(t *testing.T) {
	s := testStore(t)
	seedChunk(t, s, "characters", 1, 0, "close match", []float32{1, 0, 0})
	seedChunk(t, s, "characters", 2, 0, "far match", []float32{0, 1, 0})
	seedChunk(t, s, "characters", 3, 0, "middling", []float32{0.7, 0.7, 0})

	e := NewEngine(s, fixedEmbedder([]float32{1, 0, 0}), nil)
	results, err := e.VectorSearch(context.Background(), "anything", Options{Limit: 3})
	if err != nil {
		t.Fatalf("VectorSearch failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != 1 || results[1].ID != 3 || results[2].ID != 2 {
		t.Errorf("unexpected order: %d, %d, %d", results[0].ID, results[1].ID, results[2].ID)
	}
	if results[0].VectorRank != 1 || results[2].VectorRank != 3 {
		t.Errorf("ranks not assigned in order: %+v", results)
	}
}

func TestFTSSearchMatchesTokenized(t *testing.T) {
	s := testStore(t)
	seedChunk(t, s, "characters", 1, 0, "a story about dragons and gold", nil)
	seedChunk(t, s, "characters", 2, 0, "a tale of ships at sea", nil)

	e := NewEngine(s, nil, nil)
	results, err := e.FTSSearch(context.Background(), "dragons", Options{Limit: 10})
	if err != nil {
		t.Fatalf("FTSSearch failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID != 1 || results[0].FTSRank != 1 {
		t.Errorf("unexpected result: %+v", results[0])
	}
}

func TestFTSSearchQuotesPunctuation(t *testing.T) {
	s := testStore(t)
	seedChunk(t, s, "characters", 1, 0, "plain text here", nil)

	e := NewEngine(s, nil, nil)
	// MATCH syntax characters in the query must not produce an error.
	if _, err := e.FTSSearch(context.Background(), `dragons AND "gold* (NEAR)`, Options{}); err != nil {
		t.Fatalf("punctuated query failed: %v", err)
	}
}

func TestSearchAlphaOneEqualsVectorRanking(t *testing.T) {
	s := testStore(t)
	// Vector order: 1, 2. FTS would prefer 2 for "beta beta".
	seedChunk(t, s, "characters", 1, 0, "alpha text", []float32{1, 0})
	seedChunk(t, s, "characters", 2, 0, "beta beta", []float32{0, 1})

	e := NewEngine(s, fixedEmbedder([]float32{1, 0}), nil)

	vecOnly, err := e.Search(context.Background(), "beta", Options{Limit: 2, Alpha: AlphaWeight(1)})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(vecOnly) == 0 || vecOnly[0].ID != 1 {
		t.Errorf("alpha=1.0 must follow the vector ranking, got %+v", vecOnly)
	}
}

func TestSearchAlphaZeroEqualsFTSRanking(t *testing.T) {
	s := testStore(t)
	// Both rows FTS-match "beta"; the denser row 2 outranks row 1.
	// The vector branch prefers row 1.
	seedChunk(t, s, "characters", 1, 0, "beta alpha text padding words", []float32{1, 0})
	seedChunk(t, s, "characters", 2, 0, "beta beta", []float32{0, 1})

	e := NewEngine(s, fixedEmbedder([]float32{1, 0}), nil)

	fts, err := e.FTSSearch(context.Background(), "beta", Options{Limit: 2})
	if err != nil {
		t.Fatalf("FTSSearch failed: %v", err)
	}
	fused, err := e.Search(context.Background(), "beta", Options{Limit: 2, Alpha: AlphaWeight(0)})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(fused) != len(fts) {
		t.Fatalf("result counts differ: fused %d, fts %d", len(fused), len(fts))
	}
	for i := range fts {
		if fused[i].ID != fts[i].ID {
			t.Errorf("position %d: fused id %d, fts id %d", i, fused[i].ID, fts[i].ID)
		}
	}
	if fused[0].ID != 2 {
		t.Errorf("alpha=0 must follow the FTS ranking, got %+v", fused)
	}
}

func TestSearchNilAlphaUsesDefault(t *testing.T) {
	s := testStore(t)
	seedChunk(t, s, "characters", 1, 0, "beta alpha text padding words", []float32{1, 0})
	seedChunk(t, s, "characters", 2, 0, "beta beta", []float32{0, 1})

	e := NewEngine(s, fixedEmbedder([]float32{1, 0}), nil)

	// At the default weight the vector branch dominates; row 1 wins
	// even though FTS prefers row 2.
	fused, err := e.Search(context.Background(), "beta", Options{Limit: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(fused) == 0 || fused[0].ID != 1 {
		t.Errorf("nil alpha must weight vectors at the default, got %+v", fused)
	}
}

func TestSearchFusesBothBranches(t *testing.T) {
	s := testStore(t)
	seedChunk(t, s, "characters", 1, 0, "dragons hoard gold", []float32{1, 0})
	seedChunk(t, s, "characters", 2, 0, "dragons breathe fire", []float32{0.9, 0.1})
	seedChunk(t, s, "characters", 3, 0, "unrelated content", []float32{0, 1})

	e := NewEngine(s, fixedEmbedder([]float32{1, 0}), nil)
	results, err := e.Search(context.Background(), "dragons", Options{Limit: 2, Alpha: AlphaWeight(0.5)})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Row 1 ranks first in vector and appears in FTS; it must win.
	if results[0].ID != 1 {
		t.Errorf("expected id 1 first, got %d", results[0].ID)
	}
	if results[0].VectorRank == 0 || results[0].FTSRank == 0 {
		t.Errorf("winner should appear in both branches: %+v", results[0])
	}
}

func TestSearchNodeTypeFilter(t *testing.T) {
	s := testStore(t)
	seedChunk(t, s, "characters", 1, 0, "dragons everywhere", nil)
	seedChunk(t, s, "places", 1, 0, "dragons everywhere", nil)

	e := NewEngine(s, nil, nil)
	results, err := e.Search(context.Background(), "dragons", Options{NodeTypes: []string{"Place"}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range results {
		if r.Table != "places" {
			t.Errorf("filter leaked table %s", r.Table)
		}
	}
	if len(results) != 1 {
		t.Errorf("expected 1 filtered result, got %d", len(results))
	}

	_, err = e.Search(context.Background(), "dragons", Options{NodeTypes: []string{"Starship"}})
	if !errors.Is(err, errs.ErrValidation) {
		t.Errorf("unknown node type must be a validation error, got %v", err)
	}
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	e := NewEngine(testStore(t), nil, nil)
	if _, err := e.Search(context.Background(), "   ", Options{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCheckRawQuery(t *testing.T) {
	tests := []struct {
		name    string
		stmt    string
		wantErr bool
		want    string
	}{
		{"plain select gets limit", "SELECT name FROM characters", false, "SELECT name FROM characters LIMIT 100"},
		{"existing limit kept", "SELECT name FROM characters LIMIT 5", false, "SELECT name FROM characters LIMIT 5"},
		{"with statement allowed", "WITH c AS (SELECT 1) SELECT * FROM c", false, "WITH c AS (SELECT 1) SELECT * FROM c LIMIT 100"},
		{"insert rejected", "INSERT INTO characters (name) VALUES ('x')", true, ""},
		{"lowercase drop rejected", "select 1; drop table characters", true, ""},
		{"comment-hidden update rejected", "SELECT 1 /* sneaky */ UNION SELECT name FROM x WHERE 1=1 AND (SELECT 1) -- update\nUPDATE characters SET name='y'", true, ""},
		{"pragma rejected", "PRAGMA journal_mode", true, ""},
		{"keyword inside select body rejected", "SELECT * FROM characters WHERE name = 'x' UNION DELETE FROM characters", true, ""},
		{"comment stripped before prefix check", "/* lead */ SELECT 1", false, "SELECT 1 LIMIT 100"},
		{"empty rejected", "  -- nothing\n", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CheckRawQuery(tt.stmt)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected rejection, got %q", got)
				}
				if !errors.Is(err, errs.ErrGuard) {
					t.Errorf("expected guard error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestRawQueryRuns(t *testing.T) {
	s := testStore(t)
	seedChunk(t, s, "characters", 1, 0, "row one", nil)

	e := NewEngine(s, nil, nil)
	rows, err := e.RawQuery(context.Background(), "SELECT src_table, src_id FROM search_index")
	if err != nil {
		t.Fatalf("RawQuery failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["src_table"] != "characters" {
		t.Errorf("unexpected row: %+v", rows[0])
	}
}

func TestSearchWithDotProductSimilarity(t *testing.T) {
	s := testStore(t)
	// Cosine prefers row 1 (same direction); dot product prefers the
	// longer row 2.
	seedChunk(t, s, "characters", 1, 0, "short aligned", []float32{0.5, 0})
	seedChunk(t, s, "characters", 2, 0, "long leaning", []float32{0.9, 0.5})

	cosine := NewEngine(s, fixedEmbedder([]float32{1, 0}), nil)
	results, err := cosine.VectorSearch(context.Background(), "anything", Options{Limit: 2})
	if err != nil {
		t.Fatalf("VectorSearch failed: %v", err)
	}
	if results[0].ID != 1 {
		t.Fatalf("cosine should rank id 1 first, got %+v", results)
	}

	dot := NewEngine(s, fixedEmbedder([]float32{1, 0}), nil, WithSimilarity(DotProduct))
	results, err = dot.VectorSearch(context.Background(), "anything", Options{Limit: 2})
	if err != nil {
		t.Fatalf("VectorSearch failed: %v", err)
	}
	if results[0].ID != 2 {
		t.Errorf("dot product should rank id 2 first, got %+v", results)
	}
}

func TestVectorSearchRejectsInvalidQueryVector(t *testing.T) {
	s := testStore(t)
	seedChunk(t, s, "characters", 1, 0, "dragons hoard gold", []float32{1, 0})

	nan := float32(math.NaN())
	e := NewEngine(s, fixedEmbedder([]float32{nan, 0}), nil)

	if _, err := e.VectorSearch(context.Background(), "dragons", Options{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for NaN query vector, got %v", err)
	}

	// Hybrid search degrades to the text branch instead of failing.
	results, err := e.Search(context.Background(), "dragons", Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].VectorRank != 0 || results[0].FTSRank != 1 {
		t.Errorf("expected FTS-only result, got %+v", results)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("identical vectors should score ~1, got %f", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors should score 0, got %f", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{1}); got != 0 {
		t.Errorf("mismatched lengths should score 0, got %f", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Errorf("zero vector should score 0, got %f", got)
	}
}

func TestDotProduct(t *testing.T) {
	if got := DotProduct([]float32{1, 2}, []float32{3, 4}); got != 11 {
		t.Errorf("expected 11, got %f", got)
	}
	if got := DotProduct([]float32{1, 2}, []float32{3}); got != 0 {
		t.Errorf("mismatched lengths should score 0, got %f", got)
	}
}

func TestEuclideanDist(t *testing.T) {
	if got := EuclideanDist([]float32{0, 0}, []float32{3, 4}); got != -5 {
		t.Errorf("expected -5, got %f", got)
	}
	if got := EuclideanDist([]float32{1, 1}, []float32{1, 1}); got != 0 {
		t.Errorf("identical vectors should score 0, got %f", got)
	}
	if got := EuclideanDist([]float32{1}, []float32{1, 1}); !math.IsInf(got, -1) {
		t.Errorf("mismatched lengths should score -inf, got %f", got)
	}
}

func TestFTSQuote(t *testing.T) {
	got := ftsQuote(`dragons "gold"`)
	if !strings.HasPrefix(got, `"dragons"`) || strings.Contains(got, `"""gold"""`) == false {
		t.Errorf("unexpected quoting: %q", got)
	}
	if got := ftsQuote("   "); got != "" {
		t.Errorf("blank input should quote to empty, got %q", got)
	}
}
