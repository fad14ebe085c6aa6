package importer

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/graph"
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
edges:
  knows:
    source: Character
    target: Character
  lives_in:
    source: Character
    target: Place
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

func testImporter(t *testing.T, s *store.Store, embedder index.Embedder, dataDir string) *Importer {
	t.Helper()
	cache := index.NewCache()
	maintainer := index.NewMaintainer(nil, cache, 800, 100)
	imp, err := New(s, maintainer, cache, embedder, graph.NewResolver(s), Config{
		DataDir:         dataDir,
		EmbedRetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return imp
}

func mustParse(t *testing.T, payload string) *Bundle {
	t.Helper()
	b, err := ParseBundle([]byte(payload))
	if err != nil {
		t.Fatalf("ParseBundle failed: %v", err)
	}
	return b
}

func countRows(t *testing.T, s *store.Store, table string) int {
	t.Helper()
	var n int
	err := s.DB().QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n)
	if err != nil {
		t.Fatalf("count %s failed: %v", table, err)
	}
	return n
}

const worldBundle = `[
	{"type": "Character", "name": "alice", "bio": "knows everyone"},
	{"type": "Character", "name": "bob", "bio": "quiet type"},
	{"type": "Place", "name": "springfield"},
	{"type": "knows", "source": {"name": "alice"}, "target": {"name": "bob"}},
	{"type": "lives_in", "source": {"name": "alice"}, "target": {"name": "springfield"}}
]`

func TestRunImportsNodesAndEdges(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")

	res, err := imp.Run(context.Background(), mustParse(t, worldBundle))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Upserts["Character"] != 2 || res.Upserts["Place"] != 1 {
		t.Errorf("unexpected node counts: %+v", res.Upserts)
	}
	if res.Upserts["knows"] != 1 || res.Upserts["lives_in"] != 1 {
		t.Errorf("unexpected edge counts: %+v", res.Upserts)
	}
	if countRows(t, s, "characters") != 2 || countRows(t, s, "knows") != 1 {
		t.Error("rows missing after import")
	}
	if res.IndexRows != 2 {
		t.Errorf("expected 2 index rows (one bio chunk each), got %d", res.IndexRows)
	}
}

func TestRunEdgeResolvesNodeFromSameBundle(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")

	// The edge references nodes defined earlier in the same bundle,
	// before any commit.
	bundle := mustParse(t, `[
		{"type": "Character", "name": "x"},
		{"type": "Character", "name": "y"},
		{"type": "knows", "source": {"name": "x"}, "target": {"name": "y"}}
	]`)
	if _, err := imp.Run(context.Background(), bundle); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if countRows(t, s, "knows") != 1 {
		t.Error("edge not written")
	}
}

func TestRunIdempotent(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")
	ctx := context.Background()

	if _, err := imp.Run(ctx, mustParse(t, worldBundle)); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	chars, knows, idx := countRows(t, s, "characters"), countRows(t, s, "knows"), countRows(t, s, "search_index")

	if _, err := imp.Run(ctx, mustParse(t, worldBundle)); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if countRows(t, s, "characters") != chars || countRows(t, s, "knows") != knows || countRows(t, s, "search_index") != idx {
		t.Error("re-importing identical content changed row counts")
	}
}

func TestRunUpsertPreservesCreatedAt(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")
	ctx := context.Background()

	if _, err := imp.Run(ctx, mustParse(t, `[{"type": "Character", "name": "alice", "bio": "v1"}]`)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var created1 string
	if err := s.DB().QueryRowContext(ctx, "SELECT created_at FROM characters WHERE name = 'alice'").Scan(&created1); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	if _, err := imp.Run(ctx, mustParse(t, `[{"type": "Character", "name": "alice", "bio": "v2"}]`)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var created2, bio string
	if err := s.DB().QueryRowContext(ctx, "SELECT created_at, bio FROM characters WHERE name = 'alice'").Scan(&created2, &bio); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if created1 != created2 {
		t.Errorf("created_at changed on upsert: %s -> %s", created1, created2)
	}
	if bio != "v2" {
		t.Errorf("attributes not overwritten, bio = %q", bio)
	}
}

func TestRunValidationAbortsBeforeAnyWrite(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")

	// Record 1 violates the schema (unknown property); record 0 is
	// valid but must not be written either.
	bundle := mustParse(t, `[
		{"type": "Character", "name": "alice"},
		{"type": "Character", "name": "bob", "rank": 3}
	]`)
	_, err := imp.Run(context.Background(), bundle)
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "record 1") {
		t.Errorf("error lacks record locator: %v", err)
	}
	if countRows(t, s, "characters") != 0 {
		t.Error("validation failure left rows behind")
	}
}

func TestRunUnresolvedEdgeRollsBackEverything(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")

	bundle := mustParse(t, `[
		{"type": "Character", "name": "alice", "bio": "will be rolled back"},
		{"type": "knows", "source": {"name": "alice"}, "target": {"name": "ghost"}}
	]`)
	_, err := imp.Run(context.Background(), bundle)
	if !errors.Is(err, errs.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if countRows(t, s, "characters") != 0 || countRows(t, s, "knows") != 0 || countRows(t, s, "search_index") != 0 {
		t.Error("rollback was partial")
	}
}

func TestRunLateDeleteInvalidatesEarlierEdge(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")
	ctx := context.Background()

	// A delete after the edge upsert removes its endpoint; the
	// reference re-check must fail the whole bundle.
	bundle := mustParse(t, `[
		{"type": "Character", "name": "alice"},
		{"type": "Character", "name": "bob"},
		{"type": "knows", "source": {"name": "alice"}, "target": {"name": "bob"}},
		{"type": "Character", "name": "bob", "action": "delete"}
	]`)
	_, err := imp.Run(ctx, bundle)
	if !errors.Is(err, errs.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if countRows(t, s, "characters") != 0 {
		t.Error("rollback was partial")
	}
}

func TestRunDeleteCascades(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")
	ctx := context.Background()

	if _, err := imp.Run(ctx, mustParse(t, worldBundle)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := imp.Run(ctx, mustParse(t, `[{"type": "Character", "name": "alice", "action": "delete"}]`)); err != nil {
		t.Fatalf("delete Run failed: %v", err)
	}

	if countRows(t, s, "characters") != 1 {
		t.Error("node not deleted")
	}
	if countRows(t, s, "knows") != 0 || countRows(t, s, "lives_in") != 0 {
		t.Error("touching edges not deleted")
	}
	var idx int
	err := s.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM search_index WHERE src_table = 'characters' AND src_id = 1").Scan(&idx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if idx != 0 {
		t.Error("index rows of deleted node survived")
	}
}

func TestRunDeleteMissingNodeIsNotFound(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")

	_, err := imp.Run(context.Background(),
		mustParse(t, `[{"type": "Character", "name": "nobody", "action": "delete"}]`))
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestRunEdgeDelete(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")
	ctx := context.Background()

	if _, err := imp.Run(ctx, mustParse(t, worldBundle)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	res, err := imp.Run(ctx, mustParse(t,
		`[{"type": "knows", "action": "delete", "source": {"name": "alice"}, "target": {"name": "bob"}}]`))
	if err != nil {
		t.Fatalf("edge delete failed: %v", err)
	}
	if res.Deletes["knows"] != 1 || countRows(t, s, "knows") != 0 {
		t.Error("edge not deleted")
	}
}

func TestRunComputesEmbeddings(t *testing.T) {
	s := testStore(t)
	calls := 0
	embedder := index.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return []float32{1, 2, 3}, nil
	})
	imp := testImporter(t, s, embedder, "")
	ctx := context.Background()

	res, err := imp.Run(ctx, mustParse(t, worldBundle))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Embedded["characters"] == nil || res.Embedded["characters"].Success != 2 {
		t.Errorf("unexpected embed stats: %+v", res.Embedded)
	}

	var unembedded int
	if err := s.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM search_index WHERE embedding IS NULL").Scan(&unembedded); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if unembedded != 0 {
		t.Errorf("%d rows left unembedded", unembedded)
	}

	// Re-importing identical content answers from the cache.
	before := calls
	if _, err := imp.Run(ctx, mustParse(t, worldBundle)); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if calls != before {
		t.Errorf("identical content re-embedded, %d extra calls", calls-before)
	}
}

func TestRunRejectsMalformedEmbeddings(t *testing.T) {
	s := testStore(t)
	embedder := index.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{float32(math.NaN()), 1}, nil
	})
	imp := testImporter(t, s, embedder, "")

	res, err := imp.Run(context.Background(), mustParse(t, worldBundle))
	if err != nil {
		t.Fatalf("import must survive malformed embeddings: %v", err)
	}
	if res.Embedded["characters"] == nil || res.Embedded["characters"].Failed != 2 {
		t.Errorf("unexpected embed stats: %+v", res.Embedded)
	}

	var stored int
	err = s.DB().QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM search_index WHERE embedding IS NOT NULL").Scan(&stored)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if stored != 0 {
		t.Errorf("malformed vectors must never be stored, found %d", stored)
	}
}

func TestRunDegradesWhenEmbedderFails(t *testing.T) {
	s := testStore(t)
	embedder := index.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("model offline")
	})
	imp := testImporter(t, s, embedder, "")

	res, err := imp.Run(context.Background(), mustParse(t, worldBundle))
	if err != nil {
		t.Fatalf("import must survive embedding failure: %v", err)
	}
	if res.Embedded["characters"] == nil || res.Embedded["characters"].Failed != 2 {
		t.Errorf("unexpected embed stats: %+v", res.Embedded)
	}
	if countRows(t, s, "characters") != 2 {
		t.Error("nodes missing despite degraded embeddings")
	}
}

func TestRunExportsAndSwaps(t *testing.T) {
	s := testStore(t)
	dataDir := filepath.Join(t.TempDir(), "data")
	imp := testImporter(t, s, nil, dataDir)
	ctx := context.Background()

	if _, err := imp.Run(ctx, mustParse(t, worldBundle)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(NodeTableDir(dataDir, "characters"), "*", "part_*.jsonl"))
	if err != nil || len(matches) == 0 {
		t.Fatalf("expected node shards under the live directory, got %v (%v)", matches, err)
	}
	if _, err := os.Stat(CacheDir(dataDir)); err != nil {
		t.Errorf("cache snapshot missing: %v", err)
	}

	// No shadow or backup directories may survive.
	leftovers, err := filepath.Glob(dataDir + ".*")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("temporary directories left behind: %v", leftovers)
	}
}

func TestRunFailedImportLeavesDurableStateUntouched(t *testing.T) {
	s := testStore(t)
	dataDir := filepath.Join(t.TempDir(), "data")
	imp := testImporter(t, s, nil, dataDir)
	ctx := context.Background()

	if _, err := imp.Run(ctx, mustParse(t, worldBundle)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	before, err := filepath.Glob(filepath.Join(dataDir, "nodes", "*", "*", "*.jsonl"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}

	bad := mustParse(t, `[{"type": "knows", "source": {"name": "alice"}, "target": {"name": "ghost"}}]`)
	if _, err := imp.Run(ctx, bad); err == nil {
		t.Fatal("expected failure")
	}

	after, err := filepath.Glob(filepath.Join(dataDir, "nodes", "*", "*", "*.jsonl"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(before) != len(after) {
		t.Errorf("durable layout changed after failed import: %v vs %v", before, after)
	}
}

func TestRunFileRemovesTempInput(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")

	path := filepath.Join(t.TempDir(), "bundle.json")
	if err := os.WriteFile(path, []byte(worldBundle), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := imp.RunFile(context.Background(), path, true); err != nil {
		t.Fatalf("RunFile failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("temp input not removed after success")
	}

	// Removal also happens when the bundle is invalid.
	if err := os.WriteFile(path, []byte(`{"not": "an array"}`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := imp.RunFile(context.Background(), path, true); err == nil {
		t.Fatal("expected parse failure")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("temp input not removed after failure")
	}
}

func TestRunShrinkingFieldDropsStaleChunks(t *testing.T) {
	s := testStore(t)
	imp := testImporter(t, s, nil, "")
	ctx := context.Background()

	long := strings.Repeat("t", 10000)
	payload := `[{"type": "Character", "name": "alice", "bio": "` + long + `"}]`
	res, err := imp.Run(ctx, mustParse(t, payload))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.IndexRows != 14 {
		t.Errorf("expected 14 chunk rows, got %d", res.IndexRows)
	}

	if _, err := imp.Run(ctx, mustParse(t, `[{"type": "Character", "name": "alice", "bio": "short"}]`)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n := countRows(t, s, "search_index"); n != 1 {
		t.Errorf("stale chunk rows survived, count = %d", n)
	}
}

func TestParseBundleErrors(t *testing.T) {
	if _, err := ParseBundle([]byte(`{"a": 1}`)); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("non-array: expected validation error, got %v", err)
	}
	if _, err := ParseBundle([]byte(`[1]`)); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("non-object element: expected validation error, got %v", err)
	}
	if _, err := ParseBundle([]byte(`[{"name": "x"}]`)); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("missing type: expected validation error, got %v", err)
	}
	if _, err := ParseBundle([]byte(`[{"type": "Character", "action": "merge"}]`)); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("bad action: expected validation error, got %v", err)
	}
}
