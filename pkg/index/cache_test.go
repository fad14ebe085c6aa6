package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skeindb/skein/internal/encoding"
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

func TestCacheGetAbsent(t *testing.T) {
	s := testStore(t)
	cache := NewCache()

	entry, err := cache.Get(context.Background(), s.DB(), "no-such-hash")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil entry for absent hash, got %+v", entry)
	}
}

func TestCacheSegmentAndEmbeddingCoexist(t *testing.T) {
	s := testStore(t)
	cache := NewCache()
	ctx := context.Background()
	hash := encoding.ContentHash("some chunk")

	if err := cache.PutSegment(ctx, s.DB(), hash, "some chunk tokens"); err != nil {
		t.Fatalf("PutSegment failed: %v", err)
	}
	if err := cache.PutEmbedding(ctx, s.DB(), hash, []float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("PutEmbedding failed: %v", err)
	}

	entry, err := cache.Get(ctx, s.DB(), hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry == nil {
		t.Fatal("expected entry after both puts")
	}
	if !entry.HasSegment || entry.Tokenized != "some chunk tokens" {
		t.Errorf("segmentation lost after embedding put: %+v", entry)
	}
	if len(entry.Embedding) != 3 || entry.Embedding[1] != 0.2 {
		t.Errorf("unexpected embedding: %v", entry.Embedding)
	}
}

func TestCachePutSegmentOverwrites(t *testing.T) {
	s := testStore(t)
	cache := NewCache()
	ctx := context.Background()
	hash := encoding.ContentHash("text")

	if err := cache.PutSegment(ctx, s.DB(), hash, "old tokens"); err != nil {
		t.Fatalf("PutSegment failed: %v", err)
	}
	if err := cache.PutSegment(ctx, s.DB(), hash, "new tokens"); err != nil {
		t.Fatalf("PutSegment failed: %v", err)
	}

	entry, err := cache.Get(ctx, s.DB(), hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Tokenized != "new tokens" {
		t.Errorf("expected new tokens, got %q", entry.Tokenized)
	}
}

func TestCacheTouchRefreshesRecency(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	hash := encoding.ContentHash("touched")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewCache()
	cache.now = func() time.Time { return base }

	if err := cache.PutSegment(ctx, s.DB(), hash, "tokens"); err != nil {
		t.Fatalf("PutSegment failed: %v", err)
	}

	cache.now = func() time.Time { return base.Add(48 * time.Hour) }
	if err := cache.Touch(ctx, s.DB(), hash); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	entry, err := cache.Get(ctx, s.DB(), hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.LastUsedAt != "2026-01-03T00:00:00Z" {
		t.Errorf("expected refreshed last_used_at, got %s", entry.LastUsedAt)
	}
	if entry.CreatedAt != "2026-01-01T00:00:00Z" {
		t.Errorf("touch must not move created_at, got %s", entry.CreatedAt)
	}
}

func TestCacheCollectDeletesPastCutoff(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	cache := NewCache()

	// Stale entry last used 10 days before collection time.
	cache.now = func() time.Time { return base.AddDate(0, 0, -10) }
	if err := cache.PutSegment(ctx, s.DB(), "stale", "a"); err != nil {
		t.Fatalf("PutSegment failed: %v", err)
	}

	// Fresh entry last used one hour before collection time.
	cache.now = func() time.Time { return base.Add(-time.Hour) }
	if err := cache.PutSegment(ctx, s.DB(), "fresh", "b"); err != nil {
		t.Fatalf("PutSegment failed: %v", err)
	}

	cache.now = func() time.Time { return base }
	reclaimed, err := cache.Collect(ctx, s.DB(), 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("expected 1 reclaimed entry, got %d", reclaimed)
	}

	stale, err := cache.Get(ctx, s.DB(), "stale")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stale != nil {
		t.Error("stale entry survived collection")
	}
	fresh, err := cache.Get(ctx, s.DB(), "fresh")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh == nil {
		t.Error("fresh entry was collected")
	}
}

func TestCacheCollectExactCutoffSurvives(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	cache := NewCache()

	// Last used exactly at the cutoff boundary.
	cache.now = func() time.Time { return base.Add(-7 * 24 * time.Hour) }
	if err := cache.PutSegment(ctx, s.DB(), "boundary", "a"); err != nil {
		t.Fatalf("PutSegment failed: %v", err)
	}

	cache.now = func() time.Time { return base }
	reclaimed, err := cache.Collect(ctx, s.DB(), 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("entry at the exact cutoff must survive, reclaimed %d", reclaimed)
	}
}
