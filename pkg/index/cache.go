package index

import (
	"context"
	"database/sql"
	"time"

	"github.com/skeindb/skein/internal/encoding"
	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/store"
)

// CacheEntry is one memo-cache row: segmentation and embedding results
// keyed purely by content hash, with no business identity attached.
type CacheEntry struct {
	ContentHash string
	Tokenized   string
	HasSegment  bool
	Embedding   []float32
	LastUsedAt  string
	CreatedAt   string
}

// Cache is the content-hash memo for segmentation and embedding
// results. Identical text anywhere in the dataset is processed once.
type Cache struct {
	now func() time.Time
}

// NewCache creates a memo cache handle.
func NewCache() *Cache {
	return &Cache{now: time.Now}
}

func (c *Cache) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

// Get fetches a cache entry by content hash, or nil when absent.
func (c *Cache) Get(ctx context.Context, dbtx store.DBTX, hash string) (*CacheEntry, error) {
	var entry CacheEntry
	var tokenized sql.NullString
	var blob []byte

	err := dbtx.QueryRowContext(ctx,
		"SELECT content_hash, tokenized, embedding, last_used_at, created_at FROM memo_cache WHERE content_hash = ?",
		hash).Scan(&entry.ContentHash, &tokenized, &blob, &entry.LastUsedAt, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap("cache_get", err)
	}

	if tokenized.Valid {
		entry.Tokenized = tokenized.String
		entry.HasSegment = true
	}
	if len(blob) > 0 {
		vector, err := encoding.DecodeVector(blob)
		if err != nil {
			return nil, errs.Wrap("cache_get", err)
		}
		entry.Embedding = vector
	}

	return &entry, nil
}

// PutSegment stores a segmentation result, preserving any embedding
// already memoized for the same hash.
func (c *Cache) PutSegment(ctx context.Context, dbtx store.DBTX, hash, tokenized string) error {
	ts := c.timestamp()
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO memo_cache (content_hash, tokenized, last_used_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			tokenized = excluded.tokenized,
			last_used_at = excluded.last_used_at`,
		hash, tokenized, ts, ts)
	return errs.Wrap("cache_put_segment", err)
}

// PutEmbedding stores an embedding result, preserving any segmentation
// already memoized for the same hash.
func (c *Cache) PutEmbedding(ctx context.Context, dbtx store.DBTX, hash string, vector []float32) error {
	blob, err := encoding.EncodeVector(vector)
	if err != nil {
		return errs.Wrap("cache_put_embedding", err)
	}
	ts := c.timestamp()
	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO memo_cache (content_hash, embedding, last_used_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			embedding = excluded.embedding,
			last_used_at = excluded.last_used_at`,
		hash, blob, ts, ts)
	return errs.Wrap("cache_put_embedding", err)
}

// Touch refreshes an entry's recency without recomputation.
func (c *Cache) Touch(ctx context.Context, dbtx store.DBTX, hash string) error {
	_, err := dbtx.ExecContext(ctx,
		"UPDATE memo_cache SET last_used_at = ? WHERE content_hash = ?", c.timestamp(), hash)
	return errs.Wrap("cache_touch", err)
}

// Collect deletes entries whose last use is older than maxAge. There
// is no grace period beyond the cutoff. Returns the number of entries
// reclaimed.
func (c *Cache) Collect(ctx context.Context, dbtx store.DBTX, maxAge time.Duration) (int64, error) {
	cutoff := c.now().Add(-maxAge).UTC().Format(time.RFC3339)
	result, err := dbtx.ExecContext(ctx,
		"DELETE FROM memo_cache WHERE last_used_at < ?", cutoff)
	if err != nil {
		return 0, errs.Wrap("cache_collect", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errs.Wrap("cache_collect", err)
	}
	return n, nil
}
