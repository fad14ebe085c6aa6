package index

import (
	"context"
	"time"

	"github.com/skeindb/skein/internal/encoding"
	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/ontology"
	"github.com/skeindb/skein/pkg/store"
)

// Maintainer rebuilds search-index rows for changed source rows. All
// prior entries for a (table, id) are deleted and rebuilt from current
// attribute values, so a shrinking field drops its now-stale chunk
// rows.
type Maintainer struct {
	tokenizer    Tokenizer
	cache        *Cache
	chunkSize    int
	chunkOverlap int
}

// NewMaintainer wires the index maintainer. tokenizer may be nil, in
// which case raw chunk text is indexed unsegmented.
func NewMaintainer(tokenizer Tokenizer, cache *Cache, chunkSize, chunkOverlap int) *Maintainer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlap
	}
	return &Maintainer{
		tokenizer:    tokenizer,
		cache:        cache,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}
}

// Rebuild replaces every index row for (node type, id) based on the
// node's current attributes and the type's search configuration.
// Embeddings are left null here; they are computed and patched after
// commit. Returns the number of chunk rows written.
func (m *Maintainer) Rebuild(ctx context.Context, dbtx store.DBTX, nt *ontology.NodeType, id int64, attrs map[string]any) (int, error) {
	if err := m.Delete(ctx, dbtx, nt.Table, id); err != nil {
		return 0, err
	}

	fields, _ := nt.SearchFields()
	if len(fields) == 0 {
		return 0, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	written := 0

	for _, field := range fields {
		value, _ := attrs[field].(string)
		if value == "" {
			continue
		}

		for seq, chunk := range ChunkText(value, m.chunkSize, m.chunkOverlap) {
			hash := encoding.ContentHash(chunk)
			tokenized, err := m.segment(ctx, dbtx, hash, chunk)
			if err != nil {
				return written, err
			}

			_, err = dbtx.ExecContext(ctx, `
				INSERT INTO search_index (src_table, src_id, src_field, seq, content, tokenized, content_hash, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				nt.Table, id, field, seq, chunk, tokenized, hash, now)
			if err != nil {
				return written, errs.Wrap("index_rebuild", err)
			}
			written++
		}
	}

	return written, nil
}

// segment returns the tokenized form of chunk, memoized by content
// hash.
func (m *Maintainer) segment(ctx context.Context, dbtx store.DBTX, hash, chunk string) (string, error) {
	entry, err := m.cache.Get(ctx, dbtx, hash)
	if err != nil {
		return "", err
	}
	if entry != nil && entry.HasSegment {
		if err := m.cache.Touch(ctx, dbtx, hash); err != nil {
			return "", err
		}
		return entry.Tokenized, nil
	}

	tokenized := chunk
	if m.tokenizer != nil {
		tokenized, err = m.tokenizer.Segment(ctx, chunk)
		if err != nil {
			return "", errs.Wrap("index_segment", err)
		}
	}

	if err := m.cache.PutSegment(ctx, dbtx, hash, tokenized); err != nil {
		return "", err
	}
	return tokenized, nil
}

// Delete removes every index row for a source row. Used on node and
// edge deletion and before a rebuild.
func (m *Maintainer) Delete(ctx context.Context, dbtx store.DBTX, table string, id int64) error {
	_, err := dbtx.ExecContext(ctx,
		"DELETE FROM search_index WHERE src_table = ? AND src_id = ?", table, id)
	return errs.Wrap("index_delete", err)
}
