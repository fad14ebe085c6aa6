package importer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skeindb/skein/internal/encoding"
	"github.com/skeindb/skein/pkg/errs"
)

// EmbedCount is the embedding outcome for one node type's table.
type EmbedCount struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// EmbedStats aggregates embedding outcomes per source table.
type EmbedStats map[string]*EmbedCount

func (s EmbedStats) add(table string, success bool) {
	c := s[table]
	if c == nil {
		c = &EmbedCount{}
		s[table] = c
	}
	if success {
		c.Success++
	} else {
		c.Failed++
	}
}

// pendingChunk is one distinct piece of content awaiting an embedding,
// with every index row that carries it.
type pendingChunk struct {
	hash    string
	content string
	tables  map[string]int
}

// ComputeEmbeddings fills in the embedding column for every index row
// that lacks one. The cache is consulted first so identical content is
// embedded once; cache misses go to the embedder with bounded
// concurrency and per-chunk retries. A chunk that still fails is
// counted and skipped, leaving that content full-text-only.
func (imp *Importer) ComputeEmbeddings(ctx context.Context) (EmbedStats, error) {
	stats := EmbedStats{}
	if imp.embedder == nil {
		return stats, nil
	}

	pending, err := imp.collectPending(ctx)
	if err != nil {
		return stats, err
	}
	if len(pending) == 0 {
		return stats, nil
	}

	// Resolve cache hits and compute the misses outside the write
	// lock; the embedder is network-bound.
	vectors := make(map[string][]float32, len(pending))
	var mu sync.Mutex

	var misses []pendingChunk
	err = imp.store.Read(func() error {
		for _, chunk := range pending {
			entry, err := imp.cache.Get(ctx, imp.store.DB(), chunk.hash)
			if err != nil {
				return err
			}
			if entry != nil && len(entry.Embedding) > 0 {
				vectors[chunk.hash] = entry.Embedding
				continue
			}
			misses = append(misses, chunk)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(imp.cfg.EmbedWorkers)
	for _, chunk := range misses {
		chunk := chunk
		g.Go(func() error {
			vec, err := imp.embedWithRetry(gctx, chunk.content)
			if err != nil {
				imp.logger.Warn("embedding failed after retries",
					zap.String("content_hash", chunk.hash), zap.Error(err))
				return nil
			}
			if vec == nil {
				return nil
			}
			mu.Lock()
			vectors[chunk.hash] = vec
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	err = imp.store.Write(func() error {
		for _, chunk := range pending {
			vec, ok := vectors[chunk.hash]
			if !ok {
				for table, n := range chunk.tables {
					for i := 0; i < n; i++ {
						stats.add(table, false)
					}
				}
				continue
			}
			if err := imp.cache.PutEmbedding(ctx, imp.store.DB(), chunk.hash, vec); err != nil {
				return err
			}
			if err := imp.patchRows(ctx, chunk.hash, vec); err != nil {
				return err
			}
			for table, n := range chunk.tables {
				for i := 0; i < n; i++ {
					stats.add(table, true)
				}
			}
		}
		return nil
	})
	return stats, err
}

// collectPending lists distinct unembedded content hashes and the
// index rows carrying each.
func (imp *Importer) collectPending(ctx context.Context) ([]pendingChunk, error) {
	var order []*pendingChunk
	err := imp.store.Read(func() error {
		rows, err := imp.store.DB().QueryContext(ctx,
			"SELECT content_hash, content, src_table FROM search_index WHERE embedding IS NULL ORDER BY content_hash")
		if err != nil {
			return errs.Wrap("embed", err)
		}
		defer func() { _ = rows.Close() }()

		byHash := make(map[string]*pendingChunk)
		for rows.Next() {
			var hash, content, table string
			if err := rows.Scan(&hash, &content, &table); err != nil {
				return errs.Wrap("embed", err)
			}
			chunk := byHash[hash]
			if chunk == nil {
				chunk = &pendingChunk{hash: hash, content: content, tables: map[string]int{}}
				byHash[hash] = chunk
				order = append(order, chunk)
			}
			chunk.tables[table]++
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	pending := make([]pendingChunk, 0, len(order))
	for _, chunk := range order {
		pending = append(pending, *chunk)
	}
	return pending, nil
}

// embedWithRetry calls the embedder with a fixed delay between
// attempts. A nil vector with nil error means the embedder cannot
// serve this content and is not retried; a vector with NaN or infinite
// components is rejected the same way rather than stored.
func (imp *Importer) embedWithRetry(ctx context.Context, content string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < imp.cfg.EmbedRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(imp.cfg.EmbedRetryDelay):
			}
		}
		vec, err := imp.embedder.Embed(ctx, content)
		if err == nil {
			if vec == nil {
				return nil, nil
			}
			if err := encoding.ValidateVector(vec); err != nil {
				return nil, err
			}
			return vec, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// patchRows writes one embedding onto every index row carrying the
// hashed content.
func (imp *Importer) patchRows(ctx context.Context, hash string, vec []float32) error {
	blob, err := encoding.EncodeVector(vec)
	if err != nil {
		return err
	}
	_, err = imp.store.DB().ExecContext(ctx,
		"UPDATE search_index SET embedding = ? WHERE content_hash = ? AND embedding IS NULL", blob, hash)
	return errs.Wrap("embed", err)
}
