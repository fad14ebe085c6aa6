// Package skein provides an embeddable, ontology-driven knowledge base engine.
//
// skein is a 100% pure Go library built on SQLite using modernc.org/sqlite
// (no CGO required). A YAML ontology declares the node and edge types of a
// domain; skein compiles it into a relational schema and layers transactional
// imports, hybrid retrieval, and graph traversal on top of a single database
// file.
//
// # Key Features
//
//   - Ontology-driven schema - node and edge tables are generated from a
//     declarative YAML model, with identity keys and attribute validation.
//   - Transactional imports - record bundles apply atomically; a failed
//     bundle leaves both the database and the exported data directory intact.
//   - Hybrid Search - vector similarity and FTS5 keyword search fused with
//     Reciprocal Rank Fusion.
//   - Graph operations - neighbors, bounded traversal, subgraph extraction,
//     and path finding over the typed edge tables.
//   - Durable JSONL exports - every import rewrites a snapshot directory via
//     shadow-export and atomic swap, and a fresh database bootstraps from it.
//
// # Quick Start
//
//	import (
//	    "context"
//
//	    "github.com/skeindb/skein/pkg/config"
//	    "github.com/skeindb/skein/pkg/search"
//	    "github.com/skeindb/skein/pkg/skein"
//	)
//
//	func main() {
//	    cfg := config.Default()
//	    cfg.DatabasePath = "kb.db"
//	    cfg.OntologyPath = "ontology.yaml"
//
//	    eng, _ := skein.Open(cfg)
//	    defer eng.Close()
//
//	    ctx := context.Background()
//	    eng.ImportBundle(ctx, "bundle.json", false)
//
//	    results, _ := eng.Search(ctx, "clockwork automata", search.Options{})
//	    _ = results
//	}
//
// # Embeddings
//
// Vector search is optional. Wire an embedding provider with WithEmbedder and
// imports will populate the vector column chunk by chunk, reusing previously
// computed vectors through a content-addressed memo cache. Without a provider
// the engine degrades to full-text ranking only.
package skein
