// Package store owns the single connection to the embedded SQL engine,
// the fairness lock that serializes access to it, and the storage
// bridge between tables and the sharded row files on disk.
//
// Exactly one live connection is held per running instance. The tables
// are a rebuildable cache; the shard files written by the bridge are
// the durable source of truth.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/ontology"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// the same statement builders run inside and outside transactions.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// engineSchema is the fixed part of the schema: surrogate counters, the
// search index with its FTS5 mirror, and the memo cache. Applied on
// every connect alongside the ontology-compiled tables; everything is
// create-if-missing.
const engineSchema = `
CREATE TABLE IF NOT EXISTS surrogate_counters (
	table_name TEXT PRIMARY KEY,
	next_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS search_index (
	src_table TEXT NOT NULL,
	src_id INTEGER NOT NULL,
	src_field TEXT NOT NULL,
	seq INTEGER NOT NULL,
	content TEXT NOT NULL,
	tokenized TEXT NOT NULL DEFAULT '',
	embedding BLOB,
	content_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (src_table, src_id, src_field, seq)
);

CREATE INDEX IF NOT EXISTS idx_search_index_hash ON search_index (content_hash);
CREATE INDEX IF NOT EXISTS idx_search_index_src ON search_index (src_table, src_id);

CREATE VIRTUAL TABLE IF NOT EXISTS search_fts USING fts5(tokenized, content='search_index', content_rowid='rowid');

CREATE TRIGGER IF NOT EXISTS search_index_ai AFTER INSERT ON search_index BEGIN
	INSERT INTO search_fts(rowid, tokenized) VALUES (new.rowid, new.tokenized);
END;
CREATE TRIGGER IF NOT EXISTS search_index_ad AFTER DELETE ON search_index BEGIN
	INSERT INTO search_fts(search_fts, rowid, tokenized) VALUES ('delete', old.rowid, old.tokenized);
END;
CREATE TRIGGER IF NOT EXISTS search_index_au AFTER UPDATE ON search_index BEGIN
	INSERT INTO search_fts(search_fts, rowid, tokenized) VALUES ('delete', old.rowid, old.tokenized);
	INSERT INTO search_fts(rowid, tokenized) VALUES (new.rowid, new.tokenized);
END;

CREATE TABLE IF NOT EXISTS memo_cache (
	content_hash TEXT PRIMARY KEY,
	tokenized TEXT,
	embedding BLOB,
	last_used_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store holds the single database connection and the concurrency
// coordinator around it.
type Store struct {
	db       *sql.DB
	ontology *ontology.Ontology
	logger   *zap.Logger

	// mu serializes all SQL execution. sync.RWMutex blocks new readers
	// once a writer is waiting, which is exactly the fairness contract:
	// reads run concurrently, a pending write queues new reads.
	mu sync.RWMutex

	// importMu serializes whole bundle imports so two shadow-directory
	// swaps can never interleave.
	importMu sync.Mutex

	closed bool
}

// Open opens (or creates) the database at path, applies the compiled
// schema and seeds the surrogate counters. The connection pool is
// pinned to a single connection.
func Open(path string, ont *ontology.Ontology, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errs.Wrap("open", fmt.Errorf("database path cannot be empty"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, errs.Wrap("open", fmt.Errorf("failed to open database: %w", err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, ontology: ont, logger: logger}

	if err := s.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, errs.Wrap("open", err)
	}

	logger.Debug("store opened",
		zap.String("path", path),
		zap.Int("node_types", len(ont.Nodes)),
		zap.Int("edge_types", len(ont.Edges)))

	return s, nil
}

// applySchema applies the fixed engine schema plus the ontology DDL.
func (s *Store) applySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, engineSchema); err != nil {
		return fmt.Errorf("failed to create engine tables: %w", err)
	}

	for _, stmt := range s.ontology.CompileDDL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply ontology DDL: %w", err)
		}
	}

	for _, table := range s.ontology.Tables() {
		_, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO surrogate_counters (table_name, next_id) VALUES (?, 1)", table)
		if err != nil {
			return fmt.Errorf("failed to seed counter for %s: %w", table, err)
		}
	}

	return nil
}

// DB exposes the underlying connection for components that build their
// own statements. Callers must hold the coordinator lock via Read or
// Write.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ontology returns the ontology this store was compiled from.
func (s *Store) Ontology() *ontology.Ontology {
	return s.ontology
}

// Logger returns the store's logger.
func (s *Store) Logger() *zap.Logger {
	return s.logger
}

// Read runs fn while holding the shared read side of the coordinator.
// Concurrent reads proceed together.
func (s *Store) Read(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errs.ErrClosed
	}
	return fn()
}

// Write runs fn while holding exclusive access to the connection.
func (s *Store) Write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrClosed
	}
	return fn()
}

// LockImport serializes bundle imports. Exactly one bundle may be
// validated, applied and exported at a time system-wide.
func (s *Store) LockImport() {
	s.importMu.Lock()
}

// UnlockImport releases the import serialization lock.
func (s *Store) UnlockImport() {
	s.importMu.Unlock()
}

// NextID allocates the next surrogate id for a table from its
// monotonic counter. Must run inside the transaction that uses the id.
func (s *Store) NextID(ctx context.Context, dbtx DBTX, table string) (int64, error) {
	var id int64
	err := dbtx.QueryRowContext(ctx,
		"SELECT next_id FROM surrogate_counters WHERE table_name = ?", table).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no surrogate counter for table %s", table)
	}
	if err != nil {
		return 0, err
	}
	if _, err := dbtx.ExecContext(ctx,
		"UPDATE surrogate_counters SET next_id = next_id + 1 WHERE table_name = ?", table); err != nil {
		return 0, err
	}
	return id, nil
}

// SyncCounter resynchronizes a table's counter to max(id)+1 after bulk
// loads that carried their own ids.
func (s *Store) SyncCounter(ctx context.Context, dbtx DBTX, table string) error {
	query := fmt.Sprintf(
		"UPDATE surrogate_counters SET next_id = (SELECT COALESCE(MAX(id), 0) + 1 FROM %q) WHERE table_name = ?", table)
	_, err := dbtx.ExecContext(ctx, query, table)
	return err
}

// Close closes the database connection. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
