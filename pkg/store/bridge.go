package store

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/skeindb/skein/internal/encoding"
	"github.com/skeindb/skein/pkg/errs"
)

// DefaultMaxRowsPerFile bounds shard size when the caller passes 0.
const DefaultMaxRowsPerFile = 10000

// knownTable guards dynamic table names against anything that is not
// ontology-owned or the memo cache.
func (s *Store) knownTable(table string) bool {
	if table == "memo_cache" {
		return true
	}
	for _, t := range s.ontology.Tables() {
		if t == table {
			return true
		}
	}
	return false
}

// tableColumns reads a table's column list from the engine.
func (s *Store) tableColumns(ctx context.Context, dbtx DBTX, table string) ([]string, error) {
	rows, err := dbtx.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q LIMIT 0", table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return rows.Columns()
}

// LoadTable bulk loads shard files matching pattern into table: rows
// are staged into a temporary table, any row missing a surrogate id is
// assigned one from the table's monotonic counter, the staged set is
// merge-replaced into the target by the identity fields, and the
// counter is resynchronized to max(id)+1. An empty staging set is a
// no-op. Returns the number of rows loaded.
func (s *Store) LoadTable(ctx context.Context, table, pattern string, identityFields []string) (int64, error) {
	if !s.knownTable(table) {
		return 0, errs.Wrap("load_table", errs.Validationf("unknown table %q", table))
	}
	if len(identityFields) == 0 {
		return 0, errs.Wrap("load_table", errs.Validationf("identity fields cannot be empty"))
	}

	files, err := filepath.Glob(pattern)
	if err != nil {
		return 0, errs.Wrap("load_table", err)
	}
	sort.Strings(files)

	var staged []map[string]any
	for _, file := range files {
		rows, err := readShardFile(file)
		if err != nil {
			return 0, errs.Wrap("load_table", err)
		}
		staged = append(staged, rows...)
	}
	if len(staged) == 0 {
		return 0, nil
	}

	columns, err := s.tableColumns(ctx, s.db, table)
	if err != nil {
		return 0, errs.Wrap("load_table", err)
	}
	hasID := false
	for _, col := range columns {
		if col == "id" {
			hasID = true
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap("load_table", err)
	}
	defer func() { _ = tx.Rollback() }()

	staging := "staging_" + table
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("CREATE TEMP TABLE %q AS SELECT * FROM %q WHERE 0", staging, table)); err != nil {
		return 0, errs.Wrap("load_table", err)
	}

	insert := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		staging, quoteColumns(columns), placeholders(len(columns)))
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, errs.Wrap("load_table", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, row := range staged {
		args := make([]any, len(columns))
		for j, col := range columns {
			value, ok := row[col]
			if !ok || value == nil {
				if col == "id" && hasID {
					id, err := s.NextID(ctx, tx, table)
					if err != nil {
						return 0, errs.Wrap("load_table", err)
					}
					args[j] = id
					continue
				}
				args[j] = nil
				continue
			}
			bound, err := bindShardValue(col, value)
			if err != nil {
				return 0, errs.Wrap("load_table", fmt.Errorf("row %d: %w", i, err))
			}
			args[j] = bound
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, errs.Wrap("load_table", fmt.Errorf("row %d: %w", i, err))
		}
	}

	// Merge-replace by identity. The identity columns stay untouched;
	// everything else takes the staged value.
	var updates []string
	for _, col := range columns {
		if col == "id" || isIdentity(col, identityFields) {
			continue
		}
		updates = append(updates, fmt.Sprintf("%q = excluded.%q", col, col))
	}
	merge := fmt.Sprintf(
		"INSERT INTO %q (%s) SELECT %s FROM %q WHERE true ON CONFLICT(%s) DO UPDATE SET %s",
		table, quoteColumns(columns), quoteColumns(columns), staging,
		quoteColumns(identityFields), strings.Join(updates, ", "))
	if _, err := tx.ExecContext(ctx, merge); err != nil {
		return 0, errs.Wrap("load_table", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %q", staging)); err != nil {
		return 0, errs.Wrap("load_table", err)
	}

	if hasID {
		if err := s.SyncCounter(ctx, tx, table); err != nil {
			return 0, errs.Wrap("load_table", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap("load_table", err)
	}

	s.logger.Debug("table loaded",
		zap.String("table", table),
		zap.Int("rows", len(staged)),
		zap.Int("files", len(files)))

	return int64(len(staged)), nil
}

// DumpTable exports a table's rows in surrogate-id order into shard
// files bounded by maxRowsPerFile, optionally split into subdirectories
// keyed by the date portion of each row's creation timestamp. The
// export is deterministic: unchanged data produces byte-identical
// files. Returns the number of rows written.
func (s *Store) DumpTable(ctx context.Context, table, outputDir string, partitionByDate bool, maxRowsPerFile int) (int64, error) {
	if !s.knownTable(table) {
		return 0, errs.Wrap("dump_table", errs.Validationf("unknown table %q", table))
	}
	if maxRowsPerFile <= 0 {
		maxRowsPerFile = DefaultMaxRowsPerFile
	}

	columns, err := s.tableColumns(ctx, s.db, table)
	if err != nil {
		return 0, errs.Wrap("dump_table", err)
	}
	orderBy := "content_hash"
	for _, col := range columns {
		if col == "id" {
			orderBy = "id"
		}
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %q ORDER BY %q", table, orderBy))
	if err != nil {
		return 0, errs.Wrap("dump_table", err)
	}
	records, err := ScanRowMaps(rows)
	_ = rows.Close()
	if err != nil {
		return 0, errs.Wrap("dump_table", err)
	}

	// Group into partitions, preserving id order within each.
	partitions := make(map[string][]map[string]any)
	var keys []string
	for _, record := range records {
		key := ""
		if partitionByDate {
			key = datePartition(record["created_at"])
		}
		if _, seen := partitions[key]; !seen {
			keys = append(keys, key)
		}
		partitions[key] = append(partitions[key], record)
	}
	sort.Strings(keys)

	var total int64
	for _, key := range keys {
		dir := outputDir
		if key != "" {
			dir = filepath.Join(outputDir, key)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, errs.Wrap("dump_table", err)
		}

		part := partitions[key]
		for shard := 0; shard*maxRowsPerFile < len(part); shard++ {
			end := (shard + 1) * maxRowsPerFile
			if end > len(part) {
				end = len(part)
			}
			path := filepath.Join(dir, fmt.Sprintf("part_%04d.jsonl", shard))
			if err := writeShardFile(path, part[shard*maxRowsPerFile:end]); err != nil {
				return 0, errs.Wrap("dump_table", err)
			}
			total += int64(end - shard*maxRowsPerFile)
		}
	}

	return total, nil
}

// readShardFile decodes one JSONL shard. Numbers are kept as
// json.Number so integer ids survive exactly.
func readShardFile(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var rows []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("%s:%d: malformed shard row: %w", path, line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

func writeShardFile(path string, rows []map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, row := range rows {
		data, err := encoding.CanonicalJSON(row)
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// bindShardValue converts a decoded shard value into its driver
// binding. BLOB columns round-trip through base64 because that is how
// encoding/json represents []byte.
func bindShardValue(col string, value any) (any, error) {
	if col == "embedding" {
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("column %s: expected base64 string", col)
		}
		blob, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		return blob, nil
	}
	return BindValue(value)
}

func datePartition(createdAt any) string {
	str, ok := createdAt.(string)
	if !ok || len(str) < 10 {
		return "unknown"
	}
	return str[:10]
}

func isIdentity(col string, identityFields []string) bool {
	for _, field := range identityFields {
		if col == field {
			return true
		}
	}
	return false
}

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = fmt.Sprintf("%q", col)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
