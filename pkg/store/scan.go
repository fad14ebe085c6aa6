package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skeindb/skein/internal/encoding"
)

// ScanRowMaps drains rows into column-keyed maps. The ontology makes
// column sets dynamic, so components that return whole records scan
// through this instead of positional destinations.
func ScanRowMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = NormalizeValue(values[i])
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

// NormalizeValue maps driver values to the stable representations used
// in results and shard files: timestamps become RFC 3339 strings so
// repeated exports of unchanged data are byte-identical.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

// BindValue converts a decoded JSON value to its driver binding.
// Integral json.Numbers bind as int64 so surrogate ids survive the
// JSON round trip exactly.
func BindValue(v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		return f, nil
	case map[string]any, []any:
		text, err := encoding.EncodeAttr(val)
		if err != nil {
			return nil, err
		}
		return text, nil
	default:
		return v, nil
	}
}
