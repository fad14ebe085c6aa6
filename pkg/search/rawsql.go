package search

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/store"
)

// Raw-query guard limits.
const (
	// DefaultRawLimit is appended when a statement carries no LIMIT.
	DefaultRawLimit = 100
	// MaxRawResultBytes bounds the serialized result payload.
	MaxRawResultBytes = 2 << 20
)

// forbiddenKeywords are rejected anywhere in a raw statement,
// case-insensitively, after comment stripping. Mutating, DDL,
// transaction and administrative verbs all land here.
var forbiddenKeywords = []string{
	"insert", "update", "delete", "replace", "upsert",
	"create", "drop", "alter", "truncate", "reindex",
	"attach", "detach", "vacuum", "pragma", "analyze",
	"begin", "commit", "rollback", "savepoint", "release",
}

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	wordRe         = regexp.MustCompile(`[a-zA-Z_]+`)
	limitRe        = regexp.MustCompile(`(?i)\blimit\s+\d+`)
)

// CheckRawQuery validates that stmt is a single read-only statement
// and returns it with a default LIMIT appended when none is present.
func CheckRawQuery(stmt string) (string, error) {
	stripped := blockCommentRe.ReplaceAllString(stmt, " ")
	stripped = lineCommentRe.ReplaceAllString(stripped, " ")
	stripped = strings.TrimSpace(stripped)
	stripped = strings.TrimSuffix(stripped, ";")
	stripped = strings.TrimSpace(stripped)

	if stripped == "" {
		return "", errs.Guardf("empty statement")
	}
	if strings.Contains(stripped, ";") {
		return "", errs.Guardf("multiple statements are not allowed")
	}

	lower := strings.ToLower(stripped)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return "", errs.Guardf("only SELECT and WITH statements are allowed")
	}

	for _, word := range wordRe.FindAllString(lower, -1) {
		for _, forbidden := range forbiddenKeywords {
			if word == forbidden {
				return "", errs.Guardf("forbidden keyword %q", forbidden)
			}
		}
	}

	if !limitRe.MatchString(stripped) {
		stripped += " LIMIT " + strconv.Itoa(DefaultRawLimit)
	}
	return stripped, nil
}

// RawQuery runs a guarded read-only statement and returns its rows as
// maps. Payloads above MaxRawResultBytes are rejected rather than
// returned.
func (e *Engine) RawQuery(ctx context.Context, stmt string) ([]map[string]any, error) {
	checked, err := CheckRawQuery(stmt)
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	err = e.store.Read(func() error {
		rows, err := e.store.DB().QueryContext(ctx, checked)
		if err != nil {
			return errs.Wrap("raw_query", err)
		}
		defer func() { _ = rows.Close() }()

		results, err = store.ScanRowMaps(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(results)
	if err != nil {
		return nil, errs.Wrap("raw_query", err)
	}
	if len(payload) > MaxRawResultBytes {
		return nil, errs.Guardf("result payload exceeds %d bytes", MaxRawResultBytes)
	}
	return results, nil
}
