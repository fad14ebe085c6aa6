package graph

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/skeindb/skein/pkg/errs"
	"github.com/skeindb/skein/pkg/ontology"
	"github.com/skeindb/skein/pkg/store"
)

// Resolver maps identity values to surrogate ids. Resolutions are
// memoized per (table, identity) until Reset, which imports call after
// every mutation.
type Resolver struct {
	store *store.Store

	mu   sync.Mutex
	memo map[string]int64
}

// NewResolver creates an identity resolver over s.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s, memo: make(map[string]int64)}
}

// Reset drops all memoized resolutions.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.memo = make(map[string]int64)
	r.mu.Unlock()
}

func memoKey(table string, identity []string, values map[string]any) string {
	var b strings.Builder
	b.WriteString(table)
	for _, field := range identity {
		b.WriteByte(0)
		fmt.Fprintf(&b, "%v", values[field])
	}
	return b.String()
}

// Resolve returns the surrogate id for the row of nt's table matching
// the given identity values. Missing identity fields are a validation
// error; a row that does not exist is a not-found error.
func (r *Resolver) Resolve(ctx context.Context, dbtx store.DBTX, nt *ontology.NodeType, identity map[string]any) (int64, error) {
	for _, field := range nt.Identity {
		if _, ok := identity[field]; !ok {
			return 0, errs.Validationf("missing identity field %q for node type %q", field, nt.Name)
		}
	}

	key := memoKey(nt.Table, nt.Identity, identity)
	r.mu.Lock()
	id, ok := r.memo[key]
	r.mu.Unlock()
	if ok {
		return id, nil
	}

	conds := make([]string, 0, len(nt.Identity))
	args := make([]any, 0, len(nt.Identity))
	for _, field := range nt.Identity {
		conds = append(conds, fmt.Sprintf("%q = ?", field))
		args = append(args, identity[field])
	}
	query := fmt.Sprintf("SELECT id FROM %q WHERE %s", nt.Table, strings.Join(conds, " AND "))

	err := dbtx.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errs.NotFoundf("no %s node with identity %v", nt.Name, identityValues(nt.Identity, identity))
	}
	if err != nil {
		return 0, errs.Wrap("resolve", err)
	}

	r.mu.Lock()
	r.memo[key] = id
	r.mu.Unlock()
	return id, nil
}

// Exists reports whether a node with the given surrogate id is present
// in nt's table.
func (r *Resolver) Exists(ctx context.Context, dbtx store.DBTX, nt *ontology.NodeType, id int64) (bool, error) {
	var one int
	err := dbtx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %q WHERE id = ?", nt.Table), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap("resolve", err)
	}
	return true, nil
}

func identityValues(fields []string, values map[string]any) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, values[f])
	}
	return out
}
