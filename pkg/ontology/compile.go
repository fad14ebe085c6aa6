package ontology

import (
	"fmt"
	"strings"
)

// columnType maps an attribute type to its native column type. The
// "date-time" string format gets a timestamp column; arrays and objects
// are stored as JSON text.
func columnType(spec FieldSpec) string {
	switch spec.Type {
	case "string":
		if spec.Format == "date-time" {
			return "TIMESTAMP"
		}
		return "TEXT"
	case "integer":
		return "INTEGER"
	case "number":
		return "REAL"
	case "boolean":
		return "BOOLEAN"
	default: // array, object, null
		return "TEXT"
	}
}

// CompileDDL compiles the ontology into idempotent CREATE statements:
// one table per node type (surrogate id, audit timestamps, one column
// per attribute, unique index over the identity fields) and one per
// edge type (plus indexed source/target surrogate-id columns with a
// uniqueness constraint on the pair).
func (o *Ontology) CompileDDL() []string {
	var stmts []string

	for _, name := range o.NodeNames() {
		nt := o.Nodes[name]
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (\n", nt.Table)
		b.WriteString("\tid INTEGER PRIMARY KEY,\n")
		b.WriteString("\tcreated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,\n")
		b.WriteString("\tupdated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP")
		for _, col := range nt.Columns() {
			fmt.Fprintf(&b, ",\n\t%q %s", col, columnType(nt.Attributes[col]))
		}
		b.WriteString("\n)")
		stmts = append(stmts, b.String())

		stmts = append(stmts, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %q ON %q (%s)",
			"idx_"+nt.Table+"_identity", nt.Table, quoteJoin(nt.Identity)))
	}

	for _, name := range o.EdgeNames() {
		et := o.Edges[name]
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (\n", et.Table)
		b.WriteString("\tid INTEGER PRIMARY KEY,\n")
		b.WriteString("\tsource_id INTEGER NOT NULL,\n")
		b.WriteString("\ttarget_id INTEGER NOT NULL,\n")
		b.WriteString("\tcreated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,\n")
		b.WriteString("\tupdated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP")
		for _, col := range et.Columns() {
			fmt.Fprintf(&b, ",\n\t%q %s", col, columnType(et.Attributes[col]))
		}
		// One edge per (source, target) pair per edge type. Two logically
		// distinct relationships of the same type between the same nodes
		// collapse into one row.
		b.WriteString(",\n\tUNIQUE (source_id, target_id)\n)")
		stmts = append(stmts, b.String())

		stmts = append(stmts,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (source_id)", "idx_"+et.Table+"_source", et.Table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (target_id)", "idx_"+et.Table+"_target", et.Table),
		)
	}

	return stmts
}

// Tables returns every ontology-owned table name: node tables first,
// then edge tables, each in sorted type order.
func (o *Ontology) Tables() []string {
	var tables []string
	for _, name := range o.NodeNames() {
		tables = append(tables, o.Nodes[name].Table)
	}
	for _, name := range o.EdgeNames() {
		tables = append(tables, o.Edges[name].Table)
	}
	return tables
}

func quoteJoin(idents []string) string {
	quoted := make([]string, len(idents))
	for i, ident := range idents {
		quoted[i] = fmt.Sprintf("%q", ident)
	}
	return strings.Join(quoted, ", ")
}
