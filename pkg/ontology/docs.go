package ontology

import (
	"fmt"
	"strings"
)

// Documentation renders a human-readable markdown description of the
// compiled schema: the table list with columns, and a mermaid diagram
// of the relationships. Presentational only.
func (o *Ontology) Documentation() string {
	var b strings.Builder

	b.WriteString("# Knowledge base schema\n\n## Node tables\n\n")
	for _, name := range o.NodeNames() {
		nt := o.Nodes[name]
		fmt.Fprintf(&b, "### %s (`%s`)\n\n", name, nt.Table)
		fmt.Fprintf(&b, "Identity: %s\n\n", strings.Join(nt.Identity, ", "))
		b.WriteString("| column | type |\n|--------|------|\n")
		b.WriteString("| id | INTEGER (surrogate) |\n")
		for _, col := range nt.Columns() {
			fmt.Fprintf(&b, "| %s | %s |\n", col, columnType(nt.Attributes[col]))
		}
		if nt.Search != nil {
			fmt.Fprintf(&b, "\nIndexed for search: text %v, vector %v\n",
				nt.Search.TextFields, nt.Search.VectorFields)
		}
		b.WriteString("\n")
	}

	if len(o.Edges) > 0 {
		b.WriteString("## Edge tables\n\n")
		for _, name := range o.EdgeNames() {
			et := o.Edges[name]
			fmt.Fprintf(&b, "### %s (`%s`): %s → %s", name, et.Table, et.Source, et.Target)
			if et.Cardinality != "" {
				fmt.Fprintf(&b, " (%s)", et.Cardinality)
			}
			b.WriteString("\n\n")
		}

		b.WriteString("## Relationships\n\n```mermaid\ngraph LR\n")
		for _, name := range o.EdgeNames() {
			et := o.Edges[name]
			fmt.Fprintf(&b, "    %s -->|%s| %s\n", et.Source, name, et.Target)
		}
		b.WriteString("```\n")
	}

	return b.String()
}
