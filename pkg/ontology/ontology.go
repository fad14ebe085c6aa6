// Package ontology models the declared node and edge types of a
// knowledge base and compiles them into table definitions and per-type
// bundle-validation schemas. The ontology is loaded once at startup;
// every other component derives its table and field knowledge from it.
package ontology

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/skeindb/skein/pkg/errs"
)

// identPattern is the safe identifier pattern for table and column
// names. Anything interpolated into SQL must match it.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// scalarTypes are the attribute types usable as identity fields.
var scalarTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"number":  true,
	"boolean": true,
}

// attrTypes is the full set of attribute types the engine accepts.
var attrTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
	"null":    true,
}

// reservedColumns are assigned by the engine and may not be declared as
// attributes.
var reservedColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"source_id":  true,
	"target_id":  true,
}

// reservedTables are internal engine tables.
var reservedTables = map[string]bool{
	"search_index":       true,
	"search_fts":         true,
	"memo_cache":         true,
	"surrogate_counters": true,
}

// FieldSpec describes the shape of a single attribute. Object and array
// shapes recurse through Properties and Items.
type FieldSpec struct {
	Type       string               `yaml:"type" json:"type"`
	Format     string               `yaml:"format,omitempty" json:"format,omitempty"`
	Items      *FieldSpec           `yaml:"items,omitempty" json:"items,omitempty"`
	Properties map[string]FieldSpec `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// SearchConfig selects which attributes of a node type are indexed for
// retrieval. Text fields feed the full-text branch, vector fields are
// additionally embedded.
type SearchConfig struct {
	TextFields   []string `yaml:"text_fields,omitempty" json:"text_fields,omitempty"`
	VectorFields []string `yaml:"vector_fields,omitempty" json:"vector_fields,omitempty"`
}

// NodeType declares one node table: its natural key, attribute shapes
// and search configuration.
type NodeType struct {
	Name       string               `yaml:"-" json:"-"`
	Table      string               `yaml:"table,omitempty" json:"table,omitempty"`
	Identity   []string             `yaml:"identity" json:"identity"`
	Attributes map[string]FieldSpec `yaml:"attributes" json:"attributes"`
	Search     *SearchConfig        `yaml:"search,omitempty" json:"search,omitempty"`
}

// EdgeType declares one edge table between two node types.
type EdgeType struct {
	Name        string               `yaml:"-" json:"-"`
	Table       string               `yaml:"table,omitempty" json:"table,omitempty"`
	Source      string               `yaml:"source" json:"source"`
	Target      string               `yaml:"target" json:"target"`
	Cardinality string               `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	Attributes  map[string]FieldSpec `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// Ontology is the full set of declared types, keyed by type name.
type Ontology struct {
	Nodes map[string]*NodeType `yaml:"nodes" json:"nodes"`
	Edges map[string]*EdgeType `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// Load reads and validates an ontology from a YAML (or JSON) file.
func Load(path string) (*Ontology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap("ontology_load", err)
	}
	return Parse(data)
}

// Parse decodes and validates an ontology document.
func Parse(data []byte) (*Ontology, error) {
	var o Ontology
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, errs.Wrap("ontology_load", errs.Validationf("malformed ontology: %v", err))
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// Validate checks the whole ontology: identifier safety, attribute
// shapes, identity fields and edge endpoint resolution.
func (o *Ontology) Validate() error {
	if len(o.Nodes) == 0 {
		return errs.Wrap("ontology_validate", errs.Validationf("ontology declares no node types"))
	}

	tables := make(map[string]string) // table -> owning type name

	for _, name := range o.NodeNames() {
		nt := o.Nodes[name]
		nt.Name = name
		if nt.Table == "" {
			nt.Table = name
		}
		if err := validateTable(tables, name, nt.Table); err != nil {
			return err
		}
		if len(nt.Identity) == 0 {
			return errs.Wrap("ontology_validate", errs.Validationf("node type %q has no identity fields", name))
		}
		if err := validateAttributes(name, nt.Attributes); err != nil {
			return err
		}
		for _, field := range nt.Identity {
			spec, ok := nt.Attributes[field]
			if !ok {
				return errs.Wrap("ontology_validate", errs.Validationf("node type %q identity field %q is not a declared attribute", name, field))
			}
			if !scalarTypes[spec.Type] {
				return errs.Wrap("ontology_validate", errs.Validationf("node type %q identity field %q must be scalar, got %q", name, field, spec.Type))
			}
		}
		if err := validateSearch(name, nt); err != nil {
			return err
		}
	}

	for _, name := range o.EdgeNames() {
		et := o.Edges[name]
		et.Name = name
		if et.Table == "" {
			et.Table = name
		}
		if err := validateTable(tables, name, et.Table); err != nil {
			return err
		}
		if _, ok := o.Nodes[et.Source]; !ok {
			return errs.Wrap("ontology_validate", errs.Validationf("edge type %q references unknown source type %q", name, et.Source))
		}
		if _, ok := o.Nodes[et.Target]; !ok {
			return errs.Wrap("ontology_validate", errs.Validationf("edge type %q references unknown target type %q", name, et.Target))
		}
		switch et.Cardinality {
		case "", "one_to_one", "one_to_many", "many_to_one", "many_to_many":
		default:
			return errs.Wrap("ontology_validate", errs.Validationf("edge type %q has invalid cardinality %q", name, et.Cardinality))
		}
		if err := validateAttributes(name, et.Attributes); err != nil {
			return err
		}
	}

	return nil
}

func validateTable(tables map[string]string, typeName, table string) error {
	if !identPattern.MatchString(table) {
		return errs.Wrap("ontology_validate", errs.Validationf("type %q has unsafe table name %q", typeName, table))
	}
	if reservedTables[table] {
		return errs.Wrap("ontology_validate", errs.Validationf("type %q uses reserved table name %q", typeName, table))
	}
	if owner, taken := tables[table]; taken {
		return errs.Wrap("ontology_validate", errs.Validationf("type %q reuses table %q already owned by %q", typeName, table, owner))
	}
	tables[table] = typeName
	return nil
}

func validateAttributes(typeName string, attrs map[string]FieldSpec) error {
	for field, spec := range attrs {
		if !identPattern.MatchString(field) {
			return errs.Wrap("ontology_validate", errs.Validationf("type %q has unsafe attribute name %q", typeName, field))
		}
		if reservedColumns[field] {
			return errs.Wrap("ontology_validate", errs.Validationf("type %q declares reserved attribute %q", typeName, field))
		}
		if err := validateFieldSpec(typeName, field, spec); err != nil {
			return err
		}
	}
	return nil
}

// validateFieldSpec recurses into object and array shapes.
func validateFieldSpec(typeName, path string, spec FieldSpec) error {
	if !attrTypes[spec.Type] {
		return errs.Wrap("ontology_validate", errs.Validationf("type %q attribute %q has invalid type %q", typeName, path, spec.Type))
	}
	if spec.Format != "" && spec.Type != "string" {
		return errs.Wrap("ontology_validate", errs.Validationf("type %q attribute %q sets format on non-string type %q", typeName, path, spec.Type))
	}
	switch spec.Type {
	case "object":
		for sub, subSpec := range spec.Properties {
			if err := validateFieldSpec(typeName, path+"."+sub, subSpec); err != nil {
				return err
			}
		}
	case "array":
		if spec.Items != nil {
			if err := validateFieldSpec(typeName, path+"[]", *spec.Items); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateSearch(typeName string, nt *NodeType) error {
	if nt.Search == nil {
		return nil
	}
	check := func(kind string, fields []string) error {
		for _, field := range fields {
			spec, ok := nt.Attributes[field]
			if !ok {
				return errs.Wrap("ontology_validate", errs.Validationf("node type %q %s field %q is not a declared attribute", typeName, kind, field))
			}
			if spec.Type != "string" {
				return errs.Wrap("ontology_validate", errs.Validationf("node type %q %s field %q must be a string attribute", typeName, kind, field))
			}
		}
		return nil
	}
	if err := check("text search", nt.Search.TextFields); err != nil {
		return err
	}
	return check("vector search", nt.Search.VectorFields)
}

// NodeNames returns the declared node type names in sorted order.
func (o *Ontology) NodeNames() []string {
	names := make([]string, 0, len(o.Nodes))
	for name := range o.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EdgeNames returns the declared edge type names in sorted order.
func (o *Ontology) EdgeNames() []string {
	names := make([]string, 0, len(o.Edges))
	for name := range o.Edges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Node looks up a node type by name.
func (o *Ontology) Node(name string) (*NodeType, error) {
	nt, ok := o.Nodes[name]
	if !ok {
		return nil, errs.Validationf("unknown node type %q", name)
	}
	return nt, nil
}

// Edge looks up an edge type by name.
func (o *Ontology) Edge(name string) (*EdgeType, error) {
	et, ok := o.Edges[name]
	if !ok {
		return nil, errs.Validationf("unknown edge type %q", name)
	}
	return et, nil
}

// NodeByTable maps a table name back to its node type.
func (o *Ontology) NodeByTable(table string) (*NodeType, bool) {
	for _, nt := range o.Nodes {
		if nt.Table == table {
			return nt, true
		}
	}
	return nil, false
}

// AttrColumns returns the attribute column order used everywhere SQL is
// generated: identity fields in declared order, remaining attributes
// sorted by name.
func AttrColumns(identity []string, attrs map[string]FieldSpec) []string {
	cols := make([]string, 0, len(attrs))
	seen := make(map[string]bool, len(attrs))
	for _, field := range identity {
		if _, ok := attrs[field]; ok && !seen[field] {
			cols = append(cols, field)
			seen[field] = true
		}
	}
	rest := make([]string, 0, len(attrs))
	for field := range attrs {
		if !seen[field] {
			rest = append(rest, field)
		}
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

// Columns returns the node type's attribute columns in canonical order.
func (nt *NodeType) Columns() []string {
	return AttrColumns(nt.Identity, nt.Attributes)
}

// Columns returns the edge type's attribute columns in canonical order.
func (et *EdgeType) Columns() []string {
	return AttrColumns(nil, et.Attributes)
}

// SearchFields returns the union of text and vector fields in stable
// order, and whether each is vector-indexed.
func (nt *NodeType) SearchFields() ([]string, map[string]bool) {
	if nt.Search == nil {
		return nil, nil
	}
	vectored := make(map[string]bool)
	seen := make(map[string]bool)
	var fields []string
	for _, f := range nt.Search.TextFields {
		if !seen[f] {
			fields = append(fields, f)
			seen[f] = true
		}
	}
	for _, f := range nt.Search.VectorFields {
		if !seen[f] {
			fields = append(fields, f)
			seen[f] = true
		}
		vectored[f] = true
	}
	sort.Strings(fields)
	return fields, vectored
}

// String implements fmt.Stringer for debugging.
func (o *Ontology) String() string {
	return fmt.Sprintf("ontology(%d node types, %d edge types)", len(o.Nodes), len(o.Edges))
}
