package ontology

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skeindb/skein/pkg/errs"
)

// BundleValidator validates import bundle items against the per-type
// schemas compiled from the ontology. Validation and coercion live
// behind this narrow surface; the schema engine itself is a library
// concern.
type BundleValidator struct {
	ontology *Ontology
	schemas  map[string]*jsonschema.Schema
}

// BundleValidator compiles the per-type validation schemas. Each schema
// requires the type discriminator and the identity fields (or the
// source/target identity objects for edges) and rejects unknown
// properties.
func (o *Ontology) BundleValidator() (*BundleValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true

	add := func(name string, doc map[string]any) error {
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return compiler.AddResource(name+".schema.json", bytes.NewReader(data))
	}

	for _, name := range o.NodeNames() {
		if err := add(name, nodeItemSchema(name, o.Nodes[name])); err != nil {
			return nil, errs.Wrap("bundle_schema", err)
		}
	}
	for _, name := range o.EdgeNames() {
		et := o.Edges[name]
		if err := add(name, edgeItemSchema(name, et, o.Nodes[et.Source], o.Nodes[et.Target])); err != nil {
			return nil, errs.Wrap("bundle_schema", err)
		}
	}

	schemas := make(map[string]*jsonschema.Schema, len(o.Nodes)+len(o.Edges))
	for _, name := range append(o.NodeNames(), o.EdgeNames()...) {
		sch, err := compiler.Compile(name + ".schema.json")
		if err != nil {
			return nil, errs.Wrap("bundle_schema", err)
		}
		schemas[name] = sch
	}

	return &BundleValidator{ontology: o, schemas: schemas}, nil
}

// Validate checks one decoded bundle item against its type's schema.
// The record index is woven into the reported locator so the caller can
// surface "record 3, field /source/name" style errors.
func (v *BundleValidator) Validate(recordIndex int, typeName string, item any) error {
	sch, ok := v.schemas[typeName]
	if !ok {
		return errs.Validationf("record %d: unknown type %q", recordIndex, typeName)
	}
	if err := sch.Validate(item); err != nil {
		return errs.Validationf("record %d%s", recordIndex, describeValidation(err))
	}
	return nil
}

// CoerceDateTimes normalizes date-time formatted strings in attrs to
// RFC 3339 UTC, recursing per the declared field shapes.
func CoerceDateTimes(attrs map[string]any, specs map[string]FieldSpec) {
	for field, spec := range specs {
		value, ok := attrs[field]
		if !ok {
			continue
		}
		attrs[field] = coerceValue(value, spec)
	}
}

func coerceValue(value any, spec FieldSpec) any {
	switch spec.Type {
	case "string":
		if spec.Format != "date-time" {
			return value
		}
		str, ok := value.(string)
		if !ok {
			return value
		}
		if ts, err := time.Parse(time.RFC3339, str); err == nil {
			return ts.UTC().Format(time.RFC3339)
		}
		return value
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return value
		}
		CoerceDateTimes(obj, spec.Properties)
		return obj
	case "array":
		arr, ok := value.([]any)
		if !ok || spec.Items == nil {
			return value
		}
		for i := range arr {
			arr[i] = coerceValue(arr[i], *spec.Items)
		}
		return arr
	default:
		return value
	}
}

// describeValidation extracts the deepest cause of a schema violation
// and renders it as a path-like locator with the expected-vs-actual
// message provided by the schema engine.
func describeValidation(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return fmt.Sprintf(": %v", err)
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	where := leaf.InstanceLocation
	if where == "" {
		where = "/"
	}
	return fmt.Sprintf(", field %s: %s", where, leaf.Message)
}

func fieldSchema(spec FieldSpec) map[string]any {
	doc := map[string]any{}
	if spec.Type == "null" {
		doc["type"] = "null"
		return doc
	}
	// Every attribute is nullable; absence and null are equivalent.
	doc["type"] = []any{spec.Type, "null"}
	if spec.Format != "" {
		doc["format"] = spec.Format
	}
	if spec.Type == "object" && len(spec.Properties) > 0 {
		props := map[string]any{}
		for name, sub := range spec.Properties {
			props[name] = fieldSchema(sub)
		}
		doc["properties"] = props
	}
	if spec.Type == "array" && spec.Items != nil {
		doc["items"] = fieldSchema(*spec.Items)
	}
	return doc
}

// identitySchema builds the schema of an edge endpoint reference: an
// object carrying exactly the identity fields of the endpoint type.
func identitySchema(nt *NodeType) map[string]any {
	props := map[string]any{}
	for _, field := range nt.Identity {
		props[field] = map[string]any{"type": nt.Attributes[field].Type}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             nt.Identity,
		"additionalProperties": false,
	}
}

func nodeItemSchema(name string, nt *NodeType) map[string]any {
	props := map[string]any{
		"type":   map[string]any{"const": name},
		"action": map[string]any{"enum": []any{"upsert", "delete"}},
	}
	for attr, spec := range nt.Attributes {
		props[attr] = fieldSchema(spec)
	}
	// Identity fields locate the row and may not be null.
	for _, field := range nt.Identity {
		props[field] = map[string]any{"type": nt.Attributes[field].Type}
	}
	required := append([]string{"type"}, nt.Identity...)
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func edgeItemSchema(name string, et *EdgeType, source, target *NodeType) map[string]any {
	props := map[string]any{
		"type":   map[string]any{"const": name},
		"action": map[string]any{"enum": []any{"upsert", "delete"}},
		"source": identitySchema(source),
		"target": identitySchema(target),
	}
	for attr, spec := range et.Attributes {
		props[attr] = fieldSchema(spec)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             []string{"type", "source", "target"},
		"additionalProperties": false,
	}
}
