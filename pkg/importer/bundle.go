// Package importer implements the transactional import pipeline:
// schema validation of a tagged bundle, all-or-nothing node/edge
// mutation with incremental index maintenance, post-commit embedding
// computation, and the shadow-directory export that makes the durable
// dataset swap atomic.
package importer

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/skeindb/skein/pkg/errs"
)

// Item actions.
const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
)

// Item is one tagged bundle entry. Whether it addresses a node or an
// edge type is decided against the ontology during validation.
type Item struct {
	// Index is the item's position in the bundle, used in error
	// locators.
	Index  int
	Type   string
	Action string

	// Fields is the full decoded object, including the discriminator.
	// Node items carry identity fields and attributes inline; edge
	// items carry source/target identity objects plus attributes.
	Fields map[string]any
}

// Source returns an edge item's source identity object.
func (it Item) Source() map[string]any {
	m, _ := it.Fields["source"].(map[string]any)
	return m
}

// Target returns an edge item's target identity object.
func (it Item) Target() map[string]any {
	m, _ := it.Fields["target"].(map[string]any)
	return m
}

// Bundle is an ordered list of import items.
type Bundle struct {
	Items []Item
}

// ParseBundle decodes a JSON array of tagged items. Numbers are kept
// as json.Number so integer values survive exactly. Structural
// problems (not an array, element not an object, missing or non-string
// type, bad action) are validation errors; per-type schema validation
// happens later against the ontology.
func ParseBundle(data []byte) (*Bundle, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, errs.Validationf("bundle is not a JSON array: %v", err)
	}

	bundle := &Bundle{Items: make([]Item, 0, len(raw))}
	for i, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, errs.Validationf("record %d: not an object", i)
		}
		typeName, ok := obj["type"].(string)
		if !ok || typeName == "" {
			return nil, errs.Validationf("record %d: missing type discriminator", i)
		}
		action := ActionUpsert
		if a, present := obj["action"]; present {
			str, ok := a.(string)
			if !ok || (str != ActionUpsert && str != ActionDelete) {
				return nil, errs.Validationf("record %d: invalid action %v", i, a)
			}
			action = str
		}
		bundle.Items = append(bundle.Items, Item{
			Index:  i,
			Type:   typeName,
			Action: action,
			Fields: obj,
		})
	}
	return bundle, nil
}

// LoadBundle reads and parses a bundle file.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap("load_bundle", err)
	}
	return ParseBundle(data)
}
