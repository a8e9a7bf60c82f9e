package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Schema is the dashboard schema: ordered column groups, each an ordered
// list of keys. Order is part of the contract; ledger columns must come
// out in the same order run after run, so the decoder preserves document
// order instead of relying on map iteration.
type Schema struct {
	Groups []SchemaGroup
}

type SchemaGroup struct {
	Name string
	Keys []SchemaKey
}

// SchemaKey describes one logical column. A prefixed key is a namespace
// under which a pipeline supplies named sub-checks; a plain key names a
// single check.
type SchemaKey struct {
	Name             string
	IsPrefixedColumn bool
	IsRequired       bool
}

// DefaultSchema is the schema used when a dataset does not ship its
// own: one group with the roll-up column and the two prefixed
// namespaces the built-in pipelines report under.
func DefaultSchema() *Schema {
	var s Schema
	if err := json.Unmarshal([]byte(defaultSchemaDoc), &s); err != nil {
		panic(err)
	}
	return &s
}

const defaultSchemaDoc = `{
  "pipeline_status": {
    "pipeline_complete": {"IsPrefixedColumn": false, "IsRequired": true},
    "PHASE__": {"IsPrefixedColumn": true, "IsRequired": false},
    "STAGE__": {"IsPrefixedColumn": true, "IsRequired": false}
  }
}`

// LoadSchema reads a dashboard schema document from path.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return &s, nil
}

// Group returns the named column group.
func (s *Schema) Group(name string) (SchemaGroup, bool) {
	for _, g := range s.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return SchemaGroup{}, false
}

// Key returns the named key within the group.
func (g SchemaGroup) Key(name string) (SchemaKey, bool) {
	for _, k := range g.Keys {
		if k.Name == name {
			return k, true
		}
	}
	return SchemaKey{}, false
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("schema: group name is %T, want string", tok)
		}
		if seen[name] {
			return fmt.Errorf("schema: duplicate group %q", name)
		}
		seen[name] = true
		group := SchemaGroup{Name: name}
		if err := decodeGroup(dec, &group); err != nil {
			return fmt.Errorf("schema group %q: %w", name, err)
		}
		s.Groups = append(s.Groups, group)
	}
	return expectDelim(dec, '}')
}

func decodeGroup(dec *json.Decoder, g *SchemaGroup) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("key name is %T, want string", tok)
		}
		if seen[name] {
			return fmt.Errorf("duplicate key %q", name)
		}
		seen[name] = true
		var flags struct {
			IsPrefixedColumn bool
			IsRequired       bool
		}
		if err := dec.Decode(&flags); err != nil {
			return fmt.Errorf("key %q: %w", name, err)
		}
		g.Keys = append(g.Keys, SchemaKey{
			Name:             name,
			IsPrefixedColumn: flags.IsPrefixedColumn,
			IsRequired:       flags.IsRequired,
		})
	}
	return expectDelim(dec, '}')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("unexpected token %v, want %v", tok, want)
	}
	return nil
}
