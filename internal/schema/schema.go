// Package schema implements the schema lifecycle engine (C4):
// discovery, interpretation, the Available/Approved/Blocked state
// machine, field-to-AtomRef mapping, and transform auto-registration.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// FieldKind discriminates a FieldDefinition's variant.
type FieldKind string

const (
	FieldSingle FieldKind = "single"
	FieldRange  FieldKind = "range"
)

// FieldMapper names a (source_schema, source_field) pair a field
// inherits its ref_atom_uuid from during map_fields.
type FieldMapper struct {
	SourceSchema string `json:"source_schema"`
	SourceField  string `json:"source_field"`
}

// Transform is { inputs, logic, output }, defined inline in a field's
// JSON and auto-registered at load time (4.1.4).
type Transform struct {
	Inputs []string `json:"inputs"`
	Logic  string   `json:"logic"`
	Output string   `json:"output"`
}

// PermissionPolicy is carried verbatim by FieldDefinition; DataFold's
// own read/write permission evaluation is out of this engine's scope
// (only check_schema_permission at the schema level is specified), so
// it is modeled as an opaque JSON value.
type PermissionPolicy map[string]interface{}

// PaymentConfig is likewise carried verbatim without interpretation.
type PaymentConfig map[string]interface{}

// FieldDefinition is the { Single, Range } variant carrying permission
// policy, payment config, field mappers, an optional transform, and
// an optional ref_atom_uuid.
type FieldDefinition struct {
	Kind         FieldKind        `json:"kind"`
	Permission   PermissionPolicy `json:"permission,omitempty"`
	Payment      PaymentConfig    `json:"payment,omitempty"`
	FieldMappers []FieldMapper    `json:"field_mappers,omitempty"`
	Transform    *Transform       `json:"transform,omitempty"`
	RefAtomUUID  string           `json:"ref_atom_uuid,omitempty"`
}

// Schema is a named collection of fields.
type Schema struct {
	Name          string                      `json:"name"`
	SchemaType    string                      `json:"schema_type"`
	Fields        map[string]*FieldDefinition `json:"fields"`
	PaymentConfig PaymentConfig               `json:"payment_config,omitempty"`
	Hash          string                      `json:"hash"`
}

// ComputeHash derives Schema.Hash as a canonical content hash: fields
// are sorted by name before hashing so field insertion order (declared
// irrelevant by spec.md §3) never changes the result.
func (s *Schema) ComputeHash() string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := make(map[string]*FieldDefinition, len(names))
	for _, n := range names {
		ordered[n] = s.Fields[n]
	}

	canonical := struct {
		Name          string                      `json:"name"`
		SchemaType    string                      `json:"schema_type"`
		Fields        map[string]*FieldDefinition `json:"fields"`
		PaymentConfig PaymentConfig               `json:"payment_config,omitempty"`
	}{s.Name, s.SchemaType, ordered, s.PaymentConfig}

	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// State is one of Available, Approved, Blocked.
type State string

const (
	StateAvailable State = "available"
	StateApproved  State = "approved"
	StateBlocked   State = "blocked"
)

// JsonSchemaDefinition is the on-disk JSON shape discover_and_load_all
// falls back to when a file doesn't parse as a native Schema.
type JsonSchemaDefinition struct {
	Name          string               `json:"name"`
	SchemaType    string               `json:"schema_type"`
	Fields        map[string]JsonField `json:"fields"`
	PaymentConfig PaymentConfig        `json:"payment_config,omitempty"`
}

// JsonField is one field's on-disk representation.
type JsonField struct {
	Kind         string           `json:"kind,omitempty"`
	Permission   PermissionPolicy `json:"permission,omitempty"`
	Payment      PaymentConfig    `json:"payment,omitempty"`
	FieldMappers []FieldMapper    `json:"field_mappers,omitempty"`
	Transform    *Transform       `json:"transform,omitempty"`
}

// Interpret converts a JsonSchemaDefinition into a Schema. Every field
// is realized as Single today; Range support is declared in JsonField
// but not fully wired (4.1.1), matching the Range-is-a-stub state the
// spec documents rather than silently dropping the kind.
func (d *JsonSchemaDefinition) Interpret() *Schema {
	fields := make(map[string]*FieldDefinition, len(d.Fields))
	for name, jf := range d.Fields {
		fields[name] = &FieldDefinition{
			Kind:         FieldSingle,
			Permission:   jf.Permission,
			Payment:      jf.Payment,
			FieldMappers: jf.FieldMappers,
			Transform:    jf.Transform,
		}
	}
	s := &Schema{
		Name:          d.Name,
		SchemaType:    d.SchemaType,
		Fields:        fields,
		PaymentConfig: d.PaymentConfig,
	}
	s.Hash = s.ComputeHash()
	return s
}
