// Package schema loads document type definitions and validates frontmatter
// against them. Schema shapes are data, not types: validation is
// table-driven, and the registry is built once per process with no reload.
package schema

import (
	"fmt"
)

// FieldType enumerates the supported schema field types.
type FieldType string

const (
	TypeString      FieldType = "string"
	TypeInteger     FieldType = "integer"
	TypeFloat       FieldType = "float"
	TypeBoolean     FieldType = "boolean"
	TypeDate        FieldType = "date"
	TypeDatetime    FieldType = "datetime"
	TypeDuration    FieldType = "duration"
	TypeEnum        FieldType = "enum"
	TypeRef         FieldType = "ref"
	TypeRefArray    FieldType = "ref[]"
	TypeStringArray FieldType = "string[]"
	TypeMap         FieldType = "map<string,string>"
	TypeJSON        FieldType = "json"
)

// IndexDomain names the physical index family suited to a field type. The
// index layer uses it to choose storage for EAV rows.
type IndexDomain string

const (
	DomainFTS    IndexDomain = "fts"
	DomainBTree  IndexDomain = "btree"
	DomainHash   IndexDomain = "hash"
	DomainBitmap IndexDomain = "bitmap"
	DomainNone   IndexDomain = "none"
)

// Domain returns the indexable domain for a field type.
func (t FieldType) Domain() IndexDomain {
	switch t {
	case TypeString:
		return DomainFTS
	case TypeInteger, TypeFloat, TypeDate, TypeDatetime, TypeDuration:
		return DomainBTree
	case TypeRef, TypeRefArray:
		return DomainHash
	case TypeEnum, TypeBoolean:
		return DomainBitmap
	default:
		return DomainNone
	}
}

// IsArray reports whether values of this type expand into field_arrays rows.
func (t FieldType) IsArray() bool {
	return t == TypeRefArray || t == TypeStringArray
}

// IsNumeric reports whether values compare on the numeric EAV column.
func (t FieldType) IsNumeric() bool {
	switch t {
	case TypeInteger, TypeFloat, TypeBoolean, TypeDate, TypeDatetime, TypeDuration:
		return true
	}
	return false
}

// FieldDef describes one field in a schema.
type FieldDef struct {
	Type       FieldType `yaml:"type"`
	Required   bool      `yaml:"required"`
	Indexed    bool      `yaml:"indexed"`
	Searchable bool      `yaml:"searchable"`
	Default    any       `yaml:"default,omitempty"`
	// EnumValues lists allowed values for enum fields.
	EnumValues []string `yaml:"enum_values,omitempty"`
	// RefType names the target document type for ref fields.
	RefType     string `yaml:"ref_type,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Rule is a cross-field validation rule.
type Rule struct {
	// Expr is the rule expression, e.g. "ends_at >= starts_at" or
	// "required_with(owner, status)".
	Expr     string `yaml:"rule"`
	Message  string `yaml:"message"`
	Severity string `yaml:"severity"` // fatal | warning; defaults to fatal
}

// Computed is a derived-field expression evaluated at index time.
type Computed struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

// Definition is a named document type contract. Definitions form a
// single-inheritance chain via Extends, rooted at the base schema that
// carries the temporal and provenance fields.
type Definition struct {
	Name        string              `yaml:"name"`
	Version     int                 `yaml:"version"`
	Extends     string              `yaml:"extends,omitempty"`
	Description string              `yaml:"description,omitempty"`
	Fields      map[string]FieldDef `yaml:"fields"`
	Validation  []Rule              `yaml:"validation,omitempty"`
	Computed    []Computed          `yaml:"computed,omitempty"`
}

// DefinitionError reports a malformed schema file or registry.
type DefinitionError struct {
	Schema  string
	Message string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("schema: definition %q: %s", e.Schema, e.Message)
}
