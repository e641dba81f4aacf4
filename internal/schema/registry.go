package schema

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// baseName is the root of every inheritance chain. It carries the temporal
// and provenance fields shared by all document types.
const baseName = "base"

// Registry resolves document types to their flattened definitions.
// Constructed once at process start from the vault's schemas/ directory.
// There is no reload path, and compiled query plans are not cached.
type Registry struct {
	defs map[string]*Definition
	// flat caches per-type field sets with inherited fields merged in.
	flat map[string]map[string]FieldDef
}

// Load parses every *.yaml file under dir into a Registry. When dir does not
// exist or holds no schemas, the built-in definitions apply.
func Load(dir string) (*Registry, error) {
	defs := map[string]*Definition{baseName: baseSchema()}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return build(withBuiltins(defs))
		}
		return nil, fmt.Errorf("schema: read dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		def, err := loadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs[def.Name] = def
		loaded++
	}
	if loaded == 0 {
		defs = withBuiltins(defs)
	}
	return build(defs)
}

func loadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &DefinitionError{Schema: filepath.Base(path), Message: err.Error()}
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), ".yaml")
	}
	if def.Version == 0 {
		def.Version = 1
	}
	for name, fd := range def.Fields {
		if fd.Type == "" {
			return nil, &DefinitionError{Schema: def.Name, Message: fmt.Sprintf("field %q has no type", name)}
		}
		if !knownType(fd.Type) {
			return nil, &DefinitionError{Schema: def.Name, Message: fmt.Sprintf("field %q has unknown type %q", name, fd.Type)}
		}
		if fd.Type == TypeEnum && len(fd.EnumValues) == 0 {
			return nil, &DefinitionError{Schema: def.Name, Message: fmt.Sprintf("enum field %q declares no enum_values", name)}
		}
	}
	for i, r := range def.Validation {
		if r.Severity == "" {
			def.Validation[i].Severity = "fatal"
		}
	}
	return &def, nil
}

func knownType(t FieldType) bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeDate, TypeDatetime,
		TypeDuration, TypeEnum, TypeRef, TypeRefArray, TypeStringArray, TypeMap, TypeJSON:
		return true
	}
	return false
}

// build resolves extends edges, rejecting unknown parents and cycles, and
// precomputes the flattened field set per type.
func build(defs map[string]*Definition) (*Registry, error) {
	r := &Registry{defs: defs, flat: map[string]map[string]FieldDef{}}

	for name := range defs {
		fields := map[string]FieldDef{}
		seen := map[string]bool{}
		cur := name
		for cur != "" {
			if seen[cur] {
				return nil, &DefinitionError{Schema: name, Message: fmt.Sprintf("extends cycle through %q", cur)}
			}
			seen[cur] = true
			def, ok := defs[cur]
			if !ok {
				return nil, &DefinitionError{Schema: name, Message: fmt.Sprintf("extends unknown schema %q", cur)}
			}
			for fname, fd := range def.Fields {
				// Child definitions win over ancestors.
				if _, exists := fields[fname]; !exists {
					fields[fname] = fd
				}
			}
			if cur == baseName {
				break
			}
			next := def.Extends
			if next == "" && cur != baseName {
				next = baseName
			}
			cur = next
		}
		r.flat[name] = fields
	}
	return r, nil
}

// Lookup returns the definition for a document type.
func (r *Registry) Lookup(docType string) (*Definition, bool) {
	def, ok := r.defs[docType]
	return def, ok
}

// FieldsOf returns the flattened field set of a type, inherited fields
// included.
func (r *Registry) FieldsOf(docType string) (map[string]FieldDef, bool) {
	f, ok := r.flat[docType]
	return f, ok
}

// Field resolves one field definition on a type.
func (r *Registry) Field(docType, field string) (FieldDef, bool) {
	fields, ok := r.flat[docType]
	if !ok {
		return FieldDef{}, false
	}
	fd, ok := fields[field]
	return fd, ok
}

// Types returns all registered type names, sorted, excluding the base.
func (r *Registry) Types() []string {
	var out []string
	for name := range r.defs {
		if name != baseName {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// WalkSchemaFiles reports the schema files under dir, for integrity checks.
func WalkSchemaFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".yaml") {
			out = append(out, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return out, err
}

// baseSchema declares the temporal and provenance fields every type
// inherits.
func baseSchema() *Definition {
	return &Definition{
		Name:    baseName,
		Version: 1,
		Fields: map[string]FieldDef{
			"observed_at":        {Type: TypeDatetime, Required: true, Indexed: true},
			"valid_until":        {Type: TypeDatetime, Required: true, Indexed: true},
			"temporal_precision": {Type: TypeEnum, Required: true, Indexed: true, EnumValues: []string{"exact", "day", "week", "month", "quarter", "approximate", "inferred"}},
			"occurred_at":        {Type: TypeDatetime},
			"source":             {Type: TypeString},
			"source_hash":        {Type: TypeString},
			"provenance":         {Type: TypeString},
			"confidence":         {Type: TypeFloat, Indexed: true},
			"temporal_range":     {Type: TypeJSON},
		},
	}
}

// withBuiltins installs the built-in document types used when a vault has no
// schemas directory of its own.
func withBuiltins(defs map[string]*Definition) map[string]*Definition {
	builtins := []*Definition{
		{
			Name: "project", Version: 1,
			Description: "A project being tracked",
			Fields: map[string]FieldDef{
				"status": {Type: TypeEnum, Required: true, Indexed: true, Default: "active",
					EnumValues: []string{"active", "in_progress", "blocked", "paused", "completed", "cancelled"}},
				"owner": {Type: TypeRef, Indexed: true, RefType: "person"},
			},
		},
		{
			Name: "meeting", Version: 1,
			Description: "A meeting or discussion",
			Fields: map[string]FieldDef{
				"attendees": {Type: TypeStringArray, Searchable: true},
			},
		},
		{
			Name: "decision", Version: 1,
			Description: "A decision record",
			Fields: map[string]FieldDef{
				"decision":  {Type: TypeString, Required: true, Searchable: true},
				"rationale": {Type: TypeString, Searchable: true},
			},
		},
		{
			Name: "signal", Version: 1,
			Description: "A signal or observation",
			Fields: map[string]FieldDef{
				"sentiment": {Type: TypeEnum, Indexed: true,
					EnumValues: []string{"positive", "neutral", "negative"}},
			},
		},
		{
			Name: "person", Version: 1,
			Description: "A person referenced by other documents",
			Fields: map[string]FieldDef{
				"role":  {Type: TypeString, Indexed: true},
				"email": {Type: TypeString},
			},
		},
		{
			Name: "concept", Version: 1,
			Description: "A long-lived concept or definition",
			Fields: map[string]FieldDef{
				"aliases": {Type: TypeStringArray, Searchable: true},
			},
		},
	}
	for _, def := range builtins {
		if _, exists := defs[def.Name]; !exists {
			defs[def.Name] = def
		}
	}
	return defs
}
