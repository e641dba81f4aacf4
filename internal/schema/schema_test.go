package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/models"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Load(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return reg
}

func TestLoad_BuiltinsWhenDirMissing(t *testing.T) {
	reg := builtinRegistry(t)
	for _, name := range []string{"project", "meeting", "decision", "signal", "person", "concept"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Errorf("built-in type %q missing", name)
		}
	}
}

func TestLoad_SchemaFiles(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "incident.yaml"), []byte(`
name: incident
fields:
  severity:
    type: enum
    required: true
    indexed: true
    enum_values: [sev1, sev2, sev3]
  service:
    type: ref
    ref_type: project
validation:
  - rule: "resolved_at >= observed_at"
    message: resolution cannot precede observation
    severity: fatal
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	reg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def, ok := reg.Lookup("incident")
	if !ok {
		t.Fatal("incident schema not loaded")
	}
	if def.Fields["severity"].Type != TypeEnum {
		t.Errorf("severity type = %q", def.Fields["severity"].Type)
	}

	// Inherits the base temporal fields.
	if _, ok := reg.Field("incident", "observed_at"); !ok {
		t.Error("incident did not inherit observed_at from base")
	}
}

func TestLoad_RejectsUnknownFieldType(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\nfields:\n  x:\n    type: decimal\n"), 0o644)
	_, err := Load(dir)
	if _, ok := err.(*DefinitionError); !ok {
		t.Fatalf("expected DefinitionError, got %v", err)
	}
}

func TestLoad_RejectsEnumWithoutValues(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\nfields:\n  x:\n    type: enum\n"), 0o644)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for enum without enum_values")
	}
}

func TestLoad_RejectsExtendsCycle(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("name: a\nextends: b\nfields: {}\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("name: b\nextends: a\nfields: {}\n"), 0o644)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestLoad_RejectsUnknownParent(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("name: a\nextends: ghost\nfields: {}\n"), 0o644)
	if _, err := Load(dir); err == nil {
		t.Fatal("expected unknown-parent error")
	}
}

func TestFieldType_Domains(t *testing.T) {
	cases := map[FieldType]IndexDomain{
		TypeString:   DomainFTS,
		TypeInteger:  DomainBTree,
		TypeDatetime: DomainBTree,
		TypeRef:      DomainHash,
		TypeEnum:     DomainBitmap,
		TypeJSON:     DomainNone,
	}
	for ft, want := range cases {
		if got := ft.Domain(); got != want {
			t.Errorf("%s domain = %s, want %s", ft, got, want)
		}
	}
}

func TestValidate_RequiredAndEnum(t *testing.T) {
	reg := builtinRegistry(t)

	// status declares a default, so its absence is not a violation; the
	// default materialises via ApplyDefaults.
	doc := &models.Document{Type: "project", Fields: map[string]any{}}
	if verr := Validate(doc, reg); verr != nil {
		t.Fatalf("unexpected violations: %v", verr)
	}
	ApplyDefaults(doc, reg)
	if doc.Fields["status"] != "active" {
		t.Errorf("default not applied: %v", doc.Fields["status"])
	}

	// decision.decision is required with no default.
	noDefault := &models.Document{Type: "decision", Fields: map[string]any{}}
	if verr := Validate(noDefault, reg); verr == nil || len(verr.Fatal()) == 0 {
		t.Fatal("expected violation for missing required field")
	}

	doc.Fields["status"] = "nonsense"
	verr := Validate(doc, reg)
	if verr == nil || len(verr.Fatal()) == 0 {
		t.Fatal("expected fatal enum violation")
	}
}

func TestValidate_WrongType(t *testing.T) {
	reg := builtinRegistry(t)
	doc := &models.Document{Type: "project", Fields: map[string]any{"status": 42}}
	verr := Validate(doc, reg)
	if verr == nil || len(verr.Fatal()) == 0 {
		t.Fatal("expected type violation")
	}
}

func TestValidate_UnknownType(t *testing.T) {
	reg := builtinRegistry(t)
	doc := &models.Document{Type: "widget", Fields: map[string]any{}}
	verr := Validate(doc, reg)
	if verr == nil {
		t.Fatal("expected unknown-type violation")
	}
	if verr.Violations[0].Severity != apperr.SeverityFatal {
		t.Error("unknown type should be fatal")
	}
}

func TestValidate_CrossFieldRule(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "sprint.yaml"), []byte(`
name: sprint
fields:
  starts_at:
    type: datetime
  ends_at:
    type: datetime
validation:
  - rule: "ends_at >= starts_at"
    message: sprint cannot end before it starts
    severity: warning
`), 0o644)
	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	doc := &models.Document{Type: "sprint", Fields: map[string]any{
		"starts_at": "2025-02-10",
		"ends_at":   "2025-02-01",
	}}
	verr := Validate(doc, reg)
	if verr == nil {
		t.Fatal("expected rule violation")
	}
	if len(verr.Warnings()) != 1 || len(verr.Fatal()) != 0 {
		t.Errorf("warning rule misclassified: fatal=%d warnings=%d", len(verr.Fatal()), len(verr.Warnings()))
	}

	doc.Fields["ends_at"] = "2025-02-20"
	if verr := Validate(doc, reg); verr != nil {
		t.Errorf("unexpected violations: %v", verr)
	}
}

func TestValidate_RequiredWithRule(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "task.yaml"), []byte(`
name: task
fields:
  assignee:
    type: ref
    ref_type: person
  due:
    type: date
validation:
  - rule: "required_with(assignee, due)"
    message: assigned tasks need a due date
`), 0o644)
	reg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	doc := &models.Document{Type: "task", Fields: map[string]any{"assignee": "pers-x-001"}}
	verr := Validate(doc, reg)
	if verr == nil || len(verr.Fatal()) == 0 {
		t.Fatal("expected required_with violation")
	}

	doc.Fields["due"] = "2025-03-01"
	if verr := Validate(doc, reg); verr != nil {
		t.Errorf("unexpected violations: %v", verr)
	}
}

func TestValidate_ArrayAndMapTypes(t *testing.T) {
	reg := builtinRegistry(t)
	doc := &models.Document{Type: "meeting", Fields: map[string]any{
		"attendees": []any{"jane", "omar"},
	}}
	if verr := Validate(doc, reg); verr != nil {
		t.Errorf("unexpected violations: %v", verr)
	}

	doc.Fields["attendees"] = []any{"jane", 42}
	if verr := Validate(doc, reg); verr == nil {
		t.Error("expected violation for non-string array element")
	}
}
