package frontmatter

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/models"
)

func TestParse_FullDocument(t *testing.T) {
	input := []byte(`---
id: proj-alpha-001
type: project
title: Alpha Project
observed_at: 2025-02-10T09:15:00Z
valid_until: 2025-04-11T09:15:00Z
temporal_precision: exact
confidence: 0.95
status: active
tags:
  - infra
  - rollout
links:
  - rel: owner
    target: pers-jane-smith-001
    observed_at: 2025-02-10T09:15:00Z
---

# Alpha

Body text.
`)
	doc, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.ID != "proj-alpha-001" || doc.Type != "project" || doc.Title != "Alpha Project" {
		t.Errorf("identity = %q %q %q", doc.ID, doc.Type, doc.Title)
	}
	want := time.Date(2025, 2, 10, 9, 15, 0, 0, time.UTC)
	if !doc.Temporal.ObservedAt.Equal(want) {
		t.Errorf("observed_at = %v, want %v", doc.Temporal.ObservedAt, want)
	}
	if doc.Temporal.Precision != models.PrecisionExact {
		t.Errorf("precision = %q", doc.Temporal.Precision)
	}
	if doc.Confidence != 0.95 {
		t.Errorf("confidence = %v", doc.Confidence)
	}
	if doc.Fields["status"] != "active" {
		t.Errorf("status field = %v", doc.Fields["status"])
	}
	if len(doc.Tags) != 2 || doc.Tags[0] != "infra" {
		t.Errorf("tags = %v", doc.Tags)
	}
	if len(doc.Links) != 1 || doc.Links[0].Rel != "owner" || doc.Links[0].Target != "pers-jane-smith-001" {
		t.Errorf("links = %v", doc.Links)
	}
	if !strings.Contains(doc.Body, "Body text.") {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestParse_MissingOpeningFence(t *testing.T) {
	_, err := Parse([]byte("# Just markdown\n"))
	var fmErr *apperr.FrontmatterError
	if !errors.As(err, &fmErr) {
		t.Fatalf("expected FrontmatterError, got %v", err)
	}
	if fmErr.Line != 1 {
		t.Errorf("line = %d, want 1", fmErr.Line)
	}
}

func TestParse_OpeningFenceTrailingWhitespace(t *testing.T) {
	// Trailing whitespace tolerated on the opening fence only.
	doc, err := Parse([]byte("---  \nid: x-001\ntype: signal\n---\nbody\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.ID != "x-001" {
		t.Errorf("id = %q", doc.ID)
	}
}

func TestParse_ClosingFenceTrailingWhitespaceRejected(t *testing.T) {
	_, err := Parse([]byte("---\nid: x-001\n---  \nbody\n"))
	var fmErr *apperr.FrontmatterError
	if !errors.As(err, &fmErr) {
		t.Fatalf("expected FrontmatterError for unclosed fence, got %v", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("---\n: bad: yaml: {{{\n---\nbody\n"))
	var fmErr *apperr.FrontmatterError
	if !errors.As(err, &fmErr) {
		t.Fatalf("expected FrontmatterError, got %v", err)
	}
}

func TestRoundTrip_KnownFieldsIdentity(t *testing.T) {
	occurred := time.Date(2025, 2, 9, 0, 0, 0, 0, time.UTC)
	doc := &models.Document{
		ID:    "proj-alpha-001",
		Type:  "project",
		Title: "Alpha Project",
		Temporal: models.TemporalFields{
			ObservedAt: time.Date(2025, 2, 10, 9, 15, 0, 0, time.UTC),
			ValidUntil: time.Date(2025, 4, 11, 9, 15, 0, 0, time.UTC),
			Precision:  models.PrecisionDay,
			OccurredAt: &occurred,
		},
		Source:     "manual",
		Confidence: 0.9,
		Tags:       []string{"a", "b"},
		Fields:     map[string]any{"status": "active"},
		Links: []models.Link{
			{Rel: "owner", Target: "pers-x-001", ObservedAt: time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)},
		},
		Body: "Hello.\n",
	}

	back, err := Parse(Serialise(doc))
	if err != nil {
		t.Fatalf("Parse(Serialise): %v", err)
	}
	if back.ID != doc.ID || back.Type != doc.Type || back.Title != doc.Title {
		t.Errorf("identity drifted: %q %q %q", back.ID, back.Type, back.Title)
	}
	if !back.Temporal.ObservedAt.Equal(doc.Temporal.ObservedAt) ||
		!back.Temporal.ValidUntil.Equal(doc.Temporal.ValidUntil) ||
		back.Temporal.Precision != doc.Temporal.Precision {
		t.Errorf("temporal drifted: %+v", back.Temporal)
	}
	if back.Temporal.OccurredAt == nil || !back.Temporal.OccurredAt.Equal(occurred) {
		t.Errorf("occurred_at drifted: %v", back.Temporal.OccurredAt)
	}
	if back.Source != "manual" || back.Confidence != 0.9 {
		t.Errorf("provenance drifted: %q %v", back.Source, back.Confidence)
	}
	if len(back.Tags) != 2 || back.Tags[0] != "a" {
		t.Errorf("tags drifted: %v", back.Tags)
	}
	if back.Fields["status"] != "active" {
		t.Errorf("fields drifted: %v", back.Fields)
	}
	if len(back.Links) != 1 || back.Links[0].Rel != "owner" {
		t.Errorf("links drifted: %v", back.Links)
	}
	if back.Body != doc.Body {
		t.Errorf("body drifted: %q", back.Body)
	}
}

func TestRoundTrip_UnknownKeysPreserved(t *testing.T) {
	input := []byte("---\nid: x-001\ntype: signal\ncustom_key: custom value\nnested:\n  a: 1\n---\nbody\n")
	doc, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Fields["custom_key"] != "custom value" {
		t.Fatalf("unknown key lost: %v", doc.Fields)
	}

	back, err := Parse(Serialise(doc))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if back.Fields["custom_key"] != "custom value" {
		t.Errorf("unknown key lost on round trip: %v", back.Fields)
	}
	nested, ok := back.Fields["nested"].(map[string]any)
	if !ok || nested["a"] != 1 {
		t.Errorf("nested unknown value drifted: %v", back.Fields["nested"])
	}
}

func TestParse_DateOnlyTimestamps(t *testing.T) {
	doc, err := Parse([]byte("---\nid: x-001\ntype: signal\nobserved_at: 2025-02-10\n---\nbody\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Temporal.ObservedAt.IsZero() {
		t.Error("date-only observed_at not parsed")
	}
}
