package temporal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/models"
)

func testGate(t *testing.T) (*Gate, string) {
	t.Helper()
	dir := t.TempDir()
	log, err := NewRejectLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	return NewGate(DefaultProfiles(), nil, log), dir
}

func TestAdmit_RejectsMissingObservedAt(t *testing.T) {
	gate, dir := testGate(t)
	doc := &models.Document{ID: "sig-x-001", Type: "signal", Body: "raw payload"}

	err := gate.Admit(context.Background(), &Candidate{Doc: doc, RawPayload: []byte("raw payload")})

	var rej *apperr.TemporalRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected TemporalRejection, got %v", err)
	}
	if rej.Reason != apperr.ReasonNoSourceTimestamp {
		t.Errorf("reason = %q, want no_source_timestamp", rej.Reason)
	}
	if rej.Suggestion == "" {
		t.Error("rejection carries no suggestion")
	}
	if len(rej.Attempts) == 0 {
		t.Error("rejection carries no attempts")
	}

	// Payload preserved under rejected/ and one log line appended.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var payloadFound, logFound bool
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".md") {
			data, _ := os.ReadFile(filepath.Join(dir, e.Name()))
			if string(data) == "raw payload" {
				payloadFound = true
			}
		}
		if e.Name() == "_rejection_log.jsonl" {
			logFound = true
		}
	}
	if !payloadFound {
		t.Error("payload file not written")
	}
	if !logFound {
		t.Error("rejection log not written")
	}
}

func TestAdmit_ExplicitObservedAtPasses(t *testing.T) {
	gate, _ := testGate(t)
	doc := &models.Document{
		ID: "proj-x-001", Type: "project",
		Temporal: models.TemporalFields{
			ObservedAt: time.Date(2025, 2, 10, 9, 15, 0, 0, time.UTC),
			Precision:  models.PrecisionExact,
		},
	}
	if err := gate.Admit(context.Background(), &Candidate{Doc: doc}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	// valid_until computed from the project profile: 60d * 1.0.
	want := time.Date(2025, 4, 11, 9, 15, 0, 0, time.UTC)
	if !doc.Temporal.ValidUntil.Equal(want) {
		t.Errorf("valid_until = %v, want %v", doc.Temporal.ValidUntil, want)
	}
	if doc.Confidence != 1.0 {
		t.Errorf("confidence default = %v, want 1.0", doc.Confidence)
	}
}

func TestAdmit_PrecisionDefaultsToInferred(t *testing.T) {
	gate, _ := testGate(t)
	doc := &models.Document{
		ID: "sig-x-001", Type: "signal",
		Temporal: models.TemporalFields{ObservedAt: time.Now().UTC()},
	}
	if err := gate.Admit(context.Background(), &Candidate{Doc: doc}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if doc.Temporal.Precision != models.PrecisionInferred {
		t.Errorf("precision = %q, want inferred", doc.Temporal.Precision)
	}
}

func TestAdmit_SourceTimestampChain(t *testing.T) {
	gate, _ := testGate(t)
	src := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := &models.Document{ID: "sig-x-001", Type: "signal"}

	err := gate.Admit(context.Background(), &Candidate{Doc: doc, SourceTimestamp: &src})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !doc.Temporal.ObservedAt.Equal(src) {
		t.Errorf("observed_at = %v, want source timestamp", doc.Temporal.ObservedAt)
	}
}

func TestAdmit_OverrideBeatsFileMetadata(t *testing.T) {
	gate, _ := testGate(t)
	override := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	mtime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := &models.Document{ID: "sig-x-001", Type: "signal"}

	err := gate.Admit(context.Background(), &Candidate{Doc: doc, Override: &override, FileModTime: &mtime})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !doc.Temporal.ObservedAt.Equal(override) {
		t.Errorf("observed_at = %v, want override", doc.Temporal.ObservedAt)
	}
}

func TestAdmit_FilenameDateAnchor(t *testing.T) {
	gate, _ := testGate(t)
	doc := &models.Document{ID: "meet-x-001", Type: "meeting", Path: "meeting/standup-2025-02-14-001.md"}

	err := gate.Admit(context.Background(), &Candidate{Doc: doc})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	want := time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC)
	if !doc.Temporal.ObservedAt.Equal(want) {
		t.Errorf("observed_at = %v, want filename date", doc.Temporal.ObservedAt)
	}
}

func TestAdmit_RejectsValidUntilBeforeObservedAt(t *testing.T) {
	gate, _ := testGate(t)
	doc := &models.Document{
		ID: "sig-x-001", Type: "signal",
		Temporal: models.TemporalFields{
			ObservedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			ValidUntil: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	err := gate.Admit(context.Background(), &Candidate{Doc: doc})
	var rej *apperr.TemporalRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestAdmit_RejectsOccurredAtAfterObservedAt(t *testing.T) {
	gate, _ := testGate(t)
	occurred := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	doc := &models.Document{
		ID: "sig-x-001", Type: "signal",
		Temporal: models.TemporalFields{
			ObservedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			OccurredAt: &occurred,
		},
	}
	err := gate.Admit(context.Background(), &Candidate{Doc: doc})
	var rej *apperr.TemporalRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

type fixedInferrer struct {
	at   time.Time
	conf float64
}

func (f fixedInferrer) InferObservedAt(context.Context, string) (time.Time, float64, error) {
	return f.at, f.conf, nil
}

func TestAdmit_InferredAnchorPenalisesConfidence(t *testing.T) {
	log, err := NewRejectLog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	gate := NewGate(DefaultProfiles(), fixedInferrer{at: at, conf: 0.9}, log)

	doc := &models.Document{ID: "sig-x-001", Type: "signal", Body: "sometime in early February"}
	if err := gate.Admit(context.Background(), &Candidate{Doc: doc}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !doc.Temporal.ObservedAt.Equal(at) {
		t.Errorf("observed_at = %v", doc.Temporal.ObservedAt)
	}
	if doc.Temporal.Precision != models.PrecisionInferred {
		t.Errorf("precision = %q, want inferred", doc.Temporal.Precision)
	}
	if doc.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85 after the inference penalty", doc.Confidence)
	}
}

func TestAdmit_LowInferenceConfidenceRejects(t *testing.T) {
	log, err := NewRejectLog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	gate := NewGate(DefaultProfiles(), fixedInferrer{at: time.Now(), conf: 0.2}, log)

	doc := &models.Document{ID: "sig-x-001", Type: "signal"}
	err = gate.Admit(context.Background(), &Candidate{Doc: doc})
	var rej *apperr.TemporalRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rej.Reason != apperr.ReasonAILowConfidence {
		t.Errorf("reason = %q, want ai_low_confidence", rej.Reason)
	}
}

func TestRejectLog_EntriesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log, err := NewRejectLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	rej := &apperr.TemporalRejection{
		Reason:     apperr.ReasonNoMetadataAnchor,
		Attempts:   []string{"a", "b"},
		Suggestion: "add observed_at",
	}
	if err := log.Record("slack-import", rej, []byte("payload")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	entries, err := log.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Source != "slack-import" || e.Reason != apperr.ReasonNoMetadataAnchor || len(e.Attempts) != 2 {
		t.Errorf("entry = %+v", e)
	}
	if e.Payload == "" {
		t.Error("entry has no payload pointer")
	}
}
