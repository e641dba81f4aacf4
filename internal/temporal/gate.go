package temporal

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/models"
)

// inferredPenalty is subtracted from confidence when the anchor came from
// AI inference.
const inferredPenalty = 0.15

// Inferrer guesses a temporal anchor from document content. External
// collaborator; the gate only consumes the result.
type Inferrer interface {
	// InferObservedAt returns the inferred anchor and a confidence in [0,1].
	InferObservedAt(ctx context.Context, body string) (time.Time, float64, error)
}

// Candidate wraps a document on its way through the gate together with the
// out-of-band anchors the extraction chain may consult.
type Candidate struct {
	Doc *models.Document
	// SourceTimestamp is an explicit timestamp carried by the source payload.
	SourceTimestamp *time.Time
	// Override is a caller-supplied anchor.
	Override *time.Time
	// FileModTime is the mtime of the backing file, when one exists.
	FileModTime *time.Time
	// RawPayload is the original input, preserved on rejection for recovery.
	RawPayload []byte
}

// Gate is the admission check every write path funnels through.
type Gate struct {
	profiles Profiles
	inferrer Inferrer // nil disables AI inference
	log      *RejectLog
}

// NewGate builds a gate over the given decay profiles. The inferrer and
// rejection log are optional.
func NewGate(profiles Profiles, inferrer Inferrer, log *RejectLog) *Gate {
	return &Gate{profiles: profiles, inferrer: inferrer, log: log}
}

var filenameDateRe = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)

// Admit validates and completes the candidate's temporal fields in place.
// On success the document satisfies: observed_at, valid_until, and
// temporal_precision set; valid_until >= observed_at; occurred_at <=
// observed_at. On failure the payload is persisted to the rejection log and
// a *apperr.TemporalRejection is returned.
func (g *Gate) Admit(ctx context.Context, cand *Candidate) error {
	doc := cand.Doc

	if doc.Temporal.ObservedAt.IsZero() {
		if err := g.extractObservedAt(ctx, cand); err != nil {
			g.record(cand, err)
			return err
		}
	}

	if doc.Temporal.Precision == "" {
		doc.Temporal.Precision = models.PrecisionInferred
	}
	if !doc.Temporal.Precision.Valid() {
		rej := &apperr.TemporalRejection{
			Reason:     apperr.ReasonNoSourceTimestamp,
			Attempts:   []string{fmt.Sprintf("temporal_precision %q is not recognised", doc.Temporal.Precision)},
			Suggestion: "use one of: exact, day, week, month, quarter, approximate, inferred",
		}
		g.record(cand, rej)
		return rej
	}

	profile := g.profiles.For(doc.Type)
	if doc.Temporal.ValidUntil.IsZero() {
		doc.Temporal.ValidUntil = ComputeValidUntil(doc.Temporal.ObservedAt, profile, doc.Temporal.Precision)
	}

	if doc.Temporal.ValidUntil.Before(doc.Temporal.ObservedAt) {
		rej := &apperr.TemporalRejection{
			Reason: apperr.ReasonNoSourceTimestamp,
			Attempts: []string{fmt.Sprintf("valid_until %s precedes observed_at %s",
				doc.Temporal.ValidUntil.Format(time.RFC3339), doc.Temporal.ObservedAt.Format(time.RFC3339))},
			Suggestion: "set valid_until on or after observed_at, or drop it to let the decay profile compute one",
		}
		g.record(cand, rej)
		return rej
	}

	if doc.Temporal.OccurredAt != nil && doc.Temporal.OccurredAt.After(doc.Temporal.ObservedAt) {
		rej := &apperr.TemporalRejection{
			Reason: apperr.ReasonNoSourceTimestamp,
			Attempts: []string{fmt.Sprintf("occurred_at %s is after observed_at %s",
				doc.Temporal.OccurredAt.Format(time.RFC3339), doc.Temporal.ObservedAt.Format(time.RFC3339))},
			Suggestion: "occurred_at must not be later than observed_at",
		}
		g.record(cand, rej)
		return rej
	}

	if doc.Confidence == 0 {
		doc.Confidence = 1.0
	}

	return nil
}

// extractObservedAt walks the extraction chain in priority order. Wall-clock
// is never a fallback.
func (g *Gate) extractObservedAt(ctx context.Context, cand *Candidate) error {
	doc := cand.Doc
	var attempts []string

	if cand.SourceTimestamp != nil {
		doc.Temporal.ObservedAt = cand.SourceTimestamp.UTC()
		return nil
	}
	attempts = append(attempts, "no explicit source timestamp")

	if cand.Override != nil {
		doc.Temporal.ObservedAt = cand.Override.UTC()
		return nil
	}
	attempts = append(attempts, "no caller-supplied override")

	if t, ok := metadataAnchor(cand); ok {
		doc.Temporal.ObservedAt = t
		if doc.Temporal.Precision == "" {
			doc.Temporal.Precision = models.PrecisionApproximate
		}
		return nil
	}
	attempts = append(attempts, "no file metadata or filename date anchor")

	if g.inferrer != nil {
		t, conf, err := g.inferrer.InferObservedAt(ctx, doc.Body)
		if err == nil && conf >= 0.5 {
			doc.Temporal.ObservedAt = t.UTC()
			doc.Temporal.Precision = models.PrecisionInferred
			if doc.Confidence == 0 {
				doc.Confidence = 1.0
			}
			doc.Confidence -= inferredPenalty
			if doc.Confidence < 0 {
				doc.Confidence = 0
			}
			return nil
		}
		if err != nil {
			attempts = append(attempts, fmt.Sprintf("inference failed: %v", err))
		} else {
			attempts = append(attempts, fmt.Sprintf("inference confidence %.2f below 0.5", conf))
			return &apperr.TemporalRejection{
				Reason:     apperr.ReasonAILowConfidence,
				Attempts:   attempts,
				Suggestion: "add observed_at to the frontmatter, or pass --observed-at to override",
			}
		}
	} else {
		attempts = append(attempts, "no inference backend configured")
	}

	return &apperr.TemporalRejection{
		Reason:     apperr.ReasonNoSourceTimestamp,
		Attempts:   attempts,
		Suggestion: "add observed_at to the frontmatter, or pass --observed-at to override",
	}
}

// metadataAnchor tries the file-derived anchors: a date embedded in the
// path, then the file modification time.
func metadataAnchor(cand *Candidate) (time.Time, bool) {
	if m := filenameDateRe.FindString(cand.Doc.Path); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			return t.UTC(), true
		}
	}
	if cand.FileModTime != nil {
		return cand.FileModTime.UTC(), true
	}
	return time.Time{}, false
}

func (g *Gate) record(cand *Candidate, err error) {
	if g.log == nil {
		return
	}
	rej, ok := err.(*apperr.TemporalRejection)
	if !ok {
		return
	}
	source := cand.Doc.Source
	if source == "" {
		source = cand.Doc.Path
	}
	_ = g.log.Record(source, rej, cand.RawPayload)
}
