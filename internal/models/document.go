// Package models defines the domain types for MKB: documents, temporal
// fields, links, and the supporting enumerations.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Precision is the precision level of a temporal observation.
type Precision string

const (
	PrecisionExact       Precision = "exact"
	PrecisionDay         Precision = "day"
	PrecisionWeek        Precision = "week"
	PrecisionMonth       Precision = "month"
	PrecisionQuarter     Precision = "quarter"
	PrecisionApproximate Precision = "approximate"
	PrecisionInferred    Precision = "inferred"
)

// Valid reports whether p is a known precision level.
func (p Precision) Valid() bool {
	switch p {
	case PrecisionExact, PrecisionDay, PrecisionWeek, PrecisionMonth,
		PrecisionQuarter, PrecisionApproximate, PrecisionInferred:
		return true
	}
	return false
}

// Multiplier maps precision to the valid_until scaling factor applied to a
// type's hard expiry.
func (p Precision) Multiplier() float64 {
	switch p {
	case PrecisionExact:
		return 1.0
	case PrecisionDay:
		return 0.95
	case PrecisionWeek:
		return 0.8
	case PrecisionMonth:
		return 0.6
	case PrecisionQuarter:
		return 0.4
	case PrecisionApproximate:
		return 0.3
	default:
		return 0.2
	}
}

// TemporalFields holds the mandatory knowledge-lifecycle timestamps present
// on every admitted document. ObservedAt, ValidUntil, and Precision are
// never zero after gate admission.
type TemporalFields struct {
	// ObservedAt is when the described fact was true/observed. The
	// authoritative time anchor.
	ObservedAt time.Time
	// ValidUntil is when the fact expires; computed by decay when absent.
	ValidUntil time.Time
	// Precision grades how precise the temporal grounding is.
	Precision Precision
	// OccurredAt is when the described event actually happened, when it
	// differs from ObservedAt. Always <= ObservedAt.
	OccurredAt *time.Time
}

// Document is the knowledge unit: a markdown file with YAML frontmatter.
type Document struct {
	ID    string
	Type  string
	Title string

	// File lifecycle, auto-managed; never used for temporal query semantics.
	CreatedAt  time.Time
	ModifiedAt time.Time

	Temporal TemporalFields

	// Provenance.
	Source     string
	SourceHash string
	Provenance string
	// Confidence is the base value in [0,1]; effective confidence is always
	// derived at read time.
	Confidence float64

	// Supersession chain for the same logical entity.
	Supersedes   string
	SupersededBy string
	SupersededAt *time.Time

	// Fields holds every non-system frontmatter key, schema-typed or not.
	// Keys the schema does not declare are preserved verbatim.
	Fields map[string]any

	Tags  []string
	Links []Link

	// Body is the markdown content below the frontmatter.
	Body string

	// Path is the vault-relative file path; derived state, not serialised.
	Path string
}

// LogicalID returns the identity shared by every version of the same
// logical entity: the id with its trailing version counter stripped.
func (d *Document) LogicalID() string {
	return LogicalID(d.ID)
}

// LogicalID strips the trailing -NNN counter from a document id.
func LogicalID(id string) string {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return id
	}
	tail := id[i+1:]
	if tail == "" {
		return id
	}
	for _, r := range tail {
		if r < '0' || r > '9' {
			return id
		}
	}
	return id[:i]
}

// GenerateID builds a document id of the form <type>-<slug>-<counter>, with
// the type cut to its first four characters, e.g. "proj-alpha-project-001".
func GenerateID(docType, title string, counter int) string {
	prefix := docType
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return fmt.Sprintf("%s-%s-%03d", prefix, Slug(title), counter)
}

// Slug lowercases the title, replaces non-alphanumerics with dashes, and
// keeps at most the first three words and thirty characters.
func Slug(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	var words []string
	for _, w := range strings.Split(b.String(), "-") {
		if w != "" {
			words = append(words, w)
		}
		if len(words) == 3 {
			break
		}
	}
	s := strings.Join(words, "-")
	if len(s) > 30 {
		s = s[:30]
	}
	return s
}
