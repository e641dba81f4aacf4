// Package apperr defines the error taxonomy shared across MKB layers.
//
// Structured errors flow up to their immediate caller; only the outermost
// process boundary (CLI, HTTP, MCP) converts them to exit codes or
// JSON-shaped diagnostics.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")

	// ErrIndexUnavailable covers a missing or unopenable index database.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrDatabaseBusy is returned when SQLite reports a busy writer after
	// bounded retries.
	ErrDatabaseBusy = errors.New("database busy")
	// ErrVectorStoreUnavailable covers vector-store read/write failures.
	ErrVectorStoreUnavailable = errors.New("vector store unavailable")
	// ErrCancelled is returned when an operation observed its cancellation
	// token.
	ErrCancelled = errors.New("cancelled")
	// ErrDeadlineExceeded is returned when a per-operation deadline passed.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// RejectionReason enumerates why the temporal gate refused a document.
type RejectionReason string

const (
	ReasonNoSourceTimestamp   RejectionReason = "no_source_timestamp"
	ReasonNoUserOverride      RejectionReason = "no_user_override"
	ReasonNoMetadataAnchor    RejectionReason = "no_metadata_anchor"
	ReasonAILowConfidence     RejectionReason = "ai_low_confidence"
	ReasonExplicitUserRefusal RejectionReason = "explicit_user_refusal"
)

// TemporalRejection is the admission failure produced by the temporal gate.
// It is non-fatal to the process; the original payload is preserved in the
// rejection log for later recovery.
type TemporalRejection struct {
	Reason     RejectionReason
	Attempts   []string
	Suggestion string
}

func (e *TemporalRejection) Error() string {
	return fmt.Sprintf("temporal: REJECTED (%s): %s", e.Reason, e.Suggestion)
}

// Severity grades a schema violation.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityWarning Severity = "warning"
)

// SchemaViolation is a single validation finding against a document.
type SchemaViolation struct {
	Field    string
	Rule     string
	Message  string
	Severity Severity
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("schema: %s violation on %q: %s", e.Severity, e.Field, e.Message)
}

// ValidationError aggregates all violations found for one document.
type ValidationError struct {
	DocType    string
	Violations []*SchemaViolation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: %d violation(s) for type %q", len(e.Violations), e.DocType)
}

// Fatal returns only the fatal violations.
func (e *ValidationError) Fatal() []*SchemaViolation {
	var out []*SchemaViolation
	for _, v := range e.Violations {
		if v.Severity == SeverityFatal {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns only the warning violations.
func (e *ValidationError) Warnings() []*SchemaViolation {
	var out []*SchemaViolation
	for _, v := range e.Violations {
		if v.Severity == SeverityWarning {
			out = append(out, v)
		}
	}
	return out
}

// ParseError is an MKQL parse failure with a byte offset into the query
// string and a human-actionable suggestion.
type ParseError struct {
	Offset     int
	Message    string
	Suggestion string
}

func (e *ParseError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("mkql: parse error at offset %d: %s (%s)", e.Offset, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("mkql: parse error at offset %d: %s", e.Offset, e.Message)
}

// FrontmatterError is a frontmatter parse failure with a line number.
type FrontmatterError struct {
	Line    int
	Message string
}

func (e *FrontmatterError) Error() string {
	return fmt.Sprintf("frontmatter: line %d: %s", e.Line, e.Message)
}

// OutOfSync reports a consistency failure between the vault and the index,
// detected by the integrity check. Recoverable by targeted reindex or full
// rebuild.
type OutOfSync struct {
	// Missing lists document paths present on disk but absent from the index.
	Missing []string
	// Orphaned lists document ids present in the index with no backing file.
	Orphaned []string
}

func (e *OutOfSync) Error() string {
	return fmt.Sprintf("index: out of sync: %d missing, %d orphaned", len(e.Missing), len(e.Orphaned))
}

// Exit codes for the CLI surface wrapping the core.
const (
	ExitOK               = 0
	ExitUserError        = 2
	ExitQueryRuntime     = 3
	ExitTemporalRejected = 4
	ExitIndexUnavailable = 5
	ExitCancelled        = 6
)

// ExitCode maps an error to the CLI exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var rej *TemporalRejection
	var parse *ParseError
	var fm *FrontmatterError
	var val *ValidationError
	switch {
	case errors.As(err, &rej):
		return ExitTemporalRejected
	case errors.As(err, &parse), errors.As(err, &fm), errors.As(err, &val):
		return ExitUserError
	case errors.Is(err, ErrIndexUnavailable):
		return ExitIndexUnavailable
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrDeadlineExceeded):
		return ExitCancelled
	default:
		return ExitQueryRuntime
	}
}
