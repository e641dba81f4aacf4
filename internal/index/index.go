// Package index maintains the derived SQLite projection of the vault:
// documents, EAV field rows, links, version chains, contradictions,
// full-text search, and the vector store. The index is single-writer,
// many-reader, and fully reconstructable from the vault by Rebuild.
package index

import (
	"context"
	"time"

	"github.com/starford/mkb/internal/models"
)

// Indexer is the narrow ingestion surface the rest of the system depends
// on. Concrete back-ends must keep Rebuild equivalent to replaying every
// admission event through Ingest.
type Indexer interface {
	Ingest(ctx context.Context, doc *models.Document) error
	Delete(ctx context.Context, docID string, mode DeleteMode) error
	Rebuild(ctx context.Context, scan VaultScanner) error
	SweepStale(ctx context.Context, now time.Time) (*SweepReport, error)
}

// Vectors is the capability-separated vector back-end. An external ANN
// library can replace the built-in brute-force scan without touching the
// query compiler.
type Vectors interface {
	UpsertVectors(ctx context.Context, docID string, chunks [][]float32) error
	KNN(ctx context.Context, query []float32, k int, minCosine float64) ([]VectorHit, error)
	DeleteVectors(ctx context.Context, docID string) error
}

// DeleteMode mirrors the vault's soft/hard split: soft keeps the row as a
// tombstone (archived), hard cascades removal from every table.
type DeleteMode string

const (
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// VaultScanner is what Rebuild needs from the vault: enumerate and parse
// every live document.
type VaultScanner interface {
	ScanDocuments(ctx context.Context, fn func(doc *models.Document) error) error
}

// VectorHit is one KNN result.
type VectorHit struct {
	DocID   string
	ChunkID int
	Cosine  float64
}

// SweepReport summarises one staleness sweep.
type SweepReport struct {
	Scanned  int       `json:"scanned"`
	Stale    []string  `json:"stale,omitempty"`
	Archived []string  `json:"archived,omitempty"`
	Dangling []string  `json:"dangling_links,omitempty"`
	At       time.Time `json:"at"`
}

// FTSEnabled reports whether this build carries the FTS5 virtual table.
// The query compiler falls back to parameterised LIKE without it.
func FTSEnabled() bool { return ftsEnabled }

// Compile-time interface checks.
var (
	_ Indexer = (*Store)(nil)
	_ Vectors = (*Store)(nil)
)
