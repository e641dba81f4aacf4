//go:build !sqlite_fts5

package index

import "database/sql"

// ftsEnabled gates MKQL BODY CONTAINS compilation: without FTS5 the
// compiler falls back to parameterised LIKE over documents.body.
const ftsEnabled = false

func initFTS(_ *sql.DB) error {
	// FTS5 not compiled in; the body column on documents serves LIKE
	// fallback search.
	return nil
}

func ftsUpsert(_ *sql.Tx, _, _, _ string, _ []string) error { return nil }

func ftsDelete(_ *sql.Tx, _ string) {}
