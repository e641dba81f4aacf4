//go:build sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

// ftsEnabled gates MKQL BODY CONTAINS compilation onto the MATCH path.
const ftsEnabled = true

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS content_fts USING fts5(
			doc_id UNINDEXED,
			title,
			body,
			tags,
			tokenize = 'porter unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, docID, title, body string, tags []string) error {
	_, _ = tx.Exec(`DELETE FROM content_fts WHERE doc_id = ?`, docID)
	_, err := tx.Exec(`INSERT INTO content_fts (doc_id, title, body, tags) VALUES (?, ?, ?, ?)`,
		docID, title, body, strings.Join(tags, " "))
	if err != nil {
		return fmt.Errorf("index: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, docID string) {
	_, _ = tx.Exec(`DELETE FROM content_fts WHERE doc_id = ?`, docID)
}
