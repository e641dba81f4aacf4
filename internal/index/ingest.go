package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/mkb/internal/models"
	"github.com/starford/mkb/internal/temporal"
)

// Ingest upserts one admitted document: the documents row, its EAV field
// rows, links, the FTS entry, the version-chain row, and supersession
// bookkeeping against sibling versions of the same logical entity. One
// serialisable transaction per call; the embedding dirty bit is raised so
// the refresher re-embeds on its next pass.
func (s *Store) Ingest(ctx context.Context, doc *models.Document) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := upsertDocumentRow(tx, doc); err != nil {
		return err
	}
	if err := replaceFieldRows(tx, doc); err != nil {
		return err
	}
	if err := ftsUpsert(tx, doc.ID, doc.Title, doc.Body, doc.Tags); err != nil {
		return err
	}
	if err := replaceLinks(tx, doc); err != nil {
		return err
	}
	if err := recordVersion(tx, doc); err != nil {
		return err
	}
	if err := s.resolveSupersession(tx, doc); err != nil {
		return err
	}

	return tx.Commit()
}

func upsertDocumentRow(tx *sql.Tx, doc *models.Document) error {
	tagsJSON, _ := json.Marshal(doc.Tags)

	_, err := tx.Exec(`
		INSERT INTO documents (
			id, logical_id, doc_type, title, path,
			observed_at, valid_until, temporal_precision, occurred_at,
			created_at, modified_at, confidence,
			source, source_hash, provenance,
			supersedes, superseded_by, superseded_at,
			tags, body, embed_dirty, stale, archived
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, 0)
		ON CONFLICT(id) DO UPDATE SET
			logical_id         = excluded.logical_id,
			doc_type           = excluded.doc_type,
			title              = excluded.title,
			path               = excluded.path,
			observed_at        = excluded.observed_at,
			valid_until        = excluded.valid_until,
			temporal_precision = excluded.temporal_precision,
			occurred_at        = excluded.occurred_at,
			modified_at        = excluded.modified_at,
			confidence         = excluded.confidence,
			source             = excluded.source,
			source_hash        = excluded.source_hash,
			provenance         = excluded.provenance,
			supersedes         = excluded.supersedes,
			superseded_by      = excluded.superseded_by,
			superseded_at      = excluded.superseded_at,
			tags               = excluded.tags,
			body               = excluded.body,
			embed_dirty        = 1,
			archived           = 0
	`,
		doc.ID, doc.LogicalID(), doc.Type, doc.Title, doc.Path,
		fmtTime(doc.Temporal.ObservedAt), fmtTime(doc.Temporal.ValidUntil),
		string(doc.Temporal.Precision), fmtTimePtr(doc.Temporal.OccurredAt),
		fmtTime(doc.CreatedAt), fmtTime(doc.ModifiedAt), doc.Confidence,
		nullable(doc.Source), nullable(doc.SourceHash), nullable(doc.Provenance),
		nullable(doc.Supersedes), nullable(doc.SupersededBy), fmtTimePtr(doc.SupersededAt),
		string(tagsJSON), doc.Body,
	)
	if err != nil {
		return fmt.Errorf("index: upsert document: %w", err)
	}
	return nil
}

// replaceFieldRows rewrites the EAV projection of a document's dynamic
// fields. Scalars land in field_values (text plus numeric column where
// comparable); arrays expand into field_arrays.
func replaceFieldRows(tx *sql.Tx, doc *models.Document) error {
	if _, err := tx.Exec(`DELETE FROM field_values WHERE doc_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("index: clear field values: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM field_arrays WHERE doc_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("index: clear field arrays: %w", err)
	}

	scalarStmt, err := tx.Prepare(`
		INSERT INTO field_values (doc_id, field_name, field_type, value_text, value_num)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare field insert: %w", err)
	}
	defer scalarStmt.Close()

	arrayStmt, err := tx.Prepare(`
		INSERT INTO field_arrays (doc_id, field_name, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare array insert: %w", err)
	}
	defer arrayStmt.Close()

	for name, value := range doc.Fields {
		switch v := value.(type) {
		case []any:
			for _, item := range v {
				if _, err := arrayStmt.Exec(doc.ID, name, stringify(item)); err != nil {
					return fmt.Errorf("index: insert array value: %w", err)
				}
			}
		default:
			text, num, ftype := eavValue(v)
			if _, err := scalarStmt.Exec(doc.ID, name, ftype, text, num); err != nil {
				return fmt.Errorf("index: insert field value: %w", err)
			}
		}
	}
	return nil
}

// eavValue maps a dynamic field value onto the EAV columns: text for every
// value, numeric where comparisons are numeric.
func eavValue(v any) (text string, num sql.NullFloat64, ftype string) {
	switch n := v.(type) {
	case string:
		return n, sql.NullFloat64{}, "string"
	case bool:
		f := 0.0
		if n {
			f = 1.0
		}
		return fmt.Sprintf("%t", n), sql.NullFloat64{Float64: f, Valid: true}, "boolean"
	case int:
		return fmt.Sprintf("%d", n), sql.NullFloat64{Float64: float64(n), Valid: true}, "integer"
	case int64:
		return fmt.Sprintf("%d", n), sql.NullFloat64{Float64: float64(n), Valid: true}, "integer"
	case float64:
		return fmt.Sprintf("%g", n), sql.NullFloat64{Float64: n, Valid: true}, "float"
	case time.Time:
		return fmtTime(n), sql.NullFloat64{Float64: float64(n.Unix()), Valid: true}, "datetime"
	default:
		raw, _ := json.Marshal(v)
		return string(raw), sql.NullFloat64{}, "json"
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}

func replaceLinks(tx *sql.Tx, doc *models.Document) error {
	if _, err := tx.Exec(`DELETE FROM links WHERE source_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("index: clear links: %w", err)
	}
	if len(doc.Links) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO links (source_id, rel, target_id, observed_at, metadata)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare link insert: %w", err)
	}
	defer stmt.Close()
	for _, link := range doc.Links {
		var meta any
		if len(link.Metadata) > 0 {
			raw, _ := json.Marshal(link.Metadata)
			meta = string(raw)
		}
		observed := link.ObservedAt
		if observed.IsZero() {
			observed = doc.Temporal.ObservedAt
		}
		if _, err := stmt.Exec(doc.ID, link.Rel, link.Target, fmtTime(observed), meta); err != nil {
			return fmt.Errorf("index: insert link: %w", err)
		}
	}
	return nil
}

func recordVersion(tx *sql.Tx, doc *models.Document) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO document_versions (doc_id, logical_id, observed_at, snapshot_hash)
		VALUES (?, ?, ?, ?)`,
		doc.ID, doc.LogicalID(), fmtTime(doc.Temporal.ObservedAt), doc.SourceHash)
	if err != nil {
		return fmt.Errorf("index: record version: %w", err)
	}
	return nil
}

// resolveSupersession applies the latest-wins rule across every version of
// the incoming document's logical entity and records field-level conflicts.
// Conflicts never block ingestion.
func (s *Store) resolveSupersession(tx *sql.Tx, doc *models.Document) error {
	siblings, err := loadVersions(tx, doc.LogicalID())
	if err != nil {
		return err
	}
	if len(siblings) < 2 {
		return nil
	}

	winner, conflicts := temporal.Resolve(siblings, s.now().UTC())

	for _, v := range siblings {
		if v.ID == winner.ID {
			_, err = tx.Exec(`UPDATE documents SET superseded_by = NULL, superseded_at = NULL WHERE id = ?`, v.ID)
		} else {
			_, err = tx.Exec(`UPDATE documents SET superseded_by = ?, superseded_at = ? WHERE id = ?`,
				v.SupersededBy, fmtTimePtr(v.SupersededAt), v.ID)
		}
		if err != nil {
			return fmt.Errorf("index: mark supersession: %w", err)
		}
	}

	for _, c := range conflicts {
		_, err := tx.Exec(`
			INSERT INTO contradictions (logical_id, field, winner_id, loser_id, winner_value, loser_value, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.LogicalID, c.Field, c.WinnerID, c.LoserID,
			stringify(c.Winner), stringify(c.Loser), fmtTime(c.DetectedAt))
		if err != nil {
			return fmt.Errorf("index: record contradiction: %w", err)
		}
	}
	return nil
}

// loadVersions reconstructs lightweight documents for every version of one
// logical entity, fields included, so the resolver can compare them.
func loadVersions(tx *sql.Tx, logicalID string) ([]*models.Document, error) {
	rows, err := tx.Query(`
		SELECT id, observed_at, confidence FROM documents
		WHERE logical_id = ? AND archived = 0`, logicalID)
	if err != nil {
		return nil, fmt.Errorf("index: load versions: %w", err)
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		var d models.Document
		var observed string
		if err := rows.Scan(&d.ID, &observed, &d.Confidence); err != nil {
			return nil, err
		}
		d.Temporal.ObservedAt, _ = time.Parse(time.RFC3339, observed)
		d.Fields = map[string]any{}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range out {
		frows, err := tx.Query(`SELECT field_name, value_text, value_num FROM field_values WHERE doc_id = ?`, d.ID)
		if err != nil {
			return nil, fmt.Errorf("index: load version fields: %w", err)
		}
		for frows.Next() {
			var name, text string
			var num sql.NullFloat64
			if err := frows.Scan(&name, &text, &num); err != nil {
				frows.Close()
				return nil, err
			}
			if num.Valid {
				d.Fields[name] = num.Float64
			} else {
				d.Fields[name] = text
			}
		}
		if err := frows.Err(); err != nil {
			frows.Close()
			return nil, err
		}
		frows.Close()
	}
	return out, nil
}

// Delete removes a document from the index. Soft delete keeps the row as an
// archived tombstone but drops it from search; hard delete cascades removal
// from every table.
func (s *Store) Delete(ctx context.Context, docID string, mode DeleteMode) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDelete(tx, docID)
	if _, err := tx.Exec(`DELETE FROM vectors WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("index: delete vectors: %w", err)
	}

	switch mode {
	case DeleteSoft:
		if _, err := tx.Exec(`UPDATE documents SET archived = 1 WHERE id = ?`, docID); err != nil {
			return fmt.Errorf("index: archive document: %w", err)
		}
	case DeleteHard:
		for _, q := range []string{
			`DELETE FROM field_values WHERE doc_id = ?`,
			`DELETE FROM field_arrays WHERE doc_id = ?`,
			`DELETE FROM links WHERE source_id = ?`,
			`DELETE FROM document_versions WHERE doc_id = ?`,
			`DELETE FROM documents WHERE id = ?`,
		} {
			if _, err := tx.Exec(q, docID); err != nil {
				return fmt.Errorf("index: cascade delete: %w", err)
			}
		}
	default:
		return fmt.Errorf("index: unknown delete mode %q", mode)
	}

	return tx.Commit()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
