package index

import (
	"context"
	"fmt"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/models"
	"github.com/starford/mkb/internal/temporal"
)

// Rebuild reconstructs the index from a full vault scan. The result is
// equivalent to streaming every admission event through Ingest: all derived
// tables are dropped and refilled, and supersession is re-resolved per
// logical entity.
func (s *Store) Rebuild(ctx context.Context, scan VaultScanner) error {
	s.writeMu.Lock()
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("index: begin rebuild tx: %w", err)
	}
	for _, q := range []string{
		`DELETE FROM documents`,
		`DELETE FROM field_values`,
		`DELETE FROM field_arrays`,
		`DELETE FROM links`,
		`DELETE FROM document_versions`,
		`DELETE FROM contradictions`,
		`DELETE FROM vectors`,
	} {
		if _, err := tx.Exec(q); err != nil {
			tx.Rollback() //nolint:errcheck
			s.writeMu.Unlock()
			return fmt.Errorf("index: clear for rebuild: %w", err)
		}
	}
	if ftsEnabled {
		if _, err := tx.Exec(`DELETE FROM content_fts`); err != nil {
			tx.Rollback() //nolint:errcheck
			s.writeMu.Unlock()
			return fmt.Errorf("index: clear fts: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("index: commit clear: %w", err)
	}
	s.writeMu.Unlock()

	return scan.ScanDocuments(ctx, func(doc *models.Document) error {
		if err := ctx.Err(); err != nil {
			return apperr.ErrCancelled
		}
		return s.Ingest(ctx, doc)
	})
}

// SweepStale recomputes effective confidence for every live document, marks
// those that decayed below the floor as stale, archives those past
// valid_until, and reports dangling link targets.
func (s *Store) SweepStale(ctx context.Context, now time.Time) (*SweepReport, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	report := &SweepReport{At: now.UTC()}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("index: begin sweep tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(`
		SELECT id, doc_type, observed_at, valid_until, confidence
		FROM documents WHERE archived = 0`)
	if err != nil {
		return nil, fmt.Errorf("index: sweep scan: %w", err)
	}

	type swept struct {
		id    string
		stale bool
		past  bool
	}
	var results []swept
	for rows.Next() {
		var id, docType, observed, validUntil string
		var confidence float64
		if err := rows.Scan(&id, &docType, &observed, &validUntil, &confidence); err != nil {
			rows.Close()
			return nil, err
		}
		report.Scanned++

		t0, _ := time.Parse(time.RFC3339, observed)
		vu, _ := time.Parse(time.RFC3339, validUntil)
		profile := s.profiles.For(docType)
		eff := temporal.EffectiveConfidence(confidence, t0, profile.HalfLife, now)

		results = append(results, swept{
			id:    id,
			stale: eff < 0.1,
			past:  vu.Before(now),
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, r := range results {
		if r.past {
			if _, err := tx.Exec(`UPDATE documents SET archived = 1, stale = 1 WHERE id = ?`, r.id); err != nil {
				return nil, fmt.Errorf("index: archive expired: %w", err)
			}
			report.Archived = append(report.Archived, r.id)
			continue
		}
		if r.stale {
			if _, err := tx.Exec(`UPDATE documents SET stale = 1 WHERE id = ?`, r.id); err != nil {
				return nil, fmt.Errorf("index: mark stale: %w", err)
			}
			report.Stale = append(report.Stale, r.id)
		} else {
			if _, err := tx.Exec(`UPDATE documents SET stale = 0 WHERE id = ?`, r.id); err != nil {
				return nil, fmt.Errorf("index: clear stale: %w", err)
			}
		}
	}

	// Dangling link targets: referenced but not present.
	drows, err := tx.Query(`
		SELECT DISTINCT l.target_id FROM links l
		LEFT JOIN documents d ON d.id = l.target_id OR d.path = l.target_id
		WHERE d.id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("index: dangling scan: %w", err)
	}
	for drows.Next() {
		var target string
		if err := drows.Scan(&target); err != nil {
			drows.Close()
			return nil, err
		}
		report.Dangling = append(report.Dangling, target)
	}
	if err := drows.Err(); err != nil {
		drows.Close()
		return nil, err
	}
	drows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("index: commit sweep: %w", err)
	}
	return report, nil
}

// IntegrityCheck compares the vault against the index and reports the
// drift in both directions. A nil return means the two agree.
func (s *Store) IntegrityCheck(ctx context.Context, paths map[string]struct{}) *apperr.OutOfSync {
	indexed := map[string]string{}
	rows, err := s.conn.QueryContext(ctx, `SELECT id, path FROM documents WHERE archived = 0`)
	if err != nil {
		return &apperr.OutOfSync{}
	}
	defer rows.Close()
	for rows.Next() {
		var id, path string
		if rows.Scan(&id, &path) == nil {
			indexed[path] = id
		}
	}

	var drift apperr.OutOfSync
	for path := range paths {
		if _, ok := indexed[path]; !ok {
			drift.Missing = append(drift.Missing, path)
		}
	}
	for path, id := range indexed {
		if _, ok := paths[path]; !ok {
			drift.Orphaned = append(drift.Orphaned, id)
		}
	}
	if len(drift.Missing) == 0 && len(drift.Orphaned) == 0 {
		return nil
	}
	return &drift
}

// Contradictions returns unreviewed conflicts for audit.
func (s *Store) Contradictions(ctx context.Context) ([]temporal.Conflict, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT logical_id, field, winner_id, loser_id, winner_value, loser_value, detected_at
		FROM contradictions WHERE reviewed = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("index: list contradictions: %w", err)
	}
	defer rows.Close()

	var out []temporal.Conflict
	for rows.Next() {
		var c temporal.Conflict
		var winner, loser, detected string
		if err := rows.Scan(&c.LogicalID, &c.Field, &c.WinnerID, &c.LoserID, &winner, &loser, &detected); err != nil {
			return nil, err
		}
		c.Winner, c.Loser = winner, loser
		c.DetectedAt, _ = time.Parse(time.RFC3339, detected)
		out = append(out, c)
	}
	return out, rows.Err()
}
