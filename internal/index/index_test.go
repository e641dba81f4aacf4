package index

import (
	"context"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/starford/mkb/internal/models"
	"github.com/starford/mkb/internal/temporal"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	f, err := os.CreateTemp("", "mkb-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	store, err := Open(f.Name(), temporal.DefaultProfiles())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func utc(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testDoc(id string, observed time.Time) *models.Document {
	return &models.Document{
		ID:    id,
		Type:  "project",
		Title: "Doc " + id,
		Path:  "project/" + id + ".md",
		Temporal: models.TemporalFields{
			ObservedAt: observed,
			ValidUntil: observed.Add(60 * temporal.Day),
			Precision:  models.PrecisionExact,
		},
		CreatedAt:  observed,
		ModifiedAt: observed,
		Confidence: 1.0,
		SourceHash: "hash-" + id,
		Fields:     map[string]any{"status": "active"},
		Tags:       []string{"test"},
		Body:       "Body of " + id,
	}
}

func TestSchemaCreation(t *testing.T) {
	store := testStore(t)
	for _, table := range []string{"documents", "field_values", "field_arrays", "links", "document_versions", "contradictions", "vectors"} {
		var count int
		if err := store.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestIngest_WritesAllProjections(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	doc := testDoc("proj-a-001", utc(2025, 2, 1))
	doc.Links = []models.Link{{Rel: "owner", Target: "pers-x-001", ObservedAt: utc(2025, 2, 1)}}
	doc.Fields["priority"] = 3

	if err := store.Ingest(ctx, doc); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	rs, err := store.ExecuteSQL(ctx, `SELECT doc_type, title FROM documents WHERE id = ?`, []any{"proj-a-001"})
	if err != nil || len(rs.Rows) != 1 {
		t.Fatalf("document row: %v %v", rs, err)
	}

	rs, _ = store.ExecuteSQL(ctx, `SELECT field_name FROM field_values WHERE doc_id = ? ORDER BY field_name`, []any{"proj-a-001"})
	if len(rs.Rows) != 2 {
		t.Errorf("field_values rows = %d, want 2", len(rs.Rows))
	}

	rs, _ = store.ExecuteSQL(ctx, `SELECT rel, target_id FROM links WHERE source_id = ?`, []any{"proj-a-001"})
	if len(rs.Rows) != 1 || rs.Rows[0][0] != "owner" {
		t.Errorf("links rows = %v", rs.Rows)
	}

	rs, _ = store.ExecuteSQL(ctx, `SELECT snapshot_hash FROM document_versions WHERE doc_id = ?`, []any{"proj-a-001"})
	if len(rs.Rows) != 1 || rs.Rows[0][0] != "hash-proj-a-001" {
		t.Errorf("version rows = %v", rs.Rows)
	}

	rs, _ = store.ExecuteSQL(ctx, `SELECT embed_dirty FROM documents WHERE id = ?`, []any{"proj-a-001"})
	if rs.Rows[0][0] != int64(1) {
		t.Error("embed dirty bit not raised")
	}
}

func TestIngest_Supersession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := testDoc("proj-x-001", utc(2025, 2, 1))
	a.Fields["status"] = "in_progress"
	b := testDoc("proj-x-002", utc(2025, 2, 10))
	b.Fields["status"] = "blocked"

	if err := store.Ingest(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := store.Ingest(ctx, b); err != nil {
		t.Fatal(err)
	}

	rs, _ := store.ExecuteSQL(ctx, `SELECT superseded_by FROM documents WHERE id = ?`, []any{"proj-x-001"})
	if rs.Rows[0][0] != "proj-x-002" {
		t.Errorf("superseded_by(a) = %v, want proj-x-002", rs.Rows[0][0])
	}
	rs, _ = store.ExecuteSQL(ctx, `SELECT superseded_by FROM documents WHERE id = ?`, []any{"proj-x-002"})
	if rs.Rows[0][0] != nil {
		t.Errorf("winner marked superseded: %v", rs.Rows[0][0])
	}

	// The status disagreement lands in contradictions.
	conflicts, err := store.Contradictions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 || conflicts[0].Field != "status" {
		t.Errorf("conflicts = %+v", conflicts)
	}
}

func TestIngest_OutOfOrderVersionsStillResolve(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// The newer version arrives first; ingestion order must not matter.
	b := testDoc("proj-x-002", utc(2025, 2, 10))
	a := testDoc("proj-x-001", utc(2025, 2, 1))
	if err := store.Ingest(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := store.Ingest(ctx, a); err != nil {
		t.Fatal(err)
	}

	rs, _ := store.ExecuteSQL(ctx, `SELECT superseded_by FROM documents WHERE id = ?`, []any{"proj-x-001"})
	if rs.Rows[0][0] != "proj-x-002" {
		t.Errorf("superseded_by(a) = %v", rs.Rows[0][0])
	}
}

func TestDelete_SoftTombstone(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Ingest(ctx, testDoc("proj-a-001", utc(2025, 2, 1))); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "proj-a-001", DeleteSoft); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rs, _ := store.ExecuteSQL(ctx, `SELECT archived FROM documents WHERE id = ?`, []any{"proj-a-001"})
	if len(rs.Rows) != 1 || rs.Rows[0][0] != int64(1) {
		t.Errorf("soft delete did not tombstone: %v", rs.Rows)
	}
}

func TestDelete_HardCascades(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	doc := testDoc("proj-a-001", utc(2025, 2, 1))
	doc.Links = []models.Link{{Rel: "owner", Target: "pers-x-001", ObservedAt: utc(2025, 2, 1)}}
	if err := store.Ingest(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "proj-a-001", DeleteHard); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	for _, q := range []string{
		`SELECT count(*) FROM documents WHERE id = ?`,
		`SELECT count(*) FROM field_values WHERE doc_id = ?`,
		`SELECT count(*) FROM links WHERE source_id = ?`,
		`SELECT count(*) FROM document_versions WHERE doc_id = ?`,
	} {
		rs, err := store.ExecuteSQL(ctx, q, []any{"proj-a-001"})
		if err != nil {
			t.Fatal(err)
		}
		if rs.Rows[0][0] != int64(0) {
			t.Errorf("%s left %v rows", q, rs.Rows[0][0])
		}
	}
}

func TestSweepStale(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := utc(2025, 6, 1)

	fresh := testDoc("proj-fresh-001", now.Add(-2*temporal.Day))
	fresh.Temporal.ValidUntil = now.Add(60 * temporal.Day)

	// Decayed far past the floor but not expired.
	stale := testDoc("proj-stale-001", now.Add(-50*temporal.Day))
	stale.Temporal.ValidUntil = now.Add(10 * temporal.Day)

	expired := testDoc("proj-old-001", now.Add(-100*temporal.Day))
	expired.Temporal.ValidUntil = now.Add(-40 * temporal.Day)

	for _, d := range []*models.Document{fresh, stale, expired} {
		if err := store.Ingest(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	report, err := store.SweepStale(ctx, now)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if report.Scanned != 3 {
		t.Errorf("scanned = %d", report.Scanned)
	}
	if len(report.Stale) != 1 || report.Stale[0] != "proj-stale-001" {
		t.Errorf("stale = %v", report.Stale)
	}
	if len(report.Archived) != 1 || report.Archived[0] != "proj-old-001" {
		t.Errorf("archived = %v", report.Archived)
	}
}

func TestSweepStale_ReportsDanglingLinks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	doc := testDoc("proj-a-001", utc(2025, 5, 20))
	doc.Temporal.ValidUntil = utc(2025, 9, 1)
	doc.Links = []models.Link{{Rel: "owner", Target: "pers-ghost-001", ObservedAt: utc(2025, 5, 20)}}
	if err := store.Ingest(ctx, doc); err != nil {
		t.Fatal(err)
	}

	report, err := store.SweepStale(ctx, utc(2025, 6, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Dangling) != 1 || report.Dangling[0] != "pers-ghost-001" {
		t.Errorf("dangling = %v", report.Dangling)
	}
}

type sliceScanner []*models.Document

func (s sliceScanner) ScanDocuments(_ context.Context, fn func(*models.Document) error) error {
	for _, d := range s {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func TestRebuild_EquivalentToStreamingIngest(t *testing.T) {
	streamed := testStore(t)
	rebuilt := testStore(t)
	ctx := context.Background()

	var docs []*models.Document
	for i := 0; i < 40; i++ {
		doc := testDoc(models.GenerateID("project", "Doc", i+1), utc(2025, 1, 1).Add(time.Duration(i)*temporal.Day))
		if i%4 == 0 {
			doc.Links = []models.Link{{Rel: "owner", Target: "pers-x-001", ObservedAt: doc.Temporal.ObservedAt}}
		}
		docs = append(docs, doc)
	}

	for _, d := range docs {
		if err := streamed.Ingest(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if err := rebuilt.Rebuild(ctx, sliceScanner(docs)); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	// Content-aware comparison of the documents table, ignoring physical
	// order.
	snapshot := func(s *Store) []string {
		rs, err := s.ExecuteSQL(ctx, `
			SELECT id || '|' || doc_type || '|' || observed_at || '|' ||
			       COALESCE(superseded_by, '') || '|' || source_hash
			FROM documents`, nil)
		if err != nil {
			t.Fatal(err)
		}
		var out []string
		for _, row := range rs.Rows {
			out = append(out, row[0].(string))
		}
		sort.Strings(out)
		return out
	}

	a, b := snapshot(streamed), snapshot(rebuilt)
	if len(a) != len(b) {
		t.Fatalf("row counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("row %d differs:\n  %s\n  %s", i, a[i], b[i])
		}
	}
}

func TestIntegrityCheck(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Ingest(ctx, testDoc("proj-a-001", utc(2025, 2, 1))); err != nil {
		t.Fatal(err)
	}

	// Agreement.
	drift := store.IntegrityCheck(ctx, map[string]struct{}{"project/proj-a-001.md": {}})
	if drift != nil {
		t.Errorf("unexpected drift: %+v", drift)
	}

	// File on disk, not indexed.
	drift = store.IntegrityCheck(ctx, map[string]struct{}{
		"project/proj-a-001.md": {},
		"project/proj-b-001.md": {},
	})
	if drift == nil || len(drift.Missing) != 1 {
		t.Errorf("missing drift = %+v", drift)
	}

	// Indexed, no file.
	drift = store.IntegrityCheck(ctx, map[string]struct{}{})
	if drift == nil || len(drift.Orphaned) != 1 {
		t.Errorf("orphaned drift = %+v", drift)
	}
}
