package docservice

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/index"
	"github.com/starford/mkb/internal/mkql"
	"github.com/starford/mkb/internal/models"
	"github.com/starford/mkb/internal/query"
	"github.com/starford/mkb/internal/schema"
	"github.com/starford/mkb/internal/temporal"
	"github.com/starford/mkb/internal/vault"
)

func testService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()

	rejectLog, err := temporal.NewRejectLog(filepath.Join(root, vault.RejectDir))
	if err != nil {
		t.Fatal(err)
	}
	gate := temporal.NewGate(temporal.DefaultProfiles(), nil, rejectLog)

	reg, err := schema.Load(filepath.Join(root, vault.SchemasDir))
	if err != nil {
		t.Fatal(err)
	}
	fs, err := vault.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	v := vault.New(fs, gate, reg)

	dbFile, err := os.CreateTemp("", "mkb-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })
	store, err := index.Open(dbFile.Name(), temporal.DefaultProfiles())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	opts := mkql.DefaultOptions()
	opts.FTSAvailable = index.FTSEnabled()
	executor := query.NewExecutor(store, reg, query.NewCachedEmbedder(query.MockEmbedder{}), opts)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(v, store, gate, reg, executor, logger), root
}

func writeDoc(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const alphaDoc = `---
id: proj-alpha-001
type: project
title: Alpha Project
observed_at: 2025-02-10T09:15:00Z
temporal_precision: exact
status: active
---

Alpha body.
`

func TestIngestFile_AdmitsAndIndexes(t *testing.T) {
	svc, root := testService(t)
	ctx := context.Background()
	writeDoc(t, root, "project/alpha-001.md", alphaDoc)

	data, _ := os.ReadFile(filepath.Join(root, "project/alpha-001.md"))
	doc, err := svc.IngestFile(ctx, "project/alpha-001.md", data)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if doc.Temporal.ValidUntil.IsZero() {
		t.Error("valid_until not computed on the way in")
	}

	result, err := svc.Executor().Query(ctx, `SELECT id FROM project`)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != "proj-alpha-001" {
		t.Errorf("rows = %v", result.Rows)
	}
}

func TestIngestFile_RejectionPersisted(t *testing.T) {
	svc, root := testService(t)
	// No observed_at and no usable anchors.
	content := "---\nid: sig-x-001\ntype: signal\ntitle: No Anchor\n---\nbody\n"

	_, err := svc.IngestFile(context.Background(), "signal/no-anchor.md", []byte(content))
	var rej *apperr.TemporalRejection
	if !errors.As(err, &rej) {
		// The file does not exist on disk, so no mtime anchor applies.
		t.Fatalf("expected rejection, got %v", err)
	}

	logPath := filepath.Join(root, vault.RejectDir, "_rejection_log.jsonl")
	if _, statErr := os.Stat(logPath); statErr != nil {
		t.Errorf("rejection log missing: %v", statErr)
	}
}

func TestSync_IngestsAndRemoves(t *testing.T) {
	svc, root := testService(t)
	ctx := context.Background()
	writeDoc(t, root, "project/alpha-001.md", alphaDoc)

	if err := svc.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	result, _ := svc.Executor().Query(ctx, `SELECT id FROM project`)
	if len(result.Rows) != 1 {
		t.Fatalf("rows after sync = %v", result.Rows)
	}

	// File removed from disk leaves the index on the next sync.
	os.Remove(filepath.Join(root, "project/alpha-001.md"))
	if err := svc.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	result, _ = svc.Executor().Query(ctx, `SELECT id FROM project`)
	if len(result.Rows) != 0 {
		t.Errorf("rows after removal = %v", result.Rows)
	}
}

func TestRebuild_MatchesSync(t *testing.T) {
	svc, root := testService(t)
	ctx := context.Background()
	writeDoc(t, root, "project/alpha-001.md", alphaDoc)
	writeDoc(t, root, "project/beta-001.md", `---
id: proj-beta-001
type: project
title: Beta Project
observed_at: 2025-03-01T00:00:00Z
temporal_precision: day
status: blocked
---
Beta body.
`)

	if err := svc.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	before, _ := svc.Executor().Query(ctx, `SELECT id FROM project ORDER BY id`)

	if err := svc.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	after, _ := svc.Executor().Query(ctx, `SELECT id FROM project ORDER BY id`)

	if len(before.Rows) != len(after.Rows) {
		t.Fatalf("row counts differ: %d vs %d", len(before.Rows), len(after.Rows))
	}
	for i := range before.Rows {
		if before.Rows[i][0] != after.Rows[i][0] {
			t.Errorf("row %d: %v vs %v", i, before.Rows[i], after.Rows[i])
		}
	}
}

func TestCheck_DetectsDrift(t *testing.T) {
	svc, root := testService(t)
	ctx := context.Background()
	writeDoc(t, root, "project/alpha-001.md", alphaDoc)

	drift, err := svc.Check(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if drift == nil || len(drift.Missing) != 1 {
		t.Fatalf("expected missing drift, got %+v", drift)
	}

	if err := svc.Reindex(ctx, drift.Missing); err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	drift, err = svc.Check(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if drift != nil {
		t.Errorf("drift after reindex: %+v", drift)
	}
}

func TestDelete_SoftLeavesTombstone(t *testing.T) {
	svc, root := testService(t)
	ctx := context.Background()
	writeDoc(t, root, "project/alpha-001.md", alphaDoc)
	if err := svc.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, "project/alpha-001.md", vault.DeleteSoft); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Gone from default queries, still present under HISTORY? Archived
	// tombstones are excluded from query results entirely; the row
	// survives for audit.
	result, _ := svc.Executor().Query(ctx, `SELECT id FROM project`)
	if len(result.Rows) != 0 {
		t.Errorf("soft-deleted document still queryable: %v", result.Rows)
	}
	rs, err := svc.Store().ExecuteSQL(ctx, `SELECT archived FROM documents WHERE id = ?`, []any{"proj-alpha-001"})
	if err != nil || len(rs.Rows) != 1 {
		t.Fatalf("tombstone row missing: %v %v", rs, err)
	}
	if _, statErr := os.Stat(filepath.Join(root, vault.ArchiveDir, "project", "alpha-001.md")); statErr != nil {
		t.Errorf("archived file missing: %v", statErr)
	}
}

func TestViews_SaveLoadListRun(t *testing.T) {
	svc, root := testService(t)
	ctx := context.Background()
	writeDoc(t, root, "project/alpha-001.md", alphaDoc)
	if err := svc.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	view, err := svc.SaveView("active-projects", "All active projects", `SELECT id FROM project WHERE status = 'active'`)
	if err != nil {
		t.Fatalf("SaveView: %v", err)
	}
	if view.CreatedAt == "" {
		t.Error("created_at not stamped")
	}

	loaded, err := svc.LoadView("active-projects")
	if err != nil {
		t.Fatalf("LoadView: %v", err)
	}
	if loaded.Query != view.Query {
		t.Errorf("query drifted: %q", loaded.Query)
	}

	views, err := svc.ListViews()
	if err != nil || len(views) != 1 {
		t.Fatalf("ListViews = %v, %v", views, err)
	}

	result, err := svc.Executor().Query(ctx, loaded.Query)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Rows) != 1 {
		t.Errorf("view rows = %v", result.Rows)
	}

	if _, err := svc.LoadView("ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGraph_BFSWithDepthCap(t *testing.T) {
	svc, root := testService(t)
	ctx := context.Background()

	writeDoc(t, root, "project/alpha-001.md", `---
id: proj-alpha-001
type: project
title: Alpha
observed_at: 2025-02-10T00:00:00Z
temporal_precision: exact
status: active
links:
  - rel: owner
    target: pers-jane-001
    observed_at: 2025-02-10T00:00:00Z
---
`)
	writeDoc(t, root, "person/jane-001.md", `---
id: pers-jane-001
type: person
title: Jane
observed_at: 2025-02-01T00:00:00Z
temporal_precision: exact
---
`)
	if err := svc.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	g, err := svc.Graph(ctx, "proj-alpha-001", 2)
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	if len(g.Nodes) != 2 {
		t.Errorf("nodes = %+v", g.Nodes)
	}
	if len(g.Edges) != 1 || g.Edges[0].Rel != "owner" {
		t.Errorf("edges = %+v", g.Edges)
	}

	// Depth 0 is clamped to 1 and still returns the centre.
	g, err = svc.Graph(ctx, "proj-alpha-001", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Nodes) == 0 {
		t.Error("centre missing at depth 1")
	}
}

func TestWatch_AppliesChanges(t *testing.T) {
	svc, root := testService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Watch(ctx, func(kind models.ChangeKind, path string) {})
	}()
	// Give the watcher a beat to install itself.
	time.Sleep(150 * time.Millisecond)

	writeDoc(t, root, "project/alpha-001.md", alphaDoc)

	// The debounce window plus ingest need a moment.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		result, err := svc.Executor().Query(context.Background(), `SELECT id FROM project`)
		if err == nil && len(result.Rows) == 1 {
			cancel()
			<-done
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("watcher never ingested the new file")
}
