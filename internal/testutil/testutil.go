// Package testutil provides shared test helpers for setting up vaults,
// gates, index databases, and fully wired services.
package testutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/mkb/internal/docservice"
	"github.com/starford/mkb/internal/index"
	"github.com/starford/mkb/internal/mkql"
	"github.com/starford/mkb/internal/query"
	"github.com/starford/mkb/internal/schema"
	"github.com/starford/mkb/internal/temporal"
	"github.com/starford/mkb/internal/vault"
)

// TestStore creates a temporary SQLite index that is automatically cleaned
// up.
func TestStore(t *testing.T) *index.Store {
	t.Helper()
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
	return store
}

// TestRegistry loads the built-in schema definitions.
func TestRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Load(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

// TestService wires a full document service over a temporary vault and
// index, returning the service and the vault root.
func TestService(t *testing.T) (*docservice.Service, string) {
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

	store := TestStore(t)

	opts := mkql.DefaultOptions()
	opts.FTSAvailable = index.FTSEnabled()
	executor := query.NewExecutor(store, reg, query.NewCachedEmbedder(query.MockEmbedder{}), opts)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return docservice.New(v, store, gate, reg, executor, logger), root
}
