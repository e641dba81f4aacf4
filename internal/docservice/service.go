// Package docservice coordinates the vault, the temporal gate, and the
// index: file ingestion, incremental sync, watcher-driven updates, and the
// query surface the API and MCP layers sit on.
package docservice

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/checksum"
	"github.com/starford/mkb/internal/frontmatter"
	"github.com/starford/mkb/internal/index"
	"github.com/starford/mkb/internal/models"
	"github.com/starford/mkb/internal/query"
	"github.com/starford/mkb/internal/schema"
	"github.com/starford/mkb/internal/temporal"
	"github.com/starford/mkb/internal/vault"
)

// EventCallback fires after a watcher-driven index change.
type EventCallback func(kind models.ChangeKind, path string)

// Service owns the admit-then-ingest pipeline. Within one service the
// pipeline is strictly serial per document; ordering across documents
// follows the watcher's coalesced events.
type Service struct {
	vault    *vault.Vault
	store    *index.Store
	gate     *temporal.Gate
	registry *schema.Registry
	executor *query.Executor
	logger   *slog.Logger
}

// New wires the service.
func New(v *vault.Vault, store *index.Store, gate *temporal.Gate, registry *schema.Registry, executor *query.Executor, logger *slog.Logger) *Service {
	return &Service{vault: v, store: store, gate: gate, registry: registry, executor: executor, logger: logger}
}

// Vault exposes the underlying vault.
func (s *Service) Vault() *vault.Vault { return s.vault }

// Store exposes the underlying index.
func (s *Service) Store() *index.Store { return s.store }

// Executor exposes the query executor.
func (s *Service) Executor() *query.Executor { return s.executor }

// IngestFile parses, admits, validates, and indexes one vault file.
// Rejections land in the rejection log and surface as errors; fatal schema
// violations reject, warnings ride along into the index row.
func (s *Service) IngestFile(ctx context.Context, path string, data []byte) (*models.Document, error) {
	doc, err := frontmatter.Parse(data)
	if err != nil {
		return nil, err
	}
	doc.Path = path
	if doc.SourceHash == "" {
		// Externally-authored files carry no source_hash; the raw-file
		// digest stands in so incremental sync can skip unchanged files.
		doc.SourceHash = checksum.Sum(data)
	}

	var modTime *time.Time
	if info, statErr := s.vault.FS().Stat(path); statErr == nil {
		t := info.ModTime
		modTime = &t
	}

	cand := temporal.Candidate{Doc: doc, FileModTime: modTime, RawPayload: data}
	if err := s.gate.Admit(ctx, &cand); err != nil {
		return nil, err
	}

	schema.ApplyDefaults(doc, s.registry)
	if verr := schema.Validate(doc, s.registry); verr != nil {
		if len(verr.Fatal()) > 0 {
			return nil, verr
		}
		for _, w := range verr.Warnings() {
			s.logger.Warn("ingest: schema warning",
				slog.String("path", path),
				slog.String("field", w.Field),
				slog.String("message", w.Message))
		}
	}

	if err := s.store.Ingest(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Sync walks the vault and brings the index up to date: new and changed
// files re-ingest, files gone from disk leave the index.
func (s *Service) Sync(ctx context.Context) error {
	files, err := s.vault.FS().List("")
	if err != nil {
		return err
	}
	hashes, err := s.store.ContentHashes(ctx)
	if err != nil {
		return err
	}

	disk := make(map[string]struct{}, len(files))
	for _, f := range files {
		disk[f.Path] = struct{}{}
		data, readErr := s.vault.FS().ReadFile(f.Path)
		if readErr != nil {
			s.logger.Warn("sync: read failed", slog.String("path", f.Path), slog.String("error", readErr.Error()))
			continue
		}
		if stored, ok := hashes[f.Path]; ok && stored != "" {
			if doc, parseErr := frontmatter.Parse(data); parseErr == nil {
				if stored == doc.SourceHash || stored == checksum.Sum(data) {
					continue
				}
			}
		}
		if _, err := s.IngestFile(ctx, f.Path, data); err != nil {
			var rej *apperr.TemporalRejection
			if errors.As(err, &rej) {
				s.logger.Warn("sync: rejected", slog.String("path", f.Path), slog.String("reason", string(rej.Reason)))
				continue
			}
			s.logger.Warn("sync: index failed", slog.String("path", f.Path), slog.String("error", err.Error()))
			continue
		}
		s.logger.Debug("sync: indexed", slog.String("path", f.Path))
	}

	for path := range hashes {
		if _, ok := disk[path]; ok {
			continue
		}
		ids, err := s.store.DocumentIDsByPath(ctx, []string{path})
		if err != nil {
			continue
		}
		if id, ok := ids[path]; ok {
			if err := s.store.Delete(ctx, id, index.DeleteHard); err != nil {
				s.logger.Warn("sync: delete failed", slog.String("path", path), slog.String("error", err.Error()))
			} else {
				s.logger.Debug("sync: removed stale", slog.String("path", path))
			}
		}
	}
	return nil
}

// Watch consumes the vault's change stream until ctx is cancelled, keeping
// the index current and invoking cb after each successful mutation.
func (s *Service) Watch(ctx context.Context, cb EventCallback) error {
	events, err := s.vault.Watch(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("watcher: started", slog.String("root", s.vault.FS().Root()))

	for ev := range events {
		switch ev.Kind {
		case models.ChangeCreated, models.ChangeModified:
			data, readErr := s.vault.FS().ReadFile(ev.Path)
			if readErr != nil {
				s.logger.Warn("watcher: read failed", slog.String("path", ev.Path), slog.String("error", readErr.Error()))
				continue
			}
			if _, err := s.IngestFile(ctx, ev.Path, data); err != nil {
				s.logger.Warn("watcher: ingest failed", slog.String("path", ev.Path), slog.String("error", err.Error()))
				continue
			}
		case models.ChangeDeleted:
			ids, err := s.store.DocumentIDsByPath(ctx, []string{ev.Path})
			if err != nil {
				continue
			}
			id, ok := ids[ev.Path]
			if !ok {
				continue
			}
			if err := s.store.Delete(ctx, id, index.DeleteHard); err != nil {
				s.logger.Warn("watcher: delete failed", slog.String("path", ev.Path), slog.String("error", err.Error()))
				continue
			}
		}
		s.logger.Debug("watcher: applied", slog.String("path", ev.Path), slog.String("kind", string(ev.Kind)))
		if cb != nil {
			cb(ev.Kind, ev.Path)
		}
	}
	s.logger.Info("watcher: stopped")
	return nil
}

// Delete removes a document from both the vault and the index. Soft delete
// archives the file and leaves a tombstone row; hard delete removes file and
// index rows alike.
func (s *Service) Delete(ctx context.Context, path string, mode vault.DeleteMode) error {
	ids, err := s.store.DocumentIDsByPath(ctx, []string{path})
	if err != nil {
		return err
	}
	if err := s.vault.Delete(path, mode); err != nil {
		return err
	}
	id, ok := ids[path]
	if !ok {
		return nil
	}
	indexMode := index.DeleteHard
	if mode == vault.DeleteSoft {
		indexMode = index.DeleteSoft
	}
	return s.store.Delete(ctx, id, indexMode)
}

// ScanDocuments implements index.VaultScanner: every live vault file runs
// through the gate exactly as streaming ingestion would.
func (s *Service) ScanDocuments(ctx context.Context, fn func(doc *models.Document) error) error {
	files, err := s.vault.FS().List("")
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return apperr.ErrCancelled
		}
		data, readErr := s.vault.FS().ReadFile(f.Path)
		if readErr != nil {
			s.logger.Warn("rebuild: read failed", slog.String("path", f.Path), slog.String("error", readErr.Error()))
			continue
		}
		doc, parseErr := frontmatter.Parse(data)
		if parseErr != nil {
			s.logger.Warn("rebuild: parse failed", slog.String("path", f.Path), slog.String("error", parseErr.Error()))
			continue
		}
		doc.Path = f.Path
		if doc.SourceHash == "" {
			doc.SourceHash = checksum.Sum(data)
		}
		modTime := f.ModTime
		cand := temporal.Candidate{Doc: doc, FileModTime: &modTime, RawPayload: data}
		if err := s.gate.Admit(ctx, &cand); err != nil {
			s.logger.Warn("rebuild: rejected", slog.String("path", f.Path), slog.String("error", err.Error()))
			continue
		}
		schema.ApplyDefaults(doc, s.registry)
		if verr := schema.Validate(doc, s.registry); verr != nil && len(verr.Fatal()) > 0 {
			s.logger.Warn("rebuild: schema violation", slog.String("path", f.Path))
			continue
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild reconstructs the index from the vault.
func (s *Service) Rebuild(ctx context.Context) error {
	return s.store.Rebuild(ctx, s)
}

// Check compares the vault and the index, returning the drift or nil.
func (s *Service) Check(ctx context.Context) (*apperr.OutOfSync, error) {
	files, err := s.vault.FS().List("")
	if err != nil {
		return nil, err
	}
	paths := make(map[string]struct{}, len(files))
	for _, f := range files {
		paths[f.Path] = struct{}{}
	}
	return s.store.IntegrityCheck(ctx, paths), nil
}

// Reindex re-ingests specific paths after a detected drift.
func (s *Service) Reindex(ctx context.Context, paths []string) error {
	for _, path := range paths {
		data, err := s.vault.FS().ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := s.IngestFile(ctx, path, data); err != nil {
			return err
		}
	}
	return nil
}
