package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/checksum"
	"github.com/starford/mkb/internal/frontmatter"
	"github.com/starford/mkb/internal/models"
	"github.com/starford/mkb/internal/schema"
	"github.com/starford/mkb/internal/temporal"
)

// Sidecar directories under the vault root.
const (
	SidecarDir = ".mkb"
	ArchiveDir = ".mkb/archive"
	RejectDir  = ".mkb/rejected"
	IndexDir   = ".mkb/index"
	ViewsDir   = ".mkb/views"
	SchemasDir = "schemas"
)

// DeleteMode selects between archiving and hard removal.
type DeleteMode string

const (
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// Vault coordinates file CRUD with the temporal gate and schema validator.
// Superseding is append-oriented: a newer version lands in a new file while
// the predecessor's frontmatter is rewritten in place.
type Vault struct {
	fs       *FS
	gate     *temporal.Gate
	registry *schema.Registry
	now      func() time.Time
}

// New wires a vault over its backend, gate, and schema registry.
func New(fs *FS, gate *temporal.Gate, registry *schema.Registry) *Vault {
	return &Vault{fs: fs, gate: gate, registry: registry, now: time.Now}
}

// FS exposes the raw backend for the index rebuild scan.
func (v *Vault) FS() *FS { return v.fs }

// Registry exposes the schema registry.
func (v *Vault) Registry() *schema.Registry { return v.registry }

// Create admits and writes a new document. The id and path are computed
// when absent: `<type>/<slug>-<counter>.md`, with the counter incrementing
// past collisions. Returns the admitted document with all derived fields
// set.
func (v *Vault) Create(ctx context.Context, doc *models.Document, opts temporal.Candidate) (*models.Document, error) {
	opts.Doc = doc
	if opts.RawPayload == nil {
		opts.RawPayload = frontmatter.Serialise(doc)
	}
	if err := v.gate.Admit(ctx, &opts); err != nil {
		return nil, err
	}

	schema.ApplyDefaults(doc, v.registry)
	if verr := schema.Validate(doc, v.registry); verr != nil {
		if len(verr.Fatal()) > 0 {
			return nil, verr
		}
	}

	if doc.ID == "" || doc.Path == "" {
		id, path := v.allocate(doc.Type, doc.Title)
		if doc.ID == "" {
			doc.ID = id
		}
		if doc.Path == "" {
			doc.Path = path
		}
	}

	// Frontmatter timestamps carry second precision; truncate so the returned
	// document matches what is written and read back.
	now := v.now().UTC().Truncate(time.Second)
	doc.CreatedAt = now
	doc.ModifiedAt = now
	v.stampHash(doc)

	if v.fs.Exists(doc.Path) {
		return nil, fmt.Errorf("vault: %s: %w", doc.Path, apperr.ErrAlreadyExists)
	}
	if err := v.fs.WriteFile(doc.Path, frontmatter.Serialise(doc)); err != nil {
		return nil, err
	}
	return doc, nil
}

// allocate picks the first free `<type>/<slug>-<counter>.md` slot and the
// matching id.
func (v *Vault) allocate(docType, title string) (id, path string) {
	slug := models.Slug(title)
	for counter := 1; ; counter++ {
		path = filepath.Join(docType, fmt.Sprintf("%s-%03d.md", slug, counter))
		if !v.fs.Exists(path) {
			return models.GenerateID(docType, title, counter), path
		}
	}
}

// Read loads and parses the document at a vault-relative path.
func (v *Vault) Read(path string) (*models.Document, error) {
	data, err := v.fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("vault: %s: %w", path, apperr.ErrNotFound)
		}
		return nil, err
	}
	doc, err := frontmatter.Parse(data)
	if err != nil {
		return nil, err
	}
	doc.Path = path
	return doc, nil
}

// FindByID scans the vault for the document carrying the given id. The
// index is the fast path for this lookup; the vault scan is the authority
// of last resort.
func (v *Vault) FindByID(id string) (*models.Document, error) {
	files, err := v.fs.List("")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		doc, err := v.Read(f.Path)
		if err != nil {
			continue
		}
		if doc.ID == id {
			return doc, nil
		}
	}
	return nil, fmt.Errorf("vault: id %s: %w", id, apperr.ErrNotFound)
}

// Update applies patch to the document at path via read-modify-write.
// _created_at is preserved, _modified_at bumps, and the result passes the
// gate again before the atomic write.
func (v *Vault) Update(ctx context.Context, path string, patch func(*models.Document) error) (*models.Document, error) {
	doc, err := v.Read(path)
	if err != nil {
		return nil, err
	}
	createdAt := doc.CreatedAt

	if err := patch(doc); err != nil {
		return nil, err
	}

	cand := temporal.Candidate{Doc: doc, RawPayload: frontmatter.Serialise(doc)}
	if err := v.gate.Admit(ctx, &cand); err != nil {
		return nil, err
	}
	if verr := schema.Validate(doc, v.registry); verr != nil {
		if len(verr.Fatal()) > 0 {
			return nil, verr
		}
	}

	doc.CreatedAt = createdAt
	doc.ModifiedAt = v.now().UTC()
	v.stampHash(doc)

	if err := v.fs.WriteFile(path, frontmatter.Serialise(doc)); err != nil {
		return nil, err
	}
	return doc, nil
}

// Supersede writes successor as a new version file and rewrites the
// predecessor's frontmatter in place with the supersession pointers.
func (v *Vault) Supersede(ctx context.Context, predecessorPath string, successor *models.Document, opts temporal.Candidate) (*models.Document, error) {
	pred, err := v.Read(predecessorPath)
	if err != nil {
		return nil, err
	}

	successor.Supersedes = pred.ID
	admitted, err := v.Create(ctx, successor, opts)
	if err != nil {
		return nil, err
	}

	_, err = v.Update(ctx, predecessorPath, func(d *models.Document) error {
		d.SupersededBy = admitted.ID
		at := admitted.Temporal.ObservedAt
		d.SupersededAt = &at
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vault: mark predecessor: %w", err)
	}
	return admitted, nil
}

// Delete removes the document at path. Soft delete moves the file into the
// archive subtree; hard delete removes it outright. Index cleanup is the
// caller's responsibility in both modes.
func (v *Vault) Delete(path string, mode DeleteMode) error {
	switch mode {
	case DeleteSoft:
		return v.fs.Move(path, filepath.Join(ArchiveDir, path))
	case DeleteHard:
		return v.fs.RemoveFile(path)
	default:
		return fmt.Errorf("vault: unknown delete mode %q", mode)
	}
}

// stampHash sets source_hash from the frontmatter and body sections.
func (v *Vault) stampHash(doc *models.Document) {
	// Hash a copy with source_hash cleared so the hash is stable.
	fm := frontmatter.Serialise(&models.Document{
		ID: doc.ID, Type: doc.Type, Title: doc.Title,
		Temporal: doc.Temporal, Fields: doc.Fields, Tags: doc.Tags, Links: doc.Links,
		Confidence: doc.Confidence,
	})
	doc.SourceHash = checksum.SourceHash(fm, []byte(doc.Body))
}
