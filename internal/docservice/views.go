package docservice

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/vault"
)

// SavedView is a named MKQL query persisted under .mkb/views/<name>.yaml,
// runnable by name instead of re-typing the query.
type SavedView struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Query       string `yaml:"query" json:"query"`
	CreatedAt   string `yaml:"created_at" json:"created_at"`
}

func (s *Service) viewsDir() string {
	return filepath.Join(s.vault.FS().Root(), vault.ViewsDir)
}

// SaveView persists a named query.
func (s *Service) SaveView(name, description, queryStr string) (*SavedView, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("docservice: invalid view name %q", name)
	}
	view := &SavedView{
		Name:        name,
		Description: description,
		Query:       queryStr,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	out, err := yaml.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("docservice: marshal view: %w", err)
	}
	if err := os.MkdirAll(s.viewsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("docservice: create views dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.viewsDir(), name+".yaml"), out, 0o644); err != nil {
		return nil, fmt.Errorf("docservice: write view: %w", err)
	}
	return view, nil
}

// LoadView reads one saved view by name.
func (s *Service) LoadView(name string) (*SavedView, error) {
	data, err := os.ReadFile(filepath.Join(s.viewsDir(), name+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("docservice: view %s: %w", name, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("docservice: read view: %w", err)
	}
	var view SavedView
	if err := yaml.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("docservice: parse view %s: %w", name, err)
	}
	return &view, nil
}

// ListViews returns every saved view, sorted by name.
func (s *Service) ListViews() ([]SavedView, error) {
	entries, err := os.ReadDir(s.viewsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("docservice: list views: %w", err)
	}
	var out []SavedView
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		view, err := s.LoadView(strings.TrimSuffix(entry.Name(), ".yaml"))
		if err != nil {
			continue
		}
		out = append(out, *view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
