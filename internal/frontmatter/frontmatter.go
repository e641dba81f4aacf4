// Package frontmatter parses and serialises the on-disk document format:
// a YAML frontmatter block between `---` fences followed by a markdown body.
//
// Parsing tolerates trailing whitespace on the opening fence but not on the
// closing one. Keys not claimed by a system attribute land in Fields and
// survive a serialise round-trip.
package frontmatter

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/models"
)

const fence = "---"

// systemKeys are frontmatter keys mapped onto Document attributes rather
// than the dynamic field map.
var systemKeys = map[string]struct{}{
	"id": {}, "type": {}, "title": {},
	"_created_at": {}, "_modified_at": {},
	"observed_at": {}, "valid_until": {}, "temporal_precision": {}, "occurred_at": {},
	"source": {}, "source_hash": {}, "provenance": {}, "confidence": {},
	"supersedes": {}, "superseded_by": {}, "superseded_at": {},
	"tags": {}, "links": {},
}

// Parse splits raw bytes into a Document. Temporal fields may be absent at
// this stage; the temporal gate decides admission.
func Parse(data []byte) (*models.Document, error) {
	block, body, err := split(data)
	if err != nil {
		return nil, err
	}

	var fm map[string]any
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return nil, &apperr.FrontmatterError{Line: yamlErrorLine(err), Message: fmt.Sprintf("malformed frontmatter: %v", err)}
	}
	if fm == nil {
		fm = map[string]any{}
	}

	doc := &models.Document{
		Fields:     map[string]any{},
		Body:       body,
		Confidence: 1.0,
	}

	for key, raw := range fm {
		if _, ok := systemKeys[key]; !ok {
			doc.Fields[key] = raw
			continue
		}
		if err := assign(doc, key, raw); err != nil {
			return nil, &apperr.FrontmatterError{Line: 1, Message: err.Error()}
		}
	}

	return doc, nil
}

// split separates the frontmatter block from the body.
func split(data []byte) (block []byte, body string, err error) {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) == 0 || strings.TrimRight(string(lines[0]), " \t\r") != fence {
		return nil, "", &apperr.FrontmatterError{Line: 1, Message: "missing opening --- fence"}
	}

	for i := 1; i < len(lines); i++ {
		// The closing fence must be exactly "---" with no trailing whitespace.
		if string(bytes.TrimSuffix(lines[i], []byte("\r"))) == fence {
			block = bytes.Join(lines[1:i], []byte("\n"))
			rest := bytes.Join(lines[i+1:], []byte("\n"))
			return block, strings.TrimLeft(string(rest), "\n"), nil
		}
	}
	return nil, "", &apperr.FrontmatterError{Line: len(lines), Message: "missing closing --- fence"}
}

func assign(doc *models.Document, key string, raw any) error {
	switch key {
	case "id":
		doc.ID = asString(raw)
	case "type":
		doc.Type = asString(raw)
	case "title":
		doc.Title = asString(raw)
	case "_created_at":
		t, err := asTime(raw)
		if err != nil {
			return fmt.Errorf("invalid _created_at: %w", err)
		}
		doc.CreatedAt = t
	case "_modified_at":
		t, err := asTime(raw)
		if err != nil {
			return fmt.Errorf("invalid _modified_at: %w", err)
		}
		doc.ModifiedAt = t
	case "observed_at":
		t, err := asTime(raw)
		if err != nil {
			return fmt.Errorf("invalid observed_at: %w", err)
		}
		doc.Temporal.ObservedAt = t
	case "valid_until":
		t, err := asTime(raw)
		if err != nil {
			return fmt.Errorf("invalid valid_until: %w", err)
		}
		doc.Temporal.ValidUntil = t
	case "temporal_precision":
		doc.Temporal.Precision = models.Precision(asString(raw))
	case "occurred_at":
		t, err := asTime(raw)
		if err != nil {
			return fmt.Errorf("invalid occurred_at: %w", err)
		}
		doc.Temporal.OccurredAt = &t
	case "source":
		doc.Source = asString(raw)
	case "source_hash":
		doc.SourceHash = asString(raw)
	case "provenance":
		doc.Provenance = asString(raw)
	case "confidence":
		switch v := raw.(type) {
		case float64:
			doc.Confidence = v
		case int:
			doc.Confidence = float64(v)
		default:
			return fmt.Errorf("invalid confidence: %v", raw)
		}
	case "supersedes":
		doc.Supersedes = asString(raw)
	case "superseded_by":
		doc.SupersededBy = asString(raw)
	case "superseded_at":
		t, err := asTime(raw)
		if err != nil {
			return fmt.Errorf("invalid superseded_at: %w", err)
		}
		doc.SupersededAt = &t
	case "tags":
		doc.Tags = asStringSlice(raw)
	case "links":
		links, err := asLinks(raw)
		if err != nil {
			return err
		}
		doc.Links = links
	}
	return nil
}

// Serialise writes the document back into its on-disk form. Known fields
// emit in canonical order; dynamic fields follow sorted by key, so
// Parse(Serialise(doc)) equals doc on every known field.
func Serialise(doc *models.Document) []byte {
	var b strings.Builder
	b.WriteString(fence + "\n")

	emit := func(key string, value any) {
		out, err := yaml.Marshal(map[string]any{key: value})
		if err != nil {
			return
		}
		b.Write(out)
	}

	emit("id", doc.ID)
	emit("type", doc.Type)
	if doc.Title != "" {
		emit("title", doc.Title)
	}
	if !doc.CreatedAt.IsZero() {
		emit("_created_at", formatTime(doc.CreatedAt))
	}
	if !doc.ModifiedAt.IsZero() {
		emit("_modified_at", formatTime(doc.ModifiedAt))
	}
	if !doc.Temporal.ObservedAt.IsZero() {
		emit("observed_at", formatTime(doc.Temporal.ObservedAt))
	}
	if !doc.Temporal.ValidUntil.IsZero() {
		emit("valid_until", formatTime(doc.Temporal.ValidUntil))
	}
	if doc.Temporal.Precision != "" {
		emit("temporal_precision", string(doc.Temporal.Precision))
	}
	if doc.Temporal.OccurredAt != nil {
		emit("occurred_at", formatTime(*doc.Temporal.OccurredAt))
	}
	if doc.Source != "" {
		emit("source", doc.Source)
	}
	if doc.SourceHash != "" {
		emit("source_hash", doc.SourceHash)
	}
	if doc.Provenance != "" {
		emit("provenance", doc.Provenance)
	}
	emit("confidence", doc.Confidence)
	if doc.Supersedes != "" {
		emit("supersedes", doc.Supersedes)
	}
	if doc.SupersededBy != "" {
		emit("superseded_by", doc.SupersededBy)
	}
	if doc.SupersededAt != nil {
		emit("superseded_at", formatTime(*doc.SupersededAt))
	}
	if len(doc.Tags) > 0 {
		emit("tags", doc.Tags)
	}
	if len(doc.Links) > 0 {
		emit("links", linksToYAML(doc.Links))
	}

	keys := make([]string, 0, len(doc.Fields))
	for k := range doc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		emit(k, doc.Fields[k])
	}

	b.WriteString(fence + "\n")
	if doc.Body != "" {
		b.WriteString("\n")
		b.WriteString(doc.Body)
	}
	return []byte(b.String())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func asString(raw any) string {
	if s, ok := raw.(string); ok {
		return s
	}
	if raw == nil {
		return ""
	}
	return fmt.Sprintf("%v", raw)
}

func asTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp value %v", raw)
	}
}

func asStringSlice(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asLinks(raw any) ([]models.Link, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("links must be a sequence")
	}
	var out []models.Link
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("each link must be a mapping")
		}
		link := models.Link{
			Rel:    asString(m["rel"]),
			Target: asString(m["target"]),
		}
		if raw, ok := m["observed_at"]; ok {
			t, err := asTime(raw)
			if err != nil {
				return nil, fmt.Errorf("link observed_at: %w", err)
			}
			link.ObservedAt = t
		}
		if meta, ok := m["metadata"].(map[string]any); ok {
			link.Metadata = meta
		}
		out = append(out, link)
	}
	return out, nil
}

func linksToYAML(links []models.Link) []map[string]any {
	out := make([]map[string]any, 0, len(links))
	for _, l := range links {
		m := map[string]any{
			"rel":         l.Rel,
			"target":      l.Target,
			"observed_at": formatTime(l.ObservedAt),
		}
		if len(l.Metadata) > 0 {
			m["metadata"] = l.Metadata
		}
		out = append(out, m)
	}
	return out
}

// yamlErrorLine extracts a line number from a yaml.v3 error message when
// present. Falls back to line 1.
func yamlErrorLine(err error) int {
	msg := err.Error()
	if i := strings.Index(msg, "line "); i >= 0 {
		var line int
		if _, scanErr := fmt.Sscanf(msg[i:], "line %d", &line); scanErr == nil && line > 0 {
			return line
		}
	}
	return 1
}
