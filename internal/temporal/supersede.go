package temporal

import (
	"sort"
	"time"

	"github.com/starford/mkb/internal/models"
)

// Conflict records a disagreement on an indexed field between two admitted
// observations of the same logical entity. Conflicts never block admission;
// they are persisted for audit.
type Conflict struct {
	LogicalID  string
	Field      string
	WinnerID   string
	LoserID    string
	Winner     any
	Loser      any
	DetectedAt time.Time
}

// Resolve orders versions of one logical entity and marks supersession.
// The latest observed_at wins; ties break on higher confidence, then on
// lexicographically larger id, so resolution is deterministic. Every earlier
// version gets superseded_by/superseded_at pointing at the winner. Returns
// the winner and any field-level conflicts with the runner-up versions.
func Resolve(versions []*models.Document, now time.Time) (*models.Document, []Conflict) {
	if len(versions) == 0 {
		return nil, nil
	}

	sorted := make([]*models.Document, len(versions))
	copy(sorted, versions)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Temporal.ObservedAt.Equal(b.Temporal.ObservedAt) {
			return a.Temporal.ObservedAt.After(b.Temporal.ObservedAt)
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID > b.ID
	})

	winner := sorted[0]
	winner.SupersededBy = ""
	winner.SupersededAt = nil

	var conflicts []Conflict
	for _, older := range sorted[1:] {
		if older.ID == winner.ID {
			continue
		}
		older.SupersededBy = winner.ID
		at := winner.Temporal.ObservedAt
		older.SupersededAt = &at

		for field, newVal := range winner.Fields {
			oldVal, ok := older.Fields[field]
			if !ok || equalValues(oldVal, newVal) {
				continue
			}
			conflicts = append(conflicts, Conflict{
				LogicalID:  winner.LogicalID(),
				Field:      field,
				WinnerID:   winner.ID,
				LoserID:    older.ID,
				Winner:     newVal,
				Loser:      oldVal,
				DetectedAt: now,
			})
		}
	}
	return winner, conflicts
}

// SameEntity reports whether two documents describe the same logical
// entity: shared id root, or an explicit supersedes pointer either way.
func SameEntity(a, b *models.Document) bool {
	if a.LogicalID() == b.LogicalID() {
		return true
	}
	return a.Supersedes == b.ID || b.Supersedes == a.ID
}

func equalValues(a, b any) bool {
	if af, aok := toComparableFloat(a); aok {
		if bf, bok := toComparableFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return false
}

func toComparableFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
