package query

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Separator is the stable document boundary downstream consumers split on.
const Separator = "\n---8<---\n"

// Priority weights: alpha scales relevance, beta effective confidence,
// gamma freshness.
const (
	defaultAlpha = 1.0
	defaultBeta  = 0.6
	defaultGamma = 0.3
)

// docFormats orders the degradation ladder from richest to smallest.
var docFormats = []string{"full", "summary", "frontmatter", "snippet"}

// AssembleOpts tunes one assembly pass.
type AssembleOpts struct {
	// Window is the token budget; the output never exceeds it.
	Window int
	// Format is the preferred per-document rendering; tighter formats are
	// tried when a document does not fit.
	Format string
	// Alpha, Beta, Gamma override the priority weights when non-zero.
	Alpha, Beta, Gamma float64
	// Tokenizer counts tokens; CharTokenizer when nil.
	Tokenizer Tokenizer
}

// Assembled is the packed context output.
type Assembled struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
	// Included maps document ids to the format they were packed in.
	Included map[string]string `json:"included"`
	// Diagnostic explains an empty result.
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Assemble greedily packs the highest-priority documents into the token
// budget, degrading each document's format (full, summary, frontmatter,
// snippet) before giving up on it. The emitted token count never exceeds
// the window.
func Assemble(docs []DocMeta, opts AssembleOpts) *Assembled {
	tok := opts.Tokenizer
	if tok == nil {
		tok = CharTokenizer{}
	}
	alpha, beta, gamma := opts.Alpha, opts.Beta, opts.Gamma
	if alpha == 0 && beta == 0 && gamma == 0 {
		alpha, beta, gamma = defaultAlpha, defaultBeta, defaultGamma
	}
	startFormat := opts.Format
	if startFormat == "" {
		startFormat = "full"
	}

	out := &Assembled{Included: map[string]string{}}
	if opts.Window <= 0 {
		out.Diagnostic = "token window is zero"
		return out
	}
	if len(docs) == 0 {
		out.Diagnostic = "no documents to assemble"
		return out
	}

	ranked := make([]DocMeta, len(docs))
	copy(ranked, docs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return priority(ranked[i], alpha, beta, gamma) > priority(ranked[j], alpha, beta, gamma)
	})

	sepCost := tok.Count(Separator)
	var b strings.Builder
	used := 0

	for _, doc := range ranked {
		cost := 0
		if len(out.Included) > 0 {
			cost = sepCost
		}
		packed := ""
		packedFormat := ""
		for _, format := range formatsFrom(startFormat) {
			candidate := renderDoc(doc, format)
			if used+cost+tok.Count(candidate) <= opts.Window {
				packed = candidate
				packedFormat = format
				break
			}
		}
		if packed == "" {
			continue
		}
		if cost > 0 {
			b.WriteString(Separator)
			used += sepCost
		}
		b.WriteString(packed)
		used += tok.Count(packed)
		out.Included[doc.ID] = packedFormat
	}

	out.Text = b.String()
	out.Tokens = used
	if len(out.Included) == 0 {
		out.Diagnostic = fmt.Sprintf("no document fits a %d-token window; smallest format still overflows", opts.Window)
	}
	return out
}

func priority(doc DocMeta, alpha, beta, gamma float64) float64 {
	return alpha*doc.Relevance + beta*doc.EffConfidence + gamma*doc.Freshness
}

// formatsFrom returns the degradation ladder starting at the preferred
// format.
func formatsFrom(start string) []string {
	for i, f := range docFormats {
		if f == start {
			return docFormats[i:]
		}
	}
	return docFormats
}

// renderDoc renders one document in one format.
func renderDoc(doc DocMeta, format string) string {
	header := fmt.Sprintf("## [%s] %s\n*Observed: %s | Confidence: %.2f*\n",
		doc.Type, doc.Title, doc.ObservedAt.Format(time.RFC3339), doc.EffConfidence)

	switch format {
	case "full":
		if doc.Body == "" {
			return header
		}
		return header + "\n" + doc.Body + "\n"
	case "summary":
		return header + "\n" + firstLines(doc.Body, 3) + "\n"
	case "frontmatter":
		tags := ""
		if len(doc.Tags) > 0 {
			tags = " tags: " + strings.Join(doc.Tags, ", ")
		}
		return fmt.Sprintf("- [%s] %s (observed %s, confidence %.2f)%s\n",
			doc.Type, doc.Title, doc.ObservedAt.Format("2006-01-02"), doc.EffConfidence, tags)
	default: // snippet
		return fmt.Sprintf("- %s\n", doc.Title)
	}
}

func firstLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
		if len(out) == n {
			break
		}
	}
	return strings.Join(out, "\n")
}
