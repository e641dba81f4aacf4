package query

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Format names an output rendering for query results.
type Format string

const (
	FormatJSON     Format = "json"
	FormatTable    Format = "table"
	FormatMarkdown Format = "markdown"
	FormatContext  Format = "context"
)

// FormatResult renders a result set. The JSON form is the wire contract:
// {columns, rows, warnings}.
func FormatResult(result *Result, format Format) (string, error) {
	switch format {
	case FormatJSON:
		if result.Rows == nil {
			result.Rows = [][]any{}
		}
		if result.Warnings == nil {
			result.Warnings = []string{}
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return "", fmt.Errorf("query: marshal result: %w", err)
		}
		return string(out), nil
	case FormatTable:
		return formatTable(result), nil
	case FormatMarkdown:
		return formatMarkdown(result), nil
	default:
		return "", fmt.Errorf("query: unknown format %q", format)
	}
}

func formatTable(result *Result) string {
	if len(result.Rows) == 0 {
		return "(no results)"
	}

	widths := make([]int, len(result.Columns))
	for i, c := range result.Columns {
		widths[i] = len(c)
	}
	cells := make([][]string, len(result.Rows))
	for r, row := range result.Rows {
		cells[r] = make([]string, len(result.Columns))
		for i := range result.Columns {
			v := "null"
			if i < len(row) && row[i] != nil {
				v = fmt.Sprintf("%v", row[i])
			}
			if len(v) > 60 {
				v = v[:57] + "..."
			}
			cells[r][i] = v
			if len(v) > widths[i] {
				widths[i] = len(v)
			}
		}
	}

	var b strings.Builder
	for i, c := range result.Columns {
		if i > 0 {
			b.WriteString(" | ")
		}
		fmt.Fprintf(&b, "%-*s", widths[i], c)
	}
	b.WriteString("\n")
	for i, w := range widths {
		if i > 0 {
			b.WriteString("-+-")
		}
		b.WriteString(strings.Repeat("-", w))
	}
	b.WriteString("\n")
	for _, row := range cells {
		for i, v := range row {
			if i > 0 {
				b.WriteString(" | ")
			}
			fmt.Fprintf(&b, "%-*s", widths[i], v)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatMarkdown(result *Result) string {
	if len(result.Rows) == 0 {
		return "*No results*\n"
	}
	var b strings.Builder
	b.WriteString("| ")
	b.WriteString(strings.Join(result.Columns, " | "))
	b.WriteString(" |\n| ")
	seps := make([]string, len(result.Columns))
	for i := range seps {
		seps[i] = "---"
	}
	b.WriteString(strings.Join(seps, " | "))
	b.WriteString(" |\n")
	for _, row := range result.Rows {
		b.WriteString("| ")
		vals := make([]string, len(result.Columns))
		for i := range result.Columns {
			vals[i] = "null"
			if i < len(row) && row[i] != nil {
				vals[i] = fmt.Sprintf("%v", row[i])
			}
		}
		b.WriteString(strings.Join(vals, " | "))
		b.WriteString(" |\n")
	}
	return b.String()
}
