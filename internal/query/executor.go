package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/index"
	"github.com/starford/mkb/internal/mkql"
	"github.com/starford/mkb/internal/schema"
	"github.com/starford/mkb/internal/temporal"
)

// Result is the materialised output of one query. The JSON wire form is
// {columns, rows, warnings}.
type Result struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	Warnings []string `json:"warnings"`

	// Docs carries per-row document metadata for the context assembler.
	// Index-aligned with Rows; nil when the query aggregates.
	Docs []DocMeta `json:"-"`
	// Formatting is the CONTEXT clause, when one was given.
	Formatting mkql.Formatting `json:"-"`
}

// DocMeta is the scoring and formatting payload per result document.
type DocMeta struct {
	ID            string
	Type          string
	Title         string
	Body          string
	Tags          []string
	ObservedAt    time.Time
	Confidence    float64
	EffConfidence float64
	Freshness     float64
	Relevance     float64
	// Linked holds resolved link-step rows keyed by alias.
	Linked map[string][]LinkedDoc
}

// LinkedDoc is one resolved link traversal hit.
type LinkedDoc struct {
	ID     string
	Type   string
	Title  string
	Rel    string
	Fields map[string]string
}

// Executor turns MKQL strings into results: parse, type-check, compile,
// then run the plan with cancellation honoured at every step boundary.
type Executor struct {
	store    *index.Store
	reg      *schema.Registry
	embedder Embedder
	opts     mkql.Options
	now      func() time.Time
}

// NewExecutor wires an executor. A nil embedder disables NEAR().
func NewExecutor(store *index.Store, reg *schema.Registry, embedder Embedder, opts mkql.Options) *Executor {
	return &Executor{store: store, reg: reg, embedder: embedder, opts: opts, now: time.Now}
}

// Query parses and runs one MKQL string.
func (e *Executor) Query(ctx context.Context, input string) (*Result, error) {
	q, err := mkql.Parse(input)
	if err != nil {
		return nil, err
	}
	warnings, err := mkql.TypeCheck(q, e.reg)
	if err != nil {
		return nil, err
	}
	plan, err := mkql.Compile(q, e.reg, e.store.Profiles(), e.now(), e.opts)
	if err != nil {
		return nil, err
	}
	plan.Warnings = append(plan.Warnings, warnings...)
	return e.Execute(ctx, plan)
}

// Execute runs a compiled plan. Cancellation is checked after the vector
// step, the SQL execution, the link traversal, and before formatting; a
// cancelled run releases its snapshot and returns without partial rows.
func (e *Executor) Execute(ctx context.Context, plan *mkql.Plan) (*Result, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	// Vector step first when present: KNN yields the allowed id set.
	var allowed map[string]float64
	if plan.VectorStep != nil {
		if e.embedder == nil {
			return nil, fmt.Errorf("query: NEAR(): %w", apperr.ErrVectorStoreUnavailable)
		}
		vectors, err := e.embedder.Embed(ctx, []string{plan.VectorStep.Text})
		if err != nil {
			return nil, fmt.Errorf("query: embed: %w", err)
		}
		hits, err := e.store.KNN(ctx, vectors[0], plan.VectorStep.K, plan.VectorStep.Threshold)
		if err != nil {
			return nil, err
		}
		allowed = map[string]float64{}
		for _, h := range hits {
			allowed[h.DocID] = h.Cosine
		}
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
	}

	rs, err := e.store.ExecuteSQL(ctx, plan.SQL, plan.Params)
	if err != nil {
		return nil, err
	}
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}

	result := &Result{Warnings: plan.Warnings, Formatting: plan.Formatting}

	idCol := -1
	if !plan.HasAgg {
		idCol = 0 // compiler puts d.id first
	}

	for _, row := range rs.Rows {
		if idCol >= 0 && allowed != nil {
			id, _ := row[idCol].(string)
			if _, ok := allowed[id]; !ok {
				continue
			}
		}
		keep, err := e.applyPostFilters(ctx, plan, rs.Columns, row, idCol)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		out := row
		if idCol >= 0 {
			out = row[1:]
		}
		result.Rows = append(result.Rows, out)

		if idCol >= 0 {
			id, _ := row[idCol].(string)
			meta, err := e.loadMeta(ctx, id, allowed)
			if err != nil {
				return nil, err
			}
			result.Docs = append(result.Docs, *meta)
		}
	}

	result.Columns = outputColumns(plan, rs.Columns, idCol)

	if len(plan.LinkSteps) > 0 && idCol >= 0 {
		if err := e.resolveLinks(ctx, plan, result); err != nil {
			return nil, err
		}
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func outputColumns(plan *mkql.Plan, sqlCols []string, idCol int) []string {
	cols := sqlCols
	if idCol >= 0 {
		cols = cols[1:]
	}
	if len(plan.Columns) == 1 && plan.Columns[0] == "*" {
		return cols
	}
	if len(plan.Columns) == len(cols) {
		return plan.Columns
	}
	return cols
}

// applyPostFilters evaluates MATCHES and temporal_range OVERLAPS in Go.
func (e *Executor) applyPostFilters(ctx context.Context, plan *mkql.Plan, cols []string, row []any, idCol int) (bool, error) {
	if len(plan.PostFilters) == 0 {
		return true, nil
	}
	if idCol < 0 {
		return true, nil
	}
	id, _ := row[idCol].(string)

	for _, pf := range plan.PostFilters {
		switch {
		case pf.Regex != "":
			re, err := regexp.Compile(pf.Regex)
			if err != nil {
				return false, &apperr.ParseError{Message: fmt.Sprintf("invalid MATCHES pattern: %v", err)}
			}
			value, err := e.fieldValue(ctx, id, pf.Field)
			if err != nil {
				return false, err
			}
			if !re.MatchString(value) {
				return false, nil
			}

		case pf.Overlaps != nil:
			raw, err := e.fieldValue(ctx, id, "temporal_range")
			if err != nil {
				return false, err
			}
			ok, err := rangeOverlaps(raw, pf.Overlaps.Start, pf.Overlaps.End)
			if err != nil || !ok {
				// Documents without a parseable range fall back to the
				// observed_at point.
				observed, ferr := e.fieldValue(ctx, id, "observed_at")
				if ferr != nil {
					return false, ferr
				}
				t, perr := time.Parse(time.RFC3339, observed)
				if perr != nil {
					return false, nil
				}
				if raw == "" || err != nil {
					return !t.Before(pf.Overlaps.Start) && !t.After(pf.Overlaps.End), nil
				}
				return false, nil
			}
		}
	}
	return true, nil
}

func rangeOverlaps(raw string, start, end time.Time) (bool, error) {
	if raw == "" {
		return false, errors.New("no range")
	}
	var r struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return false, err
	}
	rs, err := time.Parse(time.RFC3339, r.Start)
	if err != nil {
		return false, err
	}
	re, err := time.Parse(time.RFC3339, r.End)
	if err != nil {
		return false, err
	}
	return !rs.After(end) && !re.Before(start), nil
}

// fieldValue reads one field of one document: a system column or an EAV row.
func (e *Executor) fieldValue(ctx context.Context, id, field string) (string, error) {
	systemCols := map[string]string{
		"title": "title", "body": "body", "observed_at": "observed_at",
		"valid_until": "valid_until", "type": "doc_type", "source": "source",
	}
	if col, ok := systemCols[field]; ok {
		rs, err := e.store.ExecuteSQL(ctx, fmt.Sprintf(`SELECT %s FROM documents WHERE id = ?`, col), []any{id})
		if err != nil {
			return "", err
		}
		if len(rs.Rows) == 0 || rs.Rows[0][0] == nil {
			return "", nil
		}
		return fmt.Sprintf("%v", rs.Rows[0][0]), nil
	}
	rs, err := e.store.ExecuteSQL(ctx,
		`SELECT value_text FROM field_values WHERE doc_id = ? AND field_name = ?`, []any{id, field})
	if err != nil {
		return "", err
	}
	if len(rs.Rows) == 0 || rs.Rows[0][0] == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", rs.Rows[0][0]), nil
}

// loadMeta pulls the scoring payload for one result document.
func (e *Executor) loadMeta(ctx context.Context, id string, relevance map[string]float64) (*DocMeta, error) {
	rs, err := e.store.ExecuteSQL(ctx, `
		SELECT doc_type, title, body, tags, observed_at, confidence
		FROM documents WHERE id = ?`, []any{id})
	if err != nil {
		return nil, err
	}
	meta := &DocMeta{ID: id}
	if len(rs.Rows) == 0 {
		return meta, nil
	}
	row := rs.Rows[0]
	meta.Type, _ = row[0].(string)
	meta.Title, _ = row[1].(string)
	meta.Body, _ = row[2].(string)
	if tagsJSON, ok := row[3].(string); ok {
		_ = json.Unmarshal([]byte(tagsJSON), &meta.Tags)
	}
	if observed, ok := row[4].(string); ok {
		meta.ObservedAt, _ = time.Parse(time.RFC3339, observed)
	}
	switch c := row[5].(type) {
	case float64:
		meta.Confidence = c
	case int64:
		meta.Confidence = float64(c)
	}

	now := e.now().UTC()
	profile := e.store.Profiles().For(meta.Type)
	meta.EffConfidence = temporal.EffectiveConfidence(meta.Confidence, meta.ObservedAt, profile.HalfLife, now)
	meta.Freshness = temporal.Freshness(meta.ObservedAt, profile.HardExpiry, now)
	if relevance != nil {
		meta.Relevance = relevance[id]
	}
	return meta, nil
}

// resolveLinks walks the LINK clauses for every result row and fills any
// alias.path select columns from the first traversal hit.
func (e *Executor) resolveLinks(ctx context.Context, plan *mkql.Plan, result *Result) error {
	pathCols := map[int]struct{ alias, field string }{}
	for i, col := range result.Columns {
		if base, rest, ok := strings.Cut(col, "."); ok {
			pathCols[i] = struct{ alias, field string }{base, rest}
		}
	}

	for rowIdx := range result.Rows {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		meta := &result.Docs[rowIdx]
		if meta.Linked == nil {
			meta.Linked = map[string][]LinkedDoc{}
		}

		for _, step := range plan.LinkSteps {
			linked, err := e.traverse(ctx, meta.ID, step)
			if err != nil {
				return err
			}
			meta.Linked[step.Alias] = linked
		}

		for colIdx, ref := range pathCols {
			hits := meta.Linked[ref.alias]
			if len(hits) == 0 {
				continue
			}
			switch ref.field {
			case "id":
				result.Rows[rowIdx][colIdx] = hits[0].ID
			case "title":
				result.Rows[rowIdx][colIdx] = hits[0].Title
			case "type":
				result.Rows[rowIdx][colIdx] = hits[0].Type
			default:
				if v, ok := hits[0].Fields[ref.field]; ok {
					result.Rows[rowIdx][colIdx] = v
				}
			}
		}
	}
	return nil
}

// traverse resolves one link step for one document.
func (e *Executor) traverse(ctx context.Context, id string, step mkql.LinkStep) ([]LinkedDoc, error) {
	var sql string
	var params []any
	if step.Reverse {
		sql = `
			SELECT ld.id, ld.doc_type, ld.title, l.rel
			FROM links l
			JOIN documents ld ON ld.id = l.source_id
			WHERE (l.target_id = ? OR l.target_id = (SELECT path FROM documents WHERE id = ?))
			  AND ld.doc_type = ? AND ld.archived = 0`
		params = []any{id, id, step.Type}
	} else {
		sql = `
			SELECT ld.id, ld.doc_type, ld.title, l.rel
			FROM links l
			JOIN documents ld ON (ld.id = l.target_id OR ld.path = l.target_id)
			WHERE l.source_id = ? AND ld.doc_type = ? AND ld.archived = 0`
		params = []any{id, step.Type}
	}

	rs, err := e.store.ExecuteSQL(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	var out []LinkedDoc
	for _, row := range rs.Rows {
		ld := LinkedDoc{}
		ld.ID, _ = row[0].(string)
		ld.Type, _ = row[1].(string)
		ld.Title, _ = row[2].(string)
		ld.Rel, _ = row[3].(string)
		if step.Rel != "" && ld.Rel != step.Rel {
			continue
		}
		fields, err := e.linkedFields(ctx, ld.ID)
		if err != nil {
			return nil, err
		}
		ld.Fields = fields
		out = append(out, ld)
	}
	return out, nil
}

func (e *Executor) linkedFields(ctx context.Context, id string) (map[string]string, error) {
	rs, err := e.store.ExecuteSQL(ctx,
		`SELECT field_name, value_text FROM field_values WHERE doc_id = ?`, []any{id})
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, row := range rs.Rows {
		name, _ := row[0].(string)
		if row[1] != nil {
			out[name] = fmt.Sprintf("%v", row[1])
		}
	}
	return out, nil
}

// checkCtx maps context errors onto the cancellation taxonomy.
func checkCtx(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return apperr.ErrDeadlineExceeded
	default:
		return apperr.ErrCancelled
	}
}
