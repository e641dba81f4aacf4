package mkql

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/schema"
	"github.com/starford/mkb/internal/temporal"
)

// Strategy names the plan family the planner picked.
type Strategy string

const (
	StrategyField  Strategy = "field"
	StrategyVector Strategy = "vector"
	StrategyFTS    Strategy = "fts"
)

// VectorStep is the KNN half of a plan: embed Text, pull candidates with
// cosine >= Threshold, intersect with the SQL candidate set by doc id.
type VectorStep struct {
	Text      string
	Threshold float64
	K         int
}

// LinkStep is one LINK clause to resolve after the SQL rows materialise.
type LinkStep struct {
	Rel     string
	Type    string
	Alias   string
	Reverse bool
}

// PostFilter is a predicate evaluated in Go over materialised rows.
type PostFilter struct {
	// Field names the column the filter reads.
	Field string
	// Regex holds a MATCHES pattern.
	Regex string
	// Overlaps holds a temporal_range window check.
	Overlaps *Overlaps
}

// Formatting carries the CONTEXT clause through to the assembler.
type Formatting struct {
	Format string
	Window int
	Embed  bool
}

// Plan is a compiled query: parameterised SQL plus the steps the executor
// runs around it. User input never appears in the SQL string.
type Plan struct {
	SQL    string
	Params []any

	VectorStep  *VectorStep
	LinkSteps   []LinkStep
	PostFilters []PostFilter
	Formatting  Formatting
	Strategy    Strategy

	// Columns are the output column names in declaration order. The SQL
	// additionally selects the document id first for intersection and link
	// resolution, unless the query aggregates.
	Columns  []string
	HasAgg   bool
	Warnings []string
}

// Options tunes compilation to the index that will execute the plan.
type Options struct {
	// FTSAvailable routes BODY CONTAINS through MATCH; otherwise a
	// parameterised LIKE over the body column serves.
	FTSAvailable bool
	// Guardrail bounds any intermediate result set.
	Guardrail int
	// LinkDepthCap bounds recursive link traversal.
	LinkDepthCap int
}

// DefaultOptions matches the built-in index.
func DefaultOptions() Options {
	return Options{FTSAvailable: true, Guardrail: 10000, LinkDepthCap: 5}
}

type compiler struct {
	q        *Query
	reg      *schema.Registry
	profiles temporal.Profiles
	now      time.Time
	opts     Options

	params  []any
	types   []string
	aliases map[string]string
	usesFTS bool
	ftsTerm string
	plan    *Plan
}

// Compile lowers a type-checked query into a Plan. now anchors every
// temporal predicate so a plan is stable for the lifetime of one execution.
func Compile(q *Query, reg *schema.Registry, profiles temporal.Profiles, now time.Time, opts Options) (*Plan, error) {
	c := &compiler{
		q: q, reg: reg, profiles: profiles, now: now.UTC(), opts: opts,
		aliases: map[string]string{},
		plan:    &Plan{},
	}
	if opts.Guardrail <= 0 {
		c.opts.Guardrail = DefaultOptions().Guardrail
	}
	if opts.LinkDepthCap <= 0 {
		c.opts.LinkDepthCap = DefaultOptions().LinkDepthCap
	}

	c.types = q.Types
	if q.AllWild {
		c.types = reg.Types()
	}
	for _, link := range q.Links {
		alias := link.Alias
		if alias == "" {
			alias = link.Type
		}
		c.aliases[alias] = link.Type
		c.plan.LinkSteps = append(c.plan.LinkSteps, LinkStep{
			Rel: link.Rel, Type: link.Type, Alias: alias, Reverse: link.Reverse,
		})
	}

	// The select list may reference RELEVANCE before the WHERE clause
	// compiles, so the FTS term is collected up front.
	Walk(q.Where, func(e Expr) {
		if bc, ok := e.(*BodyContains); ok {
			c.ftsTerm = bc.Term
		}
	})

	selectSQL, groupBy, err := c.compileSelect()
	if err != nil {
		return nil, err
	}

	fromSQL := "documents d"
	joins := c.compileUnnestJoins()

	var conds []string
	if len(c.types) > 0 {
		placeholders := make([]string, len(c.types))
		for i, t := range c.types {
			placeholders[i] = "?"
			c.params = append(c.params, t)
		}
		conds = append(conds, fmt.Sprintf("d.doc_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	conds = append(conds, "d.archived = 0")

	if q.AsOf != nil {
		// Materialise the vault at t: the greatest observed_at <= t per
		// logical entity wins.
		conds = append(conds, `d.observed_at = (
			SELECT MAX(v.observed_at) FROM document_versions v
			WHERE v.logical_id = d.logical_id AND v.observed_at <= ?)`)
		c.params = append(c.params, c.fmtTime(*q.AsOf))
	} else if !q.History {
		// Implicit LATEST(): stated CURRENT() stays explicit.
		conds = append(conds, "d.superseded_by IS NULL")
	}

	if q.Where != nil {
		whereSQL, err := c.compileExpr(q.Where)
		if err != nil {
			return nil, err
		}
		if whereSQL != "" {
			conds = append(conds, whereSQL)
		}
	}

	orderSQL, err := c.compileOrderBy()
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectSQL)
	b.WriteString(" FROM ")
	b.WriteString(fromSQL)
	b.WriteString(joins)
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(conds, " AND "))
	if groupBy != "" {
		b.WriteString(" GROUP BY ")
		b.WriteString(groupBy)
	}
	b.WriteString(orderSQL)

	limit := c.opts.Guardrail
	if q.Limit != nil && *q.Limit < limit {
		limit = *q.Limit
	} else if q.Limit == nil {
		c.plan.Warnings = append(c.plan.Warnings,
			fmt.Sprintf("no LIMIT given; results spool at the %d-row guardrail", c.opts.Guardrail))
	}
	b.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	if q.Offset != nil {
		b.WriteString(fmt.Sprintf(" OFFSET %d", *q.Offset))
	}

	c.plan.SQL = b.String()
	c.plan.Params = c.params
	if q.Context != nil {
		c.plan.Formatting = Formatting{Format: q.Context.Format, Window: q.Context.Window, Embed: q.Context.Embed}
	}
	c.choose()
	return c.plan, nil
}

// compileSelect returns the select-list SQL and the GROUP BY clause when
// aggregates mix with plain columns.
func (c *compiler) compileSelect() (string, string, error) {
	var parts []string
	var plain []string

	hasAgg := false
	for _, item := range c.q.Select {
		if item.Agg != "" && item.Agg != "UNNEST" {
			hasAgg = true
		}
	}
	c.plan.HasAgg = hasAgg

	if !hasAgg {
		// The id column rides first for vector intersection and link
		// resolution.
		parts = append(parts, "d.id AS _id")
	}

	if c.q.Star {
		parts = append(parts, "d.*")
		c.plan.Columns = append(c.plan.Columns, "*")
		return strings.Join(parts, ", "), "", nil
	}

	for _, item := range c.q.Select {
		name := item.Alias
		if name == "" {
			name = item.Name
		}

		switch {
		case item.Computed != ComputedNone:
			expr := c.computedSQL(item.Computed, item.Name)
			parts = append(parts, fmt.Sprintf("%s AS %s", expr, quoteIdent(name)))
		case item.Agg == "UNNEST":
			parts = append(parts, fmt.Sprintf("fa_%s.value AS %s", sanitizeIdent(item.Name), quoteIdent(name)))
			plain = append(plain, fmt.Sprintf("fa_%s.value", sanitizeIdent(item.Name)))
		case item.Agg != "":
			arg := "*"
			if item.Name != "*" {
				ref, err := c.fieldRef(item.Name, true)
				if err != nil {
					return "", "", err
				}
				arg = ref
			}
			parts = append(parts, fmt.Sprintf("%s(%s) AS %s", item.Agg, arg, quoteIdent(name)))
		case strings.Contains(item.Name, "."):
			// Link-alias path expression; the executor fills it during
			// link resolution.
			parts = append(parts, fmt.Sprintf("NULL AS %s", quoteIdent(name)))
		default:
			ref, err := c.fieldRef(item.Name, false)
			if err != nil {
				return "", "", err
			}
			parts = append(parts, fmt.Sprintf("%s AS %s", ref, quoteIdent(name)))
			if hasAgg {
				plain = append(plain, ref)
			}
		}
		c.plan.Columns = append(c.plan.Columns, name)
	}

	groupBy := ""
	if hasAgg && len(plain) > 0 {
		groupBy = strings.Join(plain, ", ")
	}
	return strings.Join(parts, ", "), groupBy, nil
}

// compileUnnestJoins emits the field_arrays joins UNNEST items need.
func (c *compiler) compileUnnestJoins() string {
	var b strings.Builder
	seen := map[string]bool{}
	for _, item := range c.q.Select {
		if item.Agg != "UNNEST" || seen[item.Name] {
			continue
		}
		seen[item.Name] = true
		alias := "fa_" + sanitizeIdent(item.Name)
		b.WriteString(fmt.Sprintf(" JOIN field_arrays %s ON %s.doc_id = d.id AND %s.field_name = ?",
			alias, alias, alias))
		c.params = append(c.params, item.Name)
	}
	return b.String()
}

// fieldRef resolves a field reference into SQL: a documents column or a
// scalar subquery over the EAV tables. numeric selects value_num.
func (c *compiler) fieldRef(field string, preferNumeric bool) (string, error) {
	if col, ok := systemColumns[field]; ok {
		return "d." + col, nil
	}
	numeric := preferNumeric
	for _, t := range c.types {
		if fd, ok := c.reg.Field(t, field); ok {
			if fd.Type.IsNumeric() && fd.Type != schema.TypeDate && fd.Type != schema.TypeDatetime {
				numeric = true
			}
			break
		}
	}
	col := "value_text"
	if numeric {
		col = "value_num"
	}
	c.params = append(c.params, field)
	return fmt.Sprintf("(SELECT fv.%s FROM field_values fv WHERE fv.doc_id = d.id AND fv.field_name = ?)", col), nil
}

// computedSQL emits the SQL expression for a computed identifier.
func (c *compiler) computedSQL(kind ComputedKind, name string) string {
	switch kind {
	case ComputedConfidence:
		return "d.confidence"
	case ComputedEffConfidence:
		expr := fmt.Sprintf("mkb_eff_confidence(d.confidence, d.observed_at, %s, ?)", c.halfLifeCase())
		c.params = append(c.params, c.fmtTime(c.now))
		return expr
	case ComputedFreshness:
		expr := fmt.Sprintf("mkb_freshness(d.observed_at, %s, ?)", c.hardExpiryCase())
		c.params = append(c.params, c.fmtTime(c.now))
		return expr
	case ComputedAge:
		field := "d.observed_at"
		if strings.HasPrefix(name, "age_") {
			if col, ok := systemColumns[strings.TrimPrefix(name, "age_")]; ok {
				field = "d." + col
			}
		}
		c.params = append(c.params, c.fmtTime(c.now))
		return fmt.Sprintf("(julianday(?) - julianday(%s)) * 86400.0", field)
	case ComputedRelevance:
		if c.ftsTerm != "" && c.opts.FTSAvailable {
			c.params = append(c.params, c.ftsTerm)
			return "COALESCE((SELECT -ftsr.rank FROM content_fts ftsr WHERE ftsr MATCH ? AND ftsr.doc_id = d.id), 0.0)"
		}
		return "0.0"
	}
	return "NULL"
}

// halfLifeCase folds the per-type half-life table into a CASE expression.
// The values are compiler-owned numeric literals, never user input.
func (c *compiler) halfLifeCase() string {
	return c.profileCase(func(p temporal.Profile) time.Duration { return p.HalfLife })
}

func (c *compiler) hardExpiryCase() string {
	return c.profileCase(func(p temporal.Profile) time.Duration { return p.HardExpiry })
}

func (c *compiler) profileCase(pick func(temporal.Profile) time.Duration) string {
	types := make([]string, 0, len(c.profiles))
	for t := range c.profiles {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	b.WriteString("CASE d.doc_type")
	for _, t := range types {
		d := pick(c.profiles.For(t))
		hours := -1.0 // never
		if d != temporal.Never {
			hours = d.Hours()
		}
		fmt.Fprintf(&b, " WHEN '%s' THEN %g", sanitizeIdent(t), hours)
	}
	d := pick(c.profiles.For(""))
	hours := -1.0
	if d != temporal.Never {
		hours = d.Hours()
	}
	fmt.Fprintf(&b, " ELSE %g END", hours)
	return b.String()
}

func (c *compiler) compileExpr(e Expr) (string, error) {
	switch n := e.(type) {
	case *BinaryExpr:
		l, err := c.compileExpr(n.L)
		if err != nil {
			return "", err
		}
		r, err := c.compileExpr(n.R)
		if err != nil {
			return "", err
		}
		switch {
		case l == "":
			return r, nil
		case r == "":
			return l, nil
		}
		return fmt.Sprintf("(%s %s %s)", l, n.Op, r), nil
	case *NotExpr:
		inner, err := c.compileExpr(n.X)
		if err != nil {
			return "", err
		}
		if inner == "" {
			return "", nil
		}
		return fmt.Sprintf("NOT (%s)", inner), nil
	default:
		return c.compilePredicate(e)
	}
}

func (c *compiler) compilePredicate(e Expr) (string, error) {
	switch pred := e.(type) {
	case *Comparison:
		return c.compileComparison(pred)

	case *InList:
		ref, refParams, err := c.eavCondRef(pred.Field, pred.Values[0].Num != nil)
		if err != nil {
			return "", err
		}
		placeholders := make([]string, len(pred.Values))
		c.params = append(c.params, refParams...)
		for i, v := range pred.Values {
			placeholders[i] = "?"
			c.params = append(c.params, literalParam(v))
		}
		return fmt.Sprintf("%s IN (%s)", ref, strings.Join(placeholders, ", ")), nil

	case *IsNull:
		ref, refParams, err := c.eavCondRef(pred.Field, false)
		if err != nil {
			return "", err
		}
		c.params = append(c.params, refParams...)
		if pred.Negate {
			return fmt.Sprintf("%s IS NOT NULL", ref), nil
		}
		return fmt.Sprintf("%s IS NULL", ref), nil

	case *Contains:
		if pred.Field == "tags" {
			c.params = append(c.params, "%\""+pred.Term+"\"%")
			return "d.tags LIKE ?", nil
		}
		ref, refParams, err := c.eavCondRef(pred.Field, false)
		if err != nil {
			return "", err
		}
		c.params = append(c.params, refParams...)
		c.params = append(c.params, "%"+pred.Term+"%")
		return fmt.Sprintf("%s LIKE ?", ref), nil

	case *Matches:
		// Regex evaluation happens in Go after materialisation.
		c.plan.PostFilters = append(c.plan.PostFilters, PostFilter{Field: pred.Field, Regex: pred.Pattern})
		return "", nil

	case *BodyContains:
		if c.opts.FTSAvailable {
			c.usesFTS = true
			c.params = append(c.params, pred.Term)
			return "d.id IN (SELECT doc_id FROM content_fts WHERE content_fts MATCH ?)", nil
		}
		c.params = append(c.params, "%"+pred.Term+"%")
		return "d.body LIKE ?", nil

	case *Near:
		c.plan.VectorStep = &VectorStep{Text: pred.Text, Threshold: pred.Threshold, K: c.opts.Guardrail}
		// The executor intersects by doc id after the KNN step.
		return "", nil

	case *Implicit:
		c.params = append(c.params, "%\""+pred.Tag+"\"%")
		return "d.tags LIKE ?", nil

	case *Linked:
		return c.compileLinked(pred), nil

	case *Fresh:
		c.params = append(c.params, c.fmtTime(c.now.Add(-pred.Within)))
		return "d.observed_at >= ?", nil

	case *Stale:
		expr := fmt.Sprintf("mkb_eff_confidence(d.confidence, d.observed_at, %s, ?) < 0.3", c.halfLifeCase())
		c.params = append(c.params, c.fmtTime(c.now))
		return expr, nil

	case *Expired:
		c.params = append(c.params, c.fmtTime(c.now))
		return "d.valid_until < ?", nil

	case *Current:
		c.params = append(c.params, c.fmtTime(c.now))
		return "(d.superseded_by IS NULL AND d.valid_until >= ?)", nil

	case *Latest:
		return "d.superseded_by IS NULL", nil

	case *During:
		c.params = append(c.params, c.fmtTime(pred.Start), c.fmtTime(pred.End))
		return "d.observed_at BETWEEN ? AND ?", nil

	case *Overlaps:
		if c.hasTemporalRange() {
			c.plan.PostFilters = append(c.plan.PostFilters, PostFilter{Field: "temporal_range", Overlaps: pred})
			return "", nil
		}
		c.params = append(c.params, c.fmtTime(pred.Start), c.fmtTime(pred.End))
		return "d.observed_at BETWEEN ? AND ?", nil
	}

	return "", &apperr.ParseError{Message: fmt.Sprintf("cannot compile predicate %T", e)}
}

func (c *compiler) compileComparison(pred *Comparison) (string, error) {
	if pred.Computed != ComputedNone {
		expr := c.computedSQL(pred.Computed, pred.Field)
		c.params = append(c.params, literalParam(pred.Value))
		return fmt.Sprintf("%s %s ?", expr, pred.Op), nil
	}

	numeric := pred.Value.Num != nil || pred.Value.Bool != nil
	ref, refParams, err := c.eavCondRef(pred.Field, numeric)
	if err != nil {
		return "", err
	}
	c.params = append(c.params, refParams...)

	if pred.Value.IsNull {
		if pred.Op == OpNeq {
			return fmt.Sprintf("%s IS NOT NULL", ref), nil
		}
		return fmt.Sprintf("%s IS NULL", ref), nil
	}
	c.params = append(c.params, literalParam(pred.Value))
	return fmt.Sprintf("%s %s ?", ref, pred.Op), nil
}

// eavCondRef resolves a field for use inside a condition. Returns the SQL
// fragment and any parameters it needs, in order.
func (c *compiler) eavCondRef(field string, numeric bool) (string, []any, error) {
	if base, rest, isPath := strings.Cut(field, "."); isPath {
		linkType, ok := c.aliases[base]
		if !ok {
			return "", nil, &apperr.ParseError{Message: fmt.Sprintf("unknown link alias %q", base)}
		}
		// Conditions on link aliases constrain the linked document.
		inner, innerParams, err := c.eavCondRefForAlias(rest, numeric)
		if err != nil {
			return "", nil, err
		}
		// Placeholder order follows the SQL text: the inner field reference
		// renders before the doc_type bound.
		params := append(innerParams, linkType)
		return fmt.Sprintf(`(SELECT %s FROM documents ld
			JOIN links l ON l.target_id IN (ld.id, ld.path) AND l.source_id = d.id
			WHERE ld.doc_type = ? LIMIT 1)`, inner), params, nil
	}

	if col, ok := systemColumns[field]; ok {
		return "d." + col, nil, nil
	}
	col := "value_text"
	for _, t := range c.types {
		if fd, ok := c.reg.Field(t, field); ok {
			if fd.Type.IsNumeric() && fd.Type != schema.TypeDate && fd.Type != schema.TypeDatetime {
				col = "value_num"
			}
			break
		}
	}
	if numeric {
		col = "value_num"
	}
	return fmt.Sprintf("(SELECT fv.%s FROM field_values fv WHERE fv.doc_id = d.id AND fv.field_name = ?)", col),
		[]any{field}, nil
}

func (c *compiler) eavCondRefForAlias(field string, numeric bool) (string, []any, error) {
	if col, ok := systemColumns[field]; ok {
		return "ld." + col, nil, nil
	}
	col := "value_text"
	if numeric {
		col = "value_num"
	}
	return fmt.Sprintf("(SELECT fv.%s FROM field_values fv WHERE fv.doc_id = ld.id AND fv.field_name = ?)", col),
		[]any{field}, nil
}

// compileLinked lowers LINKED() predicates. Depth 1 is a plain subquery;
// deeper traversals use a recursive CTE bounded by the depth cap.
func (c *compiler) compileLinked(pred *Linked) string {
	depth := pred.Depth
	if depth > c.opts.LinkDepthCap {
		depth = c.opts.LinkDepthCap
		c.plan.Warnings = append(c.plan.Warnings,
			fmt.Sprintf("link depth capped at %d", c.opts.LinkDepthCap))
	}

	srcCol, dstCol := "source_id", "target_id"
	if pred.Reverse {
		srcCol, dstCol = "target_id", "source_id"
	}

	if depth <= 1 {
		if pred.Target != "" {
			c.params = append(c.params, pred.Rel, pred.Target)
			return fmt.Sprintf("d.id IN (SELECT %s FROM links WHERE rel = ? AND %s = ?)", srcCol, dstCol)
		}
		c.params = append(c.params, pred.Rel)
		return fmt.Sprintf("d.id IN (SELECT %s FROM links WHERE rel = ?)", srcCol)
	}

	// Multi-hop: walk the graph from the target outward. The depth column
	// bounds cycles.
	c.params = append(c.params, pred.Target, pred.Rel, depth)
	return fmt.Sprintf(`d.id IN (
		WITH RECURSIVE walk(node, depth) AS (
			SELECT ?, 0
			UNION
			SELECT l.%s, walk.depth + 1 FROM links l
			JOIN walk ON l.%s = walk.node
			WHERE l.rel = ? AND walk.depth < ?
		)
		SELECT node FROM walk WHERE depth > 0)`, srcCol, dstCol)
}

func (c *compiler) compileOrderBy() (string, error) {
	if len(c.q.OrderBy) == 0 {
		if c.plan.HasAgg {
			return "", nil
		}
		return " ORDER BY d.observed_at DESC", nil
	}
	var parts []string
	for _, item := range c.q.OrderBy {
		dir := "ASC"
		if item.Desc {
			dir = "DESC"
		}
		if kind := computedKind(strings.ToUpper(item.Field)); kind != ComputedNone {
			parts = append(parts, fmt.Sprintf("%s %s", c.computedSQL(kind, item.Field), dir))
			continue
		}
		ref, refParams, err := c.eavCondRef(item.Field, false)
		if err != nil {
			return "", err
		}
		c.params = append(c.params, refParams...)
		parts = append(parts, fmt.Sprintf("%s %s", ref, dir))
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// hasTemporalRange reports whether any queried type declares a
// temporal_range field with a concrete value shape.
func (c *compiler) hasTemporalRange() bool {
	for _, t := range c.types {
		if fd, ok := c.reg.Field(t, "temporal_range"); ok && fd.Type == schema.TypeJSON {
			return true
		}
	}
	return false
}

func (c *compiler) fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func literalParam(v Literal) any {
	switch {
	case v.Str != nil:
		return *v.Str
	case v.Num != nil:
		return *v.Num
	case v.Bool != nil:
		if *v.Bool {
			return 1
		}
		return 0
	default:
		return nil
	}
}

// quoteIdent wraps an output column name in double quotes, doubling any
// embedded quote so aliases can never break out of the identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// sanitizeIdent strips everything but identifier characters; used where a
// name becomes part of an internal SQL alias or a CASE label.
func sanitizeIdent(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
