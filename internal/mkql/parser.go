package mkql

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/temporal"
)

// Parse turns an MKQL string into an AST. Errors carry the byte offset of
// the offending token and a suggestion where one is known.
func Parse(input string) (*Query, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errf(p.peek(), fmt.Sprintf("unexpected %q after end of query", p.peek().text), "")
	}
	return q, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }
func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.isKeyword(kw) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errf(p.peek(), fmt.Sprintf("expected %s, found %q", kw, p.peek().text), "")
	}
	return nil
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return token{}, p.errf(t, fmt.Sprintf("expected %s, found %q", what, t.text), "")
	}
	return p.advance(), nil
}

func (p *parser) errf(t token, msg, suggestion string) error {
	return &apperr.ParseError{Offset: t.offset, Message: msg, Suggestion: suggestion}
}

func (p *parser) parseQuery() (*Query, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	q := &Query{}

	if err := p.parseFieldList(q); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	if err := p.parseTypeList(q); err != nil {
		return nil, err
	}

	if p.acceptKeyword("WHERE") {
		expr, err := p.parseOr(q)
		if err != nil {
			return nil, err
		}
		q.Where = expr
	}

	if p.acceptKeyword("LINK") {
		if err := p.parseLinkClauses(q); err != nil {
			return nil, err
		}
	}

	if p.isKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		if err := p.parseOrderBy(q); err != nil {
			return nil, err
		}
	}

	if p.acceptKeyword("LIMIT") {
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		q.Limit = &n
	}
	if p.acceptKeyword("OFFSET") {
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		q.Offset = &n
	}

	if p.acceptKeyword("CONTEXT") {
		if err := p.parseContextOpts(q); err != nil {
			return nil, err
		}
	}

	return q, nil
}

func (p *parser) parseFieldList(q *Query) error {
	if p.peek().kind == tokStar {
		p.advance()
		q.Star = true
		return nil
	}
	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return err
		}
		q.Select = append(q.Select, *item)
		if p.peek().kind != tokComma {
			return nil
		}
		p.advance()
	}
}

var aggregates = map[string]bool{"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true, "UNNEST": true}

func (p *parser) parseSelectItem() (*SelectItem, error) {
	t, err := p.expect(tokIdent, "field name")
	if err != nil {
		return nil, err
	}
	item := &SelectItem{Name: t.text}

	upper := strings.ToUpper(t.text)
	if aggregates[upper] && p.peek().kind == tokLParen {
		p.advance()
		item.Agg = upper
		if p.peek().kind == tokStar {
			p.advance()
			item.Name = "*"
		} else {
			arg, err := p.expect(tokIdent, "aggregate argument")
			if err != nil {
				return nil, err
			}
			item.Name = arg.text
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
	} else if computed := computedKind(upper); computed != ComputedNone {
		item.Computed = computed
		item.Name = strings.ToLower(upper)
		// Optional empty call parens, AGE takes a field argument.
		if p.peek().kind == tokLParen {
			p.advance()
			if computed == ComputedAge && p.peek().kind == tokIdent {
				arg := p.advance()
				item.Name = "age_" + arg.text
				item.Alias = item.Name
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, err
			}
		}
	} else {
		// Path expression a.b
		for p.peek().kind == tokDot {
			p.advance()
			part, err := p.expect(tokIdent, "path segment")
			if err != nil {
				return nil, err
			}
			item.Name += "." + part.text
		}
	}

	if p.acceptKeyword("AS") {
		alias, err := p.expect(tokIdent, "alias")
		if err != nil {
			return nil, err
		}
		item.Alias = alias.text
	}
	return item, nil
}

func computedKind(upper string) ComputedKind {
	switch upper {
	case "CONFIDENCE":
		return ComputedConfidence
	case "FRESHNESS":
		return ComputedFreshness
	case "RELEVANCE":
		return ComputedRelevance
	case "EFF_CONFIDENCE":
		return ComputedEffConfidence
	case "AGE":
		return ComputedAge
	}
	return ComputedNone
}

func (p *parser) parseTypeList(q *Query) error {
	if p.peek().kind == tokStar {
		p.advance()
		q.AllWild = true
		return nil
	}
	for {
		t, err := p.expect(tokIdent, "type name")
		if err != nil {
			return err
		}
		q.Types = append(q.Types, t.text)
		if p.peek().kind != tokComma {
			return nil
		}
		p.advance()
	}
}

// parseOr handles the lowest-precedence boolean level: NOT > AND > OR.
func (p *parser) parseOr(q *Query) (Expr, error) {
	left, err := p.parseAnd(q)
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		right, err := p.parseAnd(q)
		if err != nil {
			return nil, err
		}
		left = joinExpr("OR", left, right)
	}
	return left, nil
}

func (p *parser) parseAnd(q *Query) (Expr, error) {
	left, err := p.parseNot(q)
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		right, err := p.parseNot(q)
		if err != nil {
			return nil, err
		}
		left = joinExpr("AND", left, right)
	}
	return left, nil
}

// joinExpr tolerates nil operands left behind by clause-level flags
// (HISTORY, AS OF) that parse inside the condition but live on the query.
func joinExpr(op string, l, r Expr) Expr {
	if l == nil {
		return r
	}
	if r == nil {
		return l
	}
	return &BinaryExpr{Op: op, L: l, R: r}
}

func (p *parser) parseNot(q *Query) (Expr, error) {
	if p.acceptKeyword("NOT") {
		inner, err := p.parseNot(q)
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, p.errf(p.peek(), "NOT applied to a clause-level flag", "HISTORY and AS OF cannot be negated")
		}
		return &NotExpr{X: inner}, nil
	}
	return p.parsePrimary(q)
}

func (p *parser) parsePrimary(q *Query) (Expr, error) {
	if p.peek().kind == tokLParen {
		p.advance()
		inner, err := p.parseOr(q)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	t := p.peek()
	if t.kind != tokIdent {
		return nil, p.errf(t, fmt.Sprintf("expected predicate, found %q", t.text), "")
	}

	upper := strings.ToUpper(t.text)
	switch upper {
	case "BODY":
		p.advance()
		if err := p.expectKeyword("CONTAINS"); err != nil {
			return nil, err
		}
		term, err := p.expect(tokString, "search term")
		if err != nil {
			return nil, err
		}
		return &BodyContains{Term: term.text}, nil

	case "NEAR":
		return p.parseNear()
	case "LINKED":
		return p.parseLinked()
	case "IMPLICIT":
		p.advance()
		args, err := p.parseStringArgs(1)
		if err != nil {
			return nil, err
		}
		return &Implicit{Tag: args[0]}, nil
	case "FRESH":
		p.advance()
		args, err := p.parseStringArgs(1)
		if err != nil {
			return nil, err
		}
		d, err := temporal.ParseDuration(args[0])
		if err != nil {
			return nil, p.errf(t, err.Error(), "durations look like '7d', '12h', or '30m'")
		}
		return &Fresh{Within: d}, nil
	case "STALE":
		p.advance()
		if err := p.parseEmptyCall(); err != nil {
			return nil, err
		}
		return &Stale{}, nil
	case "EXPIRED":
		p.advance()
		if err := p.parseEmptyCall(); err != nil {
			return nil, err
		}
		return &Expired{}, nil
	case "CURRENT":
		p.advance()
		if err := p.parseEmptyCall(); err != nil {
			return nil, err
		}
		return &Current{}, nil
	case "LATEST":
		p.advance()
		if err := p.parseEmptyCall(); err != nil {
			return nil, err
		}
		return &Latest{}, nil
	case "DURING":
		p.advance()
		start, end, err := p.parseTimeRange()
		if err != nil {
			return nil, err
		}
		return &During{Start: start, End: end}, nil
	case "OVERLAPS":
		p.advance()
		start, end, err := p.parseTimeRange()
		if err != nil {
			return nil, err
		}
		return &Overlaps{Start: start, End: end}, nil
	case "AS":
		// AS OF datetime: clause-level flag parsed in condition position.
		p.advance()
		if err := p.expectKeyword("OF"); err != nil {
			return nil, err
		}
		ts, err := p.expect(tokString, "datetime")
		if err != nil {
			return nil, err
		}
		at, err := parseTimestamp(ts.text)
		if err != nil {
			return nil, p.errf(ts, err.Error(), "use an RFC 3339 datetime like '2025-02-10T00:00:00Z'")
		}
		q.AsOf = &at
		return nil, nil
	case "HISTORY":
		p.advance()
		q.History = true
		return nil, nil
	case "EFF_CONFIDENCE", "CONFIDENCE", "FRESHNESS", "RELEVANCE", "AGE":
		return p.parseComputedComparison(upper)
	}

	return p.parseFieldPredicate()
}

func (p *parser) parseEmptyCall() error {
	if p.peek().kind == tokLParen {
		p.advance()
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseStringArgs(n int) ([]string, error) {
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}
	var out []string
	for i := 0; i < n; i++ {
		if i > 0 {
			if _, err := p.expect(tokComma, ","); err != nil {
				return nil, err
			}
		}
		s, err := p.expect(tokString, "string argument")
		if err != nil {
			return nil, err
		}
		out = append(out, s.text)
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseTimeRange() (time.Time, time.Time, error) {
	args, err := p.parseStringArgs(2)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, err := parseTimestamp(args[0])
	if err != nil {
		return time.Time{}, time.Time{}, &apperr.ParseError{Offset: p.peek().offset, Message: err.Error(), Suggestion: "use an RFC 3339 datetime or a date like '2025-02-10'"}
	}
	end, err := parseTimestamp(args[1])
	if err != nil {
		return time.Time{}, time.Time{}, &apperr.ParseError{Offset: p.peek().offset, Message: err.Error(), Suggestion: "use an RFC 3339 datetime or a date like '2025-02-10'"}
	}
	return start, end, nil
}

func (p *parser) parseNear() (Expr, error) {
	p.advance()
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}
	text, err := p.expect(tokString, "query text")
	if err != nil {
		return nil, err
	}
	threshold := 0.7
	if p.peek().kind == tokComma {
		p.advance()
		num, err := p.expect(tokNumber, "threshold")
		if err != nil {
			return nil, err
		}
		threshold, err = strconv.ParseFloat(num.text, 64)
		if err != nil {
			return nil, p.errf(num, "invalid threshold", "")
		}
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	return &Near{Text: text.text, Threshold: threshold}, nil
}

func (p *parser) parseLinked() (Expr, error) {
	p.advance()
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}
	linked := &Linked{Depth: 1}
	if p.isKeyword("REVERSE") {
		p.advance()
		linked.Reverse = true
		if _, err := p.expect(tokComma, ","); err != nil {
			return nil, err
		}
	}
	rel, err := p.expect(tokString, "relationship")
	if err != nil {
		return nil, err
	}
	linked.Rel = rel.text
	for p.peek().kind == tokComma {
		p.advance()
		switch p.peek().kind {
		case tokString:
			linked.Target = p.advance().text
		case tokNumber:
			depth, err := strconv.Atoi(p.advance().text)
			if err != nil || depth < 1 {
				return nil, p.errf(p.peek(), "invalid link depth", "depth must be a positive integer")
			}
			linked.Depth = depth
		default:
			return nil, p.errf(p.peek(), "expected link target or depth", "")
		}
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	return linked, nil
}

func (p *parser) parseComputedComparison(upper string) (Expr, error) {
	t := p.advance()
	computed := computedKind(upper)
	field := strings.ToLower(upper)

	if p.peek().kind == tokLParen {
		p.advance()
		if computed == ComputedAge && p.peek().kind == tokIdent {
			arg := p.advance()
			field = arg.text
		}
		// EFF_CONFIDENCE(> 0.5) shorthand.
		if p.peek().kind == tokOp {
			op := CompOp(p.advance().text)
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, err
			}
			return &Comparison{Field: field, Computed: computed, Op: op, Value: lit}, nil
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
	}

	if p.peek().kind != tokOp {
		return nil, p.errf(t, fmt.Sprintf("%s needs a comparison", upper), fmt.Sprintf("write %s() > 0.5", upper))
	}
	op := CompOp(p.advance().text)
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &Comparison{Field: field, Computed: computed, Op: op, Value: lit}, nil
}

func (p *parser) parseFieldPredicate() (Expr, error) {
	fieldTok, err := p.expect(tokIdent, "field name")
	if err != nil {
		return nil, err
	}
	field := fieldTok.text
	for p.peek().kind == tokDot {
		p.advance()
		part, err := p.expect(tokIdent, "path segment")
		if err != nil {
			return nil, err
		}
		field += "." + part.text
	}

	switch {
	case p.isKeyword("IN"):
		p.advance()
		if _, err := p.expect(tokLParen, "("); err != nil {
			return nil, err
		}
		var values []Literal
		for {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			values = append(values, lit)
			if p.peek().kind != tokComma {
				break
			}
			p.advance()
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return &InList{Field: field, Values: values}, nil

	case p.isKeyword("IS"):
		p.advance()
		negate := p.acceptKeyword("NOT")
		if err := p.expectKeyword("NULL"); err != nil {
			return nil, err
		}
		return &IsNull{Field: field, Negate: negate}, nil

	case p.isKeyword("CONTAINS"):
		p.advance()
		term, err := p.expect(tokString, "search term")
		if err != nil {
			return nil, err
		}
		return &Contains{Field: field, Term: term.text}, nil

	case p.isKeyword("MATCHES"):
		p.advance()
		pattern, err := p.expect(tokString, "regular expression")
		if err != nil {
			return nil, err
		}
		return &Matches{Field: field, Pattern: pattern.text}, nil

	case p.isKeyword("LIKE"):
		p.advance()
		pattern, err := p.expect(tokString, "pattern")
		if err != nil {
			return nil, err
		}
		return &Contains{Field: field, Term: strings.Trim(pattern.text, "%")}, nil

	case p.peek().kind == tokOp:
		op := CompOp(p.advance().text)
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &Comparison{Field: field, Op: op, Value: lit}, nil
	}

	return nil, p.errf(p.peek(), fmt.Sprintf("expected operator after field %q", field), "")
}

func (p *parser) parseLiteral() (Literal, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.advance()
		s := t.text
		return Literal{Str: &s}, nil
	case tokNumber:
		p.advance()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Literal{}, p.errf(t, "invalid number", "")
		}
		return Literal{Num: &n}, nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			p.advance()
			b := true
			return Literal{Bool: &b}, nil
		case "FALSE":
			p.advance()
			b := false
			return Literal{Bool: &b}, nil
		case "NULL":
			p.advance()
			return Literal{IsNull: true}, nil
		}
	}
	return Literal{}, p.errf(t, fmt.Sprintf("expected literal, found %q", t.text), "string literals use single quotes")
}

func (p *parser) parseLinkClauses(q *Query) error {
	for {
		var clause LinkClause
		// Optional rel name before the arrow.
		if p.peek().kind == tokIdent && !p.isKeyword("ORDER") && !p.isKeyword("LIMIT") &&
			!p.isKeyword("OFFSET") && !p.isKeyword("CONTEXT") {
			clause.Rel = p.advance().text
		} else if p.peek().kind == tokString {
			clause.Rel = p.advance().text
		}

		switch p.peek().kind {
		case tokArrowF:
			p.advance()
		case tokArrowR:
			p.advance()
			clause.Reverse = true
		default:
			return p.errf(p.peek(), "expected -> or <- in link clause", "write LINK owner -> person")
		}

		typ, err := p.expect(tokIdent, "link target type")
		if err != nil {
			return err
		}
		clause.Type = typ.text

		if p.acceptKeyword("AS") {
			alias, err := p.expect(tokIdent, "alias")
			if err != nil {
				return err
			}
			clause.Alias = alias.text
		}
		q.Links = append(q.Links, clause)

		if p.peek().kind != tokComma {
			return nil
		}
		p.advance()
	}
}

func (p *parser) parseOrderBy(q *Query) error {
	for {
		t, err := p.expect(tokIdent, "order field")
		if err != nil {
			return err
		}
		item := OrderItem{Field: t.text}
		if p.acceptKeyword("DESC") {
			item.Desc = true
		} else {
			p.acceptKeyword("ASC")
		}
		q.OrderBy = append(q.OrderBy, item)
		if p.peek().kind != tokComma {
			return nil
		}
		p.advance()
	}
}

func (p *parser) parseContextOpts(q *Query) error {
	opts := &ContextOpts{Format: "full"}
	for {
		switch {
		case p.acceptKeyword("WINDOW"):
			n, err := p.parseInt()
			if err != nil {
				return err
			}
			opts.Window = n
		case p.acceptKeyword("FORMAT"):
			t, err := p.expect(tokIdent, "format")
			if err != nil {
				return err
			}
			format := strings.ToLower(t.text)
			switch format {
			case "full", "summary", "frontmatter", "snippet":
				opts.Format = format
			default:
				return p.errf(t, fmt.Sprintf("unknown format %q", t.text), "formats: full, summary, frontmatter, snippet")
			}
		case p.acceptKeyword("EMBED"):
			t, err := p.expect(tokIdent, "true or false")
			if err != nil {
				return err
			}
			opts.Embed = strings.EqualFold(t.text, "true")
		default:
			q.Context = opts
			return nil
		}
	}
}

func (p *parser) parseInt() (int, error) {
	t, err := p.expect(tokNumber, "number")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(t.text)
	if err != nil {
		return 0, p.errf(t, "expected an integer", "")
	}
	return n, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", s)
}
