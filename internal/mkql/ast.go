// Package mkql implements the MKB query language: a hand-written lexer and
// recursive-descent parser producing an AST, a type-check pass against the
// schema registry, and a compiler emitting parameterised SQL plus optional
// vector and link-traversal steps.
package mkql

import "time"

// Query is a parsed MKQL SELECT statement.
type Query struct {
	Select  []SelectItem
	Star    bool
	Types   []string
	AllWild bool // FROM *

	Where   Expr // nil when absent
	Links   []LinkClause
	OrderBy []OrderItem
	Limit   *int
	Offset  *int
	Context *ContextOpts

	// History disables the implicit LATEST() filter.
	History bool
	// AsOf materialises the vault at a point in time.
	AsOf *time.Time
}

// ComputedKind names the computed identifiers usable in field lists.
type ComputedKind string

const (
	ComputedNone          ComputedKind = ""
	ComputedConfidence    ComputedKind = "CONFIDENCE"
	ComputedFreshness     ComputedKind = "FRESHNESS"
	ComputedRelevance     ComputedKind = "RELEVANCE"
	ComputedEffConfidence ComputedKind = "EFF_CONFIDENCE"
	ComputedAge           ComputedKind = "AGE"
)

// SelectItem is one entry in the field list: a plain identifier, a path
// expression, an aggregate application, or a computed identifier.
type SelectItem struct {
	Name     string // identifier or path expression "a.b"
	Alias    string
	Computed ComputedKind
	// Agg holds an aggregate function name (COUNT, SUM, AVG, MIN, MAX)
	// applied to Name; UNNEST lifts field_arrays rows.
	Agg string
}

// OrderItem is one ORDER BY entry.
type OrderItem struct {
	Field string
	Desc  bool
}

// LinkClause is one `[rel] -> type [AS alias]` (forward) or
// `[rel] <- type [AS alias]` (reverse) traversal.
type LinkClause struct {
	Rel     string // empty matches any rel
	Type    string
	Alias   string
	Reverse bool
}

// ContextOpts carries the CONTEXT clause options.
type ContextOpts struct {
	Window int    // token budget
	Format string // full | summary | frontmatter | snippet
	Embed  bool
}

// Expr is a boolean condition tree node.
type Expr interface{ exprNode() }

// BinaryExpr combines two conditions with AND / OR.
type BinaryExpr struct {
	Op   string // "AND" | "OR"
	L, R Expr
}

// NotExpr negates a condition.
type NotExpr struct{ X Expr }

// CompOp is a comparison operator.
type CompOp string

const (
	OpEq  CompOp = "="
	OpNeq CompOp = "!="
	OpLt  CompOp = "<"
	OpLte CompOp = "<="
	OpGt  CompOp = ">"
	OpGte CompOp = ">="
)

// Literal is a literal value in a predicate.
type Literal struct {
	Str    *string
	Num    *float64
	Bool   *bool
	IsNull bool
}

// Comparison is `field <op> literal`. Field may be a computed identifier
// call such as EFF_CONFIDENCE() or AGE(f).
type Comparison struct {
	Field    string
	Computed ComputedKind
	Op       CompOp
	Value    Literal
}

// InList is `field IN (v1, v2, ...)`.
type InList struct {
	Field  string
	Values []Literal
}

// IsNull is `field IS [NOT] NULL`.
type IsNull struct {
	Field  string
	Negate bool
}

// Contains is `field CONTAINS 'term'` (substring; on tags it compiles to a
// LIKE match for the quoted tag in the stored JSON tag list, not to FTS).
type Contains struct {
	Field string
	Term  string
}

// Matches is `field MATCHES 'regex'`; evaluated as a post-filter.
type Matches struct {
	Field   string
	Pattern string
}

// BodyContains is `BODY CONTAINS 'term'` (full-text).
type BodyContains struct{ Term string }

// Near is `NEAR('text', threshold)`: vector KNN intersected with the SQL
// candidate set.
type Near struct {
	Text      string
	Threshold float64
}

// Linked is `LINKED('rel')`, `LINKED('rel', 'target')`, or the REVERSE
// forms; Depth > 1 compiles to a recursive CTE bounded by the depth cap.
type Linked struct {
	Rel     string
	Target  string
	Reverse bool
	Depth   int
}

// Implicit is `IMPLICIT('tag')`: membership in the extracted tag set.
type Implicit struct{ Tag string }

// Fresh is `FRESH('7d')`.
type Fresh struct{ Within time.Duration }

// Stale is `STALE()`: effective confidence below 0.3.
type Stale struct{}

// Expired is `EXPIRED()`.
type Expired struct{}

// Current is `CURRENT()`.
type Current struct{}

// Latest is `LATEST()`.
type Latest struct{}

// During is `DURING(start, end)` over observed_at.
type During struct{ Start, End time.Time }

// Overlaps is `OVERLAPS(start, end)`: resolved against a temporal_range
// field when the schema declares one, else against the observed_at point.
type Overlaps struct{ Start, End time.Time }

func (*BinaryExpr) exprNode()   {}
func (*NotExpr) exprNode()      {}
func (*Comparison) exprNode()   {}
func (*InList) exprNode()       {}
func (*IsNull) exprNode()       {}
func (*Contains) exprNode()     {}
func (*Matches) exprNode()      {}
func (*BodyContains) exprNode() {}
func (*Near) exprNode()         {}
func (*Linked) exprNode()       {}
func (*Implicit) exprNode()     {}
func (*Fresh) exprNode()        {}
func (*Stale) exprNode()        {}
func (*Expired) exprNode()      {}
func (*Current) exprNode()      {}
func (*Latest) exprNode()       {}
func (*During) exprNode()       {}
func (*Overlaps) exprNode()     {}

// Walk visits every node of a condition tree, predicates included.
func Walk(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch n := e.(type) {
	case *BinaryExpr:
		Walk(n.L, fn)
		Walk(n.R, fn)
	case *NotExpr:
		Walk(n.X, fn)
	}
}
