package mkql

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/schema"
)

// systemColumns are document attributes addressable without a schema
// lookup, mapped to their physical columns.
var systemColumns = map[string]string{
	"id":                 "id",
	"type":               "doc_type",
	"title":              "title",
	"path":               "path",
	"observed_at":        "observed_at",
	"valid_until":        "valid_until",
	"temporal_precision": "temporal_precision",
	"occurred_at":        "occurred_at",
	"_created_at":        "created_at",
	"_modified_at":       "modified_at",
	"confidence":         "confidence",
	"source":             "source",
	"source_hash":        "source_hash",
	"provenance":         "provenance",
	"supersedes":         "supersedes",
	"superseded_by":      "superseded_by",
	"superseded_at":      "superseded_at",
	"tags":               "tags",
	"body":               "body",
}

// TypeCheck resolves field references against the registry, rejects unknown
// types and fields and type-incompatible comparisons, and returns warnings
// for predicates known to be unsatisfiable.
func TypeCheck(q *Query, reg *schema.Registry) ([]string, error) {
	var warnings []string

	types := q.Types
	if q.AllWild {
		types = reg.Types()
	}
	for _, t := range q.Types {
		if _, ok := reg.Lookup(t); !ok {
			return nil, &apperr.ParseError{
				Message:    fmt.Sprintf("unknown type %q", t),
				Suggestion: fmt.Sprintf("known types: %s", strings.Join(reg.Types(), ", ")),
			}
		}
	}

	aliases := map[string]string{}
	for _, link := range q.Links {
		if _, ok := reg.Lookup(link.Type); !ok {
			return nil, &apperr.ParseError{
				Message:    fmt.Sprintf("unknown link target type %q", link.Type),
				Suggestion: fmt.Sprintf("known types: %s", strings.Join(reg.Types(), ", ")),
			}
		}
		if link.Alias != "" {
			aliases[link.Alias] = link.Type
		}
	}

	resolve := func(field string) error {
		return resolveField(field, types, aliases, reg)
	}

	for _, item := range q.Select {
		if item.Computed != ComputedNone || (item.Agg != "" && item.Name == "*") {
			continue
		}
		if err := resolve(item.Name); err != nil {
			return nil, err
		}
	}
	for _, item := range q.OrderBy {
		if computedKind(strings.ToUpper(item.Field)) != ComputedNone {
			continue
		}
		if err := resolve(item.Field); err != nil {
			return nil, err
		}
	}

	var checkErr error
	Walk(q.Where, func(e Expr) {
		if checkErr != nil {
			return
		}
		switch pred := e.(type) {
		case *Comparison:
			if pred.Computed != ComputedNone {
				if pred.Value.Num == nil {
					checkErr = &apperr.ParseError{
						Message:    fmt.Sprintf("%s compares against a number", pred.Field),
						Suggestion: "write EFF_CONFIDENCE() > 0.5",
					}
				}
				return
			}
			if err := resolve(pred.Field); err != nil {
				checkErr = err
				return
			}
			checkErr = checkComparable(pred, types, reg)
		case *InList:
			if err := resolve(pred.Field); err != nil {
				checkErr = err
			}
		case *IsNull:
			if err := resolve(pred.Field); err != nil {
				checkErr = err
			}
		case *Contains:
			if pred.Field != "tags" {
				if err := resolve(pred.Field); err != nil {
					checkErr = err
				}
			}
		case *Matches:
			if _, err := regexp.Compile(pred.Pattern); err != nil {
				checkErr = &apperr.ParseError{
					Message:    fmt.Sprintf("invalid regular expression: %v", err),
					Suggestion: "MATCHES takes Go regexp syntax",
				}
				return
			}
			if err := resolve(pred.Field); err != nil {
				checkErr = err
			}
		}
	})
	if checkErr != nil {
		return nil, checkErr
	}

	warnings = append(warnings, unsatisfiable(q.Where)...)
	return warnings, nil
}

func resolveField(field string, types []string, aliases map[string]string, reg *schema.Registry) error {
	if base, rest, isPath := strings.Cut(field, "."); isPath {
		linkType, ok := aliases[base]
		if !ok {
			return &apperr.ParseError{
				Message:    fmt.Sprintf("unknown link alias %q in %q", base, field),
				Suggestion: "declare the alias in a LINK clause: LINK owner -> person AS p",
			}
		}
		return resolveField(rest, []string{linkType}, nil, reg)
	}

	if _, ok := systemColumns[field]; ok {
		return nil
	}
	for _, t := range types {
		if _, ok := reg.Field(t, field); ok {
			return nil
		}
	}
	return &apperr.ParseError{
		Message:    fmt.Sprintf("unknown field %q on %s", field, strings.Join(types, ", ")),
		Suggestion: "check the schema definition for the queried type",
	}
}

// checkComparable rejects comparisons whose literal cannot inhabit the
// field's declared type.
func checkComparable(pred *Comparison, types []string, reg *schema.Registry) error {
	if _, system := systemColumns[pred.Field]; system {
		return nil
	}
	for _, t := range types {
		fd, ok := reg.Field(t, pred.Field)
		if !ok {
			continue
		}
		switch {
		case fd.Type.IsNumeric() && fd.Type != schema.TypeDate && fd.Type != schema.TypeDatetime:
			if pred.Value.Str != nil {
				return &apperr.ParseError{
					Message:    fmt.Sprintf("field %q is %s but compared against a string", pred.Field, fd.Type),
					Suggestion: "drop the quotes around the value",
				}
			}
		case fd.Type == schema.TypeString || fd.Type == schema.TypeEnum || fd.Type == schema.TypeRef:
			if pred.Value.Num != nil {
				return &apperr.ParseError{
					Message:    fmt.Sprintf("field %q is %s but compared against a number", pred.Field, fd.Type),
					Suggestion: "quote the value",
				}
			}
		}
	}
	return nil
}

// unsatisfiable flags AND-conjunctions that no document can satisfy.
func unsatisfiable(e Expr) []string {
	conj := conjuncts(e)
	var has = map[string]bool{}
	for _, c := range conj {
		switch c.(type) {
		case *Fresh:
			has["fresh"] = true
		case *Expired:
			has["expired"] = true
		case *Current:
			has["current"] = true
		}
	}
	var out []string
	if has["fresh"] && has["expired"] {
		out = append(out, "FRESH(...) AND EXPIRED() cannot both hold for documents whose validity spans their observation window")
	}
	if has["current"] && has["expired"] {
		out = append(out, "CURRENT() AND EXPIRED() is unsatisfiable: CURRENT() requires valid_until in the future")
	}
	return out
}

// conjuncts flattens top-level AND chains.
func conjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if b, ok := e.(*BinaryExpr); ok && b.Op == "AND" {
		return append(conjuncts(b.L), conjuncts(b.R)...)
	}
	return []Expr{e}
}
