package schema

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/starford/mkb/internal/apperr"
	"github.com/starford/mkb/internal/models"
)

var durationRe = regexp.MustCompile(`^\d+(\.\d+)?(s|m|h|d|w)$`)

// Validate checks a document's dynamic fields against its type's flattened
// schema. All fatal violations and all warnings are returned together; a nil
// error means the document is clean.
func Validate(doc *models.Document, reg *Registry) *apperr.ValidationError {
	fields, ok := reg.FieldsOf(doc.Type)
	if !ok {
		return &apperr.ValidationError{
			DocType: doc.Type,
			Violations: []*apperr.SchemaViolation{{
				Field:    "type",
				Rule:     "known_type",
				Message:  fmt.Sprintf("unknown document type %q", doc.Type),
				Severity: apperr.SeverityFatal,
			}},
		}
	}

	var violations []*apperr.SchemaViolation

	for name, def := range fields {
		if isSystemField(name) {
			continue
		}
		value, present := doc.Fields[name]
		if !present {
			if def.Required && def.Default == nil {
				violations = append(violations, &apperr.SchemaViolation{
					Field:    name,
					Rule:     "required",
					Message:  fmt.Sprintf("required field %q is missing", name),
					Severity: apperr.SeverityFatal,
				})
			}
			continue
		}
		if v := checkType(name, def, value); v != nil {
			violations = append(violations, v)
		}
	}

	for _, rule := range inheritedRules(doc.Type, reg) {
		if v := checkRule(doc, rule); v != nil {
			violations = append(violations, v)
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &apperr.ValidationError{DocType: doc.Type, Violations: violations}
}

// ApplyDefaults fills absent fields that declare a default value.
func ApplyDefaults(doc *models.Document, reg *Registry) {
	fields, ok := reg.FieldsOf(doc.Type)
	if !ok {
		return
	}
	for name, def := range fields {
		if isSystemField(name) || def.Default == nil {
			continue
		}
		if _, present := doc.Fields[name]; !present {
			doc.Fields[name] = def.Default
		}
	}
}

// isSystemField marks frontmatter keys validated by the temporal gate
// rather than the schema field loop.
func isSystemField(name string) bool {
	switch name {
	case "observed_at", "valid_until", "temporal_precision", "occurred_at",
		"source", "source_hash", "provenance", "confidence":
		return true
	}
	return false
}

func inheritedRules(docType string, reg *Registry) []Rule {
	var rules []Rule
	seen := map[string]bool{}
	cur := docType
	for cur != "" && !seen[cur] {
		seen[cur] = true
		def, ok := reg.Lookup(cur)
		if !ok {
			break
		}
		rules = append(rules, def.Validation...)
		if cur == baseName {
			break
		}
		if def.Extends != "" {
			cur = def.Extends
		} else {
			cur = baseName
		}
	}
	return rules
}

func checkType(name string, def FieldDef, value any) *apperr.SchemaViolation {
	fatal := func(rule, msg string) *apperr.SchemaViolation {
		return &apperr.SchemaViolation{Field: name, Rule: rule, Message: msg, Severity: apperr.SeverityFatal}
	}

	switch def.Type {
	case TypeString, TypeRef:
		if _, ok := value.(string); !ok {
			return fatal("type", fmt.Sprintf("expected %s, got %T", def.Type, value))
		}
	case TypeInteger:
		switch value.(type) {
		case int, int64:
		default:
			return fatal("type", fmt.Sprintf("expected integer, got %T", value))
		}
	case TypeFloat:
		switch value.(type) {
		case float64, int, int64:
		default:
			return fatal("type", fmt.Sprintf("expected float, got %T", value))
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fatal("type", fmt.Sprintf("expected boolean, got %T", value))
		}
	case TypeDate, TypeDatetime:
		if !isTimestamp(value) {
			return fatal("type", fmt.Sprintf("expected %s, got %v", def.Type, value))
		}
	case TypeDuration:
		s, ok := value.(string)
		if !ok || !durationRe.MatchString(s) {
			return fatal("type", fmt.Sprintf("expected duration like 7d or 90m, got %v", value))
		}
	case TypeEnum:
		s, ok := value.(string)
		if !ok {
			return fatal("type", fmt.Sprintf("expected enum string, got %T", value))
		}
		for _, allowed := range def.EnumValues {
			if s == allowed {
				return nil
			}
		}
		return fatal("enum", fmt.Sprintf("value %q not in %v", s, def.EnumValues))
	case TypeRefArray, TypeStringArray:
		items, ok := value.([]any)
		if !ok {
			return fatal("type", fmt.Sprintf("expected array, got %T", value))
		}
		for _, item := range items {
			if _, ok := item.(string); !ok {
				return fatal("type", fmt.Sprintf("array element %v is not a string", item))
			}
		}
	case TypeMap:
		m, ok := value.(map[string]any)
		if !ok {
			return fatal("type", fmt.Sprintf("expected map, got %T", value))
		}
		for k, v := range m {
			if _, ok := v.(string); !ok {
				return fatal("type", fmt.Sprintf("map value for %q is not a string", k))
			}
		}
	case TypeJSON:
		// Anything representable in YAML is acceptable.
	}
	return nil
}

func isTimestamp(value any) bool {
	switch v := value.(type) {
	case time.Time:
		return true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if _, err := time.Parse(layout, v); err == nil {
				return true
			}
		}
	}
	return false
}

// checkRule evaluates one cross-field rule. Supported shapes:
//
//	a <op> b               field-to-field comparison (>=, <=, >, <, =, !=)
//	required_with(a, b)    if a is set, b must be set too
func checkRule(doc *models.Document, rule Rule) *apperr.SchemaViolation {
	sev := apperr.SeverityFatal
	if rule.Severity == "warning" {
		sev = apperr.SeverityWarning
	}
	violation := func(field string) *apperr.SchemaViolation {
		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf("rule %q failed", rule.Expr)
		}
		return &apperr.SchemaViolation{Field: field, Rule: rule.Expr, Message: msg, Severity: sev}
	}

	expr := strings.TrimSpace(rule.Expr)

	if strings.HasPrefix(expr, "required_with(") && strings.HasSuffix(expr, ")") {
		args := strings.Split(expr[len("required_with("):len(expr)-1], ",")
		if len(args) != 2 {
			return violation(expr)
		}
		a, b := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
		if _, aSet := doc.Fields[a]; aSet {
			if _, bSet := doc.Fields[b]; !bSet {
				return violation(b)
			}
		}
		return nil
	}

	for _, op := range []string{">=", "<=", "!=", ">", "<", "="} {
		if left, right, found := strings.Cut(expr, op); found {
			a := strings.TrimSpace(left)
			b := strings.TrimSpace(right)
			av, aOK := fieldValue(doc, a)
			bv, bOK := fieldValue(doc, b)
			if !aOK || !bOK {
				// Absent operands do not trip comparison rules.
				return nil
			}
			cmp, comparable := compareValues(av, bv)
			if !comparable {
				return violation(a)
			}
			if !opHolds(op, cmp) {
				return violation(a)
			}
			return nil
		}
	}
	return nil
}

func fieldValue(doc *models.Document, name string) (any, bool) {
	switch name {
	case "observed_at":
		return doc.Temporal.ObservedAt, !doc.Temporal.ObservedAt.IsZero()
	case "valid_until":
		return doc.Temporal.ValidUntil, !doc.Temporal.ValidUntil.IsZero()
	case "confidence":
		return doc.Confidence, true
	}
	v, ok := doc.Fields[name]
	return v, ok
}

func compareValues(a, b any) (int, bool) {
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Compare(bt), true
		}
		return 0, false
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
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

func opHolds(op string, cmp int) bool {
	switch op {
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	}
	return false
}
