package mkql

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/mkb/internal/schema"
	"github.com/starford/mkb/internal/temporal"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Load(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func compileQuery(t *testing.T, input string) *Plan {
	t.Helper()
	reg := testRegistry(t)
	q, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := TypeCheck(q, reg); err != nil {
		t.Fatalf("TypeCheck: %v", err)
	}
	plan, err := Compile(q, reg, temporal.DefaultProfiles(), testNow, DefaultOptions())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return plan
}

func TestCompile_ParameterisesEverything(t *testing.T) {
	// The classic injection probe must end up as a bound parameter, never
	// inside the SQL text.
	attack := "a'; DROP TABLE documents;--"
	plan := compileQuery(t, `SELECT title FROM project WHERE owner = 'a''; DROP TABLE documents;--'`)

	if strings.Contains(plan.SQL, "DROP TABLE") {
		t.Fatalf("attack string leaked into SQL: %s", plan.SQL)
	}
	found := false
	for _, p := range plan.Params {
		if s, ok := p.(string); ok && s == attack {
			found = true
		}
	}
	if !found {
		t.Errorf("attack string not in params: %v", plan.Params)
	}
}

func TestCompile_NoLiteralUserInputInSQL(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project WHERE status = 'active' AND owner IN ('jane', 'omar') AND title CONTAINS 'alpha'`)
	for _, probe := range []string{"active", "jane", "omar", "alpha"} {
		if strings.Contains(plan.SQL, probe) {
			t.Errorf("user literal %q appears in SQL: %s", probe, plan.SQL)
		}
	}
}

func TestCompile_ImplicitLatest(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project`)
	if !strings.Contains(plan.SQL, "d.superseded_by IS NULL") {
		t.Errorf("implicit LATEST missing: %s", plan.SQL)
	}
	// But no silent expiry filtering.
	if strings.Contains(plan.SQL, "valid_until >=") {
		t.Errorf("implicit CURRENT leaked in: %s", plan.SQL)
	}
}

func TestCompile_HistoryDisablesImplicitLatest(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project WHERE HISTORY`)
	if strings.Contains(plan.SQL, "superseded_by IS NULL") {
		t.Errorf("HISTORY still filters versions: %s", plan.SQL)
	}
}

func TestCompile_Current(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project WHERE CURRENT()`)
	if !strings.Contains(plan.SQL, "d.superseded_by IS NULL AND d.valid_until >= ?") {
		t.Errorf("CURRENT compilation: %s", plan.SQL)
	}
}

func TestCompile_CurrentEqualsLatestPlusExpiry(t *testing.T) {
	// CURRENT() must compile to the conjunction of LATEST() and the
	// expiry bound, so the two paths agree.
	current := compileQuery(t, `SELECT title FROM project WHERE CURRENT()`)
	latest := compileQuery(t, `SELECT title FROM project WHERE LATEST()`)

	if !strings.Contains(latest.SQL, "d.superseded_by IS NULL") {
		t.Fatalf("LATEST compilation: %s", latest.SQL)
	}
	if !strings.Contains(current.SQL, "d.superseded_by IS NULL") ||
		!strings.Contains(current.SQL, "d.valid_until >= ?") {
		t.Fatalf("CURRENT is not LATEST plus the expiry bound: %s", current.SQL)
	}
}

func TestCompile_Fresh(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project WHERE FRESH('7d')`)
	if !strings.Contains(plan.SQL, "d.observed_at >= ?") {
		t.Errorf("FRESH compilation: %s", plan.SQL)
	}
	cutoff := testNow.Add(-7 * temporal.Day).Format(time.RFC3339)
	found := false
	for _, p := range plan.Params {
		if p == cutoff {
			found = true
		}
	}
	if !found {
		t.Errorf("cutoff %s not in params %v", cutoff, plan.Params)
	}
}

func TestCompile_StaleUsesDecayFunction(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project WHERE STALE()`)
	if !strings.Contains(plan.SQL, "mkb_eff_confidence(") || !strings.Contains(plan.SQL, "< 0.3") {
		t.Errorf("STALE compilation: %s", plan.SQL)
	}
}

func TestCompile_AsOf(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project WHERE AS OF '2025-02-10T00:00:00Z'`)
	if !strings.Contains(plan.SQL, "document_versions") {
		t.Errorf("AS OF does not consult the version chain: %s", plan.SQL)
	}
	if strings.Contains(plan.SQL, "superseded_by IS NULL") {
		t.Errorf("AS OF still applies LATEST: %s", plan.SQL)
	}
}

func TestCompile_BodyContains(t *testing.T) {
	reg := testRegistry(t)
	q, err := Parse(`SELECT title FROM project WHERE BODY CONTAINS 'rollout'`)
	if err != nil {
		t.Fatal(err)
	}

	withFTS := DefaultOptions()
	plan, err := Compile(q, reg, temporal.DefaultProfiles(), testNow, withFTS)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan.SQL, "content_fts MATCH ?") {
		t.Errorf("FTS compilation: %s", plan.SQL)
	}

	withoutFTS := DefaultOptions()
	withoutFTS.FTSAvailable = false
	plan, err = Compile(q, reg, temporal.DefaultProfiles(), testNow, withoutFTS)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan.SQL, "d.body LIKE ?") {
		t.Errorf("LIKE fallback: %s", plan.SQL)
	}
}

func TestCompile_NearBecomesVectorStep(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project WHERE NEAR('distributed systems', 0.8) AND status = 'active'`)
	if plan.VectorStep == nil {
		t.Fatal("no vector step")
	}
	if plan.VectorStep.Text != "distributed systems" || plan.VectorStep.Threshold != 0.8 {
		t.Errorf("vector step = %+v", plan.VectorStep)
	}
	if strings.Contains(plan.SQL, "distributed") {
		t.Errorf("NEAR text leaked into SQL: %s", plan.SQL)
	}
	// The field predicate still compiles.
	if !strings.Contains(plan.SQL, "field_values") {
		t.Errorf("field predicate lost: %s", plan.SQL)
	}
}

func TestCompile_LinkedSingleHop(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project WHERE LINKED('owner', 'pers-x-001')`)
	if !strings.Contains(plan.SQL, "SELECT source_id FROM links WHERE rel = ? AND target_id = ?") {
		t.Errorf("LINKED compilation: %s", plan.SQL)
	}
}

func TestCompile_LinkedMultiHopUsesRecursiveCTE(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project WHERE LINKED('blocked_by', 'proj-root-001', 3)`)
	if !strings.Contains(plan.SQL, "WITH RECURSIVE") {
		t.Errorf("multi-hop LINKED compilation: %s", plan.SQL)
	}
}

func TestCompile_LinkedDepthCapped(t *testing.T) {
	reg := testRegistry(t)
	q, _ := Parse(`SELECT title FROM project WHERE LINKED('blocked_by', 'proj-root-001', 99)`)
	opts := DefaultOptions()
	opts.LinkDepthCap = 4
	plan, err := Compile(q, reg, temporal.DefaultProfiles(), testNow, opts)
	if err != nil {
		t.Fatal(err)
	}
	capped := false
	for _, w := range plan.Warnings {
		if strings.Contains(w, "capped") {
			capped = true
		}
	}
	if !capped {
		t.Errorf("depth cap warning missing: %v", plan.Warnings)
	}
}

func TestCompile_MatchesBecomesPostFilter(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project WHERE title MATCHES '^Alpha'`)
	if len(plan.PostFilters) != 1 || plan.PostFilters[0].Regex != "^Alpha" {
		t.Errorf("post filters = %+v", plan.PostFilters)
	}
	if strings.Contains(plan.SQL, "^Alpha") {
		t.Errorf("regex leaked into SQL: %s", plan.SQL)
	}
}

func TestCompile_EffConfidenceColumn(t *testing.T) {
	plan := compileQuery(t, `SELECT title, EFF_CONFIDENCE() FROM project`)
	if !strings.Contains(plan.SQL, "mkb_eff_confidence(d.confidence, d.observed_at, CASE d.doc_type") {
		t.Errorf("EFF_CONFIDENCE column: %s", plan.SQL)
	}
}

func TestCompile_GuardrailLimits(t *testing.T) {
	reg := testRegistry(t)
	q, _ := Parse(`SELECT title FROM project`)
	opts := DefaultOptions()
	opts.Guardrail = 500
	plan, err := Compile(q, reg, temporal.DefaultProfiles(), testNow, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan.SQL, "LIMIT 500") {
		t.Errorf("guardrail limit missing: %s", plan.SQL)
	}
	warned := false
	for _, w := range plan.Warnings {
		if strings.Contains(w, "guardrail") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("guardrail warning missing: %v", plan.Warnings)
	}
}

func TestCompile_ExplicitLimitWins(t *testing.T) {
	plan := compileQuery(t, `SELECT title FROM project LIMIT 10 OFFSET 20`)
	if !strings.Contains(plan.SQL, "LIMIT 10") || !strings.Contains(plan.SQL, "OFFSET 20") {
		t.Errorf("limit/offset: %s", plan.SQL)
	}
}

func TestCompile_Aggregates(t *testing.T) {
	plan := compileQuery(t, `SELECT type, COUNT(*) AS n FROM *`)
	if !plan.HasAgg {
		t.Fatal("aggregate not detected")
	}
	if !strings.Contains(plan.SQL, "COUNT(*)") || !strings.Contains(plan.SQL, "GROUP BY") {
		t.Errorf("aggregate SQL: %s", plan.SQL)
	}
}

func TestCompile_Unnest(t *testing.T) {
	plan := compileQuery(t, `SELECT UNNEST(attendees) AS who FROM meeting`)
	if !strings.Contains(plan.SQL, "JOIN field_arrays") {
		t.Errorf("UNNEST join missing: %s", plan.SQL)
	}
}

func TestPlanner_Strategies(t *testing.T) {
	cases := []struct {
		query string
		want  Strategy
	}{
		{`SELECT title FROM project WHERE owner = 'pers-x-001'`, StrategyField},
		{`SELECT title FROM project WHERE NEAR('systems', 0.7)`, StrategyVector},
		{`SELECT title FROM project WHERE BODY CONTAINS 'rollout'`, StrategyFTS},
		{`SELECT title FROM project WHERE NEAR('systems', 0.7) AND status = 'active'`, StrategyField},
	}
	for _, tc := range cases {
		plan := compileQuery(t, tc.query)
		if plan.Strategy != tc.want {
			t.Errorf("%s: strategy = %s, want %s", tc.query, plan.Strategy, tc.want)
		}
	}
}

func TestTypeCheck_UnknownFieldRejected(t *testing.T) {
	reg := testRegistry(t)
	q, err := Parse(`SELECT nonsense FROM project`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := TypeCheck(q, reg); err == nil {
		t.Error("unknown field passed the type check")
	}
}

func TestTypeCheck_UnknownTypeRejected(t *testing.T) {
	reg := testRegistry(t)
	q, _ := Parse(`SELECT * FROM widget`)
	if _, err := TypeCheck(q, reg); err == nil {
		t.Error("unknown type passed the type check")
	}
}

func TestTypeCheck_IncompatibleComparisonRejected(t *testing.T) {
	reg := testRegistry(t)
	q, _ := Parse(`SELECT * FROM project WHERE status = 42`)
	if _, err := TypeCheck(q, reg); err == nil {
		t.Error("number compared against enum passed the type check")
	}
}

func TestTypeCheck_UnsatisfiableWarned(t *testing.T) {
	reg := testRegistry(t)
	q, _ := Parse(`SELECT * FROM project WHERE FRESH('7d') AND EXPIRED()`)
	warnings, err := TypeCheck(q, reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) == 0 {
		t.Error("unsatisfiable conjunction not flagged")
	}
}
