package models

import "testing"

func TestGenerateID(t *testing.T) {
	if got := GenerateID("project", "Alpha Project", 1); got != "proj-alpha-project-001" {
		t.Errorf("id = %q", got)
	}
	if got := GenerateID("meeting", "Sprint Review Q4", 42); got != "meet-sprint-review-q4-042" {
		t.Errorf("id = %q", got)
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Alpha Project":           "alpha-project",
		"Sprint Review Q4 Extras": "sprint-review-q4",
		"  !!weird--chars!!  ":    "weird-chars",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrecision_Multipliers(t *testing.T) {
	cases := map[Precision]float64{
		PrecisionExact:       1.0,
		PrecisionDay:         0.95,
		PrecisionWeek:        0.8,
		PrecisionMonth:       0.6,
		PrecisionQuarter:     0.4,
		PrecisionApproximate: 0.3,
		PrecisionInferred:    0.2,
	}
	for p, want := range cases {
		if got := p.Multiplier(); got != want {
			t.Errorf("%s multiplier = %v, want %v", p, got, want)
		}
	}
	if Precision("bogus").Valid() {
		t.Error("bogus precision accepted")
	}
}
