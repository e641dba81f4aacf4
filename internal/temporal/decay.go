// Package temporal implements the temporal gate: the single admission point
// that enforces mandatory time anchoring, computes decay, and resolves
// supersession between observations of the same logical entity.
package temporal

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/starford/mkb/internal/models"
)

// Never is the sentinel duration for profiles that do not decay or expire.
const Never = time.Duration(math.MaxInt64)

// floor below which effective confidence clamps to zero.
const confidenceFloor = 0.1

// neverExpiry stands in for "no expiry" in valid_until columns so that
// range comparisons still work.
var neverExpiry = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Profile holds the decay parameters for one document type.
type Profile struct {
	HalfLife   time.Duration
	HardExpiry time.Duration
	// PerField overrides the half-life for individual fields.
	PerField map[string]time.Duration
}

// Profiles maps document types to decay profiles. Configuration, not code.
type Profiles map[string]Profile

// DefaultProfiles returns the built-in per-type decay table.
func DefaultProfiles() Profiles {
	return Profiles{
		"project":  {HalfLife: 14 * Day, HardExpiry: 60 * Day},
		"signal":   {HalfLife: 7 * Day, HardExpiry: 30 * Day},
		"decision": {HalfLife: Never, HardExpiry: Never},
		"meeting":  {HalfLife: Never, HardExpiry: Never},
		"person":   {HalfLife: 180 * Day, HardExpiry: 365 * Day},
		"concept":  {HalfLife: 365 * Day, HardExpiry: Never},
	}
}

// Day is one nominal day.
const Day = 24 * time.Hour

// defaultProfile applies to types with no declared profile.
var defaultProfile = Profile{HalfLife: 90 * Day, HardExpiry: 180 * Day}

// For returns the profile for a document type, falling back to the default.
func (p Profiles) For(docType string) Profile {
	if prof, ok := p[docType]; ok {
		return prof
	}
	return defaultProfile
}

// EffectiveConfidence computes C0 * 2^(-(now-t0)/h), clamped to zero below
// the 0.1 floor. A never half-life leaves confidence untouched.
func EffectiveConfidence(base float64, observedAt time.Time, halfLife time.Duration, now time.Time) float64 {
	if halfLife == Never || halfLife <= 0 {
		return base
	}
	age := now.Sub(observedAt)
	if age <= 0 {
		return base
	}
	e := base * math.Exp2(-age.Hours()/halfLife.Hours())
	if e < confidenceFloor {
		return 0
	}
	return e
}

// Freshness is the scalar 1 - min(1, (now-observed_at)/hard_expiry). A
// never hard expiry keeps freshness at 1.
func Freshness(observedAt time.Time, hardExpiry time.Duration, now time.Time) float64 {
	if hardExpiry == Never || hardExpiry <= 0 {
		return 1
	}
	age := now.Sub(observedAt)
	if age <= 0 {
		return 1
	}
	f := 1 - math.Min(1, age.Hours()/hardExpiry.Hours())
	return f
}

// ComputeValidUntil derives valid_until = observed_at + hard_expiry scaled
// by the precision multiplier.
func ComputeValidUntil(observedAt time.Time, profile Profile, precision models.Precision) time.Time {
	if profile.HardExpiry == Never {
		return neverExpiry
	}
	scaled := time.Duration(float64(profile.HardExpiry) * precision.Multiplier())
	return observedAt.Add(scaled)
}

// NeverExpiry exposes the sentinel for callers comparing valid_until values.
func NeverExpiry() time.Time { return neverExpiry }

var durationPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)(s|m|h|d|w)$`)

// ParseDuration parses "30s", "15m", "12h", "14d", "2w", or "never".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "never" {
		return Never, nil
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("temporal: invalid duration %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("temporal: invalid duration %q: %w", s, err)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = Day
	case "w":
		unit = 7 * Day
	}
	return time.Duration(n * float64(unit)), nil
}

// FormatDuration renders a duration back into the config syntax.
func FormatDuration(d time.Duration) string {
	if d == Never {
		return "never"
	}
	if d%Day == 0 {
		return fmt.Sprintf("%dd", d/Day)
	}
	return d.String()
}
