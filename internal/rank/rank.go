// Package rank turns superlative phrasing ("longest run", "most recent
// ride") into a metric and selects the single top record for it.
//
// Selection is done here, never by the model: the model sees exactly one
// record for a superlative question. The phrase vocabulary is policy and
// can be replaced from configuration.
package rank

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/nugget/pacer/internal/activity"
)

// Metric is what a superlative ranks by.
type Metric int

const (
	MetricNone Metric = iota
	MetricDistance
	MetricMovingTime
	MetricSpeed
	MetricLatest
	MetricEarliest
	MetricElevation
)

var metricNames = map[Metric]string{
	MetricNone:       "",
	MetricDistance:   "distance",
	MetricMovingTime: "moving_time",
	MetricSpeed:      "speed",
	MetricLatest:     "latest",
	MetricEarliest:   "earliest",
	MetricElevation:  "elevation",
}

// String returns the tool-facing metric name.
func (m Metric) String() string { return metricNames[m] }

// MetricNames lists the accepted rank_by values, for tool schemas.
func MetricNames() []string {
	return []string{"distance", "moving_time", "speed", "latest", "earliest", "elevation"}
}

// ParseMetric maps a rank_by value to a Metric. Empty is MetricNone.
func ParseMetric(s string) (Metric, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range metricNames {
		if name == s {
			return m, nil
		}
	}
	switch s {
	case "duration", "time":
		return MetricMovingTime, nil
	case "recent", "most_recent":
		return MetricLatest, nil
	case "elevation_gain", "climbing":
		return MetricElevation, nil
	}
	return MetricNone, fmt.Errorf("unknown rank metric %q (valid: %s)", s, strings.Join(MetricNames(), ", "))
}

// Superlative is a classified superlative intent.
type Superlative struct {
	Metric Metric

	// Type restricts candidates to an activity family or exact type.
	// Empty means any type.
	Type string
}

// Chronological reports whether candidates for this superlative are best
// found oldest first.
func (s Superlative) Chronological() bool { return s.Metric == MetricEarliest }

// Policy is the phrase vocabulary for each metric.
type Policy struct {
	Longest       []string
	DurationTerms []string
	Fastest       []string
	Recent        []string
	Earliest      []string
	Climbing      []string
}

// DefaultPolicy returns the built-in vocabulary.
func DefaultPolicy() Policy {
	return Policy{
		Longest:       []string{"longest", "farthest", "furthest", "biggest distance"},
		DurationTerms: []string{"time", "duration", "session", "workout", "hours", "minutes"},
		Fastest:       []string{"fastest", "quickest", "best pace"},
		Recent:        []string{"most recent", "latest", "newest", "last time", "last activity", "last workout"},
		Earliest:      []string{"first", "earliest", "oldest"},
		Climbing:      []string{"most elevation", "most climbing", "hilliest", "most vertical", "biggest climb"},
	}
}

// Merge returns p with every non-empty list in o replacing p's.
func (p Policy) Merge(o Policy) Policy {
	pick := func(a, b []string) []string {
		if len(b) > 0 {
			return b
		}
		return a
	}
	return Policy{
		Longest:       pick(p.Longest, o.Longest),
		DurationTerms: pick(p.DurationTerms, o.DurationTerms),
		Fastest:       pick(p.Fastest, o.Fastest),
		Recent:        pick(p.Recent, o.Recent),
		Earliest:      pick(p.Earliest, o.Earliest),
		Climbing:      pick(p.Climbing, o.Climbing),
	}
}

// normalize lowercases text and turns everything but letters and digits
// into single spaces, padded so phrase matching can test word boundaries.
func normalize(text string) string {
	f := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
	})
	return " " + strings.Join(f, " ") + " "
}

func containsAny(norm string, phrases []string) bool {
	for _, p := range phrases {
		if p = strings.TrimSpace(normalize(p)); p != "" && strings.Contains(norm, " "+p+" ") {
			return true
		}
	}
	return false
}

// Classify detects superlative intent in a question. When several
// superlatives appear, fastest beats longest beats climbing beats earliest
// beats most recent: "longest run last time out" is about distance.
func (p Policy) Classify(question string) (Superlative, bool) {
	norm := normalize(question)
	s := Superlative{Type: activity.FamilyFromText(question)}

	recent := slices.Clone(p.Recent)
	for _, fam := range []string{"run", "ride", "swim", "hike", "walk"} {
		recent = append(recent, "last "+fam, "my last "+fam)
	}

	switch {
	case containsAny(norm, p.Fastest):
		s.Metric = MetricSpeed
	case containsAny(norm, p.Longest):
		s.Metric = MetricDistance
		if containsAny(norm, p.DurationTerms) {
			s.Metric = MetricMovingTime
		}
	case containsAny(norm, p.Climbing):
		s.Metric = MetricElevation
	case containsAny(norm, p.Earliest):
		s.Metric = MetricEarliest
	case containsAny(norm, recent):
		s.Metric = MetricLatest
	default:
		return Superlative{}, false
	}
	return s, true
}

// value is the ranking key for r under m; larger wins.
func value(r activity.Record, m Metric) float64 {
	switch m {
	case MetricDistance:
		return r.Distance
	case MetricMovingTime:
		return r.MovingTime.Seconds()
	case MetricSpeed:
		return r.Speed()
	case MetricElevation:
		return r.ElevationGain
	case MetricLatest:
		return float64(r.StartTime.Unix())
	case MetricEarliest:
		return -float64(r.StartTime.Unix())
	}
	return 0
}

// Value reports r's value for m in natural units: meters, seconds,
// meters per second, or unix seconds for the time metrics.
func Value(r activity.Record, m Metric) float64 {
	if m == MetricEarliest {
		return -value(r, m)
	}
	return value(r, m)
}

// compare orders a before b when a ranks higher. Equal values fall back
// to the most recent start, then the highest id, so the order is total
// and independent of input order.
func compare(m Metric) func(a, b activity.Record) int {
	return func(a, b activity.Record) int {
		if c := cmp.Compare(value(b, m), value(a, m)); c != 0 {
			return c
		}
		return activity.CompareRecent(a, b)
	}
}

// eligible filters candidates for s: matching type, and for speed only
// records with moving time.
func eligible(recs []activity.Record, s Superlative) []activity.Record {
	var out []activity.Record
	for _, r := range recs {
		if !r.MatchesType(s.Type) {
			continue
		}
		if s.Metric == MetricSpeed && r.MovingTime <= 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Select returns the single top record for s.
func Select(recs []activity.Record, s Superlative) (activity.Record, bool) {
	cands := eligible(recs, s)
	if len(cands) == 0 {
		return activity.Record{}, false
	}
	return slices.MinFunc(cands, compare(s.Metric)), true
}

// Sort returns the eligible records for s, best first.
func Sort(recs []activity.Record, s Superlative) []activity.Record {
	cands := eligible(recs, s)
	slices.SortFunc(cands, compare(s.Metric))
	return cands
}
