package tools

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/nugget/pacer/internal/hydrate"
	"github.com/nugget/pacer/internal/rank"
)

// Tool names.
const (
	NameSearchActivities  = "search_activities"
	NameGetActivityDetail = "get_activity_detail"
	NameSyncActivities    = "sync_activities"
	NameComparePeriods    = "compare_periods"
	NameGetActivityLaps   = "get_activity_laps"
	NameGetAthleteStats   = "get_athlete_stats"
	NameGetSegmentEfforts = "get_segment_efforts"
	NameGetQuota          = "get_quota"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	maxSyncDays        = 365
)

// Call is a parsed tool invocation. The set of implementations is closed:
// every tool has exactly one argument type below.
type Call interface {
	// Tool returns the tool name the call was parsed from.
	Tool() string

	call()
}

// SearchActivities lists activities in a date range, optionally reduced
// to a single superlative record.
type SearchActivities struct {
	// Start is inclusive; End is the last included day.
	Start fn.Option[time.Time]
	End   fn.Option[time.Time]

	Limit        int
	ActivityType string
	Text         string
	Order        hydrate.Order
	RankBy       rank.Metric
}

// GetActivityDetail fetches one Enriched record.
type GetActivityDetail struct {
	ID int64
}

// SyncActivities invalidates cached data.
type SyncActivities struct {
	Scope hydrate.Scope
}

// ComparePeriods totals two periods and reports the delta of Metric.
type ComparePeriods struct {
	PeriodA      string
	PeriodB      string
	Metric       string
	ActivityType string
}

// GetActivityLaps fetches the laps of one activity.
type GetActivityLaps struct {
	ID int64
}

// GetAthleteStats fetches the athlete's recent, year-to-date and all-time
// totals.
type GetAthleteStats struct{}

// GetSegmentEfforts looks up best efforts on a segment seen in enriched
// activities.
type GetSegmentEfforts struct {
	// SegmentID is set when the model passed a numeric id; Segment holds
	// the name to search otherwise.
	SegmentID fn.Option[int64]
	Segment   string
	Limit     int
}

// GetQuota reports the quota governor's counters.
type GetQuota struct{}

func (SearchActivities) Tool() string  { return NameSearchActivities }
func (GetActivityDetail) Tool() string { return NameGetActivityDetail }
func (SyncActivities) Tool() string    { return NameSyncActivities }
func (ComparePeriods) Tool() string    { return NameComparePeriods }
func (GetActivityLaps) Tool() string   { return NameGetActivityLaps }
func (GetAthleteStats) Tool() string   { return NameGetAthleteStats }
func (GetSegmentEfforts) Tool() string { return NameGetSegmentEfforts }
func (GetQuota) Tool() string          { return NameGetQuota }

func (SearchActivities) call()  {}
func (GetActivityDetail) call() {}
func (SyncActivities) call()    {}
func (ComparePeriods) call()    {}
func (GetActivityLaps) call()   {}
func (GetAthleteStats) call()   {}
func (GetSegmentEfforts) call() {}
func (GetQuota) call()          {}

// compareMetrics are the accepted compare_periods metrics.
var compareMetrics = []string{"distance", "moving_time", "elevation", "count"}

// ParseJSON decodes a raw JSON argument object and parses it.
func ParseJSON(name, argsJSON string, loc *time.Location) (Call, error) {
	var args map[string]any
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, argErr(name, "", "arguments are not a JSON object: %v", err)
		}
	}
	return Parse(name, args, loc)
}

// Parse validates args against the named tool's schema and returns the
// typed call. Dates are interpreted in loc (UTC when nil). Every failure
// is an *ArgumentError.
func Parse(name string, args map[string]any, loc *time.Location) (Call, error) {
	if loc == nil {
		loc = time.UTC
	}
	a := argReader{tool: name, args: args}

	var c Call
	switch name {
	case NameSearchActivities:
		c = a.search(loc)
	case NameGetActivityDetail:
		c = GetActivityDetail{ID: a.id("id")}
	case NameGetActivityLaps:
		c = GetActivityLaps{ID: a.id("id")}
	case NameSyncActivities:
		c = a.sync()
	case NameComparePeriods:
		c = a.compare(loc)
	case NameGetAthleteStats:
		c = GetAthleteStats{}
	case NameGetSegmentEfforts:
		c = a.segmentEfforts()
	case NameGetQuota:
		c = GetQuota{}
	default:
		return nil, &ArgumentError{Tool: name, Reason: "unknown tool"}
	}
	if a.err != nil {
		return nil, a.err
	}
	return c, nil
}

// argReader extracts typed fields from a decoded argument object. The
// first error sticks; later reads become no-ops.
type argReader struct {
	tool string
	args map[string]any
	err  *ArgumentError
}

func (a *argReader) fail(field, format string, args ...any) {
	if a.err == nil {
		a.err = argErr(a.tool, field, format, args...)
	}
}

func (a *argReader) present(field string) (any, bool) {
	v, ok := a.args[field]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return v, true
}

func (a *argReader) str(field string) string {
	v, ok := a.present(field)
	if !ok {
		return ""
	}
	s, isStr := v.(string)
	if !isStr {
		a.fail(field, "must be a string")
		return ""
	}
	return strings.TrimSpace(s)
}

// integer accepts JSON numbers and numeric strings; models send both.
func (a *argReader) integer(field string) (int64, bool) {
	v, ok := a.present(field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			a.fail(field, "must be a whole number")
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			a.fail(field, "must be a whole number")
			return 0, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			a.fail(field, "must be a whole number")
			return 0, false
		}
		return i, true
	}
	a.fail(field, "must be a number")
	return 0, false
}

func (a *argReader) id(field string) int64 {
	id, ok := a.integer(field)
	if !ok {
		a.fail(field, "is required")
		return 0
	}
	if id <= 0 {
		a.fail(field, "must be a positive activity id")
	}
	return id
}

func (a *argReader) limit(field string, def, ceiling int) int {
	n, ok := a.integer(field)
	if !ok {
		return def
	}
	if n <= 0 {
		a.fail(field, "must be positive")
		return def
	}
	return int(min(n, int64(ceiling)))
}

func (a *argReader) date(field string, loc *time.Location) fn.Option[time.Time] {
	s := a.str(field)
	if s == "" {
		return fn.None[time.Time]()
	}
	t, err := parseDate(s, loc)
	if err != nil {
		a.fail(field, "must be a date in YYYY-MM-DD form")
		return fn.None[time.Time]()
	}
	return fn.Some(t)
}

func (a *argReader) search(loc *time.Location) SearchActivities {
	c := SearchActivities{
		Start:        a.date("start_date", loc),
		End:          a.date("end_date", loc),
		Limit:        a.limit("limit", defaultSearchLimit, maxSearchLimit),
		ActivityType: a.str("activity_type"),
		Text:         a.str("text"),
	}

	order, err := hydrate.ParseOrder(strings.ToLower(a.str("order")))
	if err != nil {
		a.fail("order", "%v", err)
	}
	c.Order = order

	if rb := a.str("rank_by"); rb != "" {
		m, err := rank.ParseMetric(rb)
		if err != nil {
			a.fail("rank_by", "%v", err)
		}
		c.RankBy = m
	}

	if c.Start.IsSome() && c.End.IsSome() {
		start, end := c.Start.UnwrapOr(time.Time{}), c.End.UnwrapOr(time.Time{})
		if end.Before(start) {
			a.fail("end_date", "is before start_date")
		}
	}
	return c
}

func (a *argReader) sync() SyncActivities {
	var scope hydrate.Scope
	switch kind := hydrate.ScopeKind(strings.ToLower(a.str("scope"))); kind {
	case hydrate.ScopeRecent, "":
		scope.Kind = hydrate.ScopeRecent
		scope.Days = a.limit("days", 7, maxSyncDays)
	case hydrate.ScopeIDs:
		scope.Kind = hydrate.ScopeIDs
		raw, ok := a.present("ids")
		list, isList := raw.([]any)
		if !ok || !isList || len(list) == 0 {
			a.fail("ids", "must be a non-empty list of activity ids when scope is ids")
			break
		}
		for i, v := range list {
			sub := argReader{tool: a.tool, args: map[string]any{"id": v}}
			id := sub.id("id")
			if sub.err != nil {
				a.fail("ids", "element %d: %s", i, sub.err.Reason)
				break
			}
			scope.IDs = append(scope.IDs, id)
		}
	default:
		a.fail("scope", "must be %q or %q", hydrate.ScopeRecent, hydrate.ScopeIDs)
	}
	return SyncActivities{Scope: scope}
}

func (a *argReader) compare(loc *time.Location) ComparePeriods {
	c := ComparePeriods{
		PeriodA:      a.str("period_a"),
		PeriodB:      a.str("period_b"),
		Metric:       strings.ToLower(a.str("metric")),
		ActivityType: a.str("activity_type"),
	}
	now := time.Now()
	for _, f := range [][2]string{{"period_a", c.PeriodA}, {"period_b", c.PeriodB}} {
		field, p := f[0], f[1]
		if p == "" {
			a.fail(field, "is required")
			continue
		}
		if _, err := ParsePeriod(p, now, loc); err != nil {
			a.fail(field, "%v", err)
		}
	}
	switch c.Metric {
	case "":
		c.Metric = "distance"
	case "duration", "time":
		c.Metric = "moving_time"
	case "elevation_gain", "climbing":
		c.Metric = "elevation"
	}
	if !validCompareMetric(c.Metric) {
		a.fail("metric", "must be one of %s", strings.Join(compareMetrics, ", "))
	}
	return c
}

func validCompareMetric(m string) bool {
	for _, v := range compareMetrics {
		if v == m {
			return true
		}
	}
	return false
}

func (a *argReader) segmentEfforts() GetSegmentEfforts {
	c := GetSegmentEfforts{SegmentID: fn.None[int64]()}
	raw, ok := a.present("segment")
	if !ok {
		a.fail("segment", "is required")
		return c
	}
	switch v := raw.(type) {
	case float64:
		if id, ok := a.integer("segment"); ok {
			c.SegmentID = fn.Some(id)
		}
	case string:
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			c.SegmentID = fn.Some(id)
		} else {
			c.Segment = strings.TrimSpace(v)
		}
	default:
		a.fail("segment", "must be a segment name or id")
	}
	c.Limit = a.limit("limit", 5, 20)
	return c
}
