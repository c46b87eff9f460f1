package tools

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is a half-open time range [Start, End).
type Period struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls within the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// ParsePeriod parses a period expression relative to now in loc:
//
//	2024                  a calendar year
//	2024-03               a month
//	2024-03-05            a day
//	2024-01..2024-06      first start to last end
//	this year, last year, this month, last month
//	last 30 days, last 6 weeks, last 3 months
func ParsePeriod(s string, now time.Time, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	label := strings.TrimSpace(s)
	expr := strings.ToLower(label)
	if expr == "" {
		return Period{}, fmt.Errorf("empty period")
	}

	if a, b, ok := strings.Cut(expr, ".."); ok {
		pa, err := ParsePeriod(a, now, loc)
		if err != nil {
			return Period{}, err
		}
		pb, err := ParsePeriod(b, now, loc)
		if err != nil {
			return Period{}, err
		}
		if !pb.End.After(pa.Start) {
			return Period{}, fmt.Errorf("period %q ends before it starts", label)
		}
		return Period{Label: label, Start: pa.Start, End: pb.End}, nil
	}

	year, month, _ := now.Date()
	startOfYear := time.Date(year, 1, 1, 0, 0, 0, 0, loc)
	startOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, loc)

	switch expr {
	case "this year", "ytd":
		return Period{Label: label, Start: startOfYear, End: now}, nil
	case "last year":
		return Period{Label: label, Start: startOfYear.AddDate(-1, 0, 0), End: startOfYear}, nil
	case "this month":
		return Period{Label: label, Start: startOfMonth, End: now}, nil
	case "last month":
		return Period{Label: label, Start: startOfMonth.AddDate(0, -1, 0), End: startOfMonth}, nil
	}

	if rest, ok := strings.CutPrefix(expr, "last "); ok {
		f := strings.Fields(rest)
		if len(f) == 2 {
			n, err := strconv.Atoi(f[0])
			if err != nil || n <= 0 {
				return Period{}, fmt.Errorf("invalid count in period %q", label)
			}
			var start time.Time
			switch strings.TrimSuffix(f[1], "s") {
			case "day":
				start = now.AddDate(0, 0, -n)
			case "week":
				start = now.AddDate(0, 0, -7*n)
			case "month":
				start = now.AddDate(0, -n, 0)
			case "year":
				start = now.AddDate(-n, 0, 0)
			default:
				return Period{}, fmt.Errorf("unknown unit in period %q", label)
			}
			return Period{Label: label, Start: start, End: now}, nil
		}
	}

	for _, layout := range []struct {
		format string
		next   func(time.Time) time.Time
	}{
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	} {
		if t, err := time.ParseInLocation(layout.format, expr, loc); err == nil {
			return Period{Label: label, Start: t, End: layout.next(t)}, nil
		}
	}
	return Period{}, fmt.Errorf("unrecognized period %q (want YYYY, YYYY-MM, YYYY-MM-DD, A..B or \"last N days\")", label)
}

// parseDate parses a YYYY-MM-DD date at midnight in loc.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", strings.TrimSpace(s), loc)
}
