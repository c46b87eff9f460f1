package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/pacer/internal/activity"
	"github.com/nugget/pacer/internal/hydrate"
	"github.com/nugget/pacer/internal/quota"
	"github.com/nugget/pacer/internal/rank"
	"github.com/nugget/pacer/internal/segments"
)

// smallResult is the result size at or below which search hydrates every
// record before answering.
const smallResult = 3

// Run executes a parsed call and returns its result value. Quota
// exhaustion is not an error: it comes back as flags on the result so the
// model can tell the athlete when to retry. Errors are argument errors,
// permanent upstream failures and cancellation.
func (r *Registry) Run(ctx context.Context, q Query, c Call) (any, error) {
	switch c := c.(type) {
	case SearchActivities:
		return r.search(ctx, q, c)
	case GetActivityDetail:
		return r.detail(ctx, c)
	case SyncActivities:
		return r.engine.Sync(ctx, c.Scope)
	case ComparePeriods:
		return r.compare(ctx, c)
	case GetActivityLaps:
		return r.laps(ctx, c)
	case GetAthleteStats:
		return r.stats(ctx)
	case GetSegmentEfforts:
		return r.segmentEfforts(ctx, c)
	case GetQuota:
		s := r.gov.Snapshot()
		return QuotaResult{Snapshot: s, WindowRemaining: s.WindowRemaining(), DayRemaining: s.DayRemaining()}, nil
	}
	return nil, &ArgumentError{Tool: c.Tool(), Reason: "unknown tool"}
}

// quotaRetry reports whether err is a quota rejection and when to retry.
func quotaRetry(err error) (time.Duration, bool) {
	var qe *quota.ExhaustedError
	if errors.As(err, &qe) {
		return qe.RetryAfter, true
	}
	return 0, false
}

// quotaFlags converts a quota rejection into result flags.
func quotaFlags(err error) (Flags, bool) {
	d, ok := quotaRetry(err)
	if !ok {
		return Flags{}, false
	}
	var f Flags
	f.quota(d)
	return f, true
}

// superlative resolves the ranking for a search. An explicit rank_by
// wins; otherwise the question's classified intent applies. An explicit
// activity_type narrows either.
func (r *Registry) superlative(q Query, c SearchActivities) (rank.Superlative, bool) {
	if c.RankBy != rank.MetricNone {
		return rank.Superlative{Metric: c.RankBy, Type: c.ActivityType}, true
	}
	if q.Superlative.IsNone() {
		return rank.Superlative{}, false
	}
	s := q.Superlative.UnwrapOr(rank.Superlative{})
	if c.ActivityType != "" {
		s.Type = c.ActivityType
	}
	return s, true
}

func (r *Registry) search(ctx context.Context, q Query, c SearchActivities) (SearchResult, error) {
	sup, ranked := r.superlative(q, c)

	typ := c.ActivityType
	order := c.Order
	if ranked {
		typ = sup.Type
		if sup.Chronological() {
			order = hydrate.OrderChronological
		}
	}

	req := hydrate.ListRequest{
		Order: order,
		Match: func(rec activity.Record) bool { return rec.MatchesType(typ) },
	}
	c.Start.WhenSome(func(t time.Time) { req.After = t })
	c.End.WhenSome(func(t time.Time) { req.Before = t.AddDate(0, 0, 1) })

	switch {
	case c.Text != "":
	case ranked && (sup.Metric == rank.MetricLatest || sup.Metric == rank.MetricEarliest):
		// The list already comes back in the winning order.
		req.Limit = 1
	case ranked:
	default:
		// One extra record tells us whether the limit cut anything off.
		req.Limit = c.Limit + 1
	}

	lr, err := r.engine.List(ctx, req)
	if err != nil {
		return SearchResult{}, fmt.Errorf("list activities: %w", err)
	}

	var res SearchResult
	res.merge(lr.Partial, false, lr.Failures)
	if lr.QuotaExhausted {
		res.quota(lr.RetryAfter)
	}
	recs := lr.Records

	if c.Text != "" {
		recs, err = r.filterText(ctx, recs, order, c.Text, &res.Flags)
		if err != nil {
			return SearchResult{}, err
		}
	}

	if ranked {
		return r.reduce(ctx, recs, sup, res)
	}

	if len(recs) > c.Limit {
		recs = recs[:c.Limit]
		res.Truncated = true
	}
	if len(recs) > 0 && len(recs) <= smallResult {
		hr, err := r.engine.Hydrate(ctx, hydrate.Request{Candidates: recs, Order: order, Cap: len(recs)})
		if err != nil {
			return SearchResult{}, err
		}
		recs = hr.Records
		r.mergeHydration(&res.Flags, hr)
	}

	res.Activities = r.views(recs)
	res.Count = len(res.Activities)
	return res, nil
}

// filterText hydrates candidates (up to the engine cap) and keeps those
// whose name, description or note mention text.
func (r *Registry) filterText(ctx context.Context, recs []activity.Record, order hydrate.Order, text string, flags *Flags) ([]activity.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	hr, err := r.engine.Hydrate(ctx, hydrate.Request{Candidates: recs, Order: order})
	if err != nil {
		return nil, err
	}
	r.mergeHydration(flags, hr)
	if hr.Truncated {
		flags.Note = fmt.Sprintf("text search read %d of %d activities in detail; narrow the date range to search the rest",
			hr.Fetched+hr.CacheHits, len(recs))
	}

	var out []activity.Record
	for _, rec := range hr.Records {
		if rec.Mentions(text) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *Registry) mergeHydration(flags *Flags, hr hydrate.Result) {
	flags.merge(hr.Partial, hr.Truncated, hr.Failures)
	if hr.QuotaExhausted {
		flags.quota(hr.RetryAfter)
	}
}

// reduce picks the single top record for s and makes sure it is
// Enriched before the model sees it.
func (r *Registry) reduce(ctx context.Context, recs []activity.Record, s rank.Superlative, res SearchResult) (SearchResult, error) {
	res.RankedBy = s.Metric.String()
	res.Considered = len(recs)

	best, ok := rank.Select(recs, s)
	if !ok {
		res.Activities = []ActivityView{}
		if res.Note == "" {
			res.Note = "no matching activities"
		}
		return res, nil
	}

	if !best.IsEnriched() {
		det, err := r.engine.Detail(ctx, best.ID)
		switch {
		case err == nil:
			best = det
		case ctx.Err() != nil:
			return SearchResult{}, ctx.Err()
		default:
			if d, isQuota := quotaRetry(err); isQuota {
				res.quota(d)
			} else {
				res.Partial = true
				res.FailedIDs = append(res.FailedIDs, best.ID)
			}
			r.logger.Warn("could not enrich superlative winner", "id", best.ID, "error", err)
		}
	}

	res.Activities = []ActivityView{NewActivityView(best, r.loc)}
	res.Count = 1
	return res, nil
}

func (r *Registry) views(recs []activity.Record) []ActivityView {
	out := make([]ActivityView, len(recs))
	for i, rec := range recs {
		out[i] = NewActivityView(rec, r.loc)
	}
	return out
}

func (r *Registry) detail(ctx context.Context, c GetActivityDetail) (DetailResult, error) {
	rec, err := r.engine.Detail(ctx, c.ID)
	if err != nil {
		if f, ok := quotaFlags(err); ok {
			return DetailResult{Flags: f}, nil
		}
		return DetailResult{}, fmt.Errorf("activity %d: %w", c.ID, err)
	}
	v := NewActivityView(rec, r.loc)
	return DetailResult{Activity: &v}, nil
}

func (r *Registry) laps(ctx context.Context, c GetActivityLaps) (LapsResult, error) {
	laps, err := r.engine.Laps(ctx, c.ID)
	if err != nil {
		if f, ok := quotaFlags(err); ok {
			return LapsResult{ActivityID: c.ID, Laps: []LapView{}, Flags: f}, nil
		}
		return LapsResult{}, fmt.Errorf("laps for activity %d: %w", c.ID, err)
	}
	return LapsResult{ActivityID: c.ID, Laps: newLapViews(laps)}, nil
}

func (r *Registry) stats(ctx context.Context) (StatsResult, error) {
	st, err := r.engine.AthleteStats(ctx)
	if err != nil {
		if f, ok := quotaFlags(err); ok {
			return StatsResult{Flags: f}, nil
		}
		return StatsResult{}, fmt.Errorf("athlete stats: %w", err)
	}
	return StatsResult{Stats: &st}, nil
}

func (r *Registry) compare(ctx context.Context, c ComparePeriods) (CompareResult, error) {
	now := r.now()
	res := CompareResult{Metric: c.Metric, Unit: metricUnit(c.Metric), ActivityType: c.ActivityType}

	for i, expr := range []string{c.PeriodA, c.PeriodB} {
		p, err := ParsePeriod(expr, now, r.loc)
		if err != nil {
			return CompareResult{}, argErr(NameComparePeriods, []string{"period_a", "period_b"}[i], "%v", err)
		}
		lr, err := r.engine.List(ctx, hydrate.ListRequest{
			After:  p.Start,
			Before: p.End,
			Order:  hydrate.OrderRecency,
			Match:  func(rec activity.Record) bool { return rec.MatchesType(c.ActivityType) },
		})
		if err != nil {
			return CompareResult{}, fmt.Errorf("list %s: %w", p.Label, err)
		}
		res.merge(lr.Partial, !lr.Complete && !lr.Partial, lr.Failures)
		if lr.QuotaExhausted {
			res.quota(lr.RetryAfter)
		}

		t := TotalsView{Period: p}
		for _, rec := range lr.Records {
			t.add(rec)
		}
		t.finish()
		if i == 0 {
			res.A = t
		} else {
			res.B = t
		}
	}

	a, b := res.A.metric(c.Metric), res.B.metric(c.Metric)
	res.Delta = round(b-a, 2)
	if a != 0 {
		pct := round((b-a)/a*100, 1)
		res.PercentDelta = &pct
	}
	return res, nil
}

func (r *Registry) segmentEfforts(ctx context.Context, c GetSegmentEfforts) (SegmentEffortsResult, error) {
	if r.segs == nil {
		return SegmentEffortsResult{}, &ArgumentError{Tool: c.Tool(), Reason: "segment index is not configured"}
	}

	var (
		seg segments.Segment
		res SegmentEffortsResult
	)
	if c.SegmentID.IsSome() {
		id := c.SegmentID.UnwrapOr(0)
		found, ok, err := r.segs.Get(ctx, id)
		if err != nil {
			return SegmentEffortsResult{}, err
		}
		if !ok {
			res.Efforts = []EffortView{}
			res.Note = fmt.Sprintf("segment %d has not appeared in any activity fetched in detail", id)
			return res, nil
		}
		seg = found
	} else {
		matches, err := r.segs.Search(ctx, c.Segment, 5)
		if err != nil {
			return SegmentEffortsResult{}, err
		}
		if len(matches) == 0 {
			res.Efforts = []EffortView{}
			res.Note = fmt.Sprintf("no known segment matches %q; segments are learned from activities fetched in detail", c.Segment)
			return res, nil
		}
		seg = matches[0]
		for _, m := range matches[1:] {
			res.Matches = append(res.Matches, segmentInfo(m))
		}
	}

	efforts, err := r.segs.BestEfforts(ctx, seg.ID, c.Limit)
	if err != nil {
		return SegmentEffortsResult{}, err
	}
	info := segmentInfo(seg)
	res.Segment = &info
	res.Efforts = make([]EffortView, len(efforts))
	for i, e := range efforts {
		res.Efforts[i] = EffortView{
			ActivityID:  e.ActivityID,
			StartTime:   e.StartTime.In(r.loc).Format(time.RFC3339),
			ElapsedTime: clock(e.ElapsedTime),
			PRRank:      e.PRRank,
		}
	}
	return res, nil
}

func segmentInfo(s segments.Segment) SegmentInfo {
	return SegmentInfo{
		ID:         s.ID,
		Name:       s.Name,
		DistanceKM: round(s.Distance/1000, 2),
		AvgGrade:   s.AvgGrade,
		City:       s.City,
		Efforts:    s.Efforts,
	}
}
