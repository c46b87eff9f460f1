package hydrate

import (
	"context"
	"time"

	"github.com/nugget/pacer/internal/activity"
	"github.com/nugget/pacer/internal/cache"
	"github.com/nugget/pacer/internal/strava"
)

// ListRequest selects summary records by start time.
type ListRequest struct {
	// After and Before bound start time as [After, Before). Zero is open.
	After  time.Time
	Before time.Time

	Order Order

	// Match, when set, keeps only records it accepts. Limit counts
	// matching records.
	Match func(activity.Record) bool

	// Limit stops paging once this many in-range records are collected.
	// Zero pages until the range or MaxPages is exhausted.
	Limit int
}

// ListResult is the outcome of a List call.
type ListResult struct {
	// Records are in request order. Ids already Enriched in the cache
	// come back Enriched.
	Records []activity.Record

	Pages int

	// Complete is set when paging reached the end of the range.
	Complete bool

	Partial        bool
	QuotaExhausted bool
	RetryAfter     time.Duration
	Failures       []Failure
}

// List pages through the activity list for a date range. Recency order
// walks backward from Before; chronological order walks forward from
// After (the API returns ascending pages when only after is given). Each
// page is a Volatile cache entry.
//
// When quota runs out mid-way the result falls back to records already
// held by the cache for the range and is flagged QuotaExhausted.
func (e *Engine) List(ctx context.Context, req ListRequest) (ListResult, error) {
	var res ListResult
	seen := make(map[int64]bool)

	params := strava.ListParams{PerPage: e.cfg.PerPage}
	if req.Order == OrderChronological {
		// after is exclusive upstream; step back a second so an activity
		// starting exactly at After is included.
		params.After = time.Unix(0, 0)
		if !req.After.IsZero() {
			params.After = req.After.Add(-time.Second)
		}
	} else {
		params.Before = req.Before
	}

	for page := 1; page <= e.cfg.MaxPages; page++ {
		params.Page = page
		batch, err := e.listPage(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Partial = true
			if qe, ok := quotaError(err); ok {
				res.QuotaExhausted = true
				res.RetryAfter = qe.RetryAfter
			} else {
				res.Failures = append(res.Failures, Failure{
					Class: strava.Classify(err).String(),
					Error: err.Error(),
				})
				if res.Pages == 0 && len(e.cachedInRange(req, seen)) == 0 {
					return res, err
				}
			}
			break
		}
		res.Pages++

		pastRange := false
		for _, r := range e.cache.MergeRecords(batch) {
			if !r.InRange(req.After, req.Before) {
				if req.Order == OrderChronological && !req.Before.IsZero() && !r.StartTime.Before(req.Before) {
					pastRange = true
				}
				if req.Order == OrderRecency && !req.After.IsZero() && r.StartTime.Before(req.After) {
					pastRange = true
				}
				continue
			}
			if !req.accepts(r) {
				continue
			}
			if !seen[r.ID] {
				seen[r.ID] = true
				res.Records = append(res.Records, r)
			}
		}

		if len(batch) < params.PerPage || pastRange {
			res.Complete = true
			break
		}
		if req.Limit > 0 && len(res.Records) >= req.Limit {
			break
		}
	}

	if res.QuotaExhausted || len(res.Failures) > 0 {
		res.Records = append(res.Records, e.cachedInRange(req, seen)...)
	}
	if !res.Complete && !res.Partial && res.Pages == e.cfg.MaxPages {
		e.logger.Info("list paging stopped at page limit", "pages", res.Pages)
	}

	req.Order.Sort(res.Records)
	if req.Limit > 0 && len(res.Records) > req.Limit {
		res.Records = res.Records[:req.Limit]
	}
	return res, nil
}

func (req ListRequest) accepts(r activity.Record) bool {
	return req.Match == nil || req.Match(r)
}

func (e *Engine) listPage(ctx context.Context, params strava.ListParams) ([]activity.Record, error) {
	key := cache.NewKey(strava.EndpointList, params.Query())
	v, _, err := e.cache.Do(ctx, key, cache.Volatile, func(fctx context.Context) (any, error) {
		var acts []strava.SummaryActivity
		err := e.invoke(fctx, "list", func(cctx context.Context) error {
			var err error
			acts, err = e.up.ListActivities(cctx, params)
			return err
		})
		if err != nil {
			return nil, err
		}
		recs := make([]activity.Record, len(acts))
		for i, a := range acts {
			recs[i] = a.Record()
		}
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]activity.Record), nil
}

// cachedInRange returns records the cache already holds for the request
// range that are not in seen.
func (e *Engine) cachedInRange(req ListRequest, seen map[int64]bool) []activity.Record {
	var out []activity.Record
	for _, r := range e.cache.Records() {
		if !seen[r.ID] && r.InRange(req.After, req.Before) && req.accepts(r) {
			out = append(out, r)
		}
	}
	return out
}

// Known returns cached records in [after, before), in order, without any
// upstream call.
func (e *Engine) Known(after, before time.Time, order Order) []activity.Record {
	recs := e.cachedInRange(ListRequest{After: after, Before: before}, nil)
	order.Sort(recs)
	return recs
}

// ScopeKind selects what a sync invalidates.
type ScopeKind string

const (
	ScopeRecent ScopeKind = "recent"
	ScopeIDs    ScopeKind = "ids"
)

// Scope is a sync target.
type Scope struct {
	Kind ScopeKind

	// Days is the recent window for ScopeRecent (default 7).
	Days int

	IDs []int64
}

// SyncResult reports what a sync invalidated.
type SyncResult struct {
	Scope ScopeKind `json:"scope"`
	Since time.Time `json:"since,omitzero"`
	cache.Invalidation
}

// Sync drops cached data for scope so the next query refetches it. It
// makes no upstream calls.
func (e *Engine) Sync(ctx context.Context, scope Scope) (SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return SyncResult{}, err
	}
	switch scope.Kind {
	case ScopeIDs:
		inv := e.cache.InvalidateIDs(scope.IDs)
		return SyncResult{Scope: ScopeIDs, Invalidation: inv}, nil
	default:
		days := scope.Days
		if days <= 0 {
			days = 7
		}
		since := e.now().AddDate(0, 0, -days)
		inv := e.cache.InvalidateSince(since)
		return SyncResult{Scope: ScopeRecent, Since: since, Invalidation: inv}, nil
	}
}
