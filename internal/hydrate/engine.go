// Package hydrate orchestrates every upstream fetch: it pages through the
// activity list, upgrades Summary records to Enriched ones with per-item
// detail calls, and fetches laps and athlete totals.
//
// Each outbound call follows the same path: cache lookup (coalesced with
// concurrent callers), quota admission, the call itself on a context
// detached from the caller, then classification and bounded retry. A
// caller that goes away stops waiting but never aborts a call already in
// flight, so its result still lands in the cache.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nugget/pacer/internal/activity"
	"github.com/nugget/pacer/internal/cache"
	"github.com/nugget/pacer/internal/quota"
	"github.com/nugget/pacer/internal/strava"
)

// Upstream is the slice of the activity API the engine drives.
type Upstream interface {
	ListActivities(ctx context.Context, p strava.ListParams) ([]strava.SummaryActivity, error)
	Activity(ctx context.Context, id int64) (strava.DetailedActivity, error)
	Laps(ctx context.Context, id int64) ([]strava.Lap, error)
	Athlete(ctx context.Context) (strava.Athlete, error)
	Stats(ctx context.Context, athleteID int64) (strava.AthleteStats, error)
}

// Order is a traversal order over candidates.
type Order int

const (
	// OrderRecency visits the most recent activity first.
	OrderRecency Order = iota

	// OrderChronological visits the earliest activity first, for
	// "when did I first..." questions.
	OrderChronological
)

// String returns the tool-facing name of the order.
func (o Order) String() string {
	if o == OrderChronological {
		return "oldest"
	}
	return "recent"
}

// ParseOrder maps "recent"/"oldest" (and a few synonyms) to an Order.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "recent", "recency", "newest":
		return OrderRecency, nil
	case "oldest", "chronological", "earliest":
		return OrderChronological, nil
	}
	return OrderRecency, fmt.Errorf("unknown order %q (want recent or oldest)", s)
}

// Sort orders recs in place.
func (o Order) Sort(recs []activity.Record) {
	if o == OrderChronological {
		activity.SortChronological(recs)
		return
	}
	activity.SortRecent(recs)
}

// Config bounds engine behavior.
type Config struct {
	// Cap is the default number of detail fetches per hydration pass.
	Cap int

	// PerPage is the list page size.
	PerPage int

	// MaxPages bounds list paging per List call.
	MaxPages int

	Retry RetryPolicy
}

// Engine is safe for concurrent use by many queries.
type Engine struct {
	up    Upstream
	gov   *quota.Governor
	cache *cache.Cache
	cfg   Config

	logger *slog.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	onEnriched func(activity.Record)
	onCall     func(error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithOnEnriched registers fn to receive every record this engine newly
// enriches. It runs synchronously on the fetching goroutine.
func WithOnEnriched(fn func(activity.Record)) Option {
	return func(e *Engine) { e.onEnriched = fn }
}

// WithCallObserver registers fn to see the outcome of every upstream
// attempt, nil for success. Health watching uses it as a passive probe.
func WithCallObserver(fn func(error)) Option {
	return func(e *Engine) { e.onCall = fn }
}

// WithClock replaces time.Now and the sleep primitive. Tests use it to
// run backoff without waiting.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) {
		e.now = now
		e.sleep = sleep
	}
}

// New creates an engine. Zero config fields take defaults.
func New(up Upstream, gov *quota.Governor, c *cache.Cache, cfg Config, opts ...Option) *Engine {
	if cfg.Cap <= 0 {
		cfg.Cap = 5
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}

	e := &Engine{
		up:     up,
		gov:    gov,
		cache:  c,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "hydrate")
	return e
}

// Cap returns the default per-pass fetch cap.
func (e *Engine) Cap() int { return e.cfg.Cap }

// Failure records one item the engine gave up on.
type Failure struct {
	ID    int64  `json:"id"`
	Class string `json:"class"`
	Error string `json:"error"`
}

// invoke runs one upstream call under quota admission and the retry
// policy. The call itself runs on a context detached from ctx; waits
// (quota sleeps and backoff) honour ctx and the query budget.
func (e *Engine) invoke(ctx context.Context, what string, call func(context.Context) error) error {
	budget := BudgetFrom(ctx)
	detached := context.WithoutCancel(ctx)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.admit(ctx, budget, what); err != nil {
			return err
		}

		budget.countCall()
		err := call(detached)
		if e.onCall != nil {
			e.onCall(err)
		}
		class := strava.Classify(err)
		switch class {
		case strava.ClassNone:
			return nil
		case strava.ClassPermanent:
			return err
		}

		if attempt >= e.cfg.Retry.MaxRetries {
			return fmt.Errorf("%s: giving up after %d attempts: %w", what, attempt+1, err)
		}

		delay := e.cfg.Retry.Delay(attempt + 1)
		var apiErr *strava.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > delay {
			delay = apiErr.RetryAfter
		}
		if !budget.fits(e.now(), delay) {
			return fmt.Errorf("%s: backoff %s exceeds query budget: %w", what, delay, err)
		}

		e.logger.Warn("upstream call failed, backing off",
			"call", what,
			"class", class.String(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// admit obtains quota admission, sleeping through rejections only while
// the query budget allows.
func (e *Engine) admit(ctx context.Context, budget *Budget, what string) error {
	for {
		d := e.gov.Admit()
		if d.Admitted {
			return nil
		}
		if !budget.takeQuotaWait(e.now(), d.RetryAfter) {
			return d.Err()
		}
		e.logger.Info("quota exhausted, waiting",
			"call", what,
			"limit", string(d.Reason),
			"retry_after", d.RetryAfter.Round(time.Second),
		)
		if err := e.sleep(ctx, d.RetryAfter); err != nil {
			return err
		}
	}
}

// quotaError extracts a quota rejection from err.
func quotaError(err error) (*quota.ExhaustedError, bool) {
	var qe *quota.ExhaustedError
	ok := errors.As(err, &qe)
	return qe, ok
}

// Detail returns the Enriched record for id. An id already Enriched in
// the cache costs nothing.
func (e *Engine) Detail(ctx context.Context, id int64) (activity.Record, error) {
	if r, ok := e.cache.Record(id); ok && r.IsEnriched() {
		return r, nil
	}

	key := cache.IDKey(strava.EndpointDetail, id)
	v, _, err := e.cache.Do(ctx, key, cache.Immutable, func(fctx context.Context) (any, error) {
		var det strava.DetailedActivity
		err := e.invoke(fctx, "detail", func(cctx context.Context) error {
			var err error
			det, err = e.up.Activity(cctx, id)
			return err
		})
		if err != nil {
			return nil, err
		}

		held := e.cache.PutRecord(det.Record())
		if e.onEnriched != nil {
			e.onEnriched(held)
		}
		return held, nil
	})
	if err != nil {
		return activity.Record{}, err
	}

	// The stored payload may predate a later sync; the record index is
	// authoritative.
	if r, ok := e.cache.Record(id); ok && r.IsEnriched() {
		return r, nil
	}
	return v.(activity.Record), nil
}

// Request is one hydration pass.
type Request struct {
	Candidates []activity.Record
	Order      Order

	// Cap bounds detail fetches in this pass. Zero uses the engine
	// default. Candidates already Enriched do not count.
	Cap int
}

// Result is the outcome of a hydration pass. Records holds every
// candidate in visit order, Enriched where the pass succeeded.
type Result struct {
	Records []activity.Record

	Fetched   int
	CacheHits int

	// Truncated is set when the cap left Summary candidates unvisited.
	Truncated bool

	// Partial is set when any candidate could not be enriched.
	Partial bool

	QuotaExhausted bool
	RetryAfter     time.Duration

	Failures []Failure
}

// Hydrate enriches candidates in the requested order, stopping after
// Cap fetches. Per-item upstream failures are recorded and skipped;
// quota exhaustion stops further fetching. Only cancellation of ctx
// aborts the pass with an error.
func (e *Engine) Hydrate(ctx context.Context, req Request) (Result, error) {
	limit := req.Cap
	if limit <= 0 {
		limit = e.cfg.Cap
	}

	cands := slices.Clone(req.Candidates)
	req.Order.Sort(cands)

	var res Result
	stopped := false
	for i, c := range cands {
		if r, ok := e.cache.Record(c.ID); ok && r.IsEnriched() {
			cands[i] = r
			res.CacheHits++
			continue
		}
		if stopped {
			res.Partial = true
			continue
		}
		if res.Fetched >= limit {
			res.Truncated = true
			continue
		}

		r, err := e.Detail(ctx, c.ID)
		if err != nil {
			if ctx.Err() != nil {
				res.Records = cands
				return res, ctx.Err()
			}
			if qe, ok := quotaError(err); ok {
				res.QuotaExhausted = true
				res.RetryAfter = qe.RetryAfter
				res.Partial = true
				stopped = true
				continue
			}
			res.Partial = true
			res.Failures = append(res.Failures, Failure{
				ID:    c.ID,
				Class: strava.Classify(err).String(),
				Error: err.Error(),
			})
			e.logger.Warn("hydration skipped activity", "id", c.ID, "error", err)
			continue
		}
		cands[i] = r
		res.Fetched++
	}

	res.Records = cands
	e.logger.Debug("hydration pass",
		"candidates", len(cands),
		"order", req.Order.String(),
		"fetched", res.Fetched,
		"cache_hits", res.CacheHits,
		"truncated", res.Truncated,
		"quota_exhausted", res.QuotaExhausted,
	)
	return res, nil
}

// Laps returns the laps of one activity.
func (e *Engine) Laps(ctx context.Context, id int64) ([]strava.Lap, error) {
	v, _, err := e.cache.Do(ctx, cache.IDKey(strava.EndpointLaps, id), cache.Immutable, func(fctx context.Context) (any, error) {
		var laps []strava.Lap
		err := e.invoke(fctx, "laps", func(cctx context.Context) error {
			var err error
			laps, err = e.up.Laps(cctx, id)
			return err
		})
		return laps, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]strava.Lap), nil
}

// AthleteStats returns the athlete's totals. The athlete lookup is cached
// as immutable, so steady state costs one call per TTL.
func (e *Engine) AthleteStats(ctx context.Context) (strava.AthleteStats, error) {
	av, _, err := e.cache.Do(ctx, cache.NewKey(strava.EndpointAthlete, nil), cache.Immutable, func(fctx context.Context) (any, error) {
		var a strava.Athlete
		err := e.invoke(fctx, "athlete", func(cctx context.Context) error {
			var err error
			a, err = e.up.Athlete(cctx)
			return err
		})
		return a, err
	})
	if err != nil {
		return strava.AthleteStats{}, err
	}
	athlete := av.(strava.Athlete)

	sv, _, err := e.cache.Do(ctx, cache.IDKey(strava.EndpointStats, athlete.ID), cache.Volatile, func(fctx context.Context) (any, error) {
		var s strava.AthleteStats
		err := e.invoke(fctx, "stats", func(cctx context.Context) error {
			var err error
			s, err = e.up.Stats(cctx, athlete.ID)
			return err
		})
		return s, err
	})
	if err != nil {
		return strava.AthleteStats{}, err
	}
	return sv.(strava.AthleteStats), nil
}
