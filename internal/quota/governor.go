// Package quota gates every outbound call to the activity API against the
// provider's two rate limits: a short window (15 minutes upstream) and a
// calendar day.
//
// The governor is advisory: it mirrors the provider's counters so we can
// refuse calls before the provider does. State lives in memory and resets
// on restart; upstream rate-limit headers are folded back in with
// [Governor.Observe] so a restart converges on the true counts after the
// first response.
package quota

import (
	"fmt"
	"sync"
	"time"
)

// Limit names which counter rejected a call.
type Limit string

const (
	// LimitWindow is the short rolling window.
	LimitWindow Limit = "window"

	// LimitDay is the calendar-day ceiling.
	LimitDay Limit = "day"
)

// Config holds the limits the governor enforces.
type Config struct {
	// Window is the short window length (15 minutes upstream).
	Window time.Duration

	// WindowLimit is the number of calls permitted per window.
	WindowLimit int

	// DayLimit is the number of calls permitted per calendar day.
	DayLimit int

	// Location is the provider's reference timezone. The day counter
	// resets at midnight here, not at local midnight. Nil means UTC.
	Location *time.Location
}

// DefaultConfig returns the provider's published default limits.
func DefaultConfig() Config {
	return Config{
		Window:      15 * time.Minute,
		WindowLimit: 100,
		DayLimit:    1000,
		Location:    time.UTC,
	}
}

// Decision is the outcome of [Governor.Admit].
type Decision struct {
	Admitted bool

	// RetryAfter is how long until the exhausted counter frees capacity.
	// Zero when admitted.
	RetryAfter time.Duration

	// Reason names the exhausted counter. Empty when admitted.
	Reason Limit
}

// Err converts a rejection into an *ExhaustedError. It returns nil for an
// admitted decision.
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return &ExhaustedError{RetryAfter: d.RetryAfter, Reason: d.Reason}
}

// ExhaustedError reports that a call was refused because a quota counter
// is spent. It is retryable after RetryAfter.
type ExhaustedError struct {
	RetryAfter time.Duration
	Reason     Limit
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted (%s limit), retry after %s", e.Reason, e.RetryAfter.Round(time.Second))
}

// Snapshot is a point-in-time view of both counters for introspection.
type Snapshot struct {
	WindowCount    int       `json:"window_count"`
	WindowLimit    int       `json:"window_limit"`
	WindowResetsAt time.Time `json:"window_resets_at"`
	DayCount       int       `json:"day_count"`
	DayLimit       int       `json:"day_limit"`
	DayResetsAt    time.Time `json:"day_resets_at"`
}

// WindowRemaining returns the calls left in the current window.
func (s Snapshot) WindowRemaining() int { return max(s.WindowLimit-s.WindowCount, 0) }

// DayRemaining returns the calls left today.
func (s Snapshot) DayRemaining() int { return max(s.DayLimit-s.DayCount, 0) }

// counter is one (count, start, limit) triple.
type counter struct {
	count int
	start time.Time
	limit int
}

// Governor is the single process-wide quota gate. All methods are safe
// for concurrent use; admission checks and increments both counters in
// one critical section.
type Governor struct {
	mu     sync.Mutex
	cfg    Config
	now    func() time.Time
	window counter
	day    counter
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock replaces time.Now. Tests use it to drive rollover.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a governor. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Governor {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = def.WindowLimit
	}
	if cfg.DayLimit <= 0 {
		cfg.DayLimit = def.DayLimit
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}

	g := &Governor{
		cfg: cfg,
		now: time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	g.window.limit = cfg.WindowLimit
	g.day.limit = cfg.DayLimit
	return g
}

// Admit decides whether one outbound call may proceed. On admission both
// counters are incremented before the lock is released, so two callers
// can never both observe the last unit of capacity.
func (g *Governor) Admit() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollover(now)

	if g.day.count >= g.day.limit {
		return Decision{
			RetryAfter: g.nextDay(now).Sub(now),
			Reason:     LimitDay,
		}
	}
	if g.window.count >= g.window.limit {
		return Decision{
			RetryAfter: g.window.start.Add(g.cfg.Window).Sub(now),
			Reason:     LimitWindow,
		}
	}

	g.window.count++
	g.day.count++
	return Decision{Admitted: true}
}

// Observe folds upstream usage counts into the counters. Counts only
// rise: the provider may know about calls we never saw (another process,
// a restart) but never fewer than we made.
func (g *Governor) Observe(windowUsage, dayUsage int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollover(g.now())
	if windowUsage > g.window.count {
		g.window.count = min(windowUsage, g.window.limit)
	}
	if dayUsage > g.day.count {
		g.day.count = min(dayUsage, g.day.limit)
	}
}

// Snapshot returns the current counters.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollover(now)
	return Snapshot{
		WindowCount:    g.window.count,
		WindowLimit:    g.window.limit,
		WindowResetsAt: g.window.start.Add(g.cfg.Window),
		DayCount:       g.day.count,
		DayLimit:       g.day.limit,
		DayResetsAt:    g.nextDay(now),
	}
}

// rollover recomputes both epoch boundaries and clears any counter whose
// epoch has passed. The caller must hold g.mu.
func (g *Governor) rollover(now time.Time) {
	if ws := now.Truncate(g.cfg.Window); !ws.Equal(g.window.start) {
		g.window.start = ws
		g.window.count = 0
	}
	if ds := g.dayStart(now); !ds.Equal(g.day.start) {
		g.day.start = ds
		g.day.count = 0
	}
}

func (g *Governor) dayStart(now time.Time) time.Time {
	y, m, d := now.In(g.cfg.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, g.cfg.Location)
}

func (g *Governor) nextDay(now time.Time) time.Time {
	y, m, d := now.In(g.cfg.Location).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, g.cfg.Location)
}
