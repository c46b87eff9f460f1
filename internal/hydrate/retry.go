package hydrate

import (
	"context"
	"sync/atomic"
	"time"
)

// RetryPolicy is the bounded exponential backoff applied to one upstream
// item after a 429 or transient failure.
type RetryPolicy struct {
	// InitialDelay is the wait before the first retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 8s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of retries after the first attempt
	// (default: 3). Zero disables retry.
	MaxRetries int
}

// DefaultRetryPolicy returns 1s, 2s, 4s with three retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   3,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Budget bounds the waiting one query may do inside the engine: how many
// quota rejections it may sleep through and the wall-clock point past
// which no sleep may end. It also counts the upstream calls the query
// spent. A Budget is shared by every tool call of one query.
type Budget struct {
	Deadline      time.Time
	MaxQuotaWaits int

	quotaWaits atomic.Int32
	calls      atomic.Int32
}

// NewBudget returns a budget ending at deadline.
func NewBudget(deadline time.Time, maxQuotaWaits int) *Budget {
	return &Budget{Deadline: deadline, MaxQuotaWaits: maxQuotaWaits}
}

// Calls reports upstream calls made under this budget.
func (b *Budget) Calls() int {
	if b == nil {
		return 0
	}
	return int(b.calls.Load())
}

// QuotaWaits reports how many quota sleeps this budget has spent.
func (b *Budget) QuotaWaits() int {
	if b == nil {
		return 0
	}
	return int(b.quotaWaits.Load())
}

func (b *Budget) countCall() {
	if b != nil {
		b.calls.Add(1)
	}
}

// fits reports whether a sleep of d starting at now ends before the
// deadline.
func (b *Budget) fits(now time.Time, d time.Duration) bool {
	if b == nil || b.Deadline.IsZero() {
		return true
	}
	return now.Add(d).Before(b.Deadline)
}

// takeQuotaWait reserves one quota sleep if any remain and d fits.
func (b *Budget) takeQuotaWait(now time.Time, d time.Duration) bool {
	if b == nil || !b.fits(now, d) {
		return false
	}
	for {
		n := b.quotaWaits.Load()
		if int(n) >= b.MaxQuotaWaits {
			return false
		}
		if b.quotaWaits.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

type budgetKey struct{}

// WithBudget attaches b to ctx.
func WithBudget(ctx context.Context, b *Budget) context.Context {
	return context.WithValue(ctx, budgetKey{}, b)
}

// BudgetFrom returns the budget attached to ctx, or nil. A nil budget
// allows no quota waits and imposes no deadline on retry backoff.
func BudgetFrom(ctx context.Context) *Budget {
	b, _ := ctx.Value(budgetKey{}).(*Budget)
	return b
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
