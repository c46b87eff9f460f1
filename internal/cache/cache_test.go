package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/nugget/pacer/internal/activity"
)

func newTestCache(t *testing.T) (*Cache, *time.Time) {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := New(Config{SummaryTTL: 5 * time.Minute}, nil)
	c.SetClock(func() time.Time { return now })
	return c, &now
}

func TestNewKey_Normalized(t *testing.T) {
	a := NewKey("/athlete/activities", map[string]string{"page": "2", "after": "100", "before": ""})
	b := NewKey("/athlete/activities", map[string]string{"after": "100", "page": "2"})
	if a != b {
		t.Errorf("keys differ: %v vs %v", a, b)
	}
	if got := a.String(); got != "/athlete/activities?after=100&page=2" {
		t.Errorf("String() = %q", got)
	}
}

func TestGet_VolatileExpires(t *testing.T) {
	c, now := newTestCache(t)
	list := NewKey("list", nil)
	detail := IDKey("detail", 7)

	c.Put(list, "page", Volatile)
	c.Put(detail, "record", Immutable)

	*now = now.Add(4 * time.Minute)
	if _, ok := c.Get(list); !ok {
		t.Fatal("volatile entry expired early")
	}

	*now = now.Add(time.Minute)
	if _, ok := c.Get(list); ok {
		t.Error("volatile entry still fresh after TTL")
	}
	*now = now.Add(365 * 24 * time.Hour)
	if _, ok := c.Get(detail); !ok {
		t.Error("immutable entry expired")
	}
}

func TestDo_CoalescesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t)
	key := IDKey("detail", 42)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "payload", nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			v, _, err := c.Do(context.Background(), key, Immutable, fetch)
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = v
		}(i)
	}
	for i := 0; i < n; i++ {
		<-started
	}
	// Give every goroutine a chance to join the flight before it lands.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch called %d times, want 1", got)
	}
	for i, v := range results {
		if v != "payload" {
			t.Errorf("result[%d] = %v", i, v)
		}
	}

	// A later caller hits the stored entry.
	if _, shared, _ := c.Do(context.Background(), key, Immutable, fetch); !shared {
		t.Error("expected cache hit after flight")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fetch called %d times after hit, want 1", got)
	}
}

func TestDo_ErrorsNotCached(t *testing.T) {
	c, _ := newTestCache(t)
	key := IDKey("detail", 1)
	boom := errors.New("boom")

	if _, _, err := c.Do(context.Background(), key, Immutable, func(context.Context) (any, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if _, ok := c.Get(key); ok {
		t.Error("error result was cached")
	}
}

func TestPutRecord_EnrichedSupersedesSummary(t *testing.T) {
	c, _ := newTestCache(t)

	rich := activity.Record{ID: 9, Name: "Long Run", Enrichment: activity.Enriched, Description: "felt strong"}
	c.PutRecord(rich)

	// A list page arriving later must not downgrade the record.
	merged := c.MergeRecords([]activity.Record{{ID: 9, Name: "Long Run"}, {ID: 10}})
	if !merged[0].IsEnriched() || merged[0].Description != "felt strong" {
		t.Errorf("summary downgraded enriched record: %+v", merged[0])
	}
	if merged[1].IsEnriched() {
		t.Error("unknown id came back enriched")
	}

	got, ok := c.Record(9)
	if !ok || !got.IsEnriched() {
		t.Fatalf("Record(9) = %+v, %v", got, ok)
	}
	if got.Epoch != c.Epoch() {
		t.Errorf("enriched record epoch = %d, want %d", got.Epoch, c.Epoch())
	}
}

func TestPutRecord_ArrivalOrderIrrelevantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := New(Config{}, nil)
		n := rapid.IntRange(1, 20).Draw(t, "n")
		enrichedAt := rapid.IntRange(0, n-1).Draw(t, "enrichedAt")

		for i := 0; i < n; i++ {
			r := activity.Record{ID: 1}
			if i == enrichedAt {
				r.Enrichment = activity.Enriched
			}
			c.PutRecord(r)
		}
		if got, _ := c.Record(1); !got.IsEnriched() {
			t.Fatalf("record not enriched after %d puts with enriched at %d", n, enrichedAt)
		}
	})
}

func TestInvalidateIDs(t *testing.T) {
	c, _ := newTestCache(t)
	c.PutRecord(activity.Record{ID: 1, Enrichment: activity.Enriched})
	c.PutRecord(activity.Record{ID: 2, Enrichment: activity.Enriched})
	c.Put(IDKey("detail", 1), "d1", Immutable)
	c.Put(IDKey("laps", 1), "l1", Immutable)
	c.Put(IDKey("detail", 2), "d2", Immutable)
	c.Put(NewKey("list", map[string]string{"page": "1"}), "p1", Volatile)

	before := c.Epoch()
	inv := c.InvalidateIDs([]int64{1})
	if inv.Records != 1 || inv.Entries != 3 {
		t.Errorf("invalidation = %+v, want 1 record, 3 entries", inv)
	}
	if _, ok := c.Record(1); ok {
		t.Error("record 1 survived")
	}
	if _, ok := c.Get(IDKey("detail", 2)); !ok {
		t.Error("unrelated detail entry dropped")
	}
	if c.Epoch() != before+1 {
		t.Errorf("epoch = %d, want %d", c.Epoch(), before+1)
	}
}

func TestInvalidateSince(t *testing.T) {
	c, _ := newTestCache(t)
	cut := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c.PutRecord(activity.Record{ID: 1, StartTime: cut.Add(-time.Hour), Enrichment: activity.Enriched})
	c.PutRecord(activity.Record{ID: 2, StartTime: cut.Add(time.Hour), Enrichment: activity.Enriched})
	c.Put(IDKey("detail", 1), "d1", Immutable)
	c.Put(IDKey("detail", 2), "d2", Immutable)

	inv := c.InvalidateSince(cut)
	if inv.Records != 1 || inv.Entries != 1 {
		t.Errorf("invalidation = %+v", inv)
	}
	if _, ok := c.Record(1); !ok {
		t.Error("older record dropped")
	}
	if _, ok := c.Get(IDKey("detail", 2)); ok {
		t.Error("newer detail entry survived")
	}
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(t)
	c.MergeRecords([]activity.Record{{ID: 1}, {ID: 2, Enrichment: activity.Enriched}})
	c.Put(NewKey("list", nil), nil, Volatile)

	s := c.Stats()
	if s.Entries != 1 || s.Records != 2 || s.EnrichedRecords != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}
