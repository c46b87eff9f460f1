// Package cache holds upstream responses and normalized activity records
// in memory.
//
// Entries are keyed by endpoint identity plus a normalized parameter set.
// Reads never touch the network: callers that miss either fetch on their
// own or use [Cache.Do], which coalesces concurrent misses on one key into
// a single fetch.
//
// There is no size-based eviction. One athlete's history is small next to
// process memory, so entries leave only by TTL expiry or explicit
// invalidation. Serving many athletes from one process would need a
// bounded policy (LRU) layered on top of this.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/pacer/internal/activity"
)

// Class is an entry's freshness class.
type Class int

const (
	// Volatile entries (list pages, athlete totals) expire after the
	// configured summary TTL because new activities can appear at any time.
	Volatile Class = iota

	// Immutable entries (detail, laps, streams of a finished activity)
	// never expire; only sync invalidation removes them.
	Immutable
)

// String returns a log-friendly class name.
func (c Class) String() string {
	if c == Immutable {
		return "immutable"
	}
	return "volatile"
}

// Key identifies one cached upstream response.
type Key struct {
	Endpoint string
	Params   string
}

// String renders the key for logging and single-flight grouping.
func (k Key) String() string {
	if k.Params == "" {
		return k.Endpoint
	}
	return k.Endpoint + "?" + k.Params
}

// NewKey builds a key with a normalized parameter set: sorted by name,
// empty values dropped, so the same request always maps to the same key
// regardless of how the caller assembled it.
func NewKey(endpoint string, params map[string]string) Key {
	var parts []string
	for _, name := range slices.Sorted(maps.Keys(params)) {
		if v := params[name]; v != "" {
			parts = append(parts, name+"="+v)
		}
	}
	return Key{Endpoint: endpoint, Params: strings.Join(parts, "&")}
}

// Entry is one cached response.
type Entry struct {
	Payload   any
	FetchedAt time.Time
	Class     Class
}

// Config controls entry freshness.
type Config struct {
	// SummaryTTL is how long Volatile entries stay fresh.
	SummaryTTL time.Duration
}

// Cache is safe for concurrent use. Locks cover bookkeeping only; fetches
// passed to Do run outside any lock.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	records map[int64]activity.Record
	epoch   uint64

	flight singleflight.Group
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty cache.
func New(cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.SummaryTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		entries: make(map[Key]Entry),
		records: make(map[int64]activity.Record),
		epoch:   1,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "cache"),
	}
}

// SetClock replaces time.Now for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns a fresh entry for key. Expired entries count as misses.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key Key) (Entry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if e.Class == Volatile && c.now().Sub(e.FetchedAt) >= c.ttl {
		return Entry{}, false
	}
	return e, true
}

// Put stores payload under key.
func (c *Cache) Put(key Key, payload any, class Class) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Payload: payload, FetchedAt: c.now(), Class: class}
}

// Invalidate removes every entry the predicate selects and returns how
// many were removed.
func (c *Cache) Invalidate(pred func(Key, Entry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dropEntriesLocked(pred)
}

// FetchFunc performs the upstream call behind a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// Do returns the cached payload for key, or runs fetch exactly once for
// all concurrent callers missing on the same key. shared reports whether
// this caller received a result it did not fetch itself (a cache hit or a
// coalesced wait). Errors are not cached.
func (c *Cache) Do(ctx context.Context, key Key, class Class, fetch FetchFunc) (payload any, shared bool, err error) {
	if e, ok := c.Get(key); ok {
		return e.Payload, true, nil
	}

	fetched := false
	v, err, _ := c.flight.Do(key.String(), func() (any, error) {
		// A flight for this key may have completed between our miss and
		// joining the group; its result is already stored.
		if e, ok := c.Get(key); ok {
			return e.Payload, nil
		}
		fetched = true
		p, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, p, class)
		return p, nil
	})
	if err != nil {
		return nil, !fetched, fmt.Errorf("fetch %s: %w", key, err)
	}
	if fetched {
		c.logger.Debug("cache fill", "key", key.String(), "class", class.String())
	}
	return v, !fetched, nil
}

// Record returns the best-known record for an activity id.
func (c *Cache) Record(id int64) (activity.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	return r, ok
}

// PutRecord stores r unless the cache already holds a record that
// supersedes it. An Enriched record is never replaced by a Summary, no
// matter which endpoint produced the summary or when it arrived. It
// returns the record now held for the id.
func (c *Cache) PutRecord(r activity.Record) activity.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putRecordLocked(r)
}

func (c *Cache) putRecordLocked(r activity.Record) activity.Record {
	if r.IsEnriched() && r.Epoch == 0 {
		r.Epoch = c.epoch
	}
	if cur, ok := c.records[r.ID]; ok && !r.Supersedes(cur) {
		return cur
	}
	c.records[r.ID] = r
	return r
}

// MergeRecords reconciles a batch (a list page, typically) with the record
// index and returns the batch as the index now sees it: ids already
// enriched come back Enriched.
func (c *Cache) MergeRecords(batch []activity.Record) []activity.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]activity.Record, len(batch))
	for i, r := range batch {
		out[i] = c.putRecordLocked(r)
	}
	return out
}

// IDKey builds the key for a per-activity endpoint.
func IDKey(endpoint string, id int64) Key {
	return NewKey(endpoint, map[string]string{"id": strconv.FormatInt(id, 10)})
}

// Invalidation reports what a sync removed.
type Invalidation struct {
	Records int `json:"records"`
	Entries int `json:"entries"`
}

// InvalidateIDs drops the records for ids, every per-id entry keyed on
// them, and all Volatile entries (list pages may embed stale summaries).
// It starts a new fetch epoch so later enrichment supersedes what was held.
func (c *Cache) InvalidateIDs(ids []int64) Invalidation {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[IDKey("", id).Params] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var inv Invalidation
	for _, id := range ids {
		if _, ok := c.records[id]; ok {
			delete(c.records, id)
			inv.Records++
		}
	}
	inv.Entries = c.dropEntriesLocked(func(k Key, e Entry) bool {
		return e.Class == Volatile || drop[k.Params]
	})
	c.epoch++
	c.logger.Info("cache invalidated by id", "ids", len(ids), "records", inv.Records, "entries", inv.Entries)
	return inv
}

// InvalidateSince drops every record starting at or after t, their per-id
// entries, and all Volatile entries.
func (c *Cache) InvalidateSince(t time.Time) Invalidation {
	c.mu.Lock()
	defer c.mu.Unlock()

	drop := make(map[string]bool)
	var inv Invalidation
	for id, r := range c.records {
		if !r.StartTime.Before(t) {
			drop[IDKey("", id).Params] = true
			delete(c.records, id)
			inv.Records++
		}
	}
	inv.Entries = c.dropEntriesLocked(func(k Key, e Entry) bool {
		return e.Class == Volatile || drop[k.Params]
	})
	c.epoch++
	c.logger.Info("cache invalidated since", "since", t.Format(time.RFC3339), "records", inv.Records, "entries", inv.Entries)
	return inv
}

func (c *Cache) dropEntriesLocked(pred func(Key, Entry) bool) int {
	n := 0
	for k, e := range c.entries {
		if pred(k, e) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Records returns every known record, most recent first.
func (c *Cache) Records() []activity.Record {
	c.mu.RLock()
	recs := slices.Collect(maps.Values(c.records))
	c.mu.RUnlock()

	activity.SortRecent(recs)
	return recs
}

// Epoch returns the current fetch epoch.
func (c *Cache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Stats summarizes cache contents.
type Stats struct {
	Entries         int `json:"entries"`
	Records         int `json:"records"`
	EnrichedRecords int `json:"enriched_records"`
}

// Stats returns current counts.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Entries: len(c.entries), Records: len(c.records)}
	for _, r := range c.records {
		if r.IsEnriched() {
			s.EnrichedRecords++
		}
	}
	return s
}
