// Package activity defines the normalized activity record shared by the
// cache, the hydration engine, the ranking policy and the tools.
package activity

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// Enrichment describes how much of an activity we have fetched.
type Enrichment int

const (
	// Summary records come from list endpoints and lack the note,
	// description and segment fields.
	Summary Enrichment = iota

	// Enriched records come from the per-item detail endpoint.
	Enriched
)

// String returns the wire name used in tool results.
func (e Enrichment) String() string {
	if e == Enriched {
		return "enriched"
	}
	return "summary"
}

// SegmentEffort is one attempt at a segment within an activity. Only
// Enriched records carry segment efforts.
type SegmentEffort struct {
	ID          int64         `json:"id"`
	SegmentID   int64         `json:"segment_id"`
	Name        string        `json:"name"`
	Distance    float64       `json:"distance_m"`
	ElapsedTime time.Duration `json:"-"`
	MovingTime  time.Duration `json:"-"`
	StartTime   time.Time     `json:"start_time"`
	PRRank      int           `json:"pr_rank,omitempty"`
	KOMRank     int           `json:"kom_rank,omitempty"`
	AvgGrade    float64       `json:"average_grade,omitempty"`
	City        string        `json:"city,omitempty"`
}

// Record is one activity. StartTime is the ordering key. Once a record is
// Enriched it is immutable for its fetch epoch; only an explicit sync
// makes it eligible for re-enrichment.
type Record struct {
	ID            int64
	Name          string
	Type          string
	StartTime     time.Time
	Distance      float64 // meters
	MovingTime    time.Duration
	ElapsedTime   time.Duration
	ElevationGain float64 // meters
	AverageSpeed  float64 // meters per second, as reported upstream
	AthleteCount  int
	Enrichment    Enrichment

	// Detail-only fields.
	Description string
	PrivateNote string
	Segments    []SegmentEffort

	// Epoch is the cache epoch the record was enriched in. It is bumped
	// by sync so stale detail can be told apart from fresh detail.
	Epoch uint64
}

// IsEnriched reports whether the record carries detail fields.
func (r Record) IsEnriched() bool {
	return r.Enrichment == Enriched
}

// Speed returns distance over moving time in meters per second. Records
// without moving time have no meaningful speed and report zero.
func (r Record) Speed() float64 {
	if r.MovingTime <= 0 {
		return 0
	}
	return r.Distance / r.MovingTime.Seconds()
}

// Supersedes reports whether r should replace other in the cache. An
// Enriched record always wins over a Summary for the same id; between two
// records of the same enrichment the newer epoch wins.
func (r Record) Supersedes(other Record) bool {
	if r.Enrichment != other.Enrichment {
		return r.Enrichment > other.Enrichment
	}
	return r.Epoch >= other.Epoch
}

// Mentions reports whether text appears, case-insensitively, in the
// record's name, description or private note.
func (r Record) Mentions(text string) bool {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return true
	}
	for _, hay := range []string{r.Name, r.Description, r.PrivateNote} {
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

// CompareRecent orders records most recent first. Equal start times fall
// back to the higher id first so the order is total.
func CompareRecent(a, b Record) int {
	if c := b.StartTime.Compare(a.StartTime); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

// CompareChronological orders records oldest first, lower id first on ties.
func CompareChronological(a, b Record) int {
	if c := a.StartTime.Compare(b.StartTime); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortRecent sorts records in place, most recent first.
func SortRecent(recs []Record) {
	slices.SortFunc(recs, CompareRecent)
}

// SortChronological sorts records in place, oldest first.
func SortChronological(recs []Record) {
	slices.SortFunc(recs, CompareChronological)
}

// InRange reports whether the record starts within [start, end). A zero
// bound is open.
func (r Record) InRange(start, end time.Time) bool {
	if !start.IsZero() && r.StartTime.Before(start) {
		return false
	}
	if !end.IsZero() && !r.StartTime.Before(end) {
		return false
	}
	return true
}
