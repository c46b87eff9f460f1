package tools

import (
	"fmt"
	"math"
	"time"

	"github.com/nugget/pacer/internal/activity"
	"github.com/nugget/pacer/internal/hydrate"
	"github.com/nugget/pacer/internal/quota"
	"github.com/nugget/pacer/internal/strava"
)

// maxSegmentsInView bounds the segment efforts shown per activity.
const maxSegmentsInView = 10

// ActivityView is the model-facing shape of a record. Distances are in
// kilometers and durations in clock form so the model does not have to
// convert units.
type ActivityView struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	StartTime   string  `json:"start_time"`
	DistanceKM  float64 `json:"distance_km"`
	MovingTime  string  `json:"moving_time"`
	ElapsedTime string  `json:"elapsed_time,omitempty"`
	ElevationM  float64 `json:"elevation_gain_m"`
	Pace        string  `json:"pace,omitempty"`
	SpeedKPH    float64 `json:"speed_kph,omitempty"`
	Enrichment  string  `json:"enrichment"`

	Description string        `json:"description,omitempty"`
	PrivateNote string        `json:"private_note,omitempty"`
	Segments    []SegmentView `json:"segments,omitempty"`
}

// SegmentView is one segment effort inside an ActivityView.
type SegmentView struct {
	SegmentID   int64   `json:"segment_id"`
	Name        string  `json:"name"`
	DistanceKM  float64 `json:"distance_km"`
	ElapsedTime string  `json:"elapsed_time"`
	PRRank      int     `json:"pr_rank,omitempty"`
}

// NewActivityView converts a record for display in loc.
func NewActivityView(r activity.Record, loc *time.Location) ActivityView {
	if loc == nil {
		loc = time.UTC
	}
	v := ActivityView{
		ID:          r.ID,
		Name:        r.Name,
		Type:        r.Type,
		StartTime:   r.StartTime.In(loc).Format(time.RFC3339),
		DistanceKM:  round(r.Distance/1000, 2),
		MovingTime:  clock(r.MovingTime),
		ElevationM:  round(r.ElevationGain, 0),
		Enrichment:  r.Enrichment.String(),
		Description: r.Description,
		PrivateNote: r.PrivateNote,
	}
	if r.ElapsedTime != r.MovingTime {
		v.ElapsedTime = clock(r.ElapsedTime)
	}
	if sp := r.Speed(); sp > 0 {
		v.SpeedKPH = round(sp*3.6, 1)
		if activity.Family(r.Type) == "run" || activity.Family(r.Type) == "walk" || activity.Family(r.Type) == "hike" {
			v.Pace = pace(sp)
		}
	}
	for i, e := range r.Segments {
		if i == maxSegmentsInView {
			break
		}
		v.Segments = append(v.Segments, SegmentView{
			SegmentID:   e.SegmentID,
			Name:        e.Name,
			DistanceKM:  round(e.Distance/1000, 2),
			ElapsedTime: clock(e.ElapsedTime),
			PRRank:      e.PRRank,
		})
	}
	return v
}

// clock formats a duration as H:MM:SS, or M:SS under an hour.
func clock(d time.Duration) string {
	s := int64(d.Round(time.Second).Seconds())
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, s%3600/60, s%60)
	}
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// pace formats meters per second as minutes per kilometer.
func pace(mps float64) string {
	return clock(time.Duration(1000/mps*float64(time.Second))) + "/km"
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Flags report partial results. They are embedded in every result that
// touches the upstream API.
type Flags struct {
	Partial           bool    `json:"partial,omitempty"`
	Truncated         bool    `json:"truncated,omitempty"`
	QuotaExhausted    bool    `json:"quota_exhausted,omitempty"`
	RetryAfterSeconds int     `json:"retry_after_seconds,omitempty"`
	FailedIDs         []int64 `json:"failed_ids,omitempty"`
	Note              string  `json:"note,omitempty"`
}

func (f *Flags) quota(retryAfter time.Duration) {
	f.Partial = true
	f.QuotaExhausted = true
	f.RetryAfterSeconds = int(retryAfter.Round(time.Second).Seconds())
	f.Note = quotaNote(retryAfter)
}

func (f *Flags) merge(partial, truncated bool, failures []hydrate.Failure) {
	f.Partial = f.Partial || partial
	f.Truncated = f.Truncated || truncated
	for _, fl := range failures {
		if fl.ID != 0 {
			f.FailedIDs = append(f.FailedIDs, fl.ID)
		}
	}
}

func quotaNote(retryAfter time.Duration) string {
	mins := int(retryAfter.Round(time.Minute).Minutes())
	if mins < 1 {
		return "rate limit reached, try again in under a minute"
	}
	return fmt.Sprintf("rate limit reached, try again in ~%d min", mins)
}

// SearchResult is the search_activities result.
type SearchResult struct {
	Activities []ActivityView `json:"activities"`
	Count      int            `json:"count"`

	// RankedBy and Considered are set when the search was reduced to a
	// single superlative record.
	RankedBy   string `json:"ranked_by,omitempty"`
	Considered int    `json:"considered,omitempty"`

	Flags
}

// DetailResult is the get_activity_detail result.
type DetailResult struct {
	Activity *ActivityView `json:"activity,omitempty"`
	Flags
}

// StatsResult is the get_athlete_stats result.
type StatsResult struct {
	Stats *strava.AthleteStats `json:"stats,omitempty"`
	Flags
}

// LapView is one lap.
type LapView struct {
	Index      int     `json:"index"`
	Name       string  `json:"name,omitempty"`
	DistanceKM float64 `json:"distance_km"`
	MovingTime string  `json:"moving_time"`
	Pace       string  `json:"pace,omitempty"`
	ElevationM float64 `json:"elevation_gain_m"`
	HeartRate  float64 `json:"average_heartrate,omitempty"`
}

// LapsResult is the get_activity_laps result.
type LapsResult struct {
	ActivityID int64     `json:"activity_id"`
	Laps       []LapView `json:"laps"`
	Flags
}

func newLapViews(laps []strava.Lap) []LapView {
	out := make([]LapView, 0, len(laps))
	for _, l := range laps {
		v := LapView{
			Index:      l.LapIndex,
			Name:       l.Name,
			DistanceKM: round(l.Distance/1000, 2),
			MovingTime: clock(time.Duration(l.MovingTime) * time.Second),
			ElevationM: round(l.TotalElevationGain, 0),
			HeartRate:  l.AverageHeartrate,
		}
		if l.AverageSpeed > 0 {
			v.Pace = pace(l.AverageSpeed)
		}
		out = append(out, v)
	}
	return out
}

// TotalsView summarizes one period.
type TotalsView struct {
	Period     Period  `json:"period"`
	Count      int     `json:"count"`
	DistanceKM float64 `json:"distance_km"`
	MovingTime string  `json:"moving_time"`
	ElevationM float64 `json:"elevation_gain_m"`

	movingSeconds float64
}

func (t *TotalsView) add(r activity.Record) {
	t.Count++
	t.DistanceKM += r.Distance / 1000
	t.movingSeconds += r.MovingTime.Seconds()
	t.ElevationM += r.ElevationGain
}

func (t *TotalsView) finish() {
	t.DistanceKM = round(t.DistanceKM, 2)
	t.ElevationM = round(t.ElevationM, 0)
	t.MovingTime = clock(time.Duration(t.movingSeconds * float64(time.Second)))
}

func (t TotalsView) metric(m string) float64 {
	switch m {
	case "moving_time":
		return t.movingSeconds / 3600
	case "elevation":
		return t.ElevationM
	case "count":
		return float64(t.Count)
	}
	return t.DistanceKM
}

// CompareResult is the compare_periods result. Delta is B minus A in the
// metric's display unit (km, hours, meters, or a count).
type CompareResult struct {
	Metric       string     `json:"metric"`
	Unit         string     `json:"unit"`
	ActivityType string     `json:"activity_type,omitempty"`
	A            TotalsView `json:"period_a"`
	B            TotalsView `json:"period_b"`
	Delta        float64    `json:"delta"`
	PercentDelta *float64   `json:"percent_delta,omitempty"`
	Flags
}

func metricUnit(m string) string {
	switch m {
	case "moving_time":
		return "hours"
	case "elevation":
		return "m"
	case "count":
		return "activities"
	}
	return "km"
}

// QuotaResult is the get_quota result.
type QuotaResult struct {
	quota.Snapshot
	WindowRemaining int `json:"window_remaining"`
	DayRemaining    int `json:"day_remaining"`
}

// SegmentEffortsResult is the get_segment_efforts result.
type SegmentEffortsResult struct {
	Segment *SegmentInfo  `json:"segment,omitempty"`
	Matches []SegmentInfo `json:"other_matches,omitempty"`
	Efforts []EffortView  `json:"efforts"`
	Note    string        `json:"note,omitempty"`
}

// SegmentInfo describes a segment.
type SegmentInfo struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	DistanceKM float64 `json:"distance_km"`
	AvgGrade   float64 `json:"average_grade"`
	City       string  `json:"city,omitempty"`
	Efforts    int     `json:"known_efforts"`
}

// EffortView is one effort in a best-efforts list.
type EffortView struct {
	ActivityID  int64  `json:"activity_id"`
	StartTime   string `json:"start_time"`
	ElapsedTime string `json:"elapsed_time"`
	PRRank      int    `json:"pr_rank,omitempty"`
}
