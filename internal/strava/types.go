package strava

import (
	"time"

	"github.com/nugget/pacer/internal/activity"
)

// SummaryActivity is one entry of the athlete activity list. It lacks the
// description, private note and segment efforts.
type SummaryActivity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageSpeed       float64   `json:"average_speed"`
	AthleteCount       int       `json:"athlete_count"`
}

// DetailedActivity is the per-item detail response.
type DetailedActivity struct {
	SummaryActivity
	Description    string          `json:"description"`
	PrivateNote    string          `json:"private_note"`
	SegmentEfforts []SegmentEffort `json:"segment_efforts"`
}

// SegmentEffort is one effort embedded in a detail response.
type SegmentEffort struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	ElapsedTime int       `json:"elapsed_time"`
	MovingTime  int       `json:"moving_time"`
	StartDate   time.Time `json:"start_date"`
	Distance    float64   `json:"distance"`
	PRRank      *int      `json:"pr_rank"`
	KOMRank     *int      `json:"kom_rank"`
	Segment     struct {
		ID           int64   `json:"id"`
		Name         string  `json:"name"`
		Distance     float64 `json:"distance"`
		AverageGrade float64 `json:"average_grade"`
		City         string  `json:"city"`
	} `json:"segment"`
}

// Lap is one lap of an activity.
type Lap struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	LapIndex           int       `json:"lap_index"`
	StartDate          time.Time `json:"start_date"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageSpeed       float64   `json:"average_speed"`
	AverageHeartrate   float64   `json:"average_heartrate,omitempty"`
}

// Athlete is the authenticated athlete.
type Athlete struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// Totals aggregates one sport over one period.
type Totals struct {
	Count         int     `json:"count"`
	Distance      float64 `json:"distance"`
	MovingTime    int     `json:"moving_time"`
	ElapsedTime   int     `json:"elapsed_time"`
	ElevationGain float64 `json:"elevation_gain"`
}

// AthleteStats is the athlete totals response.
type AthleteStats struct {
	BiggestRideDistance       float64 `json:"biggest_ride_distance"`
	BiggestClimbElevationGain float64 `json:"biggest_climb_elevation_gain"`
	RecentRunTotals           Totals  `json:"recent_run_totals"`
	RecentRideTotals          Totals  `json:"recent_ride_totals"`
	RecentSwimTotals          Totals  `json:"recent_swim_totals"`
	YTDRunTotals              Totals  `json:"ytd_run_totals"`
	YTDRideTotals             Totals  `json:"ytd_ride_totals"`
	YTDSwimTotals             Totals  `json:"ytd_swim_totals"`
	AllRunTotals              Totals  `json:"all_run_totals"`
	AllRideTotals             Totals  `json:"all_ride_totals"`
	AllSwimTotals             Totals  `json:"all_swim_totals"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Record converts a list entry to a Summary record. SportType is the
// finer-grained field and wins when present.
func (a SummaryActivity) Record() activity.Record {
	typ := a.SportType
	if typ == "" {
		typ = a.Type
	}
	return activity.Record{
		ID:            a.ID,
		Name:          a.Name,
		Type:          typ,
		StartTime:     a.StartDate.UTC(),
		Distance:      a.Distance,
		MovingTime:    seconds(a.MovingTime),
		ElapsedTime:   seconds(a.ElapsedTime),
		ElevationGain: a.TotalElevationGain,
		AverageSpeed:  a.AverageSpeed,
		AthleteCount:  a.AthleteCount,
		Enrichment:    activity.Summary,
	}
}

// Record converts a detail response to an Enriched record.
func (a DetailedActivity) Record() activity.Record {
	r := a.SummaryActivity.Record()
	r.Enrichment = activity.Enriched
	r.Description = a.Description
	r.PrivateNote = a.PrivateNote
	for _, e := range a.SegmentEfforts {
		se := activity.SegmentEffort{
			ID:          e.ID,
			SegmentID:   e.Segment.ID,
			Name:        e.Name,
			Distance:    e.Distance,
			ElapsedTime: seconds(e.ElapsedTime),
			MovingTime:  seconds(e.MovingTime),
			StartTime:   e.StartDate.UTC(),
			AvgGrade:    e.Segment.AverageGrade,
			City:        e.Segment.City,
		}
		if se.Name == "" {
			se.Name = e.Segment.Name
		}
		if e.PRRank != nil {
			se.PRRank = *e.PRRank
		}
		if e.KOMRank != nil {
			se.KOMRank = *e.KOMRank
		}
		r.Segments = append(r.Segments, se)
	}
	return r
}
