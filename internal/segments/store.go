// Package segments keeps a local index of the segments and segment
// efforts seen in enriched activities. Detail fetches are the expensive
// part of answering a question; every one of them also feeds this index,
// so segment questions ("my best time up Old La Honda") are answered
// from disk without spending quota.
package segments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/pacer/internal/activity"
)

// Segment is one known segment.
type Segment struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance_m"`
	AvgGrade float64 `json:"average_grade"`
	City     string  `json:"city,omitempty"`
	Efforts  int     `json:"efforts"`
}

// Effort is one recorded attempt at a segment.
type Effort struct {
	ID          int64         `json:"id"`
	SegmentID   int64         `json:"segment_id"`
	ActivityID  int64         `json:"activity_id"`
	ElapsedTime time.Duration `json:"-"`
	MovingTime  time.Duration `json:"-"`
	StartTime   time.Time     `json:"start_time"`
	PRRank      int           `json:"pr_rank,omitempty"`
}

// Store is a SQLite-backed segment index. All methods are safe for
// concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the index at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open segment database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "segments")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate segment schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS segments (
		id         INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		distance   REAL NOT NULL,
		avg_grade  REAL NOT NULL,
		city       TEXT
	);
	CREATE TABLE IF NOT EXISTS segment_efforts (
		id           INTEGER PRIMARY KEY,
		segment_id   INTEGER NOT NULL REFERENCES segments(id),
		activity_id  INTEGER NOT NULL,
		elapsed_sec  INTEGER NOT NULL,
		moving_sec   INTEGER NOT NULL,
		start_time   TEXT NOT NULL,
		pr_rank      INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_efforts_segment ON segment_efforts(segment_id, elapsed_sec);
	CREATE INDEX IF NOT EXISTS idx_efforts_activity ON segment_efforts(activity_id);
	CREATE INDEX IF NOT EXISTS idx_segments_name ON segments(name COLLATE NOCASE);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveFromRecord upserts the segments and efforts carried by an enriched
// record. Summary records carry none and are ignored.
func (s *Store) SaveFromRecord(ctx context.Context, r activity.Record) error {
	if !r.IsEnriched() || len(r.Segments) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin segment save: %w", err)
	}
	defer tx.Rollback()

	for _, e := range r.Segments {
		if e.SegmentID == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO segments (id, name, distance, avg_grade, city)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, distance = excluded.distance,
				avg_grade = excluded.avg_grade, city = excluded.city`,
			e.SegmentID, e.Name, e.Distance, e.AvgGrade, e.City,
		); err != nil {
			return fmt.Errorf("upsert segment %d: %w", e.SegmentID, err)
		}

		var pr sql.NullInt64
		if e.PRRank > 0 {
			pr = sql.NullInt64{Int64: int64(e.PRRank), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO segment_efforts (id, segment_id, activity_id, elapsed_sec, moving_sec, start_time, pr_rank)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				elapsed_sec = excluded.elapsed_sec, moving_sec = excluded.moving_sec,
				start_time = excluded.start_time, pr_rank = excluded.pr_rank`,
			e.ID, e.SegmentID, r.ID,
			int64(e.ElapsedTime.Seconds()), int64(e.MovingTime.Seconds()),
			e.StartTime.UTC().Format(time.RFC3339), pr,
		); err != nil {
			return fmt.Errorf("upsert effort %d: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit segment save: %w", err)
	}
	s.logger.Debug("segments indexed", "activity_id", r.ID, "efforts", len(r.Segments))
	return nil
}

// Observe is an [hydrate.WithOnEnriched] hook. Failures are logged; the
// index is best-effort.
func (s *Store) Observe(r activity.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.SaveFromRecord(ctx, r); err != nil {
		s.logger.Warn("segment index update failed", "activity_id", r.ID, "error", err)
	}
}

// Get returns one segment by id.
func (s *Store) Get(ctx context.Context, id int64) (Segment, bool, error) {
	seg, err := scanSegment(s.db.QueryRowContext(ctx, segmentSelect+` WHERE s.id = ? GROUP BY s.id`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, false, nil
	}
	if err != nil {
		return Segment{}, false, fmt.Errorf("get segment %d: %w", id, err)
	}
	return seg, true, nil
}

// Search returns segments whose name contains query, case-insensitively,
// most-attempted first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Segment, error) {
	if limit <= 0 {
		limit = 5
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx,
		segmentSelect+` WHERE s.name LIKE ? ESCAPE '\'
		 GROUP BY s.id ORDER BY COUNT(e.id) DESC, s.id LIMIT ?`,
		pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// BestEfforts returns the fastest efforts on a segment by elapsed time.
// Equal times keep the most recent first.
func (s *Store) BestEfforts(ctx context.Context, segmentID int64, limit int) ([]Effort, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, segment_id, activity_id, elapsed_sec, moving_sec, start_time, COALESCE(pr_rank, 0)
		 FROM segment_efforts
		 WHERE segment_id = ?
		 ORDER BY elapsed_sec ASC, start_time DESC, id DESC
		 LIMIT ?`,
		segmentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query best efforts: %w", err)
	}
	defer rows.Close()

	var out []Effort
	for rows.Next() {
		var (
			e               Effort
			elapsed, moving int64
			start           string
		)
		if err := rows.Scan(&e.ID, &e.SegmentID, &e.ActivityID, &elapsed, &moving, &start, &e.PRRank); err != nil {
			return nil, fmt.Errorf("scan effort: %w", err)
		}
		e.ElapsedTime = time.Duration(elapsed) * time.Second
		e.MovingTime = time.Duration(moving) * time.Second
		e.StartTime, _ = time.Parse(time.RFC3339, start)
		out = append(out, e)
	}
	return out, rows.Err()
}

const segmentSelect = `SELECT s.id, s.name, s.distance, s.avg_grade, COALESCE(s.city, ''), COUNT(e.id)
	 FROM segments s LEFT JOIN segment_efforts e ON e.segment_id = s.id`

type scanner interface {
	Scan(dest ...any) error
}

func scanSegment(sc scanner) (Segment, error) {
	var seg Segment
	err := sc.Scan(&seg.ID, &seg.Name, &seg.Distance, &seg.AvgGrade, &seg.City, &seg.Efforts)
	return seg, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
