// Package usage keeps an append-only ledger of answered questions: how
// many model turns, tool calls and upstream API calls each one took, the
// tokens it consumed and what it cost. Records are indexed by timestamp
// for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one query execution.
type Record struct {
	ID        string
	Timestamp time.Time
	QueryID   string
	Source    string // "http", "cli", "mcp"
	Model     string
	Provider  string

	// State is the agent's final state: answered, failed, turn_limit,
	// cancelled.
	State string

	Turns         int
	ToolCalls     int
	UpstreamCalls int
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	Elapsed       time.Duration
}

// Summary holds aggregated totals.
type Summary struct {
	TotalQueries       int     `json:"total_queries"`
	TotalTurns         int64   `json:"total_turns"`
	TotalToolCalls     int64   `json:"total_tool_calls"`
	TotalUpstreamCalls int64   `json:"total_upstream_calls"`
	TotalInputTokens   int64   `json:"total_input_tokens"`
	TotalOutputTokens  int64   `json:"total_output_tokens"`
	TotalCostUSD       float64 `json:"total_cost_usd"`
}

// Store is an append-only SQLite ledger. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the ledger at dbPath, creating the schema on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_usage (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		query_id        TEXT NOT NULL,
		source          TEXT,
		model           TEXT NOT NULL,
		provider        TEXT NOT NULL,
		state           TEXT NOT NULL,
		turns           INTEGER NOT NULL,
		tool_calls      INTEGER NOT NULL,
		upstream_calls  INTEGER NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		cost_usd        REAL NOT NULL,
		elapsed_ms      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_usage_timestamp ON query_usage(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_usage
			(id, timestamp, query_id, source, model, provider, state, turns, tool_calls,
			 upstream_calls, input_tokens, output_tokens, cost_usd, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.QueryID,
		rec.Source,
		rec.Model,
		rec.Provider,
		rec.State,
		rec.Turns,
		rec.ToolCalls,
		rec.UpstreamCalls,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*), COALESCE(SUM(turns), 0), COALESCE(SUM(tool_calls), 0),
	COALESCE(SUM(upstream_calls), 0), COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)`

func (sum *Summary) scanFrom(sc interface{ Scan(...any) error }, prefix ...any) error {
	return sc.Scan(append(prefix,
		&sum.TotalQueries, &sum.TotalTurns, &sum.TotalToolCalls, &sum.TotalUpstreamCalls,
		&sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD)...)
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+`
		 FROM query_usage
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := sum.scanFrom(row); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByState returns per-final-state totals for records within
// [start, end).
func (s *Store) SummaryByState(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "state", start, end)
}

// SummaryBySource returns per-source totals for records within
// [start, end). Records with no source are grouped under "".
func (s *Store) SummaryBySource(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "source", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods, never user input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+summaryColumns+`
		 FROM query_usage
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := sum.scanFrom(rows, &key); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Pricing is a model's price in USD per million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// ComputeCost calculates the USD cost of a model's token usage. Models
// not in the table are treated as free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]Pricing) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
