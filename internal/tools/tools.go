// Package tools defines the closed set of tools the agent may call and
// executes them against the hydration engine.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/nugget/pacer/internal/hydrate"
	"github.com/nugget/pacer/internal/quota"
	"github.com/nugget/pacer/internal/rank"
	"github.com/nugget/pacer/internal/segments"
)

// Tool is a tool definition as offered to a model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SegmentIndex is the read side of the segment store.
type SegmentIndex interface {
	Get(ctx context.Context, id int64) (segments.Segment, bool, error)
	Search(ctx context.Context, query string, limit int) ([]segments.Segment, error)
	BestEfforts(ctx context.Context, segmentID int64, limit int) ([]segments.Effort, error)
}

// Query carries per-question context into tool execution.
type Query struct {
	Question string

	// Superlative is the question's classified superlative intent, if
	// any. When set, search results are reduced to the single top record.
	Superlative fn.Option[rank.Superlative]
}

// Registry holds the tool definitions and executes calls.
type Registry struct {
	engine *hydrate.Engine
	gov    *quota.Governor
	segs   SegmentIndex

	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger

	tools []Tool
}

// Option configures a Registry.
type Option func(*Registry)

// WithSegments enables get_segment_efforts.
func WithSegments(s SegmentIndex) Option {
	return func(r *Registry) { r.segs = s }
}

// WithLocation sets the timezone dates are interpreted and shown in.
func WithLocation(loc *time.Location) Option {
	return func(r *Registry) { r.loc = loc }
}

// WithClock replaces time.Now for relative periods.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates the registry.
func NewRegistry(engine *hydrate.Engine, gov *quota.Governor, opts ...Option) *Registry {
	r := &Registry{
		engine: engine,
		gov:    gov,
		loc:    time.UTC,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	r.logger = r.logger.With("component", "tools")
	r.tools = r.definitions()
	return r
}

// Location returns the timezone the registry works in.
func (r *Registry) Location() *time.Location { return r.loc }

// Definitions returns the available tools in a stable order.
func (r *Registry) Definitions() []Tool {
	return append([]Tool(nil), r.tools...)
}

// List returns tool definitions in OpenAI function-calling format.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute parses a tool call from its raw JSON arguments, runs it and
// returns the JSON result.
func (r *Registry) Execute(ctx context.Context, q Query, name, argsJSON string) (string, error) {
	call, err := ParseJSON(name, argsJSON, r.loc)
	if err != nil {
		return "", err
	}
	return r.execute(ctx, q, call)
}

// ExecuteArgs is Execute for already-decoded arguments.
func (r *Registry) ExecuteArgs(ctx context.Context, q Query, name string, args map[string]any) (string, error) {
	call, err := Parse(name, args, r.loc)
	if err != nil {
		return "", err
	}
	return r.execute(ctx, q, call)
}

func (r *Registry) execute(ctx context.Context, q Query, call Call) (string, error) {
	start := time.Now()
	v, err := r.Run(ctx, q, call)
	if err != nil {
		r.logger.Debug("tool failed", "tool", call.Tool(), "elapsed", time.Since(start), "error", err)
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s result: %w", call.Tool(), err)
	}
	r.logger.Debug("tool done", "tool", call.Tool(), "elapsed", time.Since(start), "bytes", len(b))
	return string(b), nil
}

func (r *Registry) definitions() []Tool {
	tools := []Tool{
		{
			Name: NameSearchActivities,
			Description: "Search the athlete's activities by date range, type and text. " +
				"Returns summaries, or exactly one record when the question asks for a superlative " +
				"(longest, fastest, most recent, first, hilliest). Text search looks in names, " +
				"descriptions and private notes and is limited to a few detail fetches per query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_date": map[string]any{
						"type":        "string",
						"description": "First day to include, YYYY-MM-DD",
					},
					"end_date": map[string]any{
						"type":        "string",
						"description": "Last day to include, YYYY-MM-DD",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": fmt.Sprintf("Maximum activities to return (default %d, max %d)", defaultSearchLimit, maxSearchLimit),
					},
					"activity_type": map[string]any{
						"type":        "string",
						"description": "Activity family (run, ride, swim, hike, walk) or exact type (TrailRun, VirtualRide)",
					},
					"text": map[string]any{
						"type":        "string",
						"description": "Words to find in activity names, descriptions or private notes",
					},
					"order": map[string]any{
						"type":        "string",
						"enum":        []string{"recent", "oldest"},
						"description": "recent returns the newest first; oldest returns the earliest first",
					},
					"rank_by": map[string]any{
						"type":        "string",
						"enum":        rank.MetricNames(),
						"description": "Return only the single top activity by this measure",
					},
				},
			},
		},
		{
			Name:        NameGetActivityDetail,
			Description: "Get full detail for one activity: description, private note and segment efforts.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{
						"type":        "integer",
						"description": "Activity id",
					},
				},
				"required": []string{"id"},
			},
		},
		{
			Name: NameSyncActivities,
			Description: "Forget cached activity data so the next search refetches it. " +
				"Use when the athlete says an activity was added or edited recently.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"scope": map[string]any{
						"type":        "string",
						"enum":        []string{string(hydrate.ScopeRecent), string(hydrate.ScopeIDs)},
						"description": "recent forgets the last days of activities; ids forgets specific activities",
					},
					"days": map[string]any{
						"type":        "integer",
						"description": "Days to forget for scope recent (default 7)",
					},
					"ids": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "integer"},
						"description": "Activity ids for scope ids",
					},
				},
				"required": []string{"scope"},
			},
		},
		{
			Name:        NameComparePeriods,
			Description: "Compare totals between two periods, such as this year versus last year.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"period_a": map[string]any{
						"type":        "string",
						"description": "First period: YYYY, YYYY-MM, YYYY-MM-DD, A..B, \"last year\", \"last 30 days\"",
					},
					"period_b": map[string]any{
						"type":        "string",
						"description": "Second period, same forms as period_a",
					},
					"metric": map[string]any{
						"type":        "string",
						"enum":        compareMetrics,
						"description": "What to compare (default distance)",
					},
					"activity_type": map[string]any{
						"type":        "string",
						"description": "Restrict to an activity family or type",
					},
				},
				"required": []string{"period_a", "period_b"},
			},
		},
		{
			Name:        NameGetActivityLaps,
			Description: "Get the laps or splits of one activity.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id": map[string]any{
						"type":        "integer",
						"description": "Activity id",
					},
				},
				"required": []string{"id"},
			},
		},
		{
			Name:        NameGetAthleteStats,
			Description: "Get the athlete's recent (4 week), year-to-date and all-time totals for runs, rides and swims.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        NameGetQuota,
			Description: "Report how many activity API calls remain in the current 15-minute window and today.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}

	if r.segs != nil {
		tools = append(tools, Tool{
			Name: NameGetSegmentEfforts,
			Description: "Get the athlete's best efforts on a segment. Only segments seen in " +
				"activities already fetched in detail are known.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"segment": map[string]any{
						"type":        "string",
						"description": "Segment name (partial match) or numeric id",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum efforts to return (default 5)",
					},
				},
				"required": []string{"segment"},
			},
		})
	}
	return tools
}

// Names returns the tool names, for logs.
func (r *Registry) Names() string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return strings.Join(names, ",")
}
