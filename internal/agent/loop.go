// Package agent implements the bounded tool-calling loop that answers one
// question: the model is invoked, the tools it asks for are executed and
// their results fed back, until it answers or the turn ceiling is hit.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/nugget/pacer/internal/hydrate"
	"github.com/nugget/pacer/internal/llm"
	"github.com/nugget/pacer/internal/rank"
	"github.com/nugget/pacer/internal/tools"
	"github.com/nugget/pacer/internal/usage"
)

// ToolRunner executes tools by name. *tools.Registry implements it.
type ToolRunner interface {
	List() []map[string]any
	Execute(ctx context.Context, q tools.Query, name, argsJSON string) (string, error)
	ExecuteArgs(ctx context.Context, q tools.Query, name string, args map[string]any) (string, error)
}

// UsageRecorder persists per-query usage. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config bounds and parameterizes the loop.
type Config struct {
	Model    string
	MaxTurns int

	// QueryBudget bounds backoff and quota sleeps inside tools.
	QueryBudget   time.Duration
	MaxQuotaWaits int

	SystemPrompt string
	Policy       rank.Policy
	Location     *time.Location
	Pricing      map[string]usage.Pricing
}

// Request is one question.
type Request struct {
	Question string `json:"question"`
	Model    string `json:"model,omitempty"`

	// Source labels the entry point in the usage ledger: http, cli, mcp.
	Source string `json:"-"`
}

// Step is one executed tool call.
type Step struct {
	Turn      int            `json:"turn"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Error     string         `json:"error,omitempty"`
	Elapsed   time.Duration  `json:"elapsed_ns"`
}

// Response is the outcome of one question.
type Response struct {
	QueryID string `json:"query_id"`
	Answer  string `json:"answer"`
	State   State  `json:"state"`
	Model   string `json:"model"`

	// Note qualifies a degraded answer.
	Note string `json:"note,omitempty"`

	Turns         int    `json:"turns"`
	Steps         []Step `json:"steps,omitempty"`
	UpstreamCalls int    `json:"upstream_calls"`
	InputTokens   int    `json:"input_tokens"`
	OutputTokens  int    `json:"output_tokens"`

	Elapsed time.Duration `json:"elapsed_ns"`
}

// Loop answers questions. It is safe for concurrent use; each Run owns
// its conversation.
type Loop struct {
	llm      llm.Client
	tools    ToolRunner
	usage    UsageRecorder
	provider func(model string) string
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithUsage records every query in rec.
func WithUsage(rec UsageRecorder) Option {
	return func(l *Loop) { l.usage = rec }
}

// WithProviderLookup names the provider serving a model, for the usage
// ledger.
func WithProviderLookup(fn func(model string) string) Option {
	return func(l *Loop) { l.provider = fn }
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a new agent loop.
func NewLoop(client llm.Client, runner ToolRunner, cfg Config, opts ...Option) *Loop {
	if cfg.MaxTurns < 1 {
		cfg.MaxTurns = 6
	}
	if cfg.QueryBudget <= 0 {
		cfg.QueryBudget = 90 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	l := &Loop{
		llm:      client,
		tools:    runner,
		cfg:      cfg,
		provider: func(string) string { return "" },
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "agent")
	return l
}

// Classify returns the tool-execution context for a question.
func (l *Loop) Classify(question string) tools.Query {
	q := tools.Query{Question: question}
	if s, ok := l.cfg.Policy.Classify(question); ok {
		q.Superlative = fn.Some(s)
	}
	return q
}

// Run answers one question. A model or transport failure ends the query
// in StateFailed and returns the error alongside the partial response.
// If ctx is cancelled, in-flight tool work completes detached, its result
// is discarded and ctx's error is returned.
func (l *Loop) Run(ctx context.Context, req Request) (*Response, error) {
	start := l.now()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate query ID: %w", err)
	}
	model := req.Model
	if model == "" {
		model = l.cfg.Model
	}
	resp := &Response{QueryID: id.String(), Model: model, State: StateAwaitingModel}
	log := l.logger.With("query_id", resp.QueryID, "model", model)

	q := l.Classify(req.Question)
	q.Superlative.WhenSome(func(s rank.Superlative) {
		log.Debug("superlative intent", "metric", s.Metric, "type", s.Type)
	})

	budget := hydrate.NewBudget(start.Add(l.cfg.QueryBudget), l.cfg.MaxQuotaWaits)
	toolCtx := hydrate.WithBudget(context.WithoutCancel(ctx), budget)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(l.cfg.SystemPrompt, start, l.cfg.Location)},
		{Role: llm.RoleUser, Content: req.Question},
	}
	defs := l.tools.List()

	log.Info("query started", "question_len", len(req.Question), "source", req.Source)

	var (
		lastText string
		nudged   bool
		runErr   error
	)

	finish := func(state State) (*Response, error) {
		resp.State = state
		resp.UpstreamCalls = budget.Calls()
		resp.Elapsed = l.now().Sub(start)
		l.record(ctx, req, resp, runErr)
		log.Info("query finished",
			"state", resp.State,
			"turns", resp.Turns,
			"tool_calls", len(resp.Steps),
			"upstream_calls", resp.UpstreamCalls,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"elapsed", resp.Elapsed,
		)
		return resp, runErr
	}

	for resp.Turns < l.cfg.MaxTurns {
		resp.Turns++
		resp.State = StateAwaitingModel

		reply, err := l.llm.Chat(ctx, model, messages, defs)
		if err != nil {
			if ctx.Err() != nil {
				runErr = ctx.Err()
			} else {
				runErr = fmt.Errorf("model turn %d: %w", resp.Turns, err)
			}
			log.Warn("model call failed", "turn", resp.Turns, "error", err)
			return finish(StateFailed)
		}
		resp.InputTokens += reply.InputTokens
		resp.OutputTokens += reply.OutputTokens

		text := strings.TrimSpace(reply.Message.Content)
		if text != "" {
			lastText = text
		}

		if len(reply.Message.ToolCalls) == 0 {
			if text == "" && !nudged {
				log.Debug("empty model response, nudging", "turn", resp.Turns)
				nudged = true
				messages = append(messages, llm.Message{Role: llm.RoleUser, Content: emptyResponseNudge})
				continue
			}
			if text == "" {
				text = emptyAnswer
			}
			resp.Answer = text
			return finish(StateAnswered)
		}

		resp.State = StateModelRequestedTool
		if resp.Turns == l.cfg.MaxTurns {
			// Results would never reach the model.
			break
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   reply.Message.Content,
			ToolCalls: reply.Message.ToolCalls,
		})

		resp.State = StateExecutingTool
		for _, tc := range reply.Message.ToolCalls {
			out, step := l.execute(toolCtx, q, resp.Turns, tc)
			if ctx.Err() != nil {
				runErr = ctx.Err()
				log.Info("caller gone, discarding tool result", "tool", tc.Function.Name)
				return finish(StateFailed)
			}
			resp.Steps = append(resp.Steps, step)
			messages = append(messages, llm.Message{Role: llm.RoleTool, Content: out, ToolCallID: tc.ID})
		}
	}

	resp.Note = turnLimitNote(resp.Turns)
	resp.Answer = lastText
	if resp.Answer == "" {
		resp.Answer = emptyAnswer
	}
	log.Warn("turn limit reached", "turns", resp.Turns)
	return finish(StateTurnLimitReached)
}

// execute runs one tool call. Failures become a JSON error result so the
// model can correct itself; they never end the query.
func (l *Loop) execute(ctx context.Context, q tools.Query, turn int, tc llm.ToolCall) (string, Step) {
	name := tc.Function.Name
	args := tc.Function.Arguments
	start := l.now()

	var (
		out string
		err error
	)
	if raw, ok := args["_raw"].(string); ok && len(args) == 1 {
		out, err = l.tools.Execute(ctx, q, name, raw)
	} else {
		out, err = l.tools.ExecuteArgs(ctx, q, name, args)
	}

	step := Step{Turn: turn, Tool: name, Arguments: args, Elapsed: l.now().Sub(start)}
	if err != nil {
		step.Error = err.Error()
		if tools.IsArgumentError(err) {
			l.logger.Debug("tool argument error", "tool", name, "error", err)
		} else {
			l.logger.Warn("tool failed", "tool", name, "error", err)
		}
		out = errorResult(err)
	}
	return out, step
}

// errorResult renders a tool failure for the model.
func errorResult(err error) string {
	kind := "tool_failed"
	if tools.IsArgumentError(err) {
		kind = "invalid_arguments"
	}
	b, _ := json.Marshal(map[string]string{"error": kind, "message": err.Error()})
	return string(b)
}

// record writes the query to the usage ledger. It runs after the caller
// may have gone, so it uses a detached context.
func (l *Loop) record(ctx context.Context, req Request, resp *Response, runErr error) {
	if l.usage == nil {
		return
	}
	state := resp.State.String()
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		state = "cancelled"
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := l.usage.Record(ctx, usage.Record{
		Timestamp:     l.now(),
		QueryID:       resp.QueryID,
		Source:        req.Source,
		Model:         resp.Model,
		Provider:      l.provider(resp.Model),
		State:         state,
		Turns:         resp.Turns,
		ToolCalls:     len(resp.Steps),
		UpstreamCalls: resp.UpstreamCalls,
		InputTokens:   resp.InputTokens,
		OutputTokens:  resp.OutputTokens,
		CostUSD:       usage.ComputeCost(resp.Model, resp.InputTokens, resp.OutputTokens, l.cfg.Pricing),
		Elapsed:       resp.Elapsed,
	})
	if err != nil {
		l.logger.Warn("failed to record usage", "query_id", resp.QueryID, "error", err)
	}
}
