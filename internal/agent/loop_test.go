package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/pacer/internal/hydrate"
	"github.com/nugget/pacer/internal/llm"
	"github.com/nugget/pacer/internal/rank"
	"github.com/nugget/pacer/internal/tools"
	"github.com/nugget/pacer/internal/usage"
)

// mockLLM returns pre-configured responses in sequence and records each call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: append([]llm.Message(nil), msgs...), Tools: td})
	if m.err != nil {
		return nil, m.err
	}
	if m.callIndex >= len(m.responses) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func toolCallResponse(id, name string, args map[string]any) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{llm.NewToolCall(id, name, args)}},
		InputTokens:  100,
		OutputTokens: 10,
	}
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		InputTokens:  150,
		OutputTokens: 30,
	}
}

// fakeTools records executions and answers with a fixed payload.
type fakeTools struct {
	mu      sync.Mutex
	queries []tools.Query
	calls   []string
	raw     []string
	err     error
	onRun   func(ctx context.Context)
}

func (f *fakeTools) List() []map[string]any {
	return []map[string]any{{"type": "function", "function": map[string]any{"name": "search_activities"}}}
}

func (f *fakeTools) Execute(ctx context.Context, q tools.Query, name, argsJSON string) (string, error) {
	f.mu.Lock()
	f.raw = append(f.raw, argsJSON)
	f.mu.Unlock()
	return f.ExecuteArgs(ctx, q, name, nil)
}

func (f *fakeTools) ExecuteArgs(ctx context.Context, q tools.Query, name string, _ map[string]any) (string, error) {
	if f.onRun != nil {
		f.onRun(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	f.calls = append(f.calls, name)
	if f.err != nil {
		return "", f.err
	}
	return `{"activities":[{"id":3}],"count":1}`, nil
}

type memUsage struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (m *memUsage) Record(_ context.Context, rec usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func buildTestLoop(mock *mockLLM, runner *fakeTools, rec *memUsage) *Loop {
	cfg := Config{
		Model:    "test-model",
		MaxTurns: 6,
		Policy:   rank.DefaultPolicy(),
		Pricing:  map[string]usage.Pricing{"test-model": {InputPerMillion: 1_000_000, OutputPerMillion: 0}},
	}
	return NewLoop(mock, runner, cfg,
		WithUsage(rec),
		WithProviderLookup(func(string) string { return "mock" }),
	)
}

func TestRun_AnswersAfterToolCall(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCallResponse("call-1", "search_activities", map[string]any{"rank_by": "distance"}),
		textResponse("Your longest run was 15 km."),
	}}
	runner := &fakeTools{}
	rec := &memUsage{}
	loop := buildTestLoop(mock, runner, rec)

	resp, err := loop.Run(context.Background(), Request{Question: "What was my longest run in 2024?", Source: "cli"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if resp.State != StateAnswered || resp.Answer != "Your longest run was 15 km." {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Turns != 2 || len(resp.Steps) != 1 || resp.Steps[0].Tool != "search_activities" {
		t.Errorf("turns = %d, steps = %+v", resp.Turns, resp.Steps)
	}
	if resp.InputTokens != 250 || resp.OutputTokens != 40 {
		t.Errorf("tokens = %d/%d, want 250/40", resp.InputTokens, resp.OutputTokens)
	}

	// The second model call carries the assistant tool request and the
	// tool result, linked by ID.
	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call-1" || !strings.Contains(last.Content, `"id":3`) {
		t.Errorf("tool message = %+v", last)
	}
	if second[0].Role != llm.RoleSystem || second[1].Content != "What was my longest run in 2024?" {
		t.Errorf("conversation head = %+v", second[:2])
	}

	if len(rec.recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(rec.recs))
	}
	u := rec.recs[0]
	if u.State != "answered" || u.Turns != 2 || u.ToolCalls != 1 || u.Source != "cli" || u.Provider != "mock" || u.QueryID != resp.QueryID {
		t.Errorf("usage = %+v", u)
	}
	if u.CostUSD < 249.99 || u.CostUSD > 250.01 {
		t.Errorf("cost = %f, want 250", u.CostUSD)
	}
}

func TestRun_ClassifiesQuestionOnce(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCallResponse("c1", "search_activities", nil),
		toolCallResponse("c2", "search_activities", nil),
		textResponse("done"),
	}}
	runner := &fakeTools{}
	loop := buildTestLoop(mock, runner, &memUsage{})

	if _, err := loop.Run(context.Background(), Request{Question: "longest run in 2024"}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(runner.queries) != 2 {
		t.Fatalf("tool executions = %d, want 2", len(runner.queries))
	}
	for _, q := range runner.queries {
		s, ok := q.Superlative.UnwrapOr(rank.Superlative{}), q.Superlative.IsSome()
		if !ok || s.Metric != rank.MetricDistance || s.Type != "run" {
			t.Errorf("superlative = %+v (set %v)", s, ok)
		}
	}
}

func TestRun_TurnLimitDegradesAnswer(t *testing.T) {
	// The model wants seven tool round-trips; the loop stops at six
	// model invocations without an extra call.
	var responses []*llm.ChatResponse
	for i := range 7 {
		r := toolCallResponse(fmt.Sprintf("call-%d", i), "search_activities", nil)
		r.Message.Content = fmt.Sprintf("still looking (%d)", i)
		responses = append(responses, r)
	}
	mock := &mockLLM{responses: responses}
	runner := &fakeTools{}
	rec := &memUsage{}
	loop := buildTestLoop(mock, runner, rec)

	resp, err := loop.Run(context.Background(), Request{Question: "find everything"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(mock.calls) != 6 {
		t.Errorf("model calls = %d, want 6", len(mock.calls))
	}
	if resp.State != StateTurnLimitReached || resp.Turns != 6 {
		t.Errorf("state = %v, turns = %d", resp.State, resp.Turns)
	}
	if resp.Answer != "still looking (5)" || resp.Note == "" {
		t.Errorf("answer = %q, note = %q", resp.Answer, resp.Note)
	}
	// The sixth turn's tool request is not executed.
	if len(runner.calls) != 5 {
		t.Errorf("tool executions = %d, want 5", len(runner.calls))
	}
	if rec.recs[0].State != "turn_limit" {
		t.Errorf("usage state = %q", rec.recs[0].State)
	}
}

func TestRun_ArgumentErrorFedBack(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCallResponse("call-1", "get_activity_detail", map[string]any{}),
		textResponse("I need an activity id."),
	}}
	runner := &fakeTools{err: &tools.ArgumentError{Tool: "get_activity_detail", Field: "id", Reason: "required"}}
	loop := buildTestLoop(mock, runner, &memUsage{})

	resp, err := loop.Run(context.Background(), Request{Question: "show me that ride"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.State != StateAnswered {
		t.Errorf("state = %v", resp.State)
	}
	msgs := mock.calls[1].Messages
	if got := msgs[len(msgs)-1].Content; !strings.Contains(got, "invalid_arguments") || !strings.Contains(got, `\"id\"`) {
		t.Errorf("tool error result = %s", got)
	}
	if resp.Steps[0].Error == "" {
		t.Error("step error not recorded")
	}
}

func TestRun_MalformedArgumentsUseRawJSON(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCallResponse("call-1", "search_activities", map[string]any{"_raw": `{"limit": 3`}),
		textResponse("ok"),
	}}
	runner := &fakeTools{}
	loop := buildTestLoop(mock, runner, &memUsage{})

	if _, err := loop.Run(context.Background(), Request{Question: "recent rides"}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(runner.raw) != 1 || runner.raw[0] != `{"limit": 3` {
		t.Errorf("raw executions = %q", runner.raw)
	}
}

func TestRun_EmptyResponseNudge(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCallResponse("call-1", "search_activities", nil),
		textResponse(""),
		textResponse("You ran 3 times this week."),
	}}
	loop := buildTestLoop(mock, &fakeTools{}, &memUsage{})

	resp, err := loop.Run(context.Background(), Request{Question: "how many runs this week?"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("expected 3 LLM calls, got %d", len(mock.calls))
	}
	msgs := mock.calls[2].Messages
	if last := msgs[len(msgs)-1]; last.Role != llm.RoleUser || last.Content != emptyResponseNudge {
		t.Errorf("nudge not sent, last message = %+v", last)
	}
	if resp.Answer != "You ran 3 times this week." {
		t.Errorf("answer = %q", resp.Answer)
	}
}

func TestRun_EmptyAfterNudgeFallsBack(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse(""), textResponse("  ")}}
	loop := buildTestLoop(mock, &fakeTools{}, &memUsage{})

	resp, err := loop.Run(context.Background(), Request{Question: "?"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.State != StateAnswered || resp.Answer != emptyAnswer {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRun_ModelFailure(t *testing.T) {
	apiErr := &llm.APIError{Provider: "mock", Status: 500, Body: "boom"}
	mock := &mockLLM{err: apiErr}
	rec := &memUsage{}
	loop := buildTestLoop(mock, &fakeTools{}, rec)

	resp, err := loop.Run(context.Background(), Request{Question: "anything"})
	if !errors.Is(err, apiErr) {
		t.Fatalf("err = %v, want wrapped API error", err)
	}
	if resp == nil || resp.State != StateFailed {
		t.Fatalf("resp = %+v", resp)
	}
	if rec.recs[0].State != "failed" {
		t.Errorf("usage state = %q", rec.recs[0].State)
	}
}

func TestRun_CancelledCallerDiscardsToolResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCallResponse("call-1", "search_activities", nil),
		textResponse("never reached"),
	}}
	var toolCtxErr error
	var budget *hydrate.Budget
	runner := &fakeTools{onRun: func(tctx context.Context) {
		cancel() // caller disconnects mid-tool
		toolCtxErr = tctx.Err()
		budget = hydrate.BudgetFrom(tctx)
	}}
	rec := &memUsage{}
	loop := buildTestLoop(mock, runner, rec)

	resp, err := loop.Run(ctx, Request{Question: "latest ride"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if toolCtxErr != nil {
		t.Errorf("tool context cancelled with caller: %v", toolCtxErr)
	}
	if budget == nil || budget.Deadline.IsZero() {
		t.Error("tool context carries no query budget")
	}
	if len(mock.calls) != 1 || len(resp.Steps) != 0 {
		t.Errorf("model calls = %d, steps = %d", len(mock.calls), len(resp.Steps))
	}
	if rec.recs[0].State != "cancelled" {
		t.Errorf("usage state = %q", rec.recs[0].State)
	}
}

func TestSystemPrompt(t *testing.T) {
	now := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	p := systemPrompt("", now, time.UTC)
	if !strings.Contains(p, "2025-03-15") || !strings.Contains(p, "UTC") {
		t.Errorf("prompt missing date or zone:\n%s", p)
	}
	if got := systemPrompt("custom", now, time.UTC); got != "custom" {
		t.Errorf("custom prompt = %q", got)
	}
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		s        State
		name     string
		terminal bool
	}{
		{StateAwaitingModel, "awaiting_model", false},
		{StateModelRequestedTool, "model_requested_tool", false},
		{StateExecutingTool, "executing_tool", false},
		{StateAnswered, "answered", true},
		{StateFailed, "failed", true},
		{StateTurnLimitReached, "turn_limit", true},
	}
	for _, tt := range tests {
		if tt.s.String() != tt.name || tt.s.Terminal() != tt.terminal {
			t.Errorf("%d: %q terminal=%v", tt.s, tt.s.String(), tt.s.Terminal())
		}
	}
}
