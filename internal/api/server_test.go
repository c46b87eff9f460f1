package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/pacer/internal/agent"
	"github.com/nugget/pacer/internal/connwatch"
	"github.com/nugget/pacer/internal/tools"
	"github.com/nugget/pacer/internal/usage"
)

type fakeAsker struct {
	got  agent.Request
	resp *agent.Response
	err  error
}

func (f *fakeAsker) Run(_ context.Context, req agent.Request) (*agent.Response, error) {
	f.got = req
	return f.resp, f.err
}

type fakeTools struct {
	name string
	args map[string]any
	out  string
	err  error
}

func (f *fakeTools) ExecuteArgs(_ context.Context, _ tools.Query, name string, args map[string]any) (string, error) {
	f.name, f.args = name, args
	return f.out, f.err
}

type fakeUsage struct {
	start, end time.Time
}

func (f *fakeUsage) Summary(_ context.Context, start, end time.Time) (*usage.Summary, error) {
	f.start, f.end = start, end
	return &usage.Summary{TotalQueries: 4, TotalCostUSD: 0.12}, nil
}

func (f *fakeUsage) SummaryByModel(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"claude": {TotalQueries: 4}}, nil
}

func (f *fakeUsage) SummaryByState(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"answered": {TotalQueries: 3}, "failed": {TotalQueries: 1}}, nil
}

func (f *fakeUsage) SummaryBySource(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return nil, errors.New("disk on fire")
}

type fakeHealth struct{ healthy bool }

func (f fakeHealth) Status() map[string]connwatch.ServiceStatus {
	state := connwatch.StateUp
	if !f.healthy {
		state = connwatch.StateDown
	}
	return map[string]connwatch.ServiceStatus{"strava": {Name: "strava", State: state}}
}

func (f fakeHealth) Healthy() bool { return f.healthy }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(asker Asker, exec ToolExecutor) *Server {
	s := NewServer("", 0, asker, exec, discardLogger())
	s.now = func() time.Time { return time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC) }
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, out
}

func TestQuery_Answered(t *testing.T) {
	asker := &fakeAsker{resp: &agent.Response{
		QueryID: "q1",
		Answer:  "Your longest run was **15 km** on 2024-09-01.",
		State:   agent.StateAnswered,
		Model:   "claude",
		Turns:   2,
	}}
	h := newTestServer(asker, &fakeTools{}).Handler()

	rec, out := do(t, h, http.MethodPost, "/v1/query", `{"question": "  longest run in 2024?  "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if asker.got.Question != "longest run in 2024?" || asker.got.Source != "http" {
		t.Errorf("request = %+v", asker.got)
	}
	if out["state"] != "answered" || out["query_id"] != "q1" {
		t.Errorf("response = %v", out)
	}
	if html, _ := out["answer_html"].(string); !strings.Contains(html, "<strong>15 km</strong>") {
		t.Errorf("answer_html = %q", html)
	}
}

func TestQuery_EscapesRawHTML(t *testing.T) {
	asker := &fakeAsker{resp: &agent.Response{Answer: "<script>alert(1)</script>", State: agent.StateAnswered}}
	h := newTestServer(asker, &fakeTools{}).Handler()

	_, out := do(t, h, http.MethodPost, "/v1/query", `{"question": "hi"}`)
	if html, _ := out["answer_html"].(string); strings.Contains(html, "<script>") {
		t.Errorf("raw HTML passed through: %q", html)
	}
}

func TestQuery_FailedIsBadGateway(t *testing.T) {
	asker := &fakeAsker{
		resp: &agent.Response{QueryID: "q2", State: agent.StateFailed},
		err:  errors.New("model turn 1: anthropic API error 529"),
	}
	h := newTestServer(asker, &fakeTools{}).Handler()

	rec, out := do(t, h, http.MethodPost, "/v1/query", `{"question": "anything"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
	if out["state"] != "failed" || !strings.Contains(out["error"].(string), "529") {
		t.Errorf("response = %v", out)
	}
}

func TestQuery_BadRequests(t *testing.T) {
	h := newTestServer(&fakeAsker{}, &fakeTools{}).Handler()
	for _, body := range []string{``, `{"question": "   "}`, `not json`} {
		rec, _ := do(t, h, http.MethodPost, "/v1/query", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, rec.Code)
		}
	}
}

func TestQuota(t *testing.T) {
	exec := &fakeTools{out: `{"window_count":3,"window_remaining":97}`}
	h := newTestServer(&fakeAsker{}, exec).Handler()

	rec, out := do(t, h, http.MethodGet, "/v1/quota", "")
	if rec.Code != http.StatusOK || exec.name != tools.NameGetQuota {
		t.Fatalf("status = %d, tool = %q", rec.Code, exec.name)
	}
	if out["window_remaining"] != float64(97) {
		t.Errorf("quota = %v", out)
	}
}

func TestSync(t *testing.T) {
	exec := &fakeTools{out: `{"scope":"recent","dropped_pages":2}`}
	h := newTestServer(&fakeAsker{}, exec).Handler()

	rec, _ := do(t, h, http.MethodPost, "/v1/sync", `{"scope": "recent", "days": 3}`)
	if rec.Code != http.StatusOK || exec.name != tools.NameSyncActivities || exec.args["days"] != float64(3) {
		t.Errorf("status = %d, tool = %q, args = %v", rec.Code, exec.name, exec.args)
	}

	// Empty body is the default scope.
	rec, _ = do(t, h, http.MethodPost, "/v1/sync", "")
	if rec.Code != http.StatusOK || len(exec.args) != 0 {
		t.Errorf("empty body: status = %d, args = %v", rec.Code, exec.args)
	}

	exec.err = &tools.ArgumentError{Tool: tools.NameSyncActivities, Field: "scope", Reason: "must be recent or ids"}
	rec, out := do(t, h, http.MethodPost, "/v1/sync", `{"scope": "everything"}`)
	if rec.Code != http.StatusBadRequest || out["error"] == nil {
		t.Errorf("invalid scope: status = %d, body = %v", rec.Code, out)
	}
}

func TestUsage(t *testing.T) {
	u := &fakeUsage{}
	s := newTestServer(&fakeAsker{}, &fakeTools{})
	h := s.Handler()

	rec, _ := do(t, h, http.MethodGet, "/v1/usage", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("without ledger: status = %d", rec.Code)
	}

	s.SetUsage(u)
	rec, out := do(t, h, http.MethodGet, "/v1/usage?period=2025-02&group_by=state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if !u.start.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) || !u.end.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("range = %v..%v", u.start, u.end)
	}
	groups, _ := out["groups"].(map[string]any)
	if len(groups) != 2 || out["totals"].(map[string]any)["total_queries"] != float64(4) {
		t.Errorf("usage = %v", out)
	}

	for _, path := range []string{"/v1/usage?period=someday", "/v1/usage?group_by=weekday"} {
		if rec, _ := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
	if rec, _ := do(t, h, http.MethodGet, "/v1/usage?group_by=source", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("store failure: status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeAsker{}, &fakeTools{})
	h := s.Handler()

	_, out := do(t, h, http.MethodGet, "/health", "")
	if out["status"] != "healthy" {
		t.Errorf("health = %v", out)
	}

	s.SetHealth(fakeHealth{healthy: false})
	_, out = do(t, h, http.MethodGet, "/health", "")
	if out["status"] != "degraded" || out["services"] == nil {
		t.Errorf("health = %v", out)
	}
}

func TestVersionAndRoot(t *testing.T) {
	h := newTestServer(&fakeAsker{}, &fakeTools{}).Handler()

	if _, out := do(t, h, http.MethodGet, "/v1/version", ""); out["go_version"] == nil {
		t.Errorf("version = %v", out)
	}
	if _, out := do(t, h, http.MethodGet, "/", ""); out["name"] != "pacer" {
		t.Errorf("root = %v", out)
	}
}
