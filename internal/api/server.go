// Package api implements pacer's JSON HTTP surface: ask a question, see
// and reset upstream state, and read the usage ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/pacer/internal/agent"
	"github.com/nugget/pacer/internal/buildinfo"
	"github.com/nugget/pacer/internal/connwatch"
	"github.com/nugget/pacer/internal/tools"
	"github.com/nugget/pacer/internal/usage"
)

// maxBodyBytes caps request bodies. Questions are short.
const maxBodyBytes = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Asker answers questions. *agent.Loop implements it.
type Asker interface {
	Run(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// ToolExecutor runs a tool by name. *tools.Registry implements it.
type ToolExecutor interface {
	ExecuteArgs(ctx context.Context, q tools.Query, name string, args map[string]any) (string, error)
}

// UsageReporter aggregates the usage ledger. *usage.Store implements it.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByState(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryBySource(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports dependency reachability. *connwatch.Manager
// implements it.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	asker   Asker
	tools   ToolExecutor
	usage   UsageReporter
	health  HealthReporter
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, asker Asker, exec ToolExecutor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		asker:   asker,
		tools:   exec,
		loc:     time.UTC,
		now:     time.Now,
		logger:  logger.With("component", "api"),
	}
}

// SetUsage enables GET /v1/usage.
func (s *Server) SetUsage(u UsageReporter) { s.usage = u }

// SetHealth adds dependency status to GET /health.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// SetLocation sets the timezone usage periods are interpreted in.
func (s *Server) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

// Handler returns the routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("GET /v1/quota", s.handleQuota)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      150 * time.Second, // longer than a query budget
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// toolError maps a tool failure to a response.
func (s *Server) toolError(w http.ResponseWriter, err error) {
	if tools.IsArgumentError(err) {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Warn("tool failed", "error", err)
	s.errorResponse(w, http.StatusBadGateway, err.Error())
}

// writeRaw sends an already-encoded JSON document.
func (s *Server) writeRaw(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(doc + "\n")); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "pacer",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy", "uptime": buildinfo.Uptime().Round(time.Second).String()}
	if s.health != nil {
		body["services"] = s.health.Status()
		if !s.health.Healthy() {
			body["status"] = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

// QueryRequest is the POST /v1/query body.
type QueryRequest struct {
	Question string `json:"question"`
	Model    string `json:"model,omitempty"`
}

// QueryResponse is the POST /v1/query result: the agent's response plus
// the answer rendered as HTML.
type QueryResponse struct {
	*agent.Response
	AnswerHTML string `json:"answer_html"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.errorResponse(w, http.StatusBadRequest, "question is required")
		return
	}

	resp, err := s.asker.Run(r.Context(), agent.Request{Question: req.Question, Model: req.Model, Source: "http"})
	if r.Context().Err() != nil {
		// Client is gone; nothing to write to.
		return
	}
	if resp == nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := QueryResponse{Response: resp}
	if err != nil {
		out.Error = err.Error()
	}
	if resp.Answer != "" {
		html, rerr := renderHTML(resp.Answer)
		if rerr != nil {
			s.logger.Warn("markdown render failed", "query_id", resp.QueryID, "error", rerr)
		}
		out.AnswerHTML = html
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.State == agent.StateFailed {
		w.WriteHeader(http.StatusBadGateway)
	}
	writeJSON(w, out, s.logger)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	doc, err := s.tools.ExecuteArgs(r.Context(), tools.Query{}, tools.NameGetQuota, nil)
	if err != nil {
		s.toolError(w, err)
		return
	}
	s.writeRaw(w, doc)
}

// handleSync takes the sync_activities arguments as its body:
// {"scope": "recent", "days": 3} or {"scope": "ids", "ids": [1, 2]}.
// An empty body syncs the last week.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	doc, err := s.tools.ExecuteArgs(r.Context(), tools.Query{}, tools.NameSyncActivities, args)
	if err != nil {
		s.toolError(w, err)
		return
	}
	s.logger.Info("cache sync requested", "args", args)
	s.writeRaw(w, doc)
}

// UsageResponse is the GET /v1/usage result.
type UsageResponse struct {
	Period tools.Period              `json:"period"`
	Totals *usage.Summary            `json:"totals"`
	Groups map[string]*usage.Summary `json:"groups,omitempty"`
	By     string                    `json:"group_by,omitempty"`
}

// handleUsage reports the ledger for ?period= (any compare_periods
// expression, default "last 30 days"), optionally ?group_by=model,
// state or source.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage ledger is not configured")
		return
	}
	q := r.URL.Query()

	expr := q.Get("period")
	if expr == "" {
		expr = "last 30 days"
	}
	p, err := tools.ParsePeriod(expr, s.now(), s.loc)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	out := UsageResponse{Period: p, By: q.Get("group_by")}
	if out.Totals, err = s.usage.Summary(ctx, p.Start, p.End); err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	switch out.By {
	case "":
	case "model":
		out.Groups, err = s.usage.SummaryByModel(ctx, p.Start, p.End)
	case "state":
		out.Groups, err = s.usage.SummaryByState(ctx, p.Start, p.End)
	case "source":
		out.Groups, err = s.usage.SummaryBySource(ctx, p.Start, p.End)
	default:
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("group_by %q must be model, state or source", out.By))
		return
	}
	if err != nil {
		s.logger.Error("usage grouping failed", "group_by", out.By, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}
