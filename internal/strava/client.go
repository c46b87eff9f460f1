// Package strava is a read-only client for the Strava v3 activity API.
//
// The client performs exactly one HTTP request per method call and never
// retries on its own: every call spends quota, so retry and admission
// decisions belong to the caller (the hydration engine). Rate-limit
// headers from each response are reported through [WithRateLimitHook].
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/pacer/internal/httpkit"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://www.strava.com/api/v3"

// MaxPerPage is the largest list page the API serves.
const MaxPerPage = 200

// RateLimit is the usage the provider reported on a response. Zero
// fields mean the header was absent.
type RateLimit struct {
	WindowLimit int
	DayLimit    int
	WindowUsage int
	DayUsage    int
}

// Client talks to the activity API.
type Client struct {
	baseURL     string
	tokens      TokenSource
	http        *http.Client
	logger      *slog.Logger
	onRateLimit func(RateLimit)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default httpkit client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRateLimitHook registers fn to receive rate-limit headers from every
// response, including error responses.
func WithRateLimitHook(fn func(RateLimit)) Option {
	return func(cl *Client) { cl.onRateLimit = fn }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client rooted at baseURL ("" means DefaultBaseURL).
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = httpkit.NewClient(
			httpkit.WithTimeout(20*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(c.logger),
		)
	}
	c.logger = c.logger.With("component", "strava")
	return c
}

// ListParams selects one page of the athlete activity list.
type ListParams struct {
	// After and Before bound start time (exclusive). Zero is open.
	After  time.Time
	Before time.Time

	Page    int
	PerPage int
}

// Query renders the params in the API's form. It is also the cache key
// parameter set, so zero values are omitted.
func (p ListParams) Query() map[string]string {
	q := map[string]string{}
	if !p.After.IsZero() {
		q["after"] = strconv.FormatInt(p.After.Unix(), 10)
	}
	if !p.Before.IsZero() {
		q["before"] = strconv.FormatInt(p.Before.Unix(), 10)
	}
	if p.Page > 0 {
		q["page"] = strconv.Itoa(p.Page)
	}
	if p.PerPage > 0 {
		q["per_page"] = strconv.Itoa(min(p.PerPage, MaxPerPage))
	}
	return q
}

// Endpoint identities, used as cache key prefixes.
const (
	EndpointList    = "/athlete/activities"
	EndpointDetail  = "/activities/{id}"
	EndpointLaps    = "/activities/{id}/laps"
	EndpointAthlete = "/athlete"
	EndpointStats   = "/athletes/{id}/stats"
)

// ListActivities fetches one page of summary activities. Without After,
// pages run newest first; with only After, the API returns oldest first.
func (c *Client) ListActivities(ctx context.Context, p ListParams) ([]SummaryActivity, error) {
	var out []SummaryActivity
	if err := c.get(ctx, EndpointList, "/athlete/activities", p.Query(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Activity fetches the detail record for one activity.
func (c *Client) Activity(ctx context.Context, id int64) (DetailedActivity, error) {
	var out DetailedActivity
	path := "/activities/" + strconv.FormatInt(id, 10)
	err := c.get(ctx, EndpointDetail, path, map[string]string{"include_all_efforts": "true"}, &out)
	return out, err
}

// Laps fetches the laps of one activity.
func (c *Client) Laps(ctx context.Context, id int64) ([]Lap, error) {
	var out []Lap
	path := "/activities/" + strconv.FormatInt(id, 10) + "/laps"
	if err := c.get(ctx, EndpointLaps, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Athlete fetches the authenticated athlete.
func (c *Client) Athlete(ctx context.Context) (Athlete, error) {
	var out Athlete
	err := c.get(ctx, EndpointAthlete, "/athlete", nil, &out)
	return out, err
}

// Stats fetches the totals for an athlete.
func (c *Client) Stats(ctx context.Context, athleteID int64) (AthleteStats, error) {
	var out AthleteStats
	path := "/athletes/" + strconv.FormatInt(athleteID, 10) + "/stats"
	err := c.get(ctx, EndpointStats, path, nil, &out)
	return out, err
}

// Ping checks reachability and credentials. It costs one call.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Athlete(ctx)
	return err
}

func (c *Client) get(ctx context.Context, endpoint, path string, query map[string]string, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("strava %s: %w", endpoint, err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		v := url.Values{}
		for k, val := range query {
			v.Set(k, val)
		}
		u += "?" + v.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("strava %s: %w", endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("strava %s: %w", endpoint, err)
	}

	if rl, ok := parseRateLimit(resp.Header); ok && c.onRateLimit != nil {
		c.onRateLimit(rl)
	}

	c.logger.Debug("upstream call",
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			Status:     resp.StatusCode,
			Endpoint:   endpoint,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		apiErr.Message = errorMessage(httpkit.ReadErrorBody(resp.Body, 1024))
		return apiErr
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("strava %s: decode: %w", endpoint, err)
	}
	return nil
}

// errorMessage pulls the "message" field out of an API error body and
// falls back to the raw text.
func errorMessage(body string) string {
	var fault struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(body), &fault) == nil && fault.Message != "" {
		return fault.Message
	}
	return strings.TrimSpace(body)
}

// parseRateLimit reads the provider's rate-limit headers. The read-limit
// headers are narrower than the overall ones and apply to every call this
// client makes, so they win when present.
func parseRateLimit(h http.Header) (RateLimit, bool) {
	limit, usage := h.Get("X-ReadRateLimit-Limit"), h.Get("X-ReadRateLimit-Usage")
	if limit == "" || usage == "" {
		limit, usage = h.Get("X-RateLimit-Limit"), h.Get("X-RateLimit-Usage")
	}
	wl, dl, ok1 := parsePair(limit)
	wu, du, ok2 := parsePair(usage)
	if !ok1 || !ok2 {
		return RateLimit{}, false
	}
	return RateLimit{WindowLimit: wl, DayLimit: dl, WindowUsage: wu, DayUsage: du}, true
}

func parsePair(s string) (int, int, bool) {
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, false
	}
	x, err1 := strconv.Atoi(strings.TrimSpace(a))
	y, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return x, y, true
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
