package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/pacer/internal/httpkit"
)

// TokenSource supplies the bearer token for each request. Issuing and
// storing tokens belongs to the caller; pacer only reads them.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed access token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no strava access token configured")
	}
	return string(s), nil
}

// DefaultTokenURL is the provider's OAuth token endpoint.
const DefaultTokenURL = "https://www.strava.com/oauth/token"

// RefreshToken exchanges a long-lived refresh token for short-lived
// access tokens and caches each until shortly before it expires. Token
// endpoint calls do not count against the API rate limit.
type RefreshToken struct {
	ClientID     string
	ClientSecret string
	Refresh      string
	TokenURL     string

	HTTP *http.Client

	// OnRotate, when set, receives each new refresh token the provider
	// issues. The old one stops working, so callers persist it.
	OnRotate func(refresh string)

	mu      sync.Mutex
	access  string
	expires time.Time
	now     func() time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Token implements TokenSource.
func (r *RefreshToken) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now
	if r.now != nil {
		now = r.now
	}
	if r.access != "" && now().Add(time.Minute).Before(r.expires) {
		return r.access, nil
	}

	endpoint := r.TokenURL
	if endpoint == "" {
		endpoint = DefaultTokenURL
	}
	form := url.Values{
		"client_id":     {r.ClientID},
		"client_secret": {r.ClientSecret},
		"refresh_token": {r.Refresh},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := r.HTTP
	if client == nil {
		client = httpkit.NewClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return "", &APIError{Status: resp.StatusCode, Endpoint: "oauth/token", Message: body}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response carried no access token")
	}

	r.access = tr.AccessToken
	r.expires = time.Unix(tr.ExpiresAt, 0)
	if tr.RefreshToken != "" && tr.RefreshToken != r.Refresh {
		r.Refresh = tr.RefreshToken
		if r.OnRotate != nil {
			r.OnRotate(tr.RefreshToken)
		}
	}
	return r.access, nil
}
