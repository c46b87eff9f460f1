package strava

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/pacer/internal/httpkit"
)

// APIError is a non-2xx response from the activity API.
type APIError struct {
	Status   int
	Endpoint string
	Message  string

	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("strava %s: HTTP %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("strava %s: HTTP %d: %s", e.Endpoint, e.Status, e.Message)
}

// RateLimited reports an upstream 429.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// Transient reports a server-side failure worth retrying.
func (e *APIError) Transient() bool {
	return e.Status >= 500
}

// Permanent reports a failure that will not change on retry: the id is
// gone, private, or the token lacks scope.
func (e *APIError) Permanent() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return e.Status >= 400 && e.Status < 500 && !e.RateLimited()
}

// Class groups an outbound call failure for retry decisions.
type Class int

const (
	ClassNone Class = iota
	ClassRateLimited
	ClassTransient
	ClassPermanent
)

// String names the class for logs and tool results.
func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "none"
	}
}

// Classify sorts an error from the client into a retry class. Network
// failures are transient; anything unrecognized is permanent so it is
// never retried blindly.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RateLimited():
			return ClassRateLimited
		case apiErr.Transient():
			return ClassTransient
		default:
			return ClassPermanent
		}
	}
	if httpkit.IsNetworkError(err) {
		return ClassTransient
	}
	return ClassPermanent
}
