// errors.go -- Upstream error taxonomy.
package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingAPIKey is a configuration error. It is never retried.
var ErrMissingAPIKey = errors.New("upstream: api key is not configured")

// ErrRateLimited matches an upstream 429 and local quota exhaustion.
// QuotaCache degrades on it instead of propagating.
var ErrRateLimited = errors.New("upstream: rate limited")

// ErrUnsuccessful is returned when a 2xx response carries succeeded=false.
var ErrUnsuccessful = errors.New("upstream: request not successful")

// maxBodyExcerpt caps APIError.Body.
const maxBodyExcerpt = 512

// APIError is a non-2xx upstream response.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string // excerpt, at most maxBodyExcerpt bytes
}

func newAPIError(op string, status int, body []byte) *APIError {
	if len(body) > maxBodyExcerpt {
		body = body[:maxBodyExcerpt]
	}
	return &APIError{Operation: op, StatusCode: status, Body: string(body)}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s: status=%d body=%q", e.Operation, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrRateLimited) match a 429.
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// Permanent reports whether retrying the same request cannot succeed:
// any 4xx except 401 (token refresh), 408 and 429.
func (e *APIError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err is an upstream failure that retrying cannot fix.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrMissingAPIKey) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}
