package platform

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed platform call.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth_error"
	KindRateLimit ErrorKind = "rate_limited"
	KindUpstream  ErrorKind = "upstream_error"
	KindMalformed ErrorKind = "malformed_response"
)

var (
	ErrAuth        = errors.New("platform: credential rejected")
	ErrRateLimited = errors.New("platform: rate limited")
	ErrUpstream    = errors.New("platform: upstream unavailable")
	ErrMalformed   = errors.New("platform: malformed response")
	// ErrAppTokenMissing indicates an app-only call without a configured bearer token.
	ErrAppTokenMissing = errors.New("platform: app bearer token not configured")
)

// APIError describes one failed platform call.
type APIError struct {
	Kind      ErrorKind
	Operation string
	Status    int
	Body      string
	Err       error
}

func (e *APIError) Error() string {
	message := fmt.Sprintf("%s %s", e.Operation, e.Kind)
	if e.Status != 0 {
		message = fmt.Sprintf("%s (status %d)", message, e.Status)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}
	return message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrRateLimited:
		return e.Kind == KindRateLimit
	case ErrUpstream:
		return e.Kind == KindUpstream
	case ErrMalformed:
		return e.Kind == KindMalformed
	}
	return false
}

// Tag returns a short label for err suitable for logs and API payloads.
func Tag(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status != 0 {
			return fmt.Sprintf("%s:%d", apiErr.Kind, apiErr.Status)
		}
		return string(apiErr.Kind)
	}
	if errors.Is(err, ErrAppTokenMissing) {
		return "app_token_missing"
	}
	return "error"
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	default:
		return KindUpstream
	}
}
