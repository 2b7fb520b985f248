// Package api is the HTTP client for the case-file upload endpoint. It
// handles request construction, bearer authentication, streaming multipart
// bodies, and error classification; retry scheduling belongs to the
// uploader, which owns the per-record attempt count.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, api.ErrUnauthorized) to check.
var (
	ErrBadRequest   = errors.New("api: bad request")
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrForbidden    = errors.New("api: forbidden")
	ErrNotFound     = errors.New("api: not found")
	ErrTimeout      = errors.New("api: request timeout")
	ErrThrottled    = errors.New("api: throttled")
	ErrClient       = errors.New("api: client error")
	ErrServer       = errors.New("api: server error")
	ErrNetwork      = errors.New("api: network error")
)

// StatusError wraps a sentinel with the HTTP status code and a snippet of
// the response body for the log.
type StatusError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}

	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestTimeout:
		return ErrTimeout
	case http.StatusTooManyRequests:
		return ErrThrottled
	}

	if code >= http.StatusInternalServerError {
		return ErrServer
	}

	return ErrClient
}

// IsTransient reports whether err should be retried with backoff: network
// failures, HTTP 5xx, 429, and 408. Everything else is permanent until the
// file's content changes.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrServer) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrTimeout)
}

// IsAuth reports whether err is a 401/403 — permanent, and worth a periodic
// "check api_key" warning.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}
