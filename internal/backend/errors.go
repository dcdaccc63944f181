package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrDuplicate reports that the backend already holds the record being
// written. Callers treat it as delivered.
var ErrDuplicate = errors.New("backend: duplicate record")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("backend: %s: status %d: %s", e.Endpoint, e.StatusCode, body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

// duplicateMarkers are the fragments a unique-key violation leaves in the
// error body (MySQL, PostgreSQL, SQLite and the framework's own wording).
var duplicateMarkers = []string{"duplicate", "unique"}

// isDuplicate reports a unique-key violation. Bodies are only sniffed on
// client errors; a 5xx stays retryable whatever its message says.
func isDuplicate(status int, body string) bool {
	if status == http.StatusConflict {
		return true
	}
	if status < 400 || status >= 500 {
		return false
	}
	lower := strings.ToLower(body)
	for _, m := range duplicateMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether an error from this package is transient.
// Duplicates, cancellations and 4xx responses other than 408 and 429 are
// final; transport errors and 5xx responses are retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrDuplicate) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// isBreakerFailure reports whether err says something about the backend's
// health. Client errors and cancellation do not.
func isBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
