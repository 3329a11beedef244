package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

var (
	// ErrTransient marks failures that are expected to clear on their own
	// (timeouts, resets, 5xx). Callers abandon the attempt and retry on the
	// next scheduled occurrence.
	ErrTransient = errors.New("transient network error")
	// ErrAuth marks an expired or rejected token. Callers hand the agent back
	// to the session store for re-authentication instead of retrying.
	ErrAuth = errors.New("authentication rejected")
	// ErrAlreadyMember is the join conflict meaning the agent is already in
	// the room. The coordinator treats it as success.
	ErrAlreadyMember = errors.New("already a member of the room")
	// ErrMalformed marks a response body that could not be decoded.
	ErrMalformed = errors.New("malformed response")
)

// StatusError is a non-2xx response. It unwraps to the error class the
// status maps to, so errors.Is(err, ErrAuth) works on it.
type StatusError struct {
	Op   string
	Code int
	Body string

	class error
}

// maxBodyRunes caps how much of a response body an error message quotes.
const maxBodyRunes = 256

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, truncate(e.Body, maxBodyRunes))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// Unwrap returns the error class, or nil for statuses without one.
func (e *StatusError) Unwrap() error {
	return e.class
}

// statusClass maps an HTTP status to one of the sentinel classes.
func statusClass(code int) error {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ErrTransient
	default:
		return nil
	}
}

// transportError classifies an error returned before any response arrived.
// Cancellation is passed through untouched so shutdown is not logged as a
// network failure.
func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// IsRetryable reports whether err belongs to the transient class.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
