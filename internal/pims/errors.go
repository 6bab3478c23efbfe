package pims

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gobreaker "github.com/sony/gobreaker/v2"

	"pimssync/internal/browser"
	"pimssync/internal/retry"
)

// Category classifies remote failures for retry and reporting decisions
type Category string

const (
	// CategoryNetwork - connection resets, timeouts, DNS, 5xx. Retryable.
	CategoryNetwork Category = "network"
	// CategoryAuth - session missing or expired. Needs a fresh login, not a retry.
	CategoryAuth Category = "auth"
	// CategoryNotFound - the remote record is gone. Terminal for that item.
	CategoryNotFound Category = "not_found"
	// CategoryValidation - malformed payload or rejected input
	CategoryValidation Category = "validation"
	CategoryUnknown    Category = "unknown"
)

var (
	// ErrNotAuthenticated is returned when no session credential is held
	ErrNotAuthenticated = errors.New("pims: not authenticated")
	// ErrSessionExpired is returned once the credential's TTL has passed
	ErrSessionExpired = errors.New("pims: session expired")
)

// Error wraps a remote failure with its classification
type Error struct {
	Category   Category
	Op         string
	ID         string // remote record id, if any
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("pims ")
	b.WriteString(e.Op)
	if e.ID != "" {
		b.WriteString(" ")
		b.WriteString(e.ID)
	}
	b.WriteString(": ")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "[%d] ", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(string(e.Category))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed
func (e *Error) Retryable() bool {
	return e.Category == CategoryNetwork
}

// Wrap classifies err and attaches op/id. An existing *Error keeps its category.
func Wrap(op, id string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Op == op && pe.ID == id {
			return pe
		}
		return &Error{Category: pe.Category, Op: op, ID: id, StatusCode: pe.StatusCode, Err: err}
	}
	return &Error{Category: Classify(err), Op: op, ID: id, Err: err}
}

// StatusError maps a non-2xx response to a classified error
func StatusError(op, id string, status int, body string) *Error {
	e := &Error{Op: op, ID: id, StatusCode: status}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Category = CategoryAuth
	case status == http.StatusNotFound || status == http.StatusGone:
		e.Category = CategoryNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Category = CategoryValidation
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		e.Category = CategoryNetwork
	default:
		e.Category = CategoryUnknown
	}
	e.Err = fmt.Errorf("HTTP %d: %s", status, truncate(body, 200))
	return e
}

// Classify inspects typed errors first, then falls back to the error text since the
// remote system has no structured error codes
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}

	switch {
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrSessionExpired):
		return CategoryAuth
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return CategoryNetwork
	case errors.Is(err, browser.ErrPoolExhausted):
		return CategoryNetwork
	case retry.IsTransient(err):
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "not authenticated", "session expired", "login required"):
		return CategoryAuth
	case containsAny(msg, "404", "not found", "does not exist"):
		return CategoryNotFound
	case containsAny(msg, "invalid", "malformed", "validation", "unexpected end of json", "cannot unmarshal"):
		return CategoryValidation
	}
	return CategoryUnknown
}

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	return Classify(err) == CategoryNetwork
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
