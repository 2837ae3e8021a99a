package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for upstream failure classes. Providers wrap these so
// the data client can decide whether a retry is worthwhile.
var (
	// ErrRateLimited means the upstream asked us to slow down (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrEmptyResponse means the upstream answered with no usable data.
	ErrEmptyResponse = errors.New("empty response")

	// ErrTimeout means a single fetch exceeded its deadline.
	ErrTimeout = errors.New("timed out")
)

// Class is the retry classification of a fetch failure.
type Class int

const (
	// ClassNone means the fetch succeeded.
	ClassNone Class = iota
	ClassRateLimited
	ClassEmpty
	ClassTimeout
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRateLimited:
		return "rate_limited"
	case ClassEmpty:
		return "empty"
	case ClassTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Retryable reports whether another attempt may succeed.
func (c Class) Retryable() bool {
	return c == ClassRateLimited || c == ClassEmpty
}

// Classify maps an error to its retry class. Errors that never passed
// through a provider are recognised by their message, since some
// upstream libraries only report "429 Too Many Requests" as text.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrEmptyResponse):
		return ClassEmpty
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}
	msg := err.Error()
	if strings.Contains(msg, "status 429") || strings.Contains(msg, "Too Many Requests") {
		return ClassRateLimited
	}
	return ClassOther
}

// StatusError is a non-200 upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match ErrRateLimited for 429 responses.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == 429 {
		return ErrRateLimited
	}
	return nil
}
