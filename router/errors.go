package router

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError reports a provider-side rate rejection. RetryAfter carries
// the provider's hint when one was given.
type RateLimitError struct {
	err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return e.err.Error() }
func (e *RateLimitError) Unwrap() error { return e.err }

// NewRateLimitError wraps an error as a rate rejection with an optional
// retry hint (zero for none).
func NewRateLimitError(err error, retryAfter time.Duration) error {
	return &RateLimitError{err: err, RetryAfter: retryAfter}
}

// SafetyError reports a content rejection. It is a property of the prompt,
// not the key, so the router escalates tiers instead of cooling down.
type SafetyError struct {
	err error
}

func (e *SafetyError) Error() string { return e.err.Error() }
func (e *SafetyError) Unwrap() error { return e.err }

// NewSafetyError wraps an error as a content-safety rejection.
func NewSafetyError(err error) error {
	return &SafetyError{err: err}
}

// TransientError represents a temporary fault that may succeed on another
// key: timeouts, 5xx, network failures.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as transient.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent fault that retrying cannot fix: auth
// failures, malformed requests.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// NoKeyError reports that no credential could serve the request.
// EarliestRetry is the soonest cooldown expiry among excluded keys, zero
// when no key was merely cooling down.
type NoKeyError struct {
	EarliestRetry time.Time
}

func (e *NoKeyError) Error() string {
	if e.EarliestRetry.IsZero() {
		return "no-key-available: no credential matches the request"
	}
	return fmt.Sprintf("no-key-available: all candidates cooling down until %s", e.EarliestRetry.Format(time.RFC3339))
}

// IsRateLimited reports whether err is a provider rate rejection.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsSafetyBlocked reports whether err is a content rejection.
func IsSafetyBlocked(err error) bool {
	var se *SafetyError
	return errors.As(err, &se)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is permanent.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
