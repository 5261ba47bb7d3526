// Package ratelimit provides atomic reservation of per-credential request and
// token budgets in sliding minute windows. Reservation is the single
// synchronization point for credential budgets shared across concurrent
// callers: either a mutex-guarded in-process store or a Lua-scripted redis
// store, both behind the same interface.
package ratelimit

import (
	"context"
	"time"
)

// Limit dimensions reported when a reservation is denied.
const (
	LimitRPM      = "rpm"
	LimitTPM      = "tpm"
	LimitDaily    = "daily"
	LimitCooldown = "cooldown"
)

// Limits holds the windowed budgets for one credential. A zero value for any
// dimension disables that check.
type Limits struct {
	// RPM is the requests-per-minute budget.
	RPM int
	// TPM is the tokens-per-minute budget.
	TPM int
	// Daily is the requests-per-day budget.
	Daily int
}

// Decision is the outcome of a reservation attempt.
type Decision struct {
	// Allowed reports whether the budget was consumed.
	Allowed bool

	// LimitHit names the limiting dimension when the reservation was denied.
	LimitHit string

	// RetryAfter is the time until the limiting window rolls over.
	RetryAfter time.Duration
}

// Usage is a read-only snapshot of the current window counters.
type Usage struct {
	Requests      int
	Tokens        int
	DailyRequests int
}

// Store is the reservation contract. Reserve must be race-free across
// concurrent callers: no two reservations against the same key may ever push
// the window counters past their limits.
type Store interface {
	// SetLimits registers the budgets for a key. Reservations against an
	// unregistered key are denied.
	SetLimits(keyID string, l Limits)

	// Reserve atomically checks the cooldown and both window counters and, if
	// the request fits, consumes one request and estimatedTokens of budget.
	Reserve(ctx context.Context, keyID string, estimatedTokens int) (Decision, error)

	// Correct adjusts the token counter downward after the real token count is
	// known. Counters are never adjusted upward, so callers are never charged
	// twice for over-estimation.
	Correct(ctx context.Context, keyID string, estimatedTokens, actualTokens int) error

	// SetCooldown excludes the key from reservation until the deadline.
	SetCooldown(ctx context.Context, keyID string, until time.Time) error

	// CooldownUntil reports the active cooldown deadline, if any.
	CooldownUntil(ctx context.Context, keyID string) (time.Time, bool, error)

	// Usage returns the current window counters for a key.
	Usage(ctx context.Context, keyID string) (Usage, error)
}

// minuteOf truncates a timestamp to its minute bucket.
func minuteOf(t time.Time) int64 {
	return t.Unix() / 60
}

// dayOf truncates a timestamp to its day bucket.
func dayOf(t time.Time) int64 {
	return t.Unix() / 86400
}

// untilNextMinute is the fallback retry hint when the store cannot report a
// precise window TTL.
func untilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}
