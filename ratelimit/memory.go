package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the in-process store variant. A single mutex makes the
// reservation read-modify-write atomic across goroutines.
type MemoryStore struct {
	mu        sync.Mutex
	limits    map[string]Limits
	windows   map[string]*window
	days      map[string]*dayWindow
	cooldowns map[string]time.Time

	// now is injectable for tests.
	now func() time.Time
}

type window struct {
	minute   int64
	requests int
	tokens   int
}

type dayWindow struct {
	day      int64
	requests int
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limits:    make(map[string]Limits),
		windows:   make(map[string]*window),
		days:      make(map[string]*dayWindow),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetLimits registers the budgets for a key.
func (s *MemoryStore) SetLimits(keyID string, l Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[keyID] = l
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, keyID string, estimatedTokens int) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limits, ok := s.limits[keyID]
	if !ok {
		return Decision{}, fmt.Errorf("no limits registered for key %s", keyID)
	}

	now := s.now()

	if until, active := s.cooldowns[keyID]; active {
		if now.Before(until) {
			return Decision{LimitHit: LimitCooldown, RetryAfter: until.Sub(now)}, nil
		}
		delete(s.cooldowns, keyID)
	}

	w := s.refreshWindow(keyID, now)
	d := s.refreshDay(keyID, now)

	if limits.RPM > 0 && w.requests+1 > limits.RPM {
		return Decision{LimitHit: LimitRPM, RetryAfter: untilNextMinute(now)}, nil
	}
	if limits.TPM > 0 && w.tokens+estimatedTokens > limits.TPM {
		return Decision{LimitHit: LimitTPM, RetryAfter: untilNextMinute(now)}, nil
	}
	if limits.Daily > 0 && d.requests+1 > limits.Daily {
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		return Decision{LimitHit: LimitDaily, RetryAfter: next.Sub(now)}, nil
	}

	w.requests++
	w.tokens += estimatedTokens
	d.requests++
	return Decision{Allowed: true}, nil
}

// Correct implements Store. Unused budget from over-estimation is returned to
// the current window; under-estimation is never charged retroactively.
func (s *MemoryStore) Correct(_ context.Context, keyID string, estimatedTokens, actualTokens int) error {
	refund := estimatedTokens - actualTokens
	if refund <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[keyID]
	if !ok || w.minute != minuteOf(s.now()) {
		// Window already rolled; the over-charge expired with it.
		return nil
	}
	w.tokens -= refund
	if w.tokens < 0 {
		w.tokens = 0
	}
	return nil
}

// SetCooldown implements Store.
func (s *MemoryStore) SetCooldown(_ context.Context, keyID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[keyID] = until
	return nil
}

// CooldownUntil implements Store.
func (s *MemoryStore) CooldownUntil(_ context.Context, keyID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[keyID]
	if !ok || !s.now().Before(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Usage implements Store.
func (s *MemoryStore) Usage(_ context.Context, keyID string) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	u := Usage{}
	if w, ok := s.windows[keyID]; ok && w.minute == minuteOf(now) {
		u.Requests = w.requests
		u.Tokens = w.tokens
	}
	if d, ok := s.days[keyID]; ok && d.day == dayOf(now) {
		u.DailyRequests = d.requests
	}
	return u, nil
}

func (s *MemoryStore) refreshWindow(keyID string, now time.Time) *window {
	minute := minuteOf(now)
	w, ok := s.windows[keyID]
	if !ok || w.minute != minute {
		w = &window{minute: minute}
		s.windows[keyID] = w
	}
	return w
}

func (s *MemoryStore) refreshDay(keyID string, now time.Time) *dayWindow {
	day := dayOf(now)
	d, ok := s.days[keyID]
	if !ok || d.day != day {
		d = &dayWindow{day: day}
		s.days[keyID] = d
	}
	return d
}
