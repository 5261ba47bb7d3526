package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout in redis:
//
//	conductor:rl:<key>:<minute>   hash {r: requests, t: tokens}
//	conductor:rl:day:<key>:<day>  daily request counter
//	conductor:rl:cd:<key>         cooldown marker, PX expiry
//
// The minute bucket is part of the key, so window refresh is implicit: a new
// minute starts on a fresh key and the old one expires.

// reserveScript performs the check-and-increment as one server-side
// operation, making the reservation race-free across processes.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {0, 'cooldown', redis.call('PTTL', KEYS[2])}
end
local r = tonumber(redis.call('HGET', KEYS[1], 'r') or '0')
local t = tonumber(redis.call('HGET', KEYS[1], 't') or '0')
local d = tonumber(redis.call('GET', KEYS[3]) or '0')
if tonumber(ARGV[1]) > 0 and r + 1 > tonumber(ARGV[1]) then
  return {0, 'rpm', redis.call('PTTL', KEYS[1])}
end
if tonumber(ARGV[2]) > 0 and t + tonumber(ARGV[4]) > tonumber(ARGV[2]) then
  return {0, 'tpm', redis.call('PTTL', KEYS[1])}
end
if tonumber(ARGV[3]) > 0 and d + 1 > tonumber(ARGV[3]) then
  return {0, 'daily', redis.call('PTTL', KEYS[3])}
end
redis.call('HINCRBY', KEYS[1], 'r', 1)
redis.call('HINCRBY', KEYS[1], 't', tonumber(ARGV[4]))
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
local nd = redis.call('INCR', KEYS[3])
if nd == 1 then
  redis.call('EXPIRE', KEYS[3], tonumber(ARGV[6]))
end
return {1, '', 0}
`)

// correctScript refunds over-estimated tokens, clamped at zero so counters
// are never adjusted upward.
var correctScript = redis.NewScript(`
local t = tonumber(redis.call('HGET', KEYS[1], 't') or '0')
local refund = tonumber(ARGV[1])
if refund > t then
  refund = t
end
if refund > 0 then
  redis.call('HINCRBY', KEYS[1], 't', -refund)
end
return refund
`)

// RedisStore is the shared store variant for multi-process deployments.
// Limits are registered per process; counters and cooldowns live in redis.
type RedisStore struct {
	client *redis.Client

	mu     sync.RWMutex
	limits map[string]Limits

	now func() time.Time
}

// NewRedisStore creates a store over an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		limits: make(map[string]Limits),
		now:    time.Now,
	}
}

// SetLimits registers the budgets for a key.
func (s *RedisStore) SetLimits(keyID string, l Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[keyID] = l
}

func (s *RedisStore) limitsFor(keyID string) (Limits, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.limits[keyID]
	return l, ok
}

func (s *RedisStore) minuteKey(keyID string, now time.Time) string {
	return fmt.Sprintf("conductor:rl:%s:%d", keyID, minuteOf(now))
}

func (s *RedisStore) dayKey(keyID string, now time.Time) string {
	return fmt.Sprintf("conductor:rl:day:%s:%d", keyID, dayOf(now))
}

func (s *RedisStore) cooldownKey(keyID string) string {
	return "conductor:rl:cd:" + keyID
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, keyID string, estimatedTokens int) (Decision, error) {
	limits, ok := s.limitsFor(keyID)
	if !ok {
		return Decision{}, fmt.Errorf("no limits registered for key %s", keyID)
	}

	now := s.now()
	keys := []string{
		s.minuteKey(keyID, now),
		s.cooldownKey(keyID),
		s.dayKey(keyID, now),
	}
	args := []any{
		limits.RPM,
		limits.TPM,
		limits.Daily,
		estimatedTokens,
		120,   // minute bucket TTL: window + slack for late corrections
		90000, // day bucket TTL
	}

	raw, err := reserveScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("reserve script: %w", err)
	}

	reply, ok := raw.([]any)
	if !ok || len(reply) != 3 {
		return Decision{}, fmt.Errorf("unexpected reserve reply: %v", raw)
	}

	allowed, _ := reply[0].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}

	limitHit, _ := reply[1].(string)
	pttl, _ := reply[2].(int64)

	retryAfter := untilNextMinute(now)
	if pttl > 0 {
		retryAfter = time.Duration(pttl) * time.Millisecond
	}
	return Decision{LimitHit: limitHit, RetryAfter: retryAfter}, nil
}

// Correct implements Store.
func (s *RedisStore) Correct(ctx context.Context, keyID string, estimatedTokens, actualTokens int) error {
	refund := estimatedTokens - actualTokens
	if refund <= 0 {
		return nil
	}

	key := s.minuteKey(keyID, s.now())
	if err := correctScript.Run(ctx, s.client, []string{key}, refund).Err(); err != nil {
		return fmt.Errorf("correct script: %w", err)
	}
	return nil
}

// SetCooldown implements Store.
func (s *RedisStore) SetCooldown(ctx context.Context, keyID string, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.cooldownKey(keyID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// CooldownUntil implements Store.
func (s *RedisStore) CooldownUntil(ctx context.Context, keyID string) (time.Time, bool, error) {
	pttl, err := s.client.PTTL(ctx, s.cooldownKey(keyID)).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cooldown pttl: %w", err)
	}
	if pttl <= 0 {
		return time.Time{}, false, nil
	}
	return s.now().Add(pttl), true, nil
}

// Usage implements Store.
func (s *RedisStore) Usage(ctx context.Context, keyID string) (Usage, error) {
	now := s.now()

	vals, err := s.client.HGetAll(ctx, s.minuteKey(keyID, now)).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("usage hgetall: %w", err)
	}

	u := Usage{}
	fmt.Sscanf(vals["r"], "%d", &u.Requests)
	fmt.Sscanf(vals["t"], "%d", &u.Tokens)

	day, err := s.client.Get(ctx, s.dayKey(keyID, now)).Result()
	if err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("usage daily get: %w", err)
	}
	fmt.Sscanf(day, "%d", &u.DailyRequests)

	return u, nil
}
