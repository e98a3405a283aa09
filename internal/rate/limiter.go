package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Action names an independent class of limited operation.
type Action string

const (
	ActionLogin             Action = "login"
	ActionPasswordReset     Action = "password_reset"
	ActionLoginFailure      Action = "login_failure"
	ActionEmailVerification Action = "email_verification"
	ActionTwoFactorCode     Action = "two_factor_code"
	ActionTwoFactorFailure  Action = "two_factor_failure"
)

// Policy is a limit per fixed window.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) validate() error {
	if p.Limit <= 0 || p.Window <= 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Count     int
	Remaining int
	ResetAt   time.Time
}

func decide(count int, p Policy, resetAt time.Time) Decision {
	remaining := p.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= p.Limit,
		Count:     count,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Limiter counts hits per (action, key) bucket. Implementations must make
// CheckAndIncrement atomic per bucket.
type Limiter interface {
	// CheckAndIncrement records one hit and reports whether it is within the policy.
	CheckAndIncrement(ctx context.Context, key string, action Action, p Policy) (Decision, error)
	// Peek reports the current bucket state without recording a hit.
	Peek(ctx context.Context, key string, action Action, p Policy) (Decision, error)
	// Reset clears the bucket.
	Reset(ctx context.Context, key string, action Action) error
}

const incrementScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

var incrementLua = redis.NewScript(incrementScript)

// RedisLimiter is a fixed-window limiter shared across processes through Redis.
type RedisLimiter struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedis creates a [RedisLimiter]. A nil now uses time.Now.
func NewRedis(client redis.UniversalClient, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{redis: client, prefix: "arl", now: now}
}

func (l *RedisLimiter) key(action Action, key string) string {
	return l.prefix + ":" + string(action) + ":" + key
}

// CheckAndIncrement implements [Limiter].
//
//	Performance: 1 Lua script.
func (l *RedisLimiter) CheckAndIncrement(ctx context.Context, key string, action Action, p Policy) (Decision, error) {
	if err := p.validate(); err != nil {
		return Decision{}, err
	}
	vals, err := incrementLua.Run(ctx, l.redis, []string{l.key(action, key)}, p.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(vals) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply", ErrRedisUnavailable)
	}
	return decide(int(vals[0]), p, l.now().Add(time.Duration(vals[1])*time.Millisecond)), nil
}

// Peek implements [Limiter].
func (l *RedisLimiter) Peek(ctx context.Context, key string, action Action, p Policy) (Decision, error) {
	if err := p.validate(); err != nil {
		return Decision{}, err
	}
	k := l.key(action, key)
	pipe := l.redis.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	count, err := getCmd.Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decide(0, p, l.now()), nil
		}
		return Decision{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return decide(count, p, l.now().Add(ttl)), nil
}

// Reset implements [Limiter].
func (l *RedisLimiter) Reset(ctx context.Context, key string, action Action) error {
	if err := l.redis.Del(ctx, l.key(action, key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
