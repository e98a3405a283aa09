package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/internal"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCodeNotFound is returned when no code is outstanding for the identity.
	ErrCodeNotFound = errors.New("login code not found")
	// ErrCodeMismatch is returned when the presented code does not match.
	ErrCodeMismatch = errors.New("login code mismatch")
	// ErrCodeAttemptsExceeded is returned when the failure that exhausted the code's
	// attempt budget is recorded; the code is deleted.
	ErrCodeAttemptsExceeded = errors.New("login code attempts exceeded")
	// ErrCodeBackend wraps Redis failures.
	ErrCodeBackend = errors.New("login code backend unavailable")
)

const (
	codeMissing  int64 = 0
	codeMatched  int64 = 1
	codeMismatch int64 = 2
	codeExceeded int64 = 3
)

const consumeCodeScript = `
local f = redis.call("HMGET", KEYS[1], "h", "n", "max")
if not f[1] then
  return 0
end
if f[1] == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
local n = redis.call("HINCRBY", KEYS[1], "n", 1)
if n >= tonumber(f[3]) then
  redis.call("DEL", KEYS[1])
  return 3
end
return 2
`

var consumeCodeLua = redis.NewScript(consumeCodeScript)

// CodeStore holds one outstanding emailed login code per identity.
type CodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewCodeStore creates a [CodeStore]. prefix defaults to "alc".
func NewCodeStore(redisClient redis.UniversalClient, prefix string) *CodeStore {
	if prefix == "" {
		prefix = "alc"
	}
	return &CodeStore{redis: redisClient, prefix: prefix}
}

func (s *CodeStore) key(identityID string) string { return s.prefix + ":" + identityID }

// Issue generates a numeric code for identityID, replacing any outstanding one.
func (s *CodeStore) Issue(ctx context.Context, identityID string, digits, maxAttempts int, ttl time.Duration) (string, error) {
	if identityID == "" || maxAttempts <= 0 || ttl < time.Millisecond {
		return "", errors.New("stores: identity, attempts and ttl are required")
	}
	code, err := internal.NewOTP(digits)
	if err != nil {
		return "", err
	}

	key := s.key(identityID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "h", internal.HashOpaque(code), "n", 0, "max", maxAttempts)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	return code, nil
}

// Consume checks code against the outstanding code for identityID. A match deletes
// the code; a mismatch counts against the attempt budget.
func (s *CodeStore) Consume(ctx context.Context, identityID, code string) error {
	res, err := consumeCodeLua.Run(ctx, s.redis, []string{s.key(identityID)}, internal.HashOpaque(code)).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodeBackend, err)
	}
	switch res {
	case codeMatched:
		return nil
	case codeMismatch:
		return ErrCodeMismatch
	case codeExceeded:
		return ErrCodeAttemptsExceeded
	default:
		return ErrCodeNotFound
	}
}
