package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/internal"
	"github.com/redis/go-redis/v9"
)

// Purpose separates token namespaces so a reset token can never verify an email.
type Purpose string

const (
	PurposePasswordReset     Purpose = "pr"
	PurposeEmailVerification Purpose = "ev"
)

var (
	// ErrTokenNotFound is returned for unknown, expired or already consumed tokens.
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenBackend wraps Redis failures.
	ErrTokenBackend = errors.New("token backend unavailable")
)

const issueTokenScript = `
local old = redis.call("GET", KEYS[2])
if old then
  redis.call("DEL", ARGV[3] .. old)
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[4])
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[4])
return 1
`

var issueTokenLua = redis.NewScript(issueTokenScript)

const consumeTokenScript = `
local uid = redis.call("GET", KEYS[1])
if not uid then
  return false
end
redis.call("DEL", KEYS[1])
local idx = ARGV[1] .. uid
if redis.call("GET", idx) == ARGV[2] then
  redis.call("DEL", idx)
end
return uid
`

var consumeTokenLua = redis.NewScript(consumeTokenScript)

// TokenStore issues and consumes single-use opaque tokens bound to an identity.
type TokenStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewTokenStore creates a [TokenStore]. prefix defaults to "aot".
func NewTokenStore(redisClient redis.UniversalClient, prefix string) *TokenStore {
	if prefix == "" {
		prefix = "aot"
	}
	return &TokenStore{redis: redisClient, prefix: prefix}
}

func (s *TokenStore) tokenPrefix(p Purpose) string { return s.prefix + ":" + string(p) + ":t:" }
func (s *TokenStore) ownerPrefix(p Purpose) string { return s.prefix + ":" + string(p) + ":u:" }

// Issue creates a token for identityID valid for ttl, invalidating any earlier token
// of the same purpose for that identity. Only the token's digest is stored.
func (s *TokenStore) Issue(ctx context.Context, p Purpose, identityID string, ttl time.Duration) (string, error) {
	if identityID == "" || ttl < time.Millisecond {
		return "", errors.New("stores: identity and positive ttl are required")
	}
	tok, err := internal.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	digest := internal.HashOpaque(tok)

	keys := []string{s.tokenPrefix(p) + digest, s.ownerPrefix(p) + identityID}
	if err := issueTokenLua.Run(ctx, s.redis, keys, identityID, digest, s.tokenPrefix(p), ttl.Milliseconds()).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenBackend, err)
	}
	return tok, nil
}

// Consume atomically redeems tok and returns the identity it was issued for. A token
// can be consumed at most once.
func (s *TokenStore) Consume(ctx context.Context, p Purpose, tok string) (string, error) {
	if tok == "" {
		return "", ErrTokenNotFound
	}
	digest := internal.HashOpaque(tok)
	uid, err := consumeTokenLua.Run(ctx, s.redis, []string{s.tokenPrefix(p) + digest}, s.ownerPrefix(p), digest).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrTokenBackend, err)
	}
	return uid, nil
}
