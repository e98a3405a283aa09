package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no usable session matches the lookup.
var ErrNotFound = errors.New("session not found")

// ErrRedisUnavailable wraps every backend failure.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrTokenCollision is returned by Create and Rotate when a token hash is already indexed.
var ErrTokenCollision = errors.New("token already bound to a session")

// ErrRefreshHashMismatch is returned by Rotate when the presented refresh token is not
// the one currently bound to the session.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrCorrupt is returned when a stored session record cannot be decoded.
var ErrCorrupt = errors.New("session record corrupt")

const (
	scriptMiss      int64 = 0
	scriptApplied   int64 = 1
	scriptMismatch  int64 = 2
	scriptCollision int64 = 3
)

const createSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 3
end
if redis.call("EXISTS", KEYS[2]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
  return 3
end
redis.call("HSET", KEYS[1],
  "uid", ARGV[2], "ah", ARGV[3], "rh", ARGV[4],
  "ca", ARGV[5], "la", ARGV[5], "ea", ARGV[6], "act", "1",
  "ip", ARGV[8], "ua", ARGV[9])
redis.call("PEXPIRE", KEYS[1], ARGV[7])
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[7])
redis.call("SET", KEYS[3], ARGV[1], "PX", ARGV[7])
redis.call("ZADD", KEYS[4], ARGV[5], ARGV[1])
if redis.call("PTTL", KEYS[4]) < tonumber(ARGV[7]) then
  redis.call("PEXPIRE", KEYS[4], ARGV[7])
end
return 1
`

var createSessionLua = redis.NewScript(createSessionScript)

const deactivateSessionScript = `
if redis.call("HGET", KEYS[1], "act") ~= "1" then
  return 0
end
local f = redis.call("HMGET", KEYS[1], "ah", "rh", "uid")
redis.call("HSET", KEYS[1], "act", "0")
if f[1] then
  redis.call("DEL", ARGV[1] .. ":t:" .. f[1])
end
if f[2] then
  redis.call("DEL", ARGV[1] .. ":t:" .. f[2])
end
if f[3] then
  redis.call("ZREM", ARGV[1] .. ":u:" .. f[3], ARGV[2])
end
return 1
`

var deactivateSessionLua = redis.NewScript(deactivateSessionScript)

const revokeAllScript = `
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
local now = tonumber(ARGV[2])
local revoked = 0
for _, sid in ipairs(ids) do
  local key = ARGV[1] .. ":s:" .. sid
  local f = redis.call("HMGET", key, "act", "ah", "rh", "ea")
  if f[1] == "1" then
    redis.call("HSET", key, "act", "0")
    if f[2] then
      redis.call("DEL", ARGV[1] .. ":t:" .. f[2])
    end
    if f[3] then
      redis.call("DEL", ARGV[1] .. ":t:" .. f[3])
    end
    if tonumber(f[4] or "0") > now then
      revoked = revoked + 1
    end
  end
end
redis.call("DEL", KEYS[1])
return revoked
`

var revokeAllLua = redis.NewScript(revokeAllScript)

const touchSessionScript = `
if redis.call("HGET", KEYS[1], "act") ~= "1" then
  return 0
end
redis.call("HSET", KEYS[1], "la", ARGV[1])
return 1
`

var touchSessionLua = redis.NewScript(touchSessionScript)

const rotateSessionScript = `
local f = redis.call("HMGET", KEYS[1], "act", "ah", "rh", "uid")
if f[1] ~= "1" then
  return 0
end
if f[3] ~= ARGV[3] then
  return 2
end
local p = ARGV[1]
local rotating = ARGV[5] ~= f[3]
if redis.call("EXISTS", p .. ":t:" .. ARGV[4]) == 1 then
  return 3
end
if rotating and redis.call("EXISTS", p .. ":t:" .. ARGV[5]) == 1 then
  return 3
end
redis.call("DEL", p .. ":t:" .. f[2])
redis.call("SET", p .. ":t:" .. ARGV[4], ARGV[2], "PX", ARGV[6])
if rotating then
  redis.call("DEL", p .. ":t:" .. f[3])
  redis.call("SET", p .. ":t:" .. ARGV[5], ARGV[2], "PX", ARGV[6])
  redis.call("SET", p .. ":x:" .. f[3], ARGV[2], "PX", ARGV[6])
end
redis.call("HSET", KEYS[1], "ah", ARGV[4], "rh", ARGV[5], "ea", ARGV[7], "la", ARGV[8])
redis.call("PEXPIRE", KEYS[1], ARGV[6])
local uk = p .. ":u:" .. f[4]
if redis.call("PTTL", uk) < tonumber(ARGV[6]) then
  redis.call("PEXPIRE", uk, ARGV[6])
end
return 1
`

var rotateSessionLua = redis.NewScript(rotateSessionScript)

// Registry is the Redis-backed session registry. It is safe for concurrent use.
type Registry struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock injects the time source used for creation, activity and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a [Registry] backed by client. prefix sets the Redis key
// namespace and defaults to "as".
func NewRegistry(client redis.UniversalClient, prefix string, opts ...Option) *Registry {
	if prefix == "" {
		prefix = "as"
	}
	r := &Registry{redis: client, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) sessionKey(sessionID string) string { return r.prefix + ":s:" + sessionID }
func (r *Registry) indexKey(hashHex string) string    { return r.prefix + ":t:" + hashHex }
func (r *Registry) identityKey(identityID string) string {
	return r.prefix + ":u:" + identityID
}
func (r *Registry) tombstoneKey(hashHex string) string { return r.prefix + ":x:" + hashHex }

// CreateParams describes a new session.
type CreateParams struct {
	IdentityID   string
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the refresh token's own expiry.
	ExpiresAt time.Time
	IP        string
	UserAgent string
}

// Create persists a new active session bound to both tokens.
//
//	Performance: 1 Lua script.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if p.IdentityID == "" || p.AccessToken == "" || p.RefreshToken == "" {
		return nil, errors.New("session: identity and tokens are required")
	}
	now := r.now().Truncate(time.Millisecond)
	ttl := p.ExpiresAt.Sub(now)
	if ttl < time.Millisecond {
		return nil, errors.New("session: expiry must be in the future")
	}

	sess := &Session{
		ID:             uuid.NewString(),
		IdentityID:     p.IdentityID,
		TokenHash:      HashToken(p.AccessToken),
		RefreshHash:    HashToken(p.RefreshToken),
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      p.ExpiresAt,
		Active:         true,
		IP:             p.IP,
		UserAgent:      p.UserAgent,
	}

	ah := hex.EncodeToString(sess.TokenHash[:])
	rh := hex.EncodeToString(sess.RefreshHash[:])
	keys := []string{
		r.sessionKey(sess.ID),
		r.indexKey(ah),
		r.indexKey(rh),
		r.identityKey(sess.IdentityID),
	}
	res, err := createSessionLua.Run(ctx, r.redis, keys,
		sess.ID,
		sess.IdentityID,
		ah,
		rh,
		unixMilli(now),
		unixMilli(sess.ExpiresAt),
		ttl.Milliseconds(),
		sess.IP,
		sess.UserAgent,
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if res != scriptApplied {
		return nil, ErrTokenCollision
	}
	return sess, nil
}

// FindActiveByToken resolves a raw access or refresh token to its session. It returns
// [ErrNotFound] when no session matches or the session is inactive or expired.
//
//	Performance: 2 Redis commands (GET + HGETALL).
func (r *Registry) FindActiveByToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	digest := HashToken(token)
	sid, err := r.redis.Get(ctx, r.indexKey(hex.EncodeToString(digest[:]))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := r.Get(ctx, sid)
	if err != nil {
		return nil, err
	}
	if !sess.Usable(r.now()) {
		return nil, ErrNotFound
	}
	if sess.TokenHash != digest && sess.RefreshHash != digest {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Get returns the session with the given ID, active or not.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	fields, err := r.redis.HGetAll(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeSession(sessionID, fields)
}

// Touch records activity on an active session. It returns [ErrNotFound] when the
// session is no longer active.
func (r *Registry) Touch(ctx context.Context, sess *Session) error {
	now := r.now().Truncate(time.Millisecond)
	res, err := touchSessionLua.Run(ctx, r.redis, []string{r.sessionKey(sess.ID)}, unixMilli(now)).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if res != scriptApplied {
		return ErrNotFound
	}
	sess.LastActivityAt = now
	return nil
}

// Deactivate marks the session inactive and unbinds its tokens. It is idempotent and
// reports whether this call performed the transition.
//
//	Performance: 1 Lua script.
func (r *Registry) Deactivate(ctx context.Context, sess *Session) (bool, error) {
	res, err := deactivateSessionLua.Run(ctx, r.redis, []string{r.sessionKey(sess.ID)}, r.prefix, sess.ID).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return res == scriptApplied, nil
}

// ListActive returns the identity's usable sessions, newest first.
//
// Index entries whose session record has already expired are pruned best-effort.
func (r *Registry) ListActive(ctx context.Context, identityID string) ([]*Session, error) {
	ids, err := r.redis.ZRevRange(ctx, r.identityKey(identityID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, sid := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.sessionKey(sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := r.now()
	out := make([]*Session, 0, len(ids))
	stale := make([]interface{}, 0)
	for i, cmd := range cmds {
		fields, cmdErr := cmd.Result()
		if cmdErr != nil && !errors.Is(cmdErr, redis.Nil) {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		sess, decErr := decodeSession(ids[i], fields)
		if decErr != nil {
			return nil, decErr
		}
		if sess.Usable(now) {
			out = append(out, sess)
		}
	}
	if len(stale) > 0 {
		_ = r.redis.ZRem(ctx, r.identityKey(identityID), stale...).Err()
	}
	return out, nil
}

// RevokeAll deactivates every active session of the identity in one atomic step and
// returns how many unexpired sessions were revoked.
func (r *Registry) RevokeAll(ctx context.Context, identityID string) (int, error) {
	n, err := revokeAllLua.Run(ctx, r.redis, []string{r.identityKey(identityID)}, r.prefix, unixMilli(r.now())).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}

// RotateParams describes a token exchange on an existing session.
type RotateParams struct {
	PresentedRefresh string
	AccessToken      string
	// RefreshToken equals PresentedRefresh when refresh rotation is disabled.
	RefreshToken string
	ExpiresAt    time.Time
}

// Rotate rebinds the session to a new access token and, when p.RefreshToken differs
// from p.PresentedRefresh, to a new refresh token. The swap is a compare-and-swap on
// the stored refresh hash; the replaced refresh hash is kept as a tombstone so a
// later presentation can be recognized by [Registry.ReusedBy].
//
//	Performance: 1 Lua script.
func (r *Registry) Rotate(ctx context.Context, sess *Session, p RotateParams) (*Session, error) {
	now := r.now().Truncate(time.Millisecond)
	ttl := p.ExpiresAt.Sub(now)
	if ttl < time.Millisecond {
		return nil, ErrNotFound
	}

	presented := hashHex(p.PresentedRefresh)
	nextAccess := HashToken(p.AccessToken)
	nextRefresh := HashToken(p.RefreshToken)

	res, err := rotateSessionLua.Run(ctx, r.redis, []string{r.sessionKey(sess.ID)},
		r.prefix,
		sess.ID,
		presented,
		hex.EncodeToString(nextAccess[:]),
		hex.EncodeToString(nextRefresh[:]),
		ttl.Milliseconds(),
		unixMilli(p.ExpiresAt),
		unixMilli(now),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch res {
	case scriptApplied:
	case scriptMismatch:
		return nil, ErrRefreshHashMismatch
	case scriptCollision:
		return nil, ErrTokenCollision
	default:
		return nil, ErrNotFound
	}

	next := *sess
	next.TokenHash = nextAccess
	next.RefreshHash = nextRefresh
	next.ExpiresAt = p.ExpiresAt
	next.LastActivityAt = now
	return &next, nil
}

// ReusedBy reports the session whose rotated-away refresh token matches token.
func (r *Registry) ReusedBy(ctx context.Context, token string) (string, bool, error) {
	sid, err := r.redis.Get(ctx, r.tombstoneKey(hashHex(token))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return sid, true, nil
}

func decodeSession(sessionID string, f map[string]string) (*Session, error) {
	sess := &Session{
		ID:         sessionID,
		IdentityID: f["uid"],
		Active:     f["act"] == "1",
		IP:         f["ip"],
		UserAgent:  f["ua"],
	}
	if sess.IdentityID == "" {
		return nil, ErrCorrupt
	}
	if err := decodeHash(f["ah"], &sess.TokenHash); err != nil {
		return nil, err
	}
	if err := decodeHash(f["rh"], &sess.RefreshHash); err != nil {
		return nil, err
	}

	var err error
	if sess.CreatedAt, err = parseMilli(f["ca"]); err != nil {
		return nil, err
	}
	if sess.LastActivityAt, err = parseMilli(f["la"]); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseMilli(f["ea"]); err != nil {
		return nil, err
	}
	return sess, nil
}

func decodeHash(s string, dst *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(dst) {
		return ErrCorrupt
	}
	copy(dst[:], raw)
	return nil
}

func parseMilli(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, ErrCorrupt
	}
	return time.UnixMilli(ms), nil
}

func unixMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
