package twofactor

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/authgate/internal/secretbox"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotPending is returned by ConfirmSetup when no setup is in progress.
	ErrNotPending = errors.New("two-factor setup not pending")
	// ErrNotEnabled is returned by Verify when the identity has no enabled credential.
	ErrNotEnabled = errors.New("two-factor not enabled")
	// ErrAlreadyEnabled is returned by BeginSetup for an enrolled identity.
	ErrAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrRedisUnavailable wraps backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrCorrupt is returned when a stored credential cannot be decoded or unsealed.
	ErrCorrupt = errors.New("two-factor credential corrupt")
)

// State is the enrollment state of an identity.
type State uint8

const (
	StateUnenrolled State = iota
	StatePending
	StateEnabled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEnabled:
		return "enabled"
	default:
		return "unenrolled"
	}
}

// Credential is the decoded second-factor record of one identity.
type Credential struct {
	Secret         string
	PendingSecret  string
	Enabled        bool
	LastStep       int64
	LastVerifiedAt time.Time
}

// State derives the enrollment state from the record.
func (c *Credential) State() State {
	switch {
	case c == nil:
		return StateUnenrolled
	case c.Enabled && c.Secret != "":
		return StateEnabled
	case c.PendingSecret != "":
		return StatePending
	default:
		return StateUnenrolled
	}
}

// Setup is returned by BeginSetup. Secret is base32 encoded; URI is an otpauth:// URI
// suitable for QR rendering.
type Setup struct {
	Secret string
	URI    string
}

// Config tunes code generation.
type Config struct {
	Issuer      string
	StepSeconds uint
	Digits      int
	// Skew is the number of steps accepted on either side of the current one.
	Skew uint
}

const confirmSetupScript = `
if redis.call("HGET", KEYS[1], "pend") ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "sec", ARGV[1], "en", "1", "ls", ARGV[2], "lv", ARGV[3])
redis.call("HDEL", KEYS[1], "pend")
return 1
`

var confirmSetupLua = redis.NewScript(confirmSetupScript)

const consumeStepScript = `
local f = redis.call("HMGET", KEYS[1], "en", "ls")
if f[1] ~= "1" then
  return 0
end
if tonumber(f[2] or "-1") >= tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "ls", ARGV[1], "lv", ARGV[2])
return 1
`

var consumeStepLua = redis.NewScript(consumeStepScript)

// Manager is the Redis-backed TOTP manager. It is safe for concurrent use.
type Manager struct {
	redis  redis.UniversalClient
	prefix string
	config Config
	box    *secretbox.Box
	now    func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager) error

// WithClock injects the time source used for code steps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		if now != nil {
			m.now = now
		}
		return nil
	}
}

// WithSealingKey seals stored secrets with AES-256-GCM under key (32 bytes).
func WithSealingKey(key []byte) Option {
	return func(m *Manager) error {
		box, err := secretbox.New(key)
		if err != nil {
			return err
		}
		m.box = box
		return nil
	}
}

// WithPrefix overrides the Redis key namespace ("a2f").
func WithPrefix(prefix string) Option {
	return func(m *Manager) error {
		if prefix != "" {
			m.prefix = prefix
		}
		return nil
	}
}

// NewManager creates a Manager. Zero config fields take RFC 6238 defaults: 30 second
// steps, 6 digits, skew 1.
func NewManager(client redis.UniversalClient, cfg Config, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, errors.New("twofactor: redis client is required")
	}
	if cfg.StepSeconds == 0 {
		cfg.StepSeconds = 30
	}
	if cfg.Digits == 0 {
		cfg.Digits = 6
	}
	if cfg.Digits != 6 && cfg.Digits != 8 {
		return nil, errors.New("twofactor: digits must be 6 or 8")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "authgate"
	}

	m := &Manager{redis: client, prefix: "a2f", config: cfg, now: time.Now}
	if cfg.Skew == 0 {
		m.config.Skew = 1
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) key(identityID string) string { return m.prefix + ":" + identityID }

func (m *Manager) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    m.config.StepSeconds,
		Skew:      0,
		Digits:    otp.Digits(m.config.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

// BeginSetup generates a new secret for identityID and stores it as pending,
// replacing any earlier pending secret. accountName labels the authenticator entry.
func (m *Manager) BeginSetup(ctx context.Context, identityID, accountName string) (*Setup, error) {
	cred, err := m.Get(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if cred.State() == StateEnabled {
		return nil, ErrAlreadyEnabled
	}
	if accountName == "" {
		accountName = identityID
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: accountName,
		Period:      m.config.StepSeconds,
		SecretSize:  20,
		Digits:      otp.Digits(m.config.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	stored, err := m.seal(key.Secret())
	if err != nil {
		return nil, err
	}
	if err := m.redis.HSet(ctx, m.key(identityID), "pend", stored).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return &Setup{Secret: key.Secret(), URI: key.URL()}, nil
}

// ConfirmSetup validates code against the pending secret. On success the pending
// secret is promoted atomically and the credential becomes enabled; on failure the
// pending state is left untouched and false is returned.
func (m *Manager) ConfirmSetup(ctx context.Context, identityID, code string) (bool, error) {
	raw, err := m.redis.HGet(ctx, m.key(identityID), "pend").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrNotPending
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	secret, err := m.open(raw)
	if err != nil {
		return false, err
	}

	now := m.now()
	step, ok := m.match(secret, code, now)
	if !ok {
		return false, nil
	}

	res, err := confirmSetupLua.Run(ctx, m.redis, []string{m.key(identityID)},
		raw,
		strconv.FormatInt(step, 10),
		strconv.FormatInt(now.UnixMilli(), 10),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return res == 1, nil
}

// Verify checks code for an enabled identity. A step is accepted only once; any
// step at or below the last consumed one is rejected.
func (m *Manager) Verify(ctx context.Context, identityID, code string) (bool, error) {
	cred, err := m.Get(ctx, identityID)
	if err != nil {
		return false, err
	}
	if cred.State() != StateEnabled {
		return false, ErrNotEnabled
	}

	now := m.now()
	step, ok := m.match(cred.Secret, code, now)
	if !ok || step <= cred.LastStep {
		return false, nil
	}

	res, err := consumeStepLua.Run(ctx, m.redis, []string{m.key(identityID)},
		strconv.FormatInt(step, 10),
		strconv.FormatInt(now.UnixMilli(), 10),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return res == 1, nil
}

// Disable removes the secret and any pending secret.
func (m *Manager) Disable(ctx context.Context, identityID string) error {
	if err := m.redis.Del(ctx, m.key(identityID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// State returns the enrollment state of identityID.
func (m *Manager) State(ctx context.Context, identityID string) (State, error) {
	cred, err := m.Get(ctx, identityID)
	if err != nil {
		return StateUnenrolled, err
	}
	return cred.State(), nil
}

// Get loads and unseals the credential of identityID. A missing record yields an
// empty, unenrolled credential.
func (m *Manager) Get(ctx context.Context, identityID string) (*Credential, error) {
	f, err := m.redis.HGetAll(ctx, m.key(identityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	cred := &Credential{Enabled: f["en"] == "1", LastStep: -1}
	if v := f["sec"]; v != "" {
		if cred.Secret, err = m.open(v); err != nil {
			return nil, err
		}
	}
	if v := f["pend"]; v != "" {
		if cred.PendingSecret, err = m.open(v); err != nil {
			return nil, err
		}
	}
	if v := f["ls"]; v != "" {
		if cred.LastStep, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, ErrCorrupt
		}
	}
	if v := f["lv"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, ErrCorrupt
		}
		cred.LastVerifiedAt = time.UnixMilli(ms)
	}
	return cred, nil
}

// match returns the time step whose code equals code, within the skew window.
func (m *Manager) match(secret, code string, now time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != m.config.Digits || !isNumeric(code) {
		return 0, false
	}

	period := int64(m.config.StepSeconds)
	current := now.Unix() / period
	skew := int64(m.config.Skew)
	opts := m.validateOpts()

	var matched int64
	found := false
	for step := current - skew; step <= current+skew; step++ {
		if step < 0 {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0), opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !found {
			matched = step
			found = true
		}
	}
	return matched, found
}

func (m *Manager) seal(secret string) (string, error) {
	if m.box == nil {
		return secret, nil
	}
	return m.box.Seal(secret)
}

func (m *Manager) open(stored string) (string, error) {
	if m.box == nil {
		return stored, nil
	}
	plain, err := m.box.Open(stored)
	if err != nil {
		return "", ErrCorrupt
	}
	return plain, nil
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
