package authgate

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/password"
)

// Config is the complete Engine configuration. Start from [DefaultConfig] and
// override fields; Build validates the result and keeps its own copy.
type Config struct {
	Tokens            TokenConfig             `yaml:"tokens"`
	Session           SessionConfig           `yaml:"session"`
	RateLimits        RateLimitConfig         `yaml:"rate_limits"`
	Lockout           LockoutConfig           `yaml:"lockout"`
	Password          password.Config         `yaml:"password"`
	PasswordReset     PasswordResetConfig     `yaml:"password_reset"`
	EmailVerification EmailVerificationConfig `yaml:"email_verification"`
	TwoFactor         TwoFactorConfig         `yaml:"two_factor"`
	Dependencies      DependencyConfig        `yaml:"dependencies"`
	Notifications     NotificationConfig      `yaml:"notifications"`
	Audit             AuditConfig             `yaml:"audit"`
	Metrics           MetricsConfig           `yaml:"metrics"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls access and refresh token minting. Each type is signed with
// its own HS256 secret of at least 32 bytes.
type TokenConfig struct {
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	AccessSecret  []byte        `yaml:"-"`
	RefreshSecret []byte        `yaml:"-"`
	Issuer        string        `yaml:"issuer"`
}

/*
====================================
SESSION CONFIG
====================================
*/

type SessionConfig struct {
	RedisPrefix string `yaml:"redis_prefix"`
	// RotateRefreshTokens issues a new refresh token on every Refresh and keeps the
	// previous one as a reuse tombstone.
	RotateRefreshTokens bool `yaml:"rotate_refresh_tokens"`
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitBackend selects where fixed-window counters live.
type RateLimitBackend string

const (
	RateLimitRedis  RateLimitBackend = "redis"
	RateLimitMemory RateLimitBackend = "memory"
)

// RateLimitPolicy allows Limit hits per fixed Window.
type RateLimitPolicy struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type RateLimitConfig struct {
	// Backend "memory" keeps counters per process; use it only for single-instance
	// deployments.
	Backend           RateLimitBackend `yaml:"backend"`
	Login             RateLimitPolicy  `yaml:"login"`
	PasswordReset     RateLimitPolicy  `yaml:"password_reset"`
	EmailVerification RateLimitPolicy  `yaml:"email_verification"`
	TwoFactorCode     RateLimitPolicy  `yaml:"two_factor_code"`
	// TwoFactorFailure caps wrong second-factor codes per identity, whatever the
	// client address.
	TwoFactorFailure RateLimitPolicy `yaml:"two_factor_failure"`
}

// LockoutConfig locks an identity after MaxFailures wrong passwords within
// Duration. A successful login or password reset clears the counter.
type LockoutConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures int           `yaml:"max_failures"`
	Duration    time.Duration `yaml:"duration"`
}

/*
====================================
RESET / VERIFICATION CONFIG
====================================
*/

type PasswordResetConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type EmailVerificationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

/*
====================================
TWO-FACTOR CONFIG
====================================
*/

type TwoFactorConfig struct {
	Issuer      string `yaml:"issuer"`
	StepSeconds uint   `yaml:"step_seconds"`
	Digits      int    `yaml:"digits"`
	// SealingKey, when set, encrypts stored secrets with AES-256-GCM.
	SealingKey []byte `yaml:"-"`
	// AllowEmailCodes lets an identity with two-factor enabled log in with a
	// one-time code sent through NotificationSender.SendTwoFactorCode.
	AllowEmailCodes      bool          `yaml:"allow_email_codes"`
	EmailCodeTTL         time.Duration `yaml:"email_code_ttl"`
	EmailCodeMaxAttempts int           `yaml:"email_code_max_attempts"`
}

/*
====================================
DEPENDENCY / DISPATCH CONFIG
====================================
*/

// DependencyConfig bounds every backend call.
type DependencyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// RetryBackoff is waited before the single retry of an idempotent read.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type NotificationConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
	// SendTimeout bounds one NotificationSender call.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	Async      bool `yaml:"async"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the recommended configuration without secrets.
func DefaultConfig() Config { return defaultConfig() }

func defaultConfig() Config {
	return Config{
		Tokens: TokenConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Issuer:     "authgate",
		},
		Session: SessionConfig{
			RedisPrefix:         "as",
			RotateRefreshTokens: true,
		},
		RateLimits: RateLimitConfig{
			Backend:           RateLimitRedis,
			Login:             RateLimitPolicy{Limit: 5, Window: 15 * time.Minute},
			PasswordReset:     RateLimitPolicy{Limit: 3, Window: time.Hour},
			EmailVerification: RateLimitPolicy{Limit: 3, Window: time.Hour},
			TwoFactorCode:     RateLimitPolicy{Limit: 5, Window: 15 * time.Minute},
			TwoFactorFailure:  RateLimitPolicy{Limit: 5, Window: 15 * time.Minute},
		},
		Lockout: LockoutConfig{
			Enabled:     true,
			MaxFailures: 5,
			Duration:    2 * time.Hour,
		},
		Password: password.DefaultConfig(),
		PasswordReset: PasswordResetConfig{
			TokenTTL: time.Hour,
		},
		EmailVerification: EmailVerificationConfig{
			Enabled:  false,
			TokenTTL: 24 * time.Hour,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:               "authgate",
			StepSeconds:          30,
			Digits:               6,
			AllowEmailCodes:      false,
			EmailCodeTTL:         10 * time.Minute,
			EmailCodeMaxAttempts: 5,
		},
		Dependencies: DependencyConfig{
			Timeout:      2 * time.Second,
			RetryBackoff: 50 * time.Millisecond,
		},
		Notifications: NotificationConfig{
			QueueSize:   256,
			Workers:     2,
			SendTimeout: 10 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			Async:      true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Tokens.AccessSecret = cloneBytes(cfg.Tokens.AccessSecret)
	out.Tokens.RefreshSecret = cloneBytes(cfg.Tokens.RefreshSecret)
	out.TwoFactor.SealingKey = cloneBytes(cfg.TwoFactor.SealingKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate rejects configurations the Engine cannot run safely with.
func (c *Config) Validate() error {
	// Tokens
	if c.Tokens.AccessTTL <= 0 {
		return errors.New("Tokens AccessTTL must be > 0")
	}
	if c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		return errors.New("Tokens RefreshTTL must be > AccessTTL")
	}
	if len(c.Tokens.AccessSecret) < 32 || len(c.Tokens.RefreshSecret) < 32 {
		return errors.New("Tokens secrets must be at least 32 bytes")
	}
	if bytes.Equal(c.Tokens.AccessSecret, c.Tokens.RefreshSecret) {
		return errors.New("Tokens AccessSecret and RefreshSecret must differ")
	}

	// Session
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix must not be empty")
	}

	// Rate limits
	switch c.RateLimits.Backend {
	case RateLimitRedis, RateLimitMemory:
	default:
		return fmt.Errorf("unsupported RateLimits Backend %q", c.RateLimits.Backend)
	}
	for name, p := range map[string]RateLimitPolicy{
		"Login":             c.RateLimits.Login,
		"PasswordReset":     c.RateLimits.PasswordReset,
		"EmailVerification": c.RateLimits.EmailVerification,
		"TwoFactorCode":     c.RateLimits.TwoFactorCode,
		"TwoFactorFailure":  c.RateLimits.TwoFactorFailure,
	} {
		if p.Limit <= 0 || p.Window <= 0 {
			return fmt.Errorf("RateLimits %s requires Limit > 0 and Window > 0", name)
		}
	}
	if c.Lockout.Enabled && (c.Lockout.MaxFailures <= 0 || c.Lockout.Duration <= 0) {
		return errors.New("Lockout requires MaxFailures > 0 and Duration > 0")
	}

	// Password
	if err := c.Password.Validate(); err != nil {
		return err
	}
	if c.PasswordReset.TokenTTL <= 0 {
		return errors.New("PasswordReset TokenTTL must be > 0")
	}
	if c.EmailVerification.Enabled && c.EmailVerification.TokenTTL <= 0 {
		return errors.New("EmailVerification TokenTTL must be > 0")
	}

	// Two-factor
	if c.TwoFactor.StepSeconds == 0 {
		return errors.New("TwoFactor StepSeconds must be > 0")
	}
	if c.TwoFactor.Digits != 6 && c.TwoFactor.Digits != 8 {
		return errors.New("TwoFactor Digits must be 6 or 8")
	}
	if len(c.TwoFactor.SealingKey) != 0 && len(c.TwoFactor.SealingKey) != 32 {
		return errors.New("TwoFactor SealingKey must be 32 bytes")
	}
	if c.TwoFactor.AllowEmailCodes && (c.TwoFactor.EmailCodeTTL <= 0 || c.TwoFactor.EmailCodeMaxAttempts <= 0) {
		return errors.New("TwoFactor email codes require EmailCodeTTL > 0 and EmailCodeMaxAttempts > 0")
	}

	// Dependencies
	if c.Dependencies.Timeout <= 0 {
		return errors.New("Dependencies Timeout must be > 0")
	}
	if c.Dependencies.RetryBackoff < 0 {
		return errors.New("Dependencies RetryBackoff must be >= 0")
	}
	if c.Notifications.QueueSize <= 0 || c.Notifications.Workers <= 0 {
		return errors.New("Notifications QueueSize and Workers must be > 0")
	}
	if c.Notifications.SendTimeout <= 0 {
		return errors.New("Notifications SendTimeout must be > 0")
	}
	if c.Audit.Enabled && c.Audit.Async && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when Async is enabled")
	}
	return nil
}
