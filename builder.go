package authgate

import (
	"errors"
	"time"

	"github.com/MrEthical07/authgate/internal/audit"
	"github.com/MrEthical07/authgate/internal/rate"
	"github.com/MrEthical07/authgate/internal/stores"
	"github.com/MrEthical07/authgate/password"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/token"
	"github.com/MrEthical07/authgate/twofactor"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder collects the Engine's collaborators. A Builder can be built once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	credentials CredentialStore
	notifier    NotificationSender
	auditSink   AuditSink
	logger      *zap.Logger
	now         func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration with a private copy of cfg.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client. It backs sessions, second-factor credentials,
// single-use tokens and, with the redis backend, rate-limit counters. Its
// lifecycle belongs to the caller.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithCredentialStore sets the identity source. It is required.
func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.credentials = store
	return b
}

// WithNotificationSender sets where reset tokens, verification tokens and
// emailed codes go. Without a sender they are generated and then dropped with a
// warning.
func (b *Builder) WithNotificationSender(sender NotificationSender) *Builder {
	b.notifier = sender
	return b
}

// WithAuditSink sets the audit destination. Events are only delivered when
// Audit.Enabled is set.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the logger for best-effort failures. Defaults to zap.NewNop.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock injects the time source shared by every subsystem.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled overrides Metrics.Enabled from the configuration.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.credentials == nil {
		return nil, errors.New("credential store required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// -------- TOKENS --------
	codec, err := token.NewCodec(token.Config{
		AccessSecret:  cloneBytes(cfg.Tokens.AccessSecret),
		RefreshSecret: cloneBytes(cfg.Tokens.RefreshSecret),
		AccessTTL:     cfg.Tokens.AccessTTL,
		RefreshTTL:    cfg.Tokens.RefreshTTL,
		Issuer:        cfg.Tokens.Issuer,
	}, token.WithClock(now))
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(cfg.Password)
	if err != nil {
		return nil, err
	}

	// -------- TWO-FACTOR --------
	tfOpts := []twofactor.Option{twofactor.WithClock(now)}
	if len(cfg.TwoFactor.SealingKey) > 0 {
		tfOpts = append(tfOpts, twofactor.WithSealingKey(cloneBytes(cfg.TwoFactor.SealingKey)))
	}
	tf, err := twofactor.NewManager(b.redis, twofactor.Config{
		Issuer:      cfg.TwoFactor.Issuer,
		StepSeconds: cfg.TwoFactor.StepSeconds,
		Digits:      cfg.TwoFactor.Digits,
	}, tfOpts...)
	if err != nil {
		return nil, err
	}

	// -------- RATE LIMITS --------
	var limiter rate.Limiter
	switch cfg.RateLimits.Backend {
	case RateLimitMemory:
		limiter = rate.NewMemory(now)
	default:
		limiter = rate.NewRedis(b.redis, now)
	}

	engine := &Engine{
		config:      cfg,
		codec:       codec,
		sessions:    session.NewRegistry(b.redis, cfg.Session.RedisPrefix, session.WithClock(now)),
		limiter:     limiter,
		twoFactor:   tf,
		tokens:      stores.NewTokenStore(b.redis, ""),
		codes:       stores.NewCodeStore(b.redis, ""),
		hasher:      hasher,
		credentials: b.credentials,
		metrics:     NewMetrics(cfg.Metrics),
		logger:      logger,
		now:         now,
	}

	if cfg.Audit.Enabled && b.auditSink != nil {
		engine.audit = audit.NewDispatcher(audit.Config{
			Async:      cfg.Audit.Async,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink)
	}
	engine.notifier = newNotificationDispatcher(b.notifier, cfg.Notifications, logger, engine.metrics)

	b.built = true
	return engine, nil
}
