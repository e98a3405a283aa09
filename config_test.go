package authgate

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDefaultConfigNeedsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config without secrets must not validate")
	}
	cfg = testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short secret", func(c *Config) { c.Tokens.AccessSecret = []byte("short") }, "32 bytes"},
		{"shared secret", func(c *Config) { c.Tokens.RefreshSecret = c.Tokens.AccessSecret }, "differ"},
		{"refresh ttl", func(c *Config) { c.Tokens.RefreshTTL = c.Tokens.AccessTTL }, "RefreshTTL"},
		{"empty prefix", func(c *Config) { c.Session.RedisPrefix = "" }, "RedisPrefix"},
		{"backend", func(c *Config) { c.RateLimits.Backend = "etcd" }, "Backend"},
		{"zero limit", func(c *Config) { c.RateLimits.Login.Limit = 0 }, "Login"},
		{"second factor window", func(c *Config) { c.RateLimits.TwoFactorFailure.Window = 0 }, "TwoFactorFailure"},
		{"lockout", func(c *Config) { c.Lockout.MaxFailures = 0 }, "Lockout"},
		{"digits", func(c *Config) { c.TwoFactor.Digits = 7 }, "Digits"},
		{"sealing key", func(c *Config) { c.TwoFactor.SealingKey = []byte("nope") }, "SealingKey"},
		{"dependency timeout", func(c *Config) { c.Dependencies.Timeout = 0 }, "Timeout"},
		{"workers", func(c *Config) { c.Notifications.Workers = 0 }, "Workers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestBuilderClonesConfig(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := testConfig()
	e, err := New().WithConfig(cfg).WithRedis(rdb).WithCredentialStore(newMemoryStore(t)).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer e.Close()

	cfg.Tokens.AccessSecret[0] ^= 0xFF
	if !bytes.Equal(e.config.Tokens.AccessSecret, bytes.Repeat([]byte("a"), 32)) {
		t.Fatal("engine config shares the caller's secret slice")
	}
}

func TestBuilderRequirements(t *testing.T) {
	if _, err := New().WithConfig(testConfig()).Build(); err == nil {
		t.Fatal("expected error without redis")
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	if _, err := New().WithConfig(testConfig()).WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected error without credential store")
	}

	b := New().WithConfig(testConfig()).WithRedis(rdb).WithCredentialStore(newMemoryStore(t))
	e, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer e.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("builder must not be reusable")
	}
}

func TestMemoryRateLimitBackend(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RateLimits.Backend = RateLimitMemory
		cfg.RateLimits.Login = RateLimitPolicy{Limit: 1, Window: time.Minute}
	})
	h.store.add(t, "u-1", "alice@example.com", testPassword, StatusActive)

	h.login(t, t.Context(), "alice@example.com")
	if _, err := h.engine.Login(t.Context(), "alice@example.com", testPassword, ""); err == nil {
		t.Fatal("second login must be rate limited")
	}
}

func TestSecurityReportReflectsPosture(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Session.RotateRefreshTokens = false
		cfg.TwoFactor.SealingKey = bytes.Repeat([]byte("k"), 32)
		cfg.EmailVerification.Enabled = true
	})

	report := h.engine.SecurityReport()
	if report.SigningAlgorithm != "HS256" || report.AccessTTL != 15*time.Minute {
		t.Fatalf("tokens: %+v", report)
	}
	if report.RefreshRotationEnabled {
		t.Fatal("rotation reported as enabled")
	}
	if !report.TwoFactorSealed || !report.EmailVerificationOn || !report.AuditEnabled {
		t.Fatalf("report = %+v", report)
	}
	if !report.LockoutEnabled || report.LockoutMaxFailures != 5 {
		t.Fatalf("lockout: %+v", report)
	}
	if report.Argon2.Memory != fastPasswordConfig().Memory {
		t.Fatalf("argon2 memory = %d", report.Argon2.Memory)
	}

	var nilEngine *Engine
	if nilEngine.SecurityReport() != (SecurityReport{}) {
		t.Fatal("nil engine must report zero posture")
	}
}
