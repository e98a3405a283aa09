package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/authgate"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func secrets() map[string]string {
	return map[string]string{
		"AUTHGATE_ACCESS_SECRET":  strings.Repeat("a", 32),
		"AUTHGATE_REFRESH_SECRET": strings.Repeat("r", 32),
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsNeedSecrets(t *testing.T) {
	if _, err := load("", envMap(nil)); err == nil {
		t.Fatal("expected an error without token secrets")
	}

	cfg, err := load("", envMap(secrets()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Auth.Tokens.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg.Server)
	}
	if string(cfg.Auth.Tokens.AccessSecret) != strings.Repeat("a", 32) {
		t.Fatal("access secret not applied")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "authgate.yaml", `
server:
  addr: ":9090"
  trust_forwarded_for: true
redis:
  addr: "redis:6379"
  db: 2
postgres:
  pool:
    max_conns: 25
    max_conn_lifetime: 30m
smtp:
  host: mail.example.com
  from: noreply@example.com
auth:
  tokens:
    access_ttl: 5m
  rate_limits:
    login:
      limit: 10
  lockout:
    enabled: false
  two_factor:
    allow_email_codes: true
`)

	cfg, err := load(path, envMap(secrets()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || !cfg.Server.TrustForwardedFor {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if cfg.Postgres.Pool.MaxConns != 25 || cfg.Postgres.Pool.MaxConnLifetime != 30*time.Minute {
		t.Fatalf("pool = %+v", cfg.Postgres.Pool)
	}
	if cfg.SMTP.Host != "mail.example.com" || cfg.SMTP.Port != 587 {
		t.Fatalf("smtp = %+v", cfg.SMTP)
	}
	if cfg.Auth.Tokens.AccessTTL != 5*time.Minute {
		t.Fatalf("access ttl = %v", cfg.Auth.Tokens.AccessTTL)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Auth.Tokens.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("refresh ttl = %v", cfg.Auth.Tokens.RefreshTTL)
	}
	if cfg.Auth.RateLimits.Login.Limit != 10 || cfg.Auth.RateLimits.Login.Window != 15*time.Minute {
		t.Fatalf("login policy = %+v", cfg.Auth.RateLimits.Login)
	}
	if cfg.Auth.Lockout.Enabled || !cfg.Auth.TwoFactor.AllowEmailCodes {
		t.Fatal("boolean overrides not applied")
	}
}

func TestSecretsAreNotReadFromYAML(t *testing.T) {
	path := writeFile(t, "authgate.yaml", `
redis:
  password: hunter2
postgres:
  dsn: postgres://leak
`)
	cfg, err := load(path, envMap(secrets()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Password != "" || cfg.Postgres.DSN != "" {
		t.Fatal("secret fields were read from the file")
	}
}

func TestEnvOverrides(t *testing.T) {
	env := secrets()
	env["AUTHGATE_HTTP_ADDR"] = ":7000"
	env["AUTHGATE_REDIS_DB"] = "3"
	env["AUTHGATE_POSTGRES_DSN"] = "postgres://u@db/authgate"
	env["AUTHGATE_LOG_LEVEL"] = "debug"
	env["AUTHGATE_TOTP_SEALING_KEY"] = base64.StdEncoding.EncodeToString(make([]byte, 32))

	cfg, err := load("", envMap(env))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Redis.DB != 3 || cfg.Log.Level != "debug" {
		t.Fatalf("env not applied: %+v %+v %+v", cfg.Server, cfg.Redis, cfg.Log)
	}
	if cfg.Postgres.DSN != "postgres://u@db/authgate" {
		t.Fatalf("dsn = %q", cfg.Postgres.DSN)
	}
	if len(cfg.Auth.TwoFactor.SealingKey) != 32 {
		t.Fatalf("sealing key length %d", len(cfg.Auth.TwoFactor.SealingKey))
	}

	env["AUTHGATE_TOTP_SEALING_KEY"] = "not base64!"
	if _, err := load("", envMap(env)); err == nil {
		t.Fatal("expected an error for a malformed sealing key")
	}
	env["AUTHGATE_TOTP_SEALING_KEY"] = ""
	env["AUTHGATE_REDIS_DB"] = "two"
	if _, err := load("", envMap(env)); err == nil {
		t.Fatal("expected an error for a non-numeric redis db")
	}
}

func TestValidateRejectsBadAuthSection(t *testing.T) {
	path := writeFile(t, "authgate.yaml", `
auth:
  rate_limits:
    backend: carrier-pigeon
`)
	if _, err := load(path, envMap(secrets())); err == nil {
		t.Fatal("expected an invalid backend to be rejected")
	}
}

func TestReadEnvFiles(t *testing.T) {
	first := writeFile(t, ".env", "AUTHGATE_HTTP_ADDR=:1111\nAUTHGATE_LOG_LEVEL=warn\n")
	second := writeFile(t, ".env.local", "AUTHGATE_HTTP_ADDR=:2222\nAUTHGATE_ENV=prod\n")

	vals, err := readEnvFiles([]string{first, second, filepath.Join(t.TempDir(), "missing.env")})
	if err != nil {
		t.Fatalf("read env files: %v", err)
	}
	if vals["AUTHGATE_HTTP_ADDR"] != ":1111" {
		t.Fatalf("earlier file should win, got %q", vals["AUTHGATE_HTTP_ADDR"])
	}
	if vals["AUTHGATE_ENV"] != "prod" || vals["AUTHGATE_LOG_LEVEL"] != "warn" {
		t.Fatalf("vals = %v", vals)
	}
}

func TestDefaultAuthMatchesEngineDefaults(t *testing.T) {
	if Default().Auth.RateLimits.Login != authgate.DefaultConfig().RateLimits.Login {
		t.Fatal("binary defaults drifted from engine defaults")
	}
}
