// Package config loads the authgate binary configuration from a YAML file, an
// optional dotenv file and AUTHGATE_* environment variables, in increasing
// order of precedence. Secrets are only read from the environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/internal/logging"
	"github.com/MrEthical07/authgate/notify"
	"github.com/MrEthical07/authgate/store/pg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the binary configuration. Auth is passed to the Engine unchanged.
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Log      logging.Config    `yaml:"log"`
	Redis    RedisConfig       `yaml:"redis"`
	Postgres PostgresConfig    `yaml:"postgres"`
	SMTP     notify.SMTPConfig `yaml:"smtp"`
	Auth     authgate.Config   `yaml:"auth"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	TrustForwardedFor bool          `yaml:"trust_forwarded_for"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MetricsPath serves Prometheus metrics when Auth.Metrics is enabled.
	MetricsPath string `yaml:"metrics_path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN  string        `yaml:"-"`
	Pool pg.PoolConfig `yaml:"pool"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			MetricsPath:       "/metrics",
		},
		Log: logging.Config{
			Env:     "dev",
			Level:   "info",
			Service: "authgate",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Postgres: PostgresConfig{
			Pool: pg.PoolConfig{MaxConns: 10, MaxConnLifetime: time.Hour},
		},
		SMTP: notify.SMTPConfig{
			Port:              587,
			TLSMode:           notify.TLSAuto,
			MessagesPerSecond: 5,
			Burst:             10,
		},
		Auth: authgate.DefaultConfig(),
	}
}

// Load reads path (skipped when empty), then applies envFiles and the process
// environment. Missing env files are ignored. The result is validated.
func Load(path string, envFiles ...string) (Config, error) {
	fileEnv, err := readEnvFiles(envFiles)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}
	return load(path, lookup)
}

func readEnvFiles(files []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read env file %s: %w", f, err)
		}
		// Earlier files win, as with godotenv.Load.
		for k, v := range vals {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out, nil
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("AUTHGATE_ENV", &cfg.Log.Env)
	str("AUTHGATE_LOG_LEVEL", &cfg.Log.Level)
	str("AUTHGATE_HTTP_ADDR", &cfg.Server.Addr)
	str("AUTHGATE_REDIS_ADDR", &cfg.Redis.Addr)
	str("AUTHGATE_REDIS_PASSWORD", &cfg.Redis.Password)
	str("AUTHGATE_POSTGRES_DSN", &cfg.Postgres.DSN)
	str("AUTHGATE_SMTP_HOST", &cfg.SMTP.Host)
	str("AUTHGATE_SMTP_USERNAME", &cfg.SMTP.Username)
	str("AUTHGATE_SMTP_PASSWORD", &cfg.SMTP.Password)

	if v, ok := lookup("AUTHGATE_REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AUTHGATE_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}

	if v, ok := lookup("AUTHGATE_ACCESS_SECRET"); ok && v != "" {
		cfg.Auth.Tokens.AccessSecret = []byte(v)
	}
	if v, ok := lookup("AUTHGATE_REFRESH_SECRET"); ok && v != "" {
		cfg.Auth.Tokens.RefreshSecret = []byte(v)
	}
	if v, ok := lookup("AUTHGATE_TOTP_SEALING_KEY"); ok && v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("AUTHGATE_TOTP_SEALING_KEY must be base64: %w", err)
		}
		cfg.Auth.TwoFactor.SealingKey = key
	}
	return nil
}

// Validate checks the binary sections and then the Engine configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server addr must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server shutdown_timeout must be > 0")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis addr must not be empty")
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}
