// Command authgate runs the authentication gateway and its maintenance tasks.
//
//	authgate serve --config authgate.yaml
//	authgate migrate
//	authgate create-identity --email alice@example.com --role admin < password.txt
//	authgate hash-password < password.txt
//	authgate gen-secret
//	authgate bench --sessions 10000
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/internal/audit"
	"github.com/MrEthical07/authgate/internal/config"
	"github.com/MrEthical07/authgate/internal/logging"
	"github.com/MrEthical07/authgate/internal/server"
	"github.com/MrEthical07/authgate/metrics/export/prometheus"
	"github.com/MrEthical07/authgate/notify"
	"github.com/MrEthical07/authgate/password"
	"github.com/MrEthical07/authgate/store/pg"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalFlags struct {
	configPath string
	envFiles   []string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "authgate",
		Short:        "Authentication gateway: sessions, tokens, second factor and recovery flows",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("AUTHGATE_CONFIG"), "YAML config file (env AUTHGATE_CONFIG)")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "dotenv files read before the environment; missing files are skipped")

	root.AddCommand(
		newServeCmd(flags),
		newMigrateCmd(flags),
		newCreateIdentityCmd(flags),
		newHashPasswordCmd(flags),
		newGenSecretCmd(),
		newBenchCmd(),
	)
	return root
}

func (f *globalFlags) load() (config.Config, error) {
	return config.Load(f.configPath, f.envFiles...)
}

/*
====================================
SERVE
====================================
*/

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Log)
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Postgres.DSN == "" {
		return errors.New("AUTHGATE_POSTGRES_DSN is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Dependency failures surface per request; the process still starts.
		logger.Warn("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	hasher, err := password.NewHasher(cfg.Auth.Password)
	if err != nil {
		return err
	}
	store, err := pg.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.Pool, hasher, pg.WithLogger(logger.Named("pg")))
	if err != nil {
		return err
	}
	defer store.Close()

	sender, err := newSender(cfg, logger)
	if err != nil {
		return err
	}

	engine, err := authgate.New().
		WithConfig(cfg.Auth).
		WithRedis(rdb).
		WithCredentialStore(store).
		WithNotificationSender(sender).
		WithAuditSink(audit.NewZapSink(logger.Named("audit"))).
		WithLogger(logger.Named("engine")).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	posture := engine.SecurityReport()
	logger.Info("security posture",
		zap.Duration("access_ttl", posture.AccessTTL),
		zap.Duration("refresh_ttl", posture.RefreshTTL),
		zap.Bool("refresh_rotation", posture.RefreshRotationEnabled),
		zap.Bool("lockout", posture.LockoutEnabled),
		zap.String("rate_limit_backend", string(posture.RateLimitBackend)),
		zap.Bool("totp_sealed", posture.TwoFactorSealed),
		zap.Uint32("argon2_memory_kb", posture.Argon2.Memory),
	)
	if !posture.TwoFactorSealed {
		logger.Warn("AUTHGATE_TOTP_SEALING_KEY not set; TOTP secrets are stored unsealed")
	}

	var metrics http.Handler
	if cfg.Auth.Metrics.Enabled {
		reg := promclient.NewRegistry()
		reg.MustRegister(
			prometheus.NewCollector(engine),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.New(engine, server.Options{
			TrustForwardedFor: cfg.Server.TrustForwardedFor,
			Metrics:           metrics,
			MetricsPath:       cfg.Server.MetricsPath,
			Logger:            logger.Named("http"),
			Health: func(ctx context.Context) error {
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
				if err := store.Ping(ctx); err != nil {
					return fmt.Errorf("postgres: %w", err)
				}
				return nil
			},
		}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newSender uses SMTP when a host is configured and logs messages otherwise.
func newSender(cfg config.Config, logger *zap.Logger) (authgate.NotificationSender, error) {
	if cfg.SMTP.Host == "" {
		logger.Warn("smtp host not configured; notifications are only logged")
		return notify.NewLogSender(logger.Named("notify")), nil
	}
	return notify.NewSMTPSender(cfg.SMTP, logger.Named("notify"))
}

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, d)
}
