package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-mail/mail"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TLS modes accepted by SMTPConfig.TLSMode.
const (
	TLSAuto     = "auto"
	TLSStartTLS = "starttls"
	TLSImplicit = "ssl"
	TLSNone     = "none"
)

// SMTPConfig configures an SMTPSender.
type SMTPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	From               string `yaml:"from"`
	Username           string `yaml:"username"`
	Password           string `yaml:"-"`
	TLSMode            string `yaml:"tls_mode"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	// BaseURL is the public address links in messages point at, e.g.
	// https://app.example.com. Tokens are appended as a query parameter.
	BaseURL string `yaml:"base_url"`

	// MessagesPerSecond and Burst throttle outbound mail. Zero disables the throttle.
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

func (c SMTPConfig) validate() error {
	if c.Host == "" || c.Port <= 0 {
		return errors.New("smtp host and port are required")
	}
	if c.From == "" {
		return errors.New("smtp from address is required")
	}
	switch c.TLSMode {
	case "", TLSAuto, TLSStartTLS, TLSImplicit, TLSNone:
	default:
		return fmt.Errorf("unsupported smtp tls mode %q", c.TLSMode)
	}
	if c.BaseURL != "" {
		if _, err := url.Parse(c.BaseURL); err != nil {
			return fmt.Errorf("smtp base url: %w", err)
		}
	}
	return nil
}

type dialer interface {
	DialAndSend(m ...*mail.Message) error
}

// SMTPSender delivers authgate notifications over SMTP. It is safe for
// concurrent use; the Engine calls it from its notification workers.
type SMTPSender struct {
	config  SMTPConfig
	dialer  dialer
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewSMTPSender validates cfg and builds a sender.
func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) (*SMTPSender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.InsecureSkipVerify}
	switch cfg.TLSMode {
	case TLSImplicit:
		d.SSL = true
	case TLSNone:
		d.StartTLSPolicy = mail.NoStartTLS
	case TLSStartTLS:
		d.StartTLSPolicy = mail.MandatoryStartTLS
	}

	return newSMTPSender(cfg, d, logger), nil
}

func newSMTPSender(cfg SMTPConfig, d dialer, logger *zap.Logger) *SMTPSender {
	s := &SMTPSender{
		config: cfg,
		dialer: d,
		logger: logger.With(zap.String("component", "smtp_sender"), zap.String("host", cfg.Host)),
	}
	if cfg.MessagesPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
	}
	return s
}

func (s *SMTPSender) SendVerification(ctx context.Context, email, token string) error {
	return s.send(ctx, email, render(KindVerification, s.link("/verify-email", token), token))
}

func (s *SMTPSender) SendPasswordReset(ctx context.Context, email, token string) error {
	return s.send(ctx, email, render(KindPasswordReset, s.link("/reset-password", token), token))
}

func (s *SMTPSender) SendTwoFactorCode(ctx context.Context, email, code string) error {
	return s.send(ctx, email, render(KindTwoFactorCode, "", code))
}

func (s *SMTPSender) link(path, token string) string {
	if s.config.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.config.BaseURL, "/") + path + "?token=" + url.QueryEscape(token)
}

func (s *SMTPSender) send(ctx context.Context, to string, msg message) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("smtp throttle: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.config.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.subject)
	m.SetBody("text/plain", msg.text)

	if err := s.dialer.DialAndSend(m); err != nil {
		s.logger.Error("smtp send failed", zap.String("kind", string(msg.kind)), zap.Error(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	s.logger.Debug("notification sent", zap.String("kind", string(msg.kind)))
	return nil
}
