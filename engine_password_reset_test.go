package authgate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPasswordResetFlow(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RateLimits.Login = RateLimitPolicy{Limit: 100, Window: time.Minute}
	})
	h.store.add(t, "u-1", "alice@example.com", testPassword, StatusActive)
	ctx := context.Background()
	pair := h.login(t, ctx, "alice@example.com")

	// Build up some failures; the reset clears them.
	for i := 0; i < 4; i++ {
		_, _ = h.engine.Login(ctx, "alice@example.com", "wrong-password-1", "")
	}

	if err := h.engine.RequestPasswordReset(ctx, "Alice@Example.com"); err != nil {
		t.Fatalf("request: %v", err)
	}
	msg := h.sender.next(t)
	if msg.kind != "password_reset" || msg.email != "alice@example.com" || msg.secret == "" {
		t.Fatalf("unexpected notification: %+v", msg)
	}

	const newPassword = "a-brand-new-passphrase"
	if err := h.engine.CompletePasswordReset(ctx, msg.secret, newPassword); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := h.engine.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("sessions must be revoked, got %v", err)
	}
	if _, err := h.engine.Login(ctx, "alice@example.com", testPassword, ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := h.engine.Login(ctx, "alice@example.com", newPassword, ""); err != nil {
		t.Fatalf("new password: %v", err)
	}

	// Tokens are single use.
	if err := h.engine.CompletePasswordReset(ctx, msg.secret, "another-passphrase"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("reuse: expected ErrInvalidToken, got %v", err)
	}
	if ev := h.sink.ofType(auditPasswordResetCompleted); len(ev) != 2 || !ev[0].Success || ev[1].Success {
		t.Fatalf("unexpected password_reset_completed events: %+v", ev)
	}
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.RequestPasswordReset(context.Background(), "nobody@example.com"); err != nil {
		t.Fatalf("expected nil for unknown email, got %v", err)
	}
	select {
	case m := <-h.sender.sent:
		t.Fatalf("unexpected notification: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPasswordResetPolicy(t *testing.T) {
	h := newHarness(t)
	h.store.add(t, "u-1", "alice@example.com", testPassword, StatusActive)
	ctx := context.Background()

	if err := h.engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("request: %v", err)
	}
	msg := h.sender.next(t)

	if err := h.engine.CompletePasswordReset(ctx, msg.secret, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("short: expected ErrPasswordPolicy, got %v", err)
	}
	// The token was spent by the rejected attempt.
	if err := h.engine.CompletePasswordReset(ctx, msg.secret, strings.Repeat("p", 20)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestPasswordResetTokenExpires(t *testing.T) {
	h := newHarness(t)
	h.store.add(t, "u-1", "alice@example.com", testPassword, StatusActive)
	ctx := context.Background()

	if err := h.engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("request: %v", err)
	}
	msg := h.sender.next(t)
	h.advance(time.Hour + time.Second)

	if err := h.engine.CompletePasswordReset(ctx, msg.secret, "a-brand-new-passphrase"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestPasswordResetRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := WithClientIP(context.Background(), "198.51.100.4")

	for i := 0; i < 3; i++ {
		if err := h.engine.RequestPasswordReset(ctx, "nobody@example.com"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	err := h.engine.RequestPasswordReset(ctx, "nobody@example.com")
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.Action != "password_reset" {
		t.Fatalf("expected password_reset *RateLimitError, got %v", err)
	}
}
