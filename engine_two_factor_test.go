package authgate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTwoFactorEnrollment(t *testing.T) {
	h := newHarness(t)
	h.store.add(t, "u-1", "alice@example.com", testPassword, StatusActive)
	ctx := context.Background()

	setup, err := h.engine.SetupTwoFactor(ctx, "u-1")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !strings.HasPrefix(setup.URI, "otpauth://totp/") || !strings.Contains(setup.URI, setup.Secret) {
		t.Fatalf("unexpected URI: %s", setup.URI)
	}

	// Pending setup does not change login.
	h.login(t, ctx, "alice@example.com")

	if err := h.engine.ConfirmTwoFactor(ctx, "u-1", wrongCode(h.totpCode(t, setup.Secret))); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("wrong code: expected ErrInvalidMFACode, got %v", err)
	}
	if err := h.engine.ConfirmTwoFactor(ctx, "u-1", h.totpCode(t, setup.Secret)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !h.store.get("u-1").TwoFactorEnabled {
		t.Fatal("identity flag not set")
	}
	if _, err := h.engine.SetupTwoFactor(ctx, "u-1"); !errors.Is(err, ErrTwoFactorAlreadyEnabled) {
		t.Fatalf("expected ErrTwoFactorAlreadyEnabled, got %v", err)
	}
	if _, err := h.engine.Login(ctx, "alice@example.com", testPassword, ""); !errors.Is(err, ErrMFARequired) {
		t.Fatalf("expected ErrMFARequired, got %v", err)
	}
	if ev := h.sink.ofType(auditTwoFactorEnabled); len(ev) != 2 || ev[0].Success || !ev[1].Success {
		t.Fatalf("unexpected 2fa_enabled events: %+v", ev)
	}
}

func TestConfirmTwoFactorWithoutSetup(t *testing.T) {
	h := newHarness(t)
	h.store.add(t, "u-1", "alice@example.com", testPassword, StatusActive)
	if err := h.engine.ConfirmTwoFactor(context.Background(), "u-1", "123456"); !errors.Is(err, ErrTwoFactorNotPending) {
		t.Fatalf("expected ErrTwoFactorNotPending, got %v", err)
	}
}

func TestDisableTwoFactor(t *testing.T) {
	h := newHarness(t)
	h.store.add(t, "u-1", "alice@example.com", testPassword, StatusActive)
	ctx := context.Background()

	if err := h.engine.DisableTwoFactor(ctx, "u-1"); !errors.Is(err, ErrTwoFactorNotEnabled) {
		t.Fatalf("expected ErrTwoFactorNotEnabled, got %v", err)
	}

	h.enrollTwoFactor(t, "u-1")
	if err := h.engine.DisableTwoFactor(ctx, "u-1"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if h.store.get("u-1").TwoFactorEnabled {
		t.Fatal("identity flag still set")
	}
	h.login(t, ctx, "alice@example.com")
}

func TestTwoFactorCodeNotReplayable(t *testing.T) {
	h := newHarness(t)
	h.store.add(t, "u-1", "alice@example.com", testPassword, StatusActive)
	secret := h.enrollTwoFactor(t, "u-1")
	ctx := context.Background()

	code := h.totpCode(t, secret)
	if _, err := h.engine.Login(ctx, "alice@example.com", testPassword, code); err != nil {
		t.Fatalf("login: %v", err)
	}
	h.advance(time.Second)
	if _, err := h.engine.Login(ctx, "alice@example.com", testPassword, code); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("replay: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSetupTwoFactorUnknownIdentity(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.SetupTwoFactor(context.Background(), "ghost"); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestConfirmTwoFactorWrongCodesAreLimited(t *testing.T) {
	h := newHarness(t)
	h.store.add(t, "u-1", "alice@example.com", testPassword, StatusActive)
	ctx := context.Background()

	setup, err := h.engine.SetupTwoFactor(ctx, "u-1")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := h.engine.ConfirmTwoFactor(ctx, "u-1", wrongCode(h.totpCode(t, setup.Secret))); !errors.Is(err, ErrInvalidMFACode) {
			t.Fatalf("attempt %d: expected ErrInvalidMFACode, got %v", i, err)
		}
	}

	err = h.engine.ConfirmTwoFactor(ctx, "u-1", h.totpCode(t, setup.Secret))
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter() <= 0 {
		t.Fatalf("expected *RateLimitError with a wait, got %v", err)
	}
	if h.store.get("u-1").TwoFactorEnabled {
		t.Fatal("confirm succeeded past the budget")
	}
}

func TestDisableTwoFactorWithProof(t *testing.T) {
	h := newHarness(t)
	h.store.add(t, "u-1", "alice@example.com", testPassword, StatusActive)
	ctx := context.Background()

	if err := h.engine.DisableTwoFactorWithProof(ctx, "u-1", testPassword, ""); !errors.Is(err, ErrTwoFactorNotEnabled) {
		t.Fatalf("unenrolled: expected ErrTwoFactorNotEnabled, got %v", err)
	}

	secret := h.enrollTwoFactor(t, "u-1")
	code := h.totpCode(t, secret)

	if err := h.engine.DisableTwoFactorWithProof(ctx, "u-1", "wrong-password", code); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if err := h.engine.DisableTwoFactorWithProof(ctx, "u-1", testPassword, ""); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("missing code: expected ErrInvalidMFACode, got %v", err)
	}
	if err := h.engine.DisableTwoFactorWithProof(ctx, "u-1", testPassword, wrongCode(code)); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("wrong code: expected ErrInvalidMFACode, got %v", err)
	}
	if !h.store.get("u-1").TwoFactorEnabled {
		t.Fatal("second factor removed without proof")
	}

	if err := h.engine.DisableTwoFactorWithProof(ctx, "u-1", testPassword, code); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if h.store.get("u-1").TwoFactorEnabled {
		t.Fatal("identity flag still set")
	}
	h.login(t, ctx, "alice@example.com")
}
