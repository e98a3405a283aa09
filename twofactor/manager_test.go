package twofactor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *redis.Client, *testClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	m, err := NewManager(rdb, Config{Issuer: "authgate-test"}, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, rdb, clock
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	return code
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func enroll(t *testing.T, m *Manager, clock *testClock, id string) string {
	t.Helper()
	ctx := context.Background()
	setup, err := m.BeginSetup(ctx, id, id+"@example.com")
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}
	ok, err := m.ConfirmSetup(ctx, id, codeAt(t, setup.Secret, clock.Now()))
	if err != nil || !ok {
		t.Fatalf("confirm setup: ok=%v err=%v", ok, err)
	}
	return setup.Secret
}

func TestSetupStateTransitions(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	if s, _ := m.State(ctx, "u-1"); s != StateUnenrolled {
		t.Fatalf("expected unenrolled, got %s", s)
	}

	setup, err := m.BeginSetup(ctx, "u-1", "alice@example.com")
	if err != nil {
		t.Fatalf("begin setup: %v", err)
	}
	if !strings.HasPrefix(setup.URI, "otpauth://totp/") || !strings.Contains(setup.URI, "secret="+setup.Secret) {
		t.Fatalf("unexpected uri %q", setup.URI)
	}
	if s, _ := m.State(ctx, "u-1"); s != StatePending {
		t.Fatalf("expected pending, got %s", s)
	}

	ok, err := m.ConfirmSetup(ctx, "u-1", wrongCode(codeAt(t, setup.Secret, clock.Now())))
	if err != nil || ok {
		t.Fatalf("expected wrong code to be rejected: ok=%v err=%v", ok, err)
	}
	if s, _ := m.State(ctx, "u-1"); s != StatePending {
		t.Fatal("failed confirmation must leave state pending")
	}

	ok, err = m.ConfirmSetup(ctx, "u-1", codeAt(t, setup.Secret, clock.Now()))
	if err != nil || !ok {
		t.Fatalf("confirm: ok=%v err=%v", ok, err)
	}
	if s, _ := m.State(ctx, "u-1"); s != StateEnabled {
		t.Fatalf("expected enabled, got %s", s)
	}

	if _, err := m.BeginSetup(ctx, "u-1", ""); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("expected ErrAlreadyEnabled, got %v", err)
	}

	if err := m.Disable(ctx, "u-1"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s, _ := m.State(ctx, "u-1"); s != StateUnenrolled {
		t.Fatalf("expected unenrolled after disable, got %s", s)
	}
}

func TestConfirmWithoutSetup(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.ConfirmSetup(context.Background(), "u-1", "123456"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestVerifyAcceptsAdjacentStepsOnly(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	secret := enroll(t, m, clock, "u-1")

	clock.Advance(5 * time.Minute)
	now := clock.Now()

	if ok, _ := m.Verify(ctx, "u-1", codeAt(t, secret, now.Add(-60*time.Second))); ok {
		t.Fatal("code two steps old must be rejected")
	}
	if ok, _ := m.Verify(ctx, "u-1", codeAt(t, secret, now.Add(60*time.Second))); ok {
		t.Fatal("code two steps ahead must be rejected")
	}
	if ok, err := m.Verify(ctx, "u-1", codeAt(t, secret, now.Add(-30*time.Second))); err != nil || !ok {
		t.Fatalf("previous step should be accepted: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Verify(ctx, "u-1", codeAt(t, secret, now.Add(30*time.Second))); err != nil || !ok {
		t.Fatalf("next step should be accepted: ok=%v err=%v", ok, err)
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	secret := enroll(t, m, clock, "u-1")

	clock.Advance(time.Minute)
	code := codeAt(t, secret, clock.Now())
	if ok, err := m.Verify(ctx, "u-1", code); err != nil || !ok {
		t.Fatalf("first use: ok=%v err=%v", ok, err)
	}
	if ok, _ := m.Verify(ctx, "u-1", code); ok {
		t.Fatal("replayed code must be rejected")
	}
	earlier := codeAt(t, secret, clock.Now().Add(-30*time.Second))
	if ok, _ := m.Verify(ctx, "u-1", earlier); ok {
		t.Fatal("code for an older step must be rejected after a newer step was consumed")
	}
}

func TestConcurrentVerifyConsumesStepOnce(t *testing.T) {
	m, _, clock := newTestManager(t)
	secret := enroll(t, m, clock, "u-1")
	clock.Advance(time.Minute)
	code := codeAt(t, secret, clock.Now())

	var accepted int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Verify(context.Background(), "u-1", code)
			if err != nil {
				t.Errorf("verify: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("expected one acceptance, got %d", accepted)
	}
}

func TestVerifyRequiresEnabledCredential(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Verify(ctx, "u-1", "123456"); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected ErrNotEnabled, got %v", err)
	}
	if _, err := m.BeginSetup(ctx, "u-1", ""); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := m.Verify(ctx, "u-1", "123456"); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("pending credential must not verify, got %v", err)
	}
}

func TestMalformedCodesRejected(t *testing.T) {
	m, _, clock := newTestManager(t)
	enroll(t, m, clock, "u-1")
	for _, code := range []string{"", "12345", "1234567", "abcdef", "12 456"} {
		if ok, _ := m.Verify(context.Background(), "u-1", code); ok {
			t.Fatalf("%q accepted", code)
		}
	}
}

func TestSealedSecretsAtRest(t *testing.T) {
	m, rdb, clock := newTestManager(t, WithSealingKey(bytes.Repeat([]byte{3}, 32)))
	ctx := context.Background()
	secret := enroll(t, m, clock, "u-1")

	stored, err := rdb.HGet(ctx, "a2f:u-1", "sec").Result()
	if err != nil {
		t.Fatalf("hget: %v", err)
	}
	if stored == secret || strings.Contains(stored, secret) {
		t.Fatal("secret stored in plaintext")
	}

	clock.Advance(time.Minute)
	if ok, err := m.Verify(ctx, "u-1", codeAt(t, secret, clock.Now())); err != nil || !ok {
		t.Fatalf("verify with sealed secret: ok=%v err=%v", ok, err)
	}
}
