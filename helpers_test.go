package authgate

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authgate/password"
	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

const testPassword = "correct-horse-battery"

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

func fastPasswordConfig() password.Config {
	cfg := password.DefaultConfig()
	cfg.Memory = 8 * 1024
	cfg.Time = 1
	cfg.Parallelism = 1
	return cfg
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Tokens.AccessSecret = bytes.Repeat([]byte("a"), 32)
	cfg.Tokens.RefreshSecret = bytes.Repeat([]byte("r"), 32)
	cfg.Password = fastPasswordConfig()
	cfg.Audit = AuditConfig{Enabled: true, Async: false}
	cfg.Dependencies.Timeout = time.Second
	cfg.Dependencies.RetryBackoff = time.Millisecond
	return cfg
}

/*
====================================
CREDENTIAL STORE
====================================
*/

type memoryStore struct {
	mu      sync.Mutex
	hasher  *password.Hasher
	byID    map[string]Identity
	byEmail map[string]string

	// block makes lookups wait for ctx cancellation.
	block bool
	// gate, when set, holds lookups until it is closed; lookups counts them.
	gate    chan struct{}
	lookups atomic.Int32
}

func newMemoryStore(t *testing.T) *memoryStore {
	t.Helper()
	h, err := password.NewHasher(fastPasswordConfig())
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	return &memoryStore{hasher: h, byID: map[string]Identity{}, byEmail: map[string]string{}}
}

func (s *memoryStore) add(t *testing.T, id, email, plaintext string, status IdentityStatus) {
	t.Helper()
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = Identity{ID: id, Email: email, PasswordHash: hash, Status: status, Role: "member"}
	s.byEmail[strings.ToLower(email)] = id
}

func (s *memoryStore) get(id string) Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

func (s *memoryStore) setStatus(id string, status IdentityStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident := s.byID[id]
	ident.Status = status
	s.byID[id] = ident
}

func (s *memoryStore) wait(ctx context.Context) error {
	if s.gate != nil {
		s.lookups.Add(1)
		select {
		case <-s.gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !s.block {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *memoryStore) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	ident := s.byID[id]
	return &ident, nil
}

func (s *memoryStore) FindByID(ctx context.Context, identityID string) (*Identity, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[identityID]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return &ident, nil
}

func (s *memoryStore) VerifyPassword(_ context.Context, identity *Identity, plaintext string) (bool, error) {
	return s.hasher.Verify(plaintext, identity.PasswordHash)
}

func (s *memoryStore) UpdatePasswordHash(_ context.Context, identityID, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[identityID]
	if !ok {
		return ErrIdentityNotFound
	}
	ident.PasswordHash = newHash
	s.byID[identityID] = ident
	return nil
}

func (s *memoryStore) UpdateStatus(_ context.Context, identityID string, status IdentityStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[identityID]
	if !ok {
		return ErrIdentityNotFound
	}
	ident.Status = status
	s.byID[identityID] = ident
	return nil
}

func (s *memoryStore) SetTwoFactorEnabled(_ context.Context, identityID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident := s.byID[identityID]
	ident.TwoFactorEnabled = enabled
	s.byID[identityID] = ident
	return nil
}

/*
====================================
NOTIFICATIONS / AUDIT
====================================
*/

type sentMessage struct {
	kind   string
	email  string
	secret string
}

type capturingSender struct {
	sent chan sentMessage
}

func newCapturingSender() *capturingSender {
	return &capturingSender{sent: make(chan sentMessage, 32)}
}

func (s *capturingSender) SendVerification(_ context.Context, email, tok string) error {
	s.sent <- sentMessage{kind: "verification", email: email, secret: tok}
	return nil
}

func (s *capturingSender) SendPasswordReset(_ context.Context, email, tok string) error {
	s.sent <- sentMessage{kind: "password_reset", email: email, secret: tok}
	return nil
}

func (s *capturingSender) SendTwoFactorCode(_ context.Context, email, code string) error {
	s.sent <- sentMessage{kind: "two_factor_code", email: email, secret: code}
	return nil
}

func (s *capturingSender) next(t *testing.T) sentMessage {
	t.Helper()
	select {
	case m := <-s.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
		return sentMessage{}
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Record(_ context.Context, e AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) ofType(typ string) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

/*
====================================
HARNESS
====================================
*/

type harness struct {
	engine *Engine
	store  *memoryStore
	sender *capturingSender
	sink   *recordingSink
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	clock  *testClock
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		store:  newMemoryStore(t),
		sender: newCapturingSender(),
		sink:   &recordingSink{},
		mr:     mr,
		rdb:    rdb,
		clock:  &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.engine, err = New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(h.store).
		WithNotificationSender(h.sender).
		WithAuditSink(h.sink).
		WithClock(h.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	t.Cleanup(func() {
		h.engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return h
}

// advance moves the engine clock and Redis TTLs together.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.mr.FastForward(d)
}

func (h *harness) login(t *testing.T, ctx context.Context, email string) *TokenPair {
	t.Helper()
	pair, err := h.engine.Login(ctx, email, testPassword, "")
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return pair
}

func (h *harness) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, h.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	return code
}

// enrollTwoFactor completes setup and moves past the confirmed step.
func (h *harness) enrollTwoFactor(t *testing.T, identityID string) string {
	t.Helper()
	ctx := context.Background()
	setup, err := h.engine.SetupTwoFactor(ctx, identityID)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := h.engine.ConfirmTwoFactor(ctx, identityID, h.totpCode(t, setup.Secret)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	h.advance(30 * time.Second)
	return setup.Secret
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}
