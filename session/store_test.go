package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
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

func newRegistryTest(t *testing.T) (*Registry, *redis.Client, *testClock) {
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
	return NewRegistry(rdb, "as", WithClock(clock.Now)), rdb, clock
}

func createTestSession(t *testing.T, r *Registry, clock *testClock, identityID, access, refresh string) *Session {
	t.Helper()
	sess, err := r.Create(context.Background(), CreateParams{
		IdentityID:   identityID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    clock.Now().Add(7 * 24 * time.Hour),
		IP:           "203.0.113.7",
		UserAgent:    "test-agent",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestCreateAndFindByEitherToken(t *testing.T) {
	r, rdb, clock := newRegistryTest(t)
	ctx := context.Background()
	sess := createTestSession(t, r, clock, "u-1", "access-1", "refresh-1")

	for _, tok := range []string{"access-1", "refresh-1"} {
		got, err := r.FindActiveByToken(ctx, tok)
		if err != nil {
			t.Fatalf("find %s: %v", tok, err)
		}
		if got.ID != sess.ID || got.IdentityID != "u-1" || !got.Active {
			t.Fatalf("unexpected session %+v", got)
		}
		if got.IP != "203.0.113.7" || got.UserAgent != "test-agent" {
			t.Fatal("device metadata not persisted")
		}
	}

	keys, err := rdb.Keys(ctx, "*").Result()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	for _, k := range keys {
		if k == "as:t:access-1" || k == "as:t:refresh-1" {
			t.Fatal("raw token used as key")
		}
		fields, _ := rdb.HGetAll(ctx, k).Result()
		for _, v := range fields {
			if v == "access-1" || v == "refresh-1" {
				t.Fatal("raw token persisted")
			}
		}
	}
}

func TestCreateRejectsBoundToken(t *testing.T) {
	r, _, clock := newRegistryTest(t)
	createTestSession(t, r, clock, "u-1", "access-1", "refresh-1")

	_, err := r.Create(context.Background(), CreateParams{
		IdentityID:   "u-2",
		AccessToken:  "access-1",
		RefreshToken: "refresh-2",
		ExpiresAt:    clock.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrTokenCollision) {
		t.Fatalf("expected collision, got %v", err)
	}
}

func TestFindUnknownAndExpired(t *testing.T) {
	r, _, clock := newRegistryTest(t)
	ctx := context.Background()

	if _, err := r.FindActiveByToken(ctx, "never-issued"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	createTestSession(t, r, clock, "u-1", "access-1", "refresh-1")
	clock.Advance(7*24*time.Hour + time.Second)
	if _, err := r.FindActiveByToken(ctx, "access-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired session to be not found, got %v", err)
	}
}

func TestDeactivateIsIdempotentAndUnbindsTokens(t *testing.T) {
	r, _, clock := newRegistryTest(t)
	ctx := context.Background()
	sess := createTestSession(t, r, clock, "u-1", "access-1", "refresh-1")

	first, err := r.Deactivate(ctx, sess)
	if err != nil || !first {
		t.Fatalf("first deactivate: transitioned=%v err=%v", first, err)
	}
	second, err := r.Deactivate(ctx, sess)
	if err != nil || second {
		t.Fatalf("second deactivate: transitioned=%v err=%v", second, err)
	}

	for _, tok := range []string{"access-1", "refresh-1"} {
		if _, err := r.FindActiveByToken(ctx, tok); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s still matches after deactivate: %v", tok, err)
		}
	}

	stored, err := r.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Active {
		t.Fatal("expected stored session inactive")
	}
}

func TestConcurrentDeactivateTransitionsOnce(t *testing.T) {
	r, _, clock := newRegistryTest(t)
	sess := createTestSession(t, r, clock, "u-1", "access-1", "refresh-1")

	var transitions int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Deactivate(context.Background(), sess)
			if err != nil {
				t.Errorf("deactivate: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&transitions, 1)
			}
		}()
	}
	wg.Wait()
	if transitions != 1 {
		t.Fatalf("expected exactly one transition, got %d", transitions)
	}
}

func TestTouchOnlyUpdatesActiveSessions(t *testing.T) {
	r, _, clock := newRegistryTest(t)
	ctx := context.Background()
	sess := createTestSession(t, r, clock, "u-1", "access-1", "refresh-1")

	clock.Advance(time.Minute)
	if err := r.Touch(ctx, sess); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := r.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivityAt.Equal(clock.Now()) {
		t.Fatalf("expected last activity %v, got %v", clock.Now(), got.LastActivityAt)
	}

	if _, err := r.Deactivate(ctx, sess); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := r.Touch(ctx, sess); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected touch on inactive session to fail, got %v", err)
	}
}

func TestListActiveNewestFirst(t *testing.T) {
	r, _, clock := newRegistryTest(t)
	ctx := context.Background()

	a := createTestSession(t, r, clock, "u-1", "a1", "r1")
	clock.Advance(time.Second)
	b := createTestSession(t, r, clock, "u-1", "a2", "r2")
	clock.Advance(time.Second)
	c := createTestSession(t, r, clock, "u-1", "a3", "r3")
	createTestSession(t, r, clock, "u-2", "a4", "r4")

	if _, err := r.Deactivate(ctx, b); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	list, err := r.ListActive(ctx, "u-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != c.ID || list[1].ID != a.ID {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestRevokeAllDeactivatesEverySession(t *testing.T) {
	r, _, clock := newRegistryTest(t)
	ctx := context.Background()

	createTestSession(t, r, clock, "u-1", "a1", "r1")
	createTestSession(t, r, clock, "u-1", "a2", "r2")
	other := createTestSession(t, r, clock, "u-2", "a3", "r3")

	n, err := r.RevokeAll(ctx, "u-1")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked, got %d", n)
	}
	for _, tok := range []string{"a1", "r1", "a2", "r2"} {
		if _, err := r.FindActiveByToken(ctx, tok); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s still active", tok)
		}
	}
	if _, err := r.FindActiveByToken(ctx, "a3"); err != nil {
		t.Fatalf("other identity affected: %v", err)
	}
	if got, _ := r.Get(ctx, other.ID); !got.Active {
		t.Fatal("other identity session deactivated")
	}

	n, err = r.RevokeAll(ctx, "u-1")
	if err != nil || n != 0 {
		t.Fatalf("second revoke all: n=%d err=%v", n, err)
	}
}

func TestRotateSwapsTokensAndRecordsTombstone(t *testing.T) {
	r, _, clock := newRegistryTest(t)
	ctx := context.Background()
	sess := createTestSession(t, r, clock, "u-1", "a1", "r1")

	clock.Advance(time.Minute)
	next, err := r.Rotate(ctx, sess, RotateParams{
		PresentedRefresh: "r1",
		AccessToken:      "a2",
		RefreshToken:     "r2",
		ExpiresAt:        clock.Now().Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.ID != sess.ID {
		t.Fatal("rotation must keep the session id")
	}

	for _, tok := range []string{"a1", "r1"} {
		if _, err := r.FindActiveByToken(ctx, tok); !errors.Is(err, ErrNotFound) {
			t.Fatalf("old token %s still bound", tok)
		}
	}
	for _, tok := range []string{"a2", "r2"} {
		if _, err := r.FindActiveByToken(ctx, tok); err != nil {
			t.Fatalf("new token %s not bound: %v", tok, err)
		}
	}

	sid, reused, err := r.ReusedBy(ctx, "r1")
	if err != nil || !reused || sid != sess.ID {
		t.Fatalf("expected tombstone for r1, got sid=%q reused=%v err=%v", sid, reused, err)
	}

	_, err = r.Rotate(ctx, next, RotateParams{
		PresentedRefresh: "r1",
		AccessToken:      "a3",
		RefreshToken:     "r3",
		ExpiresAt:        clock.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("expected mismatch on stale refresh, got %v", err)
	}
}

func TestRotateWithoutRefreshRotationKeepsRefreshBinding(t *testing.T) {
	r, _, clock := newRegistryTest(t)
	ctx := context.Background()
	sess := createTestSession(t, r, clock, "u-1", "a1", "r1")

	if _, err := r.Rotate(ctx, sess, RotateParams{
		PresentedRefresh: "r1",
		AccessToken:      "a2",
		RefreshToken:     "r1",
		ExpiresAt:        sess.ExpiresAt,
	}); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := r.FindActiveByToken(ctx, "r1"); err != nil {
		t.Fatalf("refresh should stay bound: %v", err)
	}
	if _, err := r.FindActiveByToken(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("old access token should be unbound")
	}
	if _, reused, _ := r.ReusedBy(ctx, "r1"); reused {
		t.Fatal("no tombstone expected without rotation")
	}
}

func TestRotateInactiveSessionFails(t *testing.T) {
	r, _, clock := newRegistryTest(t)
	ctx := context.Background()
	sess := createTestSession(t, r, clock, "u-1", "a1", "r1")
	if _, err := r.Deactivate(ctx, sess); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := r.Rotate(ctx, sess, RotateParams{
		PresentedRefresh: "r1",
		AccessToken:      "a2",
		RefreshToken:     "r2",
		ExpiresAt:        clock.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisFailureIsWrapped(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	r := NewRegistry(rdb, "as")
	mr.Close()

	_, err = r.FindActiveByToken(context.Background(), "a1")
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
