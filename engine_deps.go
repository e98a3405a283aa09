package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/internal/rate"
	"github.com/MrEthical07/authgate/internal/stores"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/twofactor"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// call runs fn under Dependencies.Timeout and classifies its error. Writes go
// through call only; they are never retried.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithTimeout(ctx, e.config.Dependencies.Timeout)
	defer cancel()
	return e.classify(ctx, tctx, fn(tctx))
}

// read is call with one retry after Dependencies.RetryBackoff. fn must be
// idempotent.
func (e *Engine) read(ctx context.Context, fn func(context.Context) error) error {
	err := e.call(ctx, fn)
	if !retryable(err) || ctx.Err() != nil {
		return err
	}

	timer := time.NewTimer(e.config.Dependencies.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-timer.C:
	}
	return e.call(ctx, fn)
}

func retryable(err error) bool {
	return errors.Is(err, ErrDependencyTimeout) || errors.Is(err, ErrDependencyUnavailable)
}

func (e *Engine) classify(parent, tctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		e.metricInc(MetricDependencyTimeout)
		return fmt.Errorf("%w: %v", ErrDependencyTimeout, err)
	}
	if errors.Is(err, ErrDependencyUnavailable) {
		e.metricInc(MetricDependencyUnavailable)
		return err
	}
	if isBackendError(err) {
		e.metricInc(MetricDependencyUnavailable)
		return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
	}
	return err
}

func isBackendError(err error) bool {
	switch {
	case errors.Is(err, session.ErrRedisUnavailable),
		errors.Is(err, session.ErrCorrupt),
		errors.Is(err, rate.ErrRedisUnavailable),
		errors.Is(err, twofactor.ErrRedisUnavailable),
		errors.Is(err, twofactor.ErrCorrupt),
		errors.Is(err, stores.ErrTokenBackend),
		errors.Is(err, stores.ErrCodeBackend):
		return true
	}
	return false
}

// credentialError keeps ErrIdentityNotFound and context errors, and marks
// everything else a store returns as a backend failure.
func credentialError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrIdentityNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
}

func (e *Engine) findByEmail(ctx context.Context, email string) (*Identity, error) {
	return e.lookupIdentity(ctx, "email:"+email, func(c context.Context) (*Identity, error) {
		return e.credentials.FindByEmail(c, email)
	})
}

func (e *Engine) findByID(ctx context.Context, identityID string) (*Identity, error) {
	return e.lookupIdentity(ctx, "id:"+identityID, func(c context.Context) (*Identity, error) {
		return e.credentials.FindByID(c, identityID)
	})
}

// lookupIdentity shares one credential-store read among concurrent callers with
// the same key. The shared read runs detached from any single caller, under its
// own Dependencies.Timeout; each caller stops waiting when its own ctx ends.
func (e *Engine) lookupIdentity(ctx context.Context, key string, find func(context.Context) (*Identity, error)) (*Identity, error) {
	var ident *Identity
	err := e.read(ctx, func(c context.Context) error {
		ch := e.identities.DoChan(key, func() (any, error) {
			shared, cancel := context.WithTimeout(context.WithoutCancel(c), e.config.Dependencies.Timeout)
			defer cancel()
			return find(shared)
		})

		var res singleflight.Result
		select {
		case <-c.Done():
			return c.Err()
		case res = <-ch:
		}
		if res.Err != nil {
			return credentialError(res.Err)
		}
		ident, _ = res.Val.(*Identity)
		if ident == nil {
			return ErrIdentityNotFound
		}
		return nil
	})
	return ident, err
}

func (e *Engine) findSession(ctx context.Context, rawToken string) (*session.Session, error) {
	var sess *session.Session
	err := e.read(ctx, func(c context.Context) error {
		var err error
		sess, err = e.sessions.FindActiveByToken(c, rawToken)
		return err
	})
	return sess, err
}

// deactivateSession revokes sess and records the transition when this call made
// it. Errors are returned classified.
func (e *Engine) deactivateSession(ctx context.Context, sess *session.Session, reason string) error {
	var changed bool
	err := e.call(ctx, func(c context.Context) error {
		var err error
		changed, err = e.sessions.Deactivate(c, sess)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		e.metricInc(MetricSessionRevoked)
		e.emitAudit(ctx, auditSessionRevoked, sess.IdentityID, sess.ID, true, reason, nil)
	}
	return nil
}

// admit runs one fixed-window admission check and converts a rejection into a
// *RateLimitError.
func (e *Engine) admit(ctx context.Context, action rate.Action, key string, p RateLimitPolicy) error {
	var d rate.Decision
	err := e.call(ctx, func(c context.Context) error {
		var err error
		d, err = e.limiter.CheckAndIncrement(c, key, action, rate.Policy{Limit: p.Limit, Window: p.Window})
		return err
	})
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}

	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditRateLimited, "", "", false, string(action), map[string]string{
		"remaining": "0",
		"reset_at":  d.ResetAt.UTC().Format(time.RFC3339),
	})
	return newRateLimitError(string(action), d.ResetAt, e.now(), d.Remaining)
}

/*
====================================
FAILED-PASSWORD LOCKOUT
====================================
*/

func (e *Engine) lockoutPolicy() rate.Policy {
	return rate.Policy{Limit: e.config.Lockout.MaxFailures, Window: e.config.Lockout.Duration}
}

func (e *Engine) lockedOut(ctx context.Context, identityID string) (bool, error) {
	if !e.config.Lockout.Enabled {
		return false, nil
	}
	var d rate.Decision
	err := e.read(ctx, func(c context.Context) error {
		var err error
		d, err = e.limiter.Peek(c, identityID, rate.ActionLoginFailure, e.lockoutPolicy())
		return err
	})
	if err != nil {
		return false, err
	}
	return d.Count >= e.config.Lockout.MaxFailures, nil
}

func (e *Engine) recordPasswordFailure(ctx context.Context, identityID string) {
	if !e.config.Lockout.Enabled {
		return
	}
	var d rate.Decision
	err := e.call(ctx, func(c context.Context) error {
		var err error
		d, err = e.limiter.CheckAndIncrement(c, identityID, rate.ActionLoginFailure, e.lockoutPolicy())
		return err
	})
	if err != nil {
		e.logger.Warn("record password failure", zap.String("identity_id", identityID), zap.Error(err))
		return
	}
	if d.Count == e.config.Lockout.MaxFailures {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, auditAccountLocked, identityID, "", true, reasonTooManyFailures, nil)
	}
}

func (e *Engine) clearPasswordFailures(ctx context.Context, identityID string) {
	if !e.config.Lockout.Enabled {
		return
	}
	err := e.call(ctx, func(c context.Context) error {
		return e.limiter.Reset(c, identityID, rate.ActionLoginFailure)
	})
	if err != nil {
		e.logger.Warn("clear password failures", zap.String("identity_id", identityID), zap.Error(err))
	}
}

/*
====================================
SECOND-FACTOR FAILURES
====================================
*/

// secondFactorBlocked reports a *RateLimitError once the identity has used up
// its wrong-code budget. The bucket is keyed by identity, not client.
func (e *Engine) secondFactorBlocked(ctx context.Context, identityID string) error {
	p := e.config.RateLimits.TwoFactorFailure
	var d rate.Decision
	err := e.read(ctx, func(c context.Context) error {
		var err error
		d, err = e.limiter.Peek(c, identityID, rate.ActionTwoFactorFailure, rate.Policy{Limit: p.Limit, Window: p.Window})
		return err
	})
	if err != nil {
		return err
	}
	if d.Count < p.Limit {
		return nil
	}
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditRateLimited, identityID, "", false, string(rate.ActionTwoFactorFailure), map[string]string{
		"remaining": "0",
		"reset_at":  d.ResetAt.UTC().Format(time.RFC3339),
	})
	return newRateLimitError(string(rate.ActionTwoFactorFailure), d.ResetAt, e.now(), 0)
}

func (e *Engine) recordSecondFactorFailure(ctx context.Context, identityID string) {
	p := e.config.RateLimits.TwoFactorFailure
	err := e.call(ctx, func(c context.Context) error {
		_, err := e.limiter.CheckAndIncrement(c, identityID, rate.ActionTwoFactorFailure, rate.Policy{Limit: p.Limit, Window: p.Window})
		return err
	})
	if err != nil {
		e.logger.Warn("record second factor failure", zap.String("identity_id", identityID), zap.Error(err))
	}
}

func (e *Engine) clearSecondFactorFailures(ctx context.Context, identityID string) {
	err := e.call(ctx, func(c context.Context) error {
		return e.limiter.Reset(c, identityID, rate.ActionTwoFactorFailure)
	})
	if err != nil {
		e.logger.Warn("clear second factor failures", zap.String("identity_id", identityID), zap.Error(err))
	}
}
