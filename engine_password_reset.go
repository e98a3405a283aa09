package authgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authgate/internal/rate"
	"github.com/MrEthical07/authgate/internal/stores"
)

// RequestPasswordReset sends a single-use reset token to the identity's email.
// The result is the same whether or not the email belongs to an identity; only
// rate limiting and backend failures are reported.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	email = normalizeEmail(email)

	if err := e.admit(ctx, rate.ActionPasswordReset, clientKey(clientIPFromContext(ctx), email), e.config.RateLimits.PasswordReset); err != nil {
		return err
	}
	e.metricInc(MetricPasswordResetRequest)

	ident, err := e.findByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			e.emitAudit(ctx, auditPasswordResetRequested, "", "", false, reasonUnknownIdentity, nil)
			return nil
		}
		return err
	}

	var tok string
	err = e.call(ctx, func(c context.Context) error {
		var err error
		tok, err = e.tokens.Issue(c, stores.PurposePasswordReset, ident.ID, e.config.PasswordReset.TokenTTL)
		return err
	})
	if err != nil {
		return err
	}

	reason := ""
	if !e.notifier.enqueue(notification{kind: notifyPasswordReset, email: ident.Email, secret: tok}) {
		reason = reasonNotificationQueue
	}
	e.emitAudit(ctx, auditPasswordResetRequested, ident.ID, "", reason == "", reason, nil)
	return nil
}

// CompletePasswordReset redeems resetToken and sets newPassword. The token is
// consumed before the password is checked, so a token is spent even when the new
// password is rejected. On success every session of the identity is revoked and
// the failed-login counter is cleared.
func (e *Engine) CompletePasswordReset(ctx context.Context, resetToken, newPassword string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	var identityID string
	err := e.call(ctx, func(c context.Context) error {
		var err error
		identityID, err = e.tokens.Consume(c, stores.PurposePasswordReset, resetToken)
		return err
	})
	if err != nil {
		if errors.Is(err, stores.ErrTokenNotFound) {
			e.metricInc(MetricPasswordResetFailure)
			e.emitAudit(ctx, auditPasswordResetCompleted, "", "", false, reasonInvalidToken, nil)
			return ErrInvalidToken
		}
		return err
	}

	if err := e.hasher.CheckLength(newPassword); err != nil {
		e.metricInc(MetricPasswordResetFailure)
		e.emitAudit(ctx, auditPasswordResetCompleted, identityID, "", false, reasonPasswordPolicy, nil)
		return fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}
	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	err = e.call(ctx, func(c context.Context) error {
		return credentialError(e.credentials.UpdatePasswordHash(c, identityID, hash))
	})
	if err != nil {
		e.metricInc(MetricPasswordResetFailure)
		e.emitAudit(ctx, auditPasswordResetCompleted, identityID, "", false, auditReason(err), nil)
		return err
	}

	if _, err := e.revokeAll(ctx, identityID, reasonPasswordReset); err != nil {
		return err
	}
	e.clearPasswordFailures(ctx, identityID)

	e.metricInc(MetricPasswordResetSuccess)
	e.emitAudit(ctx, auditPasswordResetCompleted, identityID, "", true, "", nil)
	return nil
}
