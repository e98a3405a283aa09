package authgate

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate/internal/rate"
	"github.com/MrEthical07/authgate/internal/stores"
)

// RequestEmailVerification sends a verification token to a pending identity.
// Unknown emails and identities that are not pending get the same nil result.
func (e *Engine) RequestEmailVerification(ctx context.Context, email string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if !e.config.EmailVerification.Enabled {
		return ErrEmailVerificationDisabled
	}
	email = normalizeEmail(email)

	if err := e.admit(ctx, rate.ActionEmailVerification, clientKey(clientIPFromContext(ctx), email), e.config.RateLimits.EmailVerification); err != nil {
		return err
	}
	e.metricInc(MetricEmailVerificationRequest)

	ident, err := e.findByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		e.emitAudit(ctx, auditEmailVerificationRequested, "", "", false, reasonUnknownIdentity, nil)
		return nil
	case err != nil:
		return err
	case ident.Status != StatusPending:
		e.emitAudit(ctx, auditEmailVerificationRequested, ident.ID, "", false, reasonAlreadyActive, nil)
		return nil
	}

	var tok string
	err = e.call(ctx, func(c context.Context) error {
		var err error
		tok, err = e.tokens.Issue(c, stores.PurposeEmailVerification, ident.ID, e.config.EmailVerification.TokenTTL)
		return err
	})
	if err != nil {
		return err
	}

	reason := ""
	if !e.notifier.enqueue(notification{kind: notifyVerification, email: ident.Email, secret: tok}) {
		reason = reasonNotificationQueue
	}
	e.emitAudit(ctx, auditEmailVerificationRequested, ident.ID, "", reason == "", reason, nil)
	return nil
}

// ConfirmEmail redeems a verification token and promotes a pending identity to
// active. Confirming an already active identity succeeds; a suspended identity
// returns [ErrAccountNotActive].
func (e *Engine) ConfirmEmail(ctx context.Context, verificationToken string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if !e.config.EmailVerification.Enabled {
		return ErrEmailVerificationDisabled
	}

	var identityID string
	err := e.call(ctx, func(c context.Context) error {
		var err error
		identityID, err = e.tokens.Consume(c, stores.PurposeEmailVerification, verificationToken)
		return err
	})
	if err != nil {
		if errors.Is(err, stores.ErrTokenNotFound) {
			e.metricInc(MetricEmailVerificationFailure)
			e.emitAudit(ctx, auditEmailVerified, "", "", false, reasonInvalidToken, nil)
			return ErrInvalidToken
		}
		return err
	}

	ident, err := e.findByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			e.metricInc(MetricEmailVerificationFailure)
			return ErrInvalidToken
		}
		return err
	}

	switch ident.Status {
	case StatusActive:
		return nil
	case StatusSuspended:
		e.metricInc(MetricEmailVerificationFailure)
		e.emitAudit(ctx, auditEmailVerified, ident.ID, "", false, reasonAccountNotActive, nil)
		return ErrAccountNotActive
	}

	err = e.call(ctx, func(c context.Context) error {
		return credentialError(e.credentials.UpdateStatus(c, ident.ID, StatusActive))
	})
	if err != nil {
		return err
	}
	e.identities.Forget("id:" + ident.ID)
	e.identities.Forget("email:" + normalizeEmail(ident.Email))

	e.metricInc(MetricEmailVerificationSuccess)
	e.emitAudit(ctx, auditEmailVerified, ident.ID, "", true, "", nil)
	return nil
}
