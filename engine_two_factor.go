package authgate

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate/twofactor"
)

// SetupTwoFactor starts enrollment and returns the secret and otpauth:// URI.
// Login behavior does not change until ConfirmTwoFactor succeeds. Calling it
// again while pending replaces the pending secret.
func (e *Engine) SetupTwoFactor(ctx context.Context, identityID string) (*TwoFactorSetup, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	ident, err := e.findByID(ctx, identityID)
	if err != nil {
		return nil, err
	}

	var setup *twofactor.Setup
	err = e.call(ctx, func(c context.Context) error {
		var err error
		setup, err = e.twoFactor.BeginSetup(c, ident.ID, ident.Email)
		return err
	})
	if err != nil {
		if errors.Is(err, twofactor.ErrAlreadyEnabled) {
			return nil, ErrTwoFactorAlreadyEnabled
		}
		return nil, err
	}

	e.emitAudit(ctx, auditTwoFactorSetupRequested, ident.ID, "", true, "", nil)
	return &TwoFactorSetup{Secret: setup.Secret, URI: setup.URI}, nil
}

// ConfirmTwoFactor completes enrollment with a code from the authenticator. A
// wrong code returns [ErrInvalidMFACode] and leaves the setup pending. Wrong
// codes share the identity's second-factor budget with Login; when it is spent
// a [*RateLimitError] is returned.
func (e *Engine) ConfirmTwoFactor(ctx context.Context, identityID, code string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.secondFactorBlocked(ctx, identityID); err != nil {
		return err
	}

	var ok bool
	err := e.call(ctx, func(c context.Context) error {
		var err error
		ok, err = e.twoFactor.ConfirmSetup(c, identityID, code)
		return err
	})
	if err != nil {
		if errors.Is(err, twofactor.ErrNotPending) {
			return ErrTwoFactorNotPending
		}
		return err
	}
	if !ok {
		e.metricInc(MetricMFAFailure)
		e.recordSecondFactorFailure(ctx, identityID)
		e.emitAudit(ctx, auditTwoFactorEnabled, identityID, "", false, reasonInvalidMFACode, nil)
		return ErrInvalidMFACode
	}
	e.clearSecondFactorFailures(ctx, identityID)

	if err := e.setTwoFactorFlag(ctx, identityID, true); err != nil {
		return err
	}
	e.metricInc(MetricTwoFactorEnabled)
	e.emitAudit(ctx, auditTwoFactorEnabled, identityID, "", true, "", nil)
	return nil
}

// DisableTwoFactor removes the secret and any pending setup. It performs no
// re-authentication; request handlers acting on a bearer token should use
// [Engine.DisableTwoFactorWithProof].
func (e *Engine) DisableTwoFactor(ctx context.Context, identityID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	state, err := e.twoFactorState(ctx, identityID)
	if err != nil {
		return err
	}
	if state == twofactor.StateUnenrolled {
		return ErrTwoFactorNotEnabled
	}
	return e.disableTwoFactor(ctx, identityID)
}

// DisableTwoFactorWithProof is DisableTwoFactor after re-authenticating the
// identity with its current password and, when the second factor is enabled, a
// valid code. A wrong password returns [ErrInvalidCredentials] and counts toward
// lockout; a wrong code returns [ErrInvalidMFACode] and counts against the
// second-factor budget.
func (e *Engine) DisableTwoFactorWithProof(ctx context.Context, identityID, plaintext, code string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	ident, err := e.findByID(ctx, identityID)
	if err != nil {
		return err
	}

	locked, err := e.lockedOut(ctx, ident.ID)
	if err != nil {
		return err
	}
	if locked {
		e.emitAudit(ctx, auditTwoFactorDisabled, ident.ID, "", false, reasonLocked, nil)
		return ErrInvalidCredentials
	}
	ok, err := e.verifyPassword(ctx, ident, plaintext)
	if err != nil {
		return err
	}
	if !ok {
		e.recordPasswordFailure(ctx, ident.ID)
		e.emitAudit(ctx, auditTwoFactorDisabled, ident.ID, "", false, reasonInvalidPassword, nil)
		return ErrInvalidCredentials
	}

	state, err := e.twoFactorState(ctx, ident.ID)
	if err != nil {
		return err
	}
	switch state {
	case twofactor.StateUnenrolled:
		return ErrTwoFactorNotEnabled
	case twofactor.StateEnabled:
		if err := e.secondFactorBlocked(ctx, ident.ID); err != nil {
			return err
		}
		ok, err := e.verifySecondFactor(ctx, ident, code)
		if err != nil {
			return err
		}
		if !ok {
			e.metricInc(MetricMFAFailure)
			e.recordSecondFactorFailure(ctx, ident.ID)
			e.emitAudit(ctx, auditTwoFactorDisabled, ident.ID, "", false, reasonInvalidMFACode, nil)
			return ErrInvalidMFACode
		}
	}
	return e.disableTwoFactor(ctx, ident.ID)
}

func (e *Engine) twoFactorState(ctx context.Context, identityID string) (twofactor.State, error) {
	var state twofactor.State
	err := e.read(ctx, func(c context.Context) error {
		var err error
		state, err = e.twoFactor.State(c, identityID)
		return err
	})
	return state, err
}

func (e *Engine) disableTwoFactor(ctx context.Context, identityID string) error {
	if err := e.call(ctx, func(c context.Context) error { return e.twoFactor.Disable(c, identityID) }); err != nil {
		return err
	}
	if err := e.setTwoFactorFlag(ctx, identityID, false); err != nil {
		return err
	}
	e.clearSecondFactorFailures(ctx, identityID)
	e.metricInc(MetricTwoFactorDisabled)
	e.emitAudit(ctx, auditTwoFactorDisabled, identityID, "", true, "", nil)
	return nil
}

func (e *Engine) setTwoFactorFlag(ctx context.Context, identityID string, enabled bool) error {
	updater, ok := e.credentials.(TwoFactorFlagUpdater)
	if !ok {
		return nil
	}
	err := e.call(ctx, func(c context.Context) error {
		return credentialError(updater.SetTwoFactorEnabled(c, identityID, enabled))
	})
	if err != nil {
		return err
	}
	e.identities.Forget("id:" + identityID)
	return nil
}
