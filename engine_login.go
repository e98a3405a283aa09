package authgate

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate/internal/rate"
	"github.com/MrEthical07/authgate/internal/stores"
	"github.com/MrEthical07/authgate/password"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/token"
	"github.com/MrEthical07/authgate/twofactor"
	"go.uber.org/zap"
)

// Login authenticates email and password, and the second-factor code when the
// identity has one, then creates a session.
//
// Every authentication failure (unknown email, wrong password, lockout, inactive
// account, wrong code) returns [ErrInvalidCredentials]; the cause is audited as
// login_failed. Wrong second-factor codes count against the identity; once
// that budget is spent every code is refused until the window ends. A missing code for a two-factor identity returns [ErrMFARequired],
// and when email codes are enabled a one-time code is sent. Rate limiting returns
// a [*RateLimitError]. Backend failures return ErrDependencyTimeout or
// ErrDependencyUnavailable.
//
//	Flow: rate limit -> lookup -> lockout -> password -> status -> second factor -> mint -> session
func (e *Engine) Login(ctx context.Context, email, plaintext, code string) (*TokenPair, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	email = normalizeEmail(email)
	e.emitAudit(ctx, auditLoginAttempt, "", "", true, "", nil)

	if err := e.admit(ctx, rate.ActionLogin, clientKey(clientIPFromContext(ctx), email), e.config.RateLimits.Login); err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			e.metricInc(MetricLoginRateLimited)
		}
		return nil, err
	}

	ident, err := e.findByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, e.loginFailed(ctx, "", reasonUnknownIdentity)
		}
		return nil, err
	}

	locked, err := e.lockedOut(ctx, ident.ID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, e.loginFailed(ctx, ident.ID, reasonLocked)
	}

	ok, err := e.verifyPassword(ctx, ident, plaintext)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.recordPasswordFailure(ctx, ident.ID)
		return nil, e.loginFailed(ctx, ident.ID, reasonInvalidPassword)
	}

	if ident.Status != StatusActive {
		return nil, e.loginFailed(ctx, ident.ID, reasonAccountNotActive)
	}

	required, err := e.twoFactorRequired(ctx, ident)
	if err != nil {
		return nil, err
	}
	if required {
		if code == "" {
			e.offerEmailCode(ctx, ident)
			e.metricInc(MetricMFARequired)
			e.emitAudit(ctx, auditLoginFailed, ident.ID, "", false, reasonMFARequired, nil)
			return nil, ErrMFARequired
		}
		if err := e.secondFactorBlocked(ctx, ident.ID); err != nil {
			var rl *RateLimitError
			if errors.As(err, &rl) {
				return nil, e.loginFailed(ctx, ident.ID, reasonSecondFactorLocked)
			}
			return nil, err
		}
		ok, err := e.verifySecondFactor(ctx, ident, code)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.metricInc(MetricMFAFailure)
			e.recordSecondFactorFailure(ctx, ident.ID)
			return nil, e.loginFailed(ctx, ident.ID, reasonInvalidMFACode)
		}
		e.clearSecondFactorFailures(ctx, ident.ID)
	}

	pair, sess, err := e.issueSession(ctx, ident.ID)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditLoginFailed, ident.ID, "", false, auditReason(err), nil)
		return nil, err
	}

	e.clearPasswordFailures(ctx, ident.ID)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditLoginSuccess, ident.ID, sess.ID, true, "", nil)
	return pair, nil
}

func (e *Engine) loginFailed(ctx context.Context, identityID, reason string) error {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditLoginFailed, identityID, "", false, reason, nil)
	return ErrInvalidCredentials
}

// verifyPassword treats over-long input and unparseable stored hashes as a
// mismatch so neither can be told apart from a wrong password.
func (e *Engine) verifyPassword(ctx context.Context, ident *Identity, plaintext string) (bool, error) {
	var ok bool
	err := e.call(ctx, func(c context.Context) error {
		var err error
		ok, err = e.credentials.VerifyPassword(c, ident, plaintext)
		return err
	})
	switch {
	case err == nil:
		return ok, nil
	case errors.Is(err, password.ErrTooLong), errors.Is(err, password.ErrMalformedHash):
		if errors.Is(err, password.ErrMalformedHash) {
			e.logger.Error("stored password hash is malformed", zap.String("identity_id", ident.ID))
		}
		return false, nil
	}
	return false, credentialError(err)
}

// twoFactorRequired trusts either the identity flag or the manager state, so a
// store that does not persist the flag still enforces the second factor.
func (e *Engine) twoFactorRequired(ctx context.Context, ident *Identity) (bool, error) {
	if ident.TwoFactorEnabled {
		return true, nil
	}
	state, err := e.twoFactorState(ctx, ident.ID)
	if err != nil {
		return false, err
	}
	return state == twofactor.StateEnabled, nil
}

func (e *Engine) verifySecondFactor(ctx context.Context, ident *Identity, code string) (bool, error) {
	var ok bool
	err := e.call(ctx, func(c context.Context) error {
		var err error
		ok, err = e.twoFactor.Verify(c, ident.ID, code)
		if errors.Is(err, twofactor.ErrNotEnabled) {
			return nil
		}
		return err
	})
	if err != nil || ok {
		return ok, err
	}
	if !e.config.TwoFactor.AllowEmailCodes {
		return false, nil
	}

	err = e.call(ctx, func(c context.Context) error {
		return e.codes.Consume(c, ident.ID, code)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, stores.ErrCodeMismatch),
		errors.Is(err, stores.ErrCodeAttemptsExceeded),
		errors.Is(err, stores.ErrCodeNotFound):
		return false, nil
	}
	return false, err
}

// offerEmailCode sends a one-time login code when email codes are enabled. Every
// failure here is logged and swallowed; the caller still gets ErrMFARequired.
func (e *Engine) offerEmailCode(ctx context.Context, ident *Identity) {
	if !e.config.TwoFactor.AllowEmailCodes {
		return
	}
	if err := e.admit(ctx, rate.ActionTwoFactorCode, ident.ID, e.config.RateLimits.TwoFactorCode); err != nil {
		e.logger.Info("login code not sent", zap.String("identity_id", ident.ID), zap.Error(err))
		return
	}

	var code string
	err := e.call(ctx, func(c context.Context) error {
		var err error
		code, err = e.codes.Issue(c, ident.ID, e.config.TwoFactor.Digits, e.config.TwoFactor.EmailCodeMaxAttempts, e.config.TwoFactor.EmailCodeTTL)
		return err
	})
	if err != nil {
		e.logger.Warn("issue login code", zap.String("identity_id", ident.ID), zap.Error(err))
		return
	}
	e.notifier.enqueue(notification{kind: notifyTwoFactorCode, email: ident.Email, secret: code})
}

// issueSession mints both tokens and then persists the session as the final,
// single atomic write. Nothing is stored if minting fails or ctx is done.
func (e *Engine) issueSession(ctx context.Context, identityID string) (*TokenPair, *session.Session, error) {
	access, err := e.codec.Mint(identityID, token.TypeAccess)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := e.codec.Mint(identityID, token.TypeRefresh)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var sess *session.Session
	err = e.call(ctx, func(c context.Context) error {
		var err error
		sess, err = e.sessions.Create(c, session.CreateParams{
			IdentityID:   identityID,
			AccessToken:  access.Token,
			RefreshToken: refresh.Token,
			ExpiresAt:    refresh.Claims.ExpiresAt,
			IP:           clientIPFromContext(ctx),
			UserAgent:    userAgentFromContext(ctx),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, session.ErrTokenCollision) {
			return nil, nil, ErrDependencyUnavailable
		}
		return nil, nil, err
	}
	e.metricInc(MetricSessionCreated)

	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		AccessExpiresAt:  access.Claims.ExpiresAt,
		RefreshExpiresAt: refresh.Claims.ExpiresAt,
	}, sess, nil
}
