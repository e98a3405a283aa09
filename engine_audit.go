package authgate

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate/internal/audit"
)

const (
	auditLoginAttempt               = "login_attempt"
	auditLoginSuccess               = "login_success"
	auditLoginFailed                = "login_failed"
	auditSessionRevoked             = "session_revoked"
	auditTwoFactorSetupRequested    = "2fa_setup_requested"
	auditTwoFactorEnabled           = "2fa_enabled"
	auditTwoFactorDisabled          = "2fa_disabled"
	auditRateLimited                = "rate_limited"
	auditRefreshSuccess             = "refresh_success"
	auditRefreshFailed              = "refresh_failed"
	auditRefreshReuseDetected       = "refresh_reuse_detected"
	auditLogout                     = "logout"
	auditPasswordResetRequested     = "password_reset_requested"
	auditPasswordResetCompleted     = "password_reset_completed"
	auditEmailVerificationRequested = "email_verification_requested"
	auditEmailVerified              = "email_verified"
	auditAccountLocked              = "account_locked"
)

// Audit reasons. Login failures are collapsed for the caller; these strings are
// the only place the specific cause is kept.
const (
	reasonUnknownIdentity    = "unknown_identity"
	reasonInvalidPassword    = "invalid_password"
	reasonLocked             = "locked"
	reasonAccountNotActive   = "account_not_active"
	reasonMFARequired        = "mfa_required"
	reasonInvalidMFACode     = "InvalidMfaCode"
	reasonExpiredToken       = "expired_token"
	reasonInvalidToken       = "invalid_token"
	reasonSessionNotFound    = "session_not_found"
	reasonSubjectMismatch    = "subject_mismatch"
	reasonRotationConflict   = "rotation_conflict"
	reasonRefreshReuse       = "refresh_reuse"
	reasonTooManyFailures    = "too_many_failures"
	reasonSecondFactorLocked = "second_factor_locked"
	reasonLogout             = "logout"
	reasonUserRevoked        = "user_revoked"
	reasonRevokeAll          = "revoke_all"
	reasonPasswordReset      = "password_reset"
	reasonPasswordPolicy     = "password_policy"
	reasonDependency         = "dependency_failure"
	reasonNotPending         = "not_pending"
	reasonAlreadyActive      = "already_active"
	reasonRateLimited        = "rate_limited"
	reasonNotificationQueue  = "notification_not_queued"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	identityID string,
	sessionID string,
	success bool,
	reason string,
	metadata map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	e.audit.Record(ctx, audit.Event{
		Timestamp:  e.now().UTC(),
		Type:       eventType,
		IdentityID: identityID,
		SessionID:  sessionID,
		IP:         clientIPFromContext(ctx),
		Success:    success,
		Reason:     reason,
		Metadata:   metadata,
	})
}

// auditReason maps an error to the reason string recorded for it.
func auditReason(err error) string {
	var rl *RateLimitError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rl):
		return reasonRateLimited
	case errors.Is(err, ErrExpiredToken):
		return reasonExpiredToken
	case errors.Is(err, ErrInvalidToken):
		return reasonInvalidToken
	case errors.Is(err, ErrSessionNotFound):
		return reasonSessionNotFound
	case errors.Is(err, ErrAccountNotActive):
		return reasonAccountNotActive
	case errors.Is(err, ErrPasswordPolicy):
		return reasonPasswordPolicy
	case errors.Is(err, ErrDependencyTimeout), errors.Is(err, ErrDependencyUnavailable):
		return reasonDependency
	}
	return "internal_error"
}
