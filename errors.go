package authgate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is the single error returned for every failed
	// authentication step of Login. The specific reason is only audited.
	ErrInvalidCredentials = errors.New("authentication failed")
	// ErrAccountNotActive is returned when a token belongs to an identity that is no
	// longer active. The session is deactivated before the error is returned.
	ErrAccountNotActive = errors.New("account not active")
	// ErrMFARequired is returned by Login when the identity has a second factor and
	// no code was supplied.
	ErrMFARequired = errors.New("second factor required")
	// ErrInvalidMFACode is returned by ConfirmTwoFactor for a wrong code.
	ErrInvalidMFACode = errors.New("invalid second factor code")
	// ErrRateLimited is wrapped by [*RateLimitError].
	ErrRateLimited = errors.New("rate limited")
	// ErrExpiredToken is returned for well-formed, correctly signed but expired tokens.
	ErrExpiredToken = errors.New("token expired")
	// ErrInvalidToken is returned for malformed or tampered tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSessionNotFound is returned when no active session backs a token or id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDependencyTimeout is returned when a backend call exceeds Dependencies.Timeout.
	ErrDependencyTimeout = errors.New("dependency timeout")
	// ErrDependencyUnavailable is returned for any other backend failure.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrPasswordPolicy is returned when a new password violates the length bounds.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrTwoFactorNotPending is returned by ConfirmTwoFactor without a prior setup.
	ErrTwoFactorNotPending = errors.New("two-factor setup not pending")
	// ErrTwoFactorAlreadyEnabled is returned by SetupTwoFactor for an enrolled identity.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrTwoFactorNotEnabled is returned by DisableTwoFactor for an unenrolled identity.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")
	// ErrEmailVerificationDisabled is returned by the verification flows when
	// EmailVerification.Enabled is false.
	ErrEmailVerificationDisabled = errors.New("email verification disabled")
	// ErrIdentityNotFound is returned by CredentialStore implementations when no
	// identity matches. The Engine never surfaces it from Login.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrPermissionDenied is returned by role checks.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrEngineNotReady is returned when a nil or partially built Engine is used.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// RateLimitError reports a rejected admission check with a retry hint.
type RateLimitError struct {
	Action    string
	ResetAt   time.Time
	Remaining int

	retryAfter time.Duration
}

func newRateLimitError(action string, resetAt, now time.Time, remaining int) *RateLimitError {
	wait := resetAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return &RateLimitError{
		Action:     action,
		ResetAt:    resetAt,
		Remaining:  remaining,
		retryAfter: wait,
	}
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s (retry after %s)", ErrRateLimited, e.Action, e.RetryAfter().Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter returns how long the caller should wait before the bucket resets,
// measured when the error was produced.
func (e *RateLimitError) RetryAfter() time.Duration { return e.retryAfter }
