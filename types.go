package authgate

import (
	"context"
	"time"

	"github.com/MrEthical07/authgate/internal/audit"
)

// IdentityStatus is the lifecycle state of an identity. Only active identities
// can log in or use their sessions.
type IdentityStatus string

const (
	StatusActive    IdentityStatus = "active"
	StatusSuspended IdentityStatus = "suspended"
	StatusPending   IdentityStatus = "pending"
)

// Identity is the read-only view of an account that the Engine consumes.
type Identity struct {
	ID    string
	Email string
	// PasswordHash is a PHC-encoded argon2id string. The Engine never logs it.
	PasswordHash     string
	Status           IdentityStatus
	Role             string
	TwoFactorEnabled bool
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Principal is the authenticated caller produced by [Engine.Authenticate].
type Principal struct {
	IdentityID string
	Email      string
	Role       string
	SessionID  string
}

// SessionSummary is the externally visible shape of a session. It never carries
// token material.
type SessionSummary struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IP             string    `json:"ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	// Current is set when the session is the one attached to ctx with WithSessionID.
	Current bool `json:"current"`
}

// TwoFactorSetup carries the base32 secret and otpauth:// URI for enrollment.
type TwoFactorSetup struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

// CredentialStore is the account repository. Implementations must be safe for
// concurrent use and must return [ErrIdentityNotFound] for unknown identities.
//
//	Implementations: store/pg
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	FindByID(ctx context.Context, identityID string) (*Identity, error)
	VerifyPassword(ctx context.Context, identity *Identity, plaintext string) (bool, error)
	UpdatePasswordHash(ctx context.Context, identityID, newHash string) error
	UpdateStatus(ctx context.Context, identityID string, status IdentityStatus) error
}

// TwoFactorFlagUpdater is optionally implemented by a CredentialStore that keeps
// the Identity.TwoFactorEnabled flag. The Engine updates it after enable/disable.
type TwoFactorFlagUpdater interface {
	SetTwoFactorEnabled(ctx context.Context, identityID string, enabled bool) error
}

// NotificationSender delivers out-of-band messages. Calls are made from a
// background worker; returned errors are logged, never surfaced to callers.
//
//	Implementations: notify
type NotificationSender interface {
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
	SendTwoFactorCode(ctx context.Context, email, code string) error
}

// AuditEvent is one recorded transition.
type AuditEvent = audit.Event

// AuditSink receives audit events.
type AuditSink = audit.Sink
