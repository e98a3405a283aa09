package authgate

import "time"

// SecurityReport is a read-only summary of the Engine's security posture,
// suitable for a startup log line or an admin endpoint. It never carries
// secrets.
type SecurityReport struct {
	SigningAlgorithm       string
	AccessTTL              time.Duration
	RefreshTTL             time.Duration
	Argon2                 PasswordConfigReport
	RefreshRotationEnabled bool
	LockoutEnabled         bool
	LockoutMaxFailures     int
	LoginLimit             RateLimitPolicy
	RateLimitBackend       RateLimitBackend
	TwoFactorSealed        bool
	EmailCodesEnabled      bool
	EmailVerificationOn    bool
	AuditEnabled           bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

// SecurityReport returns the posture derived from the validated configuration.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	cfg := e.config
	return SecurityReport{
		SigningAlgorithm: "HS256",
		AccessTTL:        cfg.Tokens.AccessTTL,
		RefreshTTL:       cfg.Tokens.RefreshTTL,
		Argon2: PasswordConfigReport{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
			MinLength:   cfg.Password.MinLength,
		},
		RefreshRotationEnabled: cfg.Session.RotateRefreshTokens,
		LockoutEnabled:         cfg.Lockout.Enabled,
		LockoutMaxFailures:     cfg.Lockout.MaxFailures,
		LoginLimit:             cfg.RateLimits.Login,
		RateLimitBackend:       cfg.RateLimits.Backend,
		TwoFactorSealed:        len(cfg.TwoFactor.SealingKey) > 0,
		EmailCodesEnabled:      cfg.TwoFactor.AllowEmailCodes,
		EmailVerificationOn:    cfg.EmailVerification.Enabled,
		AuditEnabled:           e.audit != nil,
	}
}
