package token

import "errors"

// Status is the outcome class of a verification.
type Status uint8

const (
	StatusValid Status = iota
	StatusMalformed
	StatusExpired
	StatusInvalidSignature
)

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrExpiredToken     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
)

// String returns a stable lowercase name, suitable for audit reasons.
func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusMalformed:
		return "malformed"
	case StatusExpired:
		return "expired"
	case StatusInvalidSignature:
		return "invalid_signature"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of [Codec.Verify]. Claims are populated for
// StatusValid and StatusExpired only.
type Result struct {
	Status Status
	Claims Claims
}

// Valid reports whether the token verified successfully.
func (r Result) Valid() bool { return r.Status == StatusValid }

// Err maps the status to one of the package sentinels, or nil when valid.
func (r Result) Err() error {
	switch r.Status {
	case StatusValid:
		return nil
	case StatusExpired:
		return ErrExpiredToken
	case StatusInvalidSignature:
		return ErrInvalidSignature
	default:
		return ErrMalformedToken
	}
}
