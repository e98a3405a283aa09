package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Session is one login of one identity.
//
// TokenHash and RefreshHash hold SHA-256 digests of the tokens currently bound to the
// session. Session values returned by the [Registry] are snapshots; mutate state only
// through Registry methods.
type Session struct {
	ID         string
	IdentityID string

	TokenHash   [32]byte
	RefreshHash [32]byte

	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	Active         bool

	IP        string
	UserAgent string
}

// Usable reports whether the session can authorize requests at now.
func (s *Session) Usable(now time.Time) bool {
	return s != nil && s.Active && now.Before(s.ExpiresAt)
}

// HashToken returns the digest under which a raw token is indexed.
func HashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

func hashHex(token string) string {
	sum := HashToken(token)
	return hex.EncodeToString(sum[:])
}
