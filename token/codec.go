package token

import (
	"crypto/hmac"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type distinguishes access tokens from refresh tokens.
type Type string

const (
	// TypeAccess marks short-lived tokens presented on every protected request.
	TypeAccess Type = "access"
	// TypeRefresh marks long-lived tokens exchanged for new access tokens.
	TypeRefresh Type = "refresh"
)

const minSecretBytes = 32

// Config holds the per-type secrets and lifetimes.
//
// AccessSecret and RefreshSecret must differ so that a leaked access-signing key
// cannot forge refresh tokens.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// Claims are the verified contents of a token.
type Claims struct {
	SubjectID string
	Type      Type
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Minted is a freshly signed token together with its claims.
type Minted struct {
	Token  string
	Claims Claims
}

type wireClaims struct {
	Type Type `json:"typ"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens. It holds no mutable state and is safe for
// concurrent use.
type Codec struct {
	config Config
	now    func() time.Time
}

// Option customizes a Codec.
type Option func(*Codec)

// WithClock injects the time source used for iat/exp and for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec validates cfg and returns a Codec.
func NewCodec(cfg Config, opts ...Option) (*Codec, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, errors.New("access ttl must be shorter than refresh ttl")
	}
	if len(cfg.AccessSecret) < minSecretBytes || len(cfg.RefreshSecret) < minSecretBytes {
		return nil, fmt.Errorf("token secrets must be at least %d bytes", minSecretBytes)
	}
	if hmac.Equal(cfg.AccessSecret, cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.AccessSecret = append([]byte(nil), cfg.AccessSecret...)
	cfg.RefreshSecret = append([]byte(nil), cfg.RefreshSecret...)

	c := &Codec{config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the configured lifetime for typ.
func (c *Codec) TTL(typ Type) time.Duration {
	if typ == TypeRefresh {
		return c.config.RefreshTTL
	}
	return c.config.AccessTTL
}

// Mint signs a new token of type typ for subjectID.
func (c *Codec) Mint(subjectID string, typ Type) (Minted, error) {
	if subjectID == "" {
		return Minted{}, errors.New("empty subject")
	}
	secret, ok := c.secret(typ)
	if !ok {
		return Minted{}, fmt.Errorf("unsupported token type %q", typ)
	}

	now := c.now().Truncate(time.Second)
	exp := now.Add(c.TTL(typ))
	jti := uuid.NewString()

	claims := wireClaims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    c.config.Issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return Minted{}, err
	}

	return Minted{
		Token: signed,
		Claims: Claims{
			SubjectID: subjectID,
			Type:      typ,
			TokenID:   jti,
			IssuedAt:  now,
			ExpiresAt: exp,
		},
	}, nil
}

// Verify checks tok against the secret of expected and validates its claims.
//
// The signature is checked before any claim is trusted, so a single altered byte
// anywhere in the token yields StatusInvalidSignature. Expired tokens still carry
// their claims in the result.
func (c *Codec) Verify(tok string, expected Type) Result {
	secret, ok := c.secret(expected)
	if !ok {
		return Result{Status: StatusMalformed}
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Result{Status: StatusMalformed}
	}

	// Checked ahead of ParseWithClaims, which would report an altered header or
	// payload byte as malformed rather than as a bad signature.
	sig, err := base64.RawURLEncoding.Strict().DecodeString(parts[2])
	if err != nil {
		return Result{Status: StatusInvalidSignature}
	}
	if jwt.SigningMethodHS256.Verify(parts[0]+"."+parts[1], sig, secret) != nil {
		return Result{Status: StatusInvalidSignature}
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if c.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.config.Issuer))
	}

	var wire wireClaims
	parsed, err := jwt.NewParser(options...).ParseWithClaims(tok, &wire, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})

	claims := wire.toClaims()
	switch {
	case err == nil && parsed != nil && parsed.Valid:
	case errors.Is(err, jwt.ErrTokenExpired):
		if claims.SubjectID == "" || claims.Type != expected {
			return Result{Status: StatusMalformed}
		}
		return Result{Status: StatusExpired, Claims: claims}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Result{Status: StatusInvalidSignature}
	default:
		return Result{Status: StatusMalformed}
	}

	if claims.SubjectID == "" || claims.Type != expected || claims.TokenID == "" {
		return Result{Status: StatusMalformed}
	}
	return Result{Status: StatusValid, Claims: claims}
}

func (c *Codec) secret(typ Type) ([]byte, bool) {
	switch typ {
	case TypeAccess:
		return c.config.AccessSecret, true
	case TypeRefresh:
		return c.config.RefreshSecret, true
	default:
		return nil, false
	}
}

func (w wireClaims) toClaims() Claims {
	out := Claims{
		SubjectID: w.Subject,
		Type:      w.Type,
		TokenID:   w.ID,
	}
	if w.IssuedAt != nil {
		out.IssuedAt = w.IssuedAt.Time
	}
	if w.ExpiresAt != nil {
		out.ExpiresAt = w.ExpiresAt.Time
	}
	return out
}
