package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/password"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrEmailTaken is returned by Create when the email is already registered.
var ErrEmailTaken = errors.New("email already registered")

// Schema creates the identities table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS identities (
	id                 UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	email              TEXT NOT NULL,
	password_hash      TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	role               TEXT NOT NULL DEFAULT 'member',
	two_factor_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS identities_email_lower_idx ON identities (LOWER(email));
`

const identityColumns = `id::text, email, password_hash, status, role, two_factor_enabled`

// Querier is the subset of pgxpool.Pool the store uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PoolConfig tunes the connection pool. Zero values keep pgx defaults.
type PoolConfig struct {
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// Store implements authgate.CredentialStore and authgate.TwoFactorFlagUpdater
// over a Postgres identities table.
type Store struct {
	db     Querier
	pool   *pgxpool.Pool
	hasher *password.Hasher
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for best-effort hash upgrades.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open connects a pool to dsn and returns a Store over it.
func Open(ctx context.Context, dsn string, cfg PoolConfig, hasher *password.Hasher, opts ...Option) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	s := New(pool, hasher, opts...)
	s.pool = pool

	// A failed ping is not fatal; the Engine reports the dependency per call.
	if err := pool.Ping(ctx); err != nil {
		s.logger.Warn("postgres ping failed", zap.Error(err))
	}
	return s, nil
}

// New wraps an existing Querier.
func New(db Querier, hasher *password.Hasher, opts ...Option) *Store {
	s := &Store{db: db, hasher: hasher, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the pool opened by Open. Stores built with New leave db open.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity when the Store owns a pool.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// EnsureSchema applies Schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

/* ====================== READS ====================== */

func (s *Store) FindByEmail(ctx context.Context, email string) (*authgate.Identity, error) {
	const q = `SELECT ` + identityColumns + ` FROM identities WHERE LOWER(email) = LOWER($1) LIMIT 1`
	return scanIdentity(s.db.QueryRow(ctx, q, strings.TrimSpace(email)))
}

func (s *Store) FindByID(ctx context.Context, identityID string) (*authgate.Identity, error) {
	const q = `SELECT ` + identityColumns + ` FROM identities WHERE id::text = $1`
	return scanIdentity(s.db.QueryRow(ctx, q, identityID))
}

func scanIdentity(row pgx.Row) (*authgate.Identity, error) {
	var (
		ident  authgate.Identity
		status string
	)
	err := row.Scan(&ident.ID, &ident.Email, &ident.PasswordHash, &status, &ident.Role, &ident.TwoFactorEnabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authgate.ErrIdentityNotFound
		}
		return nil, err
	}
	ident.Status = authgate.IdentityStatus(status)
	return &ident, nil
}

// VerifyPassword checks plaintext against the stored hash. A matching hash made
// with weaker parameters than the current ones is upgraded in place; upgrade
// failures are logged only.
func (s *Store) VerifyPassword(ctx context.Context, identity *authgate.Identity, plaintext string) (bool, error) {
	ok, err := s.hasher.Verify(plaintext, identity.PasswordHash)
	if err != nil || !ok {
		return ok, err
	}

	stale, err := s.hasher.NeedsRehash(identity.PasswordHash)
	if err != nil || !stale {
		return true, nil
	}
	hash, err := s.hasher.Hash(plaintext)
	if err == nil {
		err = s.UpdatePasswordHash(ctx, identity.ID, hash)
	}
	if err != nil {
		s.logger.Warn("password rehash failed", zap.String("identity_id", identity.ID), zap.Error(err))
	}
	return true, nil
}

/* ====================== WRITES ====================== */

func (s *Store) UpdatePasswordHash(ctx context.Context, identityID, newHash string) error {
	const q = `UPDATE identities SET password_hash = $2, updated_at = now() WHERE id::text = $1`
	return s.exec(ctx, q, identityID, newHash)
}

func (s *Store) UpdateStatus(ctx context.Context, identityID string, status authgate.IdentityStatus) error {
	const q = `UPDATE identities SET status = $2, updated_at = now() WHERE id::text = $1`
	return s.exec(ctx, q, identityID, string(status))
}

func (s *Store) SetTwoFactorEnabled(ctx context.Context, identityID string, enabled bool) error {
	const q = `UPDATE identities SET two_factor_enabled = $2, updated_at = now() WHERE id::text = $1`
	return s.exec(ctx, q, identityID, enabled)
}

func (s *Store) exec(ctx context.Context, q string, args ...any) error {
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return authgate.ErrIdentityNotFound
	}
	return nil
}

// Create inserts an identity with an already hashed password.
func (s *Store) Create(ctx context.Context, email, passwordHash string, status authgate.IdentityStatus, role string) (*authgate.Identity, error) {
	if role == "" {
		role = "member"
	}
	const q = `INSERT INTO identities (email, password_hash, status, role)
VALUES ($1, $2, $3, $4)
RETURNING ` + identityColumns
	ident, err := scanIdentity(s.db.QueryRow(ctx, q, strings.ToLower(strings.TrimSpace(email)), passwordHash, string(status), role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return ident, nil
}

var (
	_ authgate.CredentialStore      = (*Store)(nil)
	_ authgate.TwoFactorFlagUpdater = (*Store)(nil)
)
