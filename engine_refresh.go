package authgate

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/token"
	"go.uber.org/zap"
)

// Refresh exchanges a refresh token for a new pair. With
// Session.RotateRefreshTokens the refresh token is replaced too and the old one
// becomes a tombstone: presenting it again revokes the whole session.
//
// An inactive or expired session returns [ErrSessionNotFound]. A session whose
// identity is missing or no longer active is deactivated and
// [ErrAccountNotActive] is returned.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	res := e.codec.Verify(refreshToken, token.TypeRefresh)
	switch res.Status {
	case token.StatusValid:
	case token.StatusExpired:
		return nil, e.refreshFailed(ctx, res.Claims.SubjectID, "", ErrExpiredToken)
	default:
		return nil, e.refreshFailed(ctx, "", "", ErrInvalidToken)
	}
	subject := res.Claims.SubjectID

	sess, err := e.findSession(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			e.detectRefreshReuse(ctx, refreshToken)
			return nil, e.refreshFailed(ctx, subject, "", ErrSessionNotFound)
		}
		return nil, err
	}
	if sess.IdentityID != subject {
		_ = e.deactivateSession(ctx, sess, reasonSubjectMismatch)
		return nil, e.refreshFailed(ctx, subject, sess.ID, ErrInvalidToken)
	}

	ident, err := e.findByID(ctx, sess.IdentityID)
	if err != nil && !errors.Is(err, ErrIdentityNotFound) {
		return nil, err
	}
	if ident == nil || ident.Status != StatusActive {
		if err := e.deactivateSession(ctx, sess, reasonAccountNotActive); err != nil {
			return nil, err
		}
		return nil, e.refreshFailed(ctx, subject, sess.ID, ErrAccountNotActive)
	}

	access, err := e.codec.Mint(subject, token.TypeAccess)
	if err != nil {
		return nil, err
	}
	nextRefresh, nextRefreshExp := refreshToken, res.Claims.ExpiresAt
	if e.config.Session.RotateRefreshTokens {
		minted, err := e.codec.Mint(subject, token.TypeRefresh)
		if err != nil {
			return nil, err
		}
		nextRefresh, nextRefreshExp = minted.Token, minted.Claims.ExpiresAt
	}

	var rotated *session.Session
	err = e.call(ctx, func(c context.Context) error {
		var err error
		rotated, err = e.sessions.Rotate(c, sess, session.RotateParams{
			PresentedRefresh: refreshToken,
			AccessToken:      access.Token,
			RefreshToken:     nextRefresh,
			ExpiresAt:        nextRefreshExp,
		})
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrRefreshHashMismatch):
		// A concurrent refresh with the same token won the swap.
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditRefreshFailed, subject, sess.ID, false, reasonRotationConflict, nil)
		return nil, ErrInvalidToken
	case errors.Is(err, session.ErrNotFound):
		return nil, e.refreshFailed(ctx, subject, sess.ID, ErrSessionNotFound)
	case errors.Is(err, session.ErrTokenCollision):
		return nil, ErrDependencyUnavailable
	default:
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditRefreshSuccess, subject, rotated.ID, true, "", nil)
	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     nextRefresh,
		AccessExpiresAt:  access.Claims.ExpiresAt,
		RefreshExpiresAt: nextRefreshExp,
	}, nil
}

func (e *Engine) refreshFailed(ctx context.Context, identityID, sessionID string, err error) error {
	e.metricInc(MetricRefreshFailure)
	e.emitAudit(ctx, auditRefreshFailed, identityID, sessionID, false, auditReason(err), nil)
	return err
}

// detectRefreshReuse revokes the session a rotated-away refresh token belonged
// to. It is best-effort: lookup failures are logged.
func (e *Engine) detectRefreshReuse(ctx context.Context, refreshToken string) {
	if !e.config.Session.RotateRefreshTokens {
		return
	}
	var (
		sid   string
		found bool
	)
	err := e.read(ctx, func(c context.Context) error {
		var err error
		sid, found, err = e.sessions.ReusedBy(c, refreshToken)
		return err
	})
	if err != nil {
		e.logger.Warn("refresh reuse lookup", zap.Error(err))
		return
	}
	if !found {
		return
	}

	var sess *session.Session
	err = e.read(ctx, func(c context.Context) error {
		var err error
		sess, err = e.sessions.Get(c, sid)
		return err
	})
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			e.logger.Warn("refresh reuse session load", zap.String("session_id", sid), zap.Error(err))
		}
		return
	}

	e.metricInc(MetricRefreshReuseDetected)
	e.emitAudit(ctx, auditRefreshReuseDetected, sess.IdentityID, sess.ID, false, reasonRefreshReuse, nil)
	if err := e.deactivateSession(ctx, sess, reasonRefreshReuse); err != nil {
		e.logger.Warn("revoke reused session", zap.String("session_id", sid), zap.Error(err))
	}
}
