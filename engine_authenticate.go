package authgate

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/token"
	"go.uber.org/zap"
)

// Authenticate is the gate for protected requests. It verifies the access token,
// requires an active session bound to it and an active identity, records
// activity on the session best-effort and returns the caller's Principal.
//
// Expired tokens return [ErrExpiredToken] so the caller can refresh; malformed or
// forged tokens return [ErrInvalidToken]; revoked sessions return
// [ErrSessionNotFound]. A session of an identity that is no longer active is
// deactivated and [ErrAccountNotActive] is returned.
func (e *Engine) Authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricAuthenticateLatency, time.Since(start)) }()
	}

	p, err := e.authenticate(ctx, accessToken)
	if err != nil {
		e.metricInc(MetricAuthenticateFailure)
		return nil, err
	}
	e.metricInc(MetricAuthenticateSuccess)
	return p, nil
}

func (e *Engine) authenticate(ctx context.Context, accessToken string) (*Principal, error) {
	res := e.codec.Verify(accessToken, token.TypeAccess)
	switch res.Status {
	case token.StatusValid:
	case token.StatusExpired:
		return nil, ErrExpiredToken
	default:
		return nil, ErrInvalidToken
	}

	sess, err := e.findSession(ctx, accessToken)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.IdentityID != res.Claims.SubjectID {
		return nil, ErrInvalidToken
	}

	ident, err := e.findByID(ctx, sess.IdentityID)
	if err != nil && !errors.Is(err, ErrIdentityNotFound) {
		return nil, err
	}
	if ident == nil || ident.Status != StatusActive {
		if err := e.deactivateSession(ctx, sess, reasonAccountNotActive); err != nil {
			return nil, err
		}
		return nil, ErrAccountNotActive
	}

	// Activity tracking never fails the request.
	if err := e.call(ctx, func(c context.Context) error { return e.sessions.Touch(c, sess) }); err != nil {
		e.logger.Warn("session touch failed", zap.String("session_id", sess.ID), zap.Error(err))
	}

	return &Principal{
		IdentityID: ident.ID,
		Email:      ident.Email,
		Role:       ident.Role,
		SessionID:  sess.ID,
	}, nil
}
