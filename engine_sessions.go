package authgate

import (
	"context"
	"errors"
	"strconv"

	"github.com/MrEthical07/authgate/session"
)

// ListSessions returns the identity's active sessions, newest first. The session
// attached to ctx with [WithSessionID] is flagged Current.
func (e *Engine) ListSessions(ctx context.Context, identityID string) ([]SessionSummary, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	var list []*session.Session
	err := e.read(ctx, func(c context.Context) error {
		var err error
		list, err = e.sessions.ListActive(c, identityID)
		return err
	})
	if err != nil {
		return nil, err
	}

	current := sessionIDFromContext(ctx)
	out := make([]SessionSummary, 0, len(list))
	for _, s := range list {
		out = append(out, SessionSummary{
			ID:             s.ID,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
			IP:             s.IP,
			UserAgent:      s.UserAgent,
			Current:        s.ID == current,
		})
	}
	return out, nil
}

// RevokeSession deactivates one session of identityID. A session owned by another
// identity is reported as [ErrSessionNotFound]. Revoking an already inactive
// session succeeds.
func (e *Engine) RevokeSession(ctx context.Context, identityID, sessionID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	var sess *session.Session
	err := e.read(ctx, func(c context.Context) error {
		var err error
		sess, err = e.sessions.Get(c, sessionID)
		return err
	})
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if sess.IdentityID != identityID {
		return ErrSessionNotFound
	}
	return e.deactivateSession(ctx, sess, reasonUserRevoked)
}

// RevokeAllSessions deactivates every session of identityID and returns how many
// were still live.
func (e *Engine) RevokeAllSessions(ctx context.Context, identityID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := e.revokeAll(ctx, identityID, reasonRevokeAll)
	if err != nil {
		return 0, err
	}
	e.metricInc(MetricLogoutAll)
	return n, nil
}

func (e *Engine) revokeAll(ctx context.Context, identityID, reason string) (int, error) {
	var n int
	err := e.call(ctx, func(c context.Context) error {
		var err error
		n, err = e.sessions.RevokeAll(c, identityID)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.emitAudit(ctx, auditSessionRevoked, identityID, "", true, reason, map[string]string{
		"count": strconv.Itoa(n),
	})
	return n, nil
}
