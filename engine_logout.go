package authgate

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/token"
)

// Logout deactivates the session bound to accessToken. Logging out an already
// revoked or unknown session succeeds; only a structurally invalid or forged
// token is rejected. An expired but genuine access token still logs out.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}

	res := e.codec.Verify(accessToken, token.TypeAccess)
	if res.Status != token.StatusValid && res.Status != token.StatusExpired {
		return ErrInvalidToken
	}

	sess, err := e.findSession(ctx, accessToken)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.IdentityID != res.Claims.SubjectID {
		return ErrInvalidToken
	}

	if err := e.deactivateSession(ctx, sess, reasonLogout); err != nil {
		return err
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditLogout, sess.IdentityID, sess.ID, true, "", nil)
	return nil
}
