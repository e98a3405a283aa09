package authgate

import (
	"strings"
	"time"

	"github.com/MrEthical07/authgate/internal/audit"
	"github.com/MrEthical07/authgate/internal/rate"
	"github.com/MrEthical07/authgate/internal/stores"
	"github.com/MrEthical07/authgate/password"
	"github.com/MrEthical07/authgate/session"
	"github.com/MrEthical07/authgate/token"
	"github.com/MrEthical07/authgate/twofactor"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Engine orchestrates the login, refresh, logout, reset, verification and
// second-factor flows over the session registry, token codec, rate limiter and
// two-factor manager. Build it with [New]; it is safe for concurrent use.
type Engine struct {
	config      Config
	codec       *token.Codec
	sessions    *session.Registry
	limiter     rate.Limiter
	twoFactor   *twofactor.Manager
	tokens      *stores.TokenStore
	codes       *stores.CodeStore
	hasher      *password.Hasher
	credentials CredentialStore
	notifier    *notificationDispatcher
	audit       *audit.Dispatcher
	metrics     *Metrics
	logger      *zap.Logger
	now         func() time.Time

	// identities collapses concurrent identical credential-store reads.
	identities singleflight.Group
}

// Close flushes queued notifications and audit events. The Redis client and
// credential store stay open; they belong to the caller.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.notifier.Close()
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// PasswordHasher exposes the configured hasher so a CredentialStore can share
// parameters with the Engine.
func (e *Engine) PasswordHasher() *password.Hasher {
	if e == nil {
		return nil
	}
	return e.hasher
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.codec != nil && e.sessions != nil && e.credentials != nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// clientKey is the rate-limit bucket key: the client IP when known, otherwise the
// subject of the request.
func clientKey(ip, fallback string) string {
	if ip != "" {
		return "ip:" + ip
	}
	return "sub:" + fallback
}
