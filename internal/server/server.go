// Package server is the HTTP surface of the authgate binary. Routes map one to
// one onto Engine operations; all policy lives in the Engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const refreshCookie = "refresh_token"

// Options configures New.
type Options struct {
	TrustForwardedFor bool
	// Metrics, when set, is mounted at MetricsPath.
	Metrics     http.Handler
	MetricsPath string
	// Health reports backend readiness for /readyz.
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

type handler struct {
	engine *authgate.Engine
	logger *zap.Logger
}

// New returns the router for engine.
func New(engine *authgate.Engine, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			if err := opts.Health(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if opts.Metrics != nil && opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, opts.Metrics)
	}

	mw := middleware.Options{TrustForwardedFor: opts.TrustForwardedFor}

	// Public routes still get client IP and user agent on the context.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Handler(mw))
		r.Post("/auth/login", h.login)
		r.Post("/auth/refresh", h.refresh)
		r.Post("/auth/logout", h.logout)
		r.Post("/auth/password/forgot", h.forgotPassword)
		r.Post("/auth/password/reset", h.resetPassword)
		r.Post("/auth/email/verification", h.requestVerification)
		r.Post("/auth/email/verify", h.verifyEmail)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Handler(mw, middleware.Authenticate(engine)))
		r.Get("/me", h.me)
		r.Get("/me/sessions", h.listSessions)
		r.Delete("/me/sessions", h.revokeAllSessions)
		r.Delete("/me/sessions/{sessionID}", h.revokeSession)
		r.Post("/me/2fa/setup", h.setupTwoFactor)
		r.Post("/me/2fa/confirm", h.confirmTwoFactor)
		r.Delete("/me/2fa", h.disableTwoFactor)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Handler(mw, middleware.Authenticate(engine), middleware.RequireRole("admin")))
		r.Get("/admin/identities/{identityID}/sessions", h.adminListSessions)
		r.Delete("/admin/identities/{identityID}/sessions", h.adminRevokeAll)
	})

	return r
}

/*
====================================
PUBLIC ROUTES
====================================
*/

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Code     string `json:"code"`
	}
	if !decode(w, r, &body) {
		return
	}

	pair, err := h.engine.Login(r.Context(), body.Email, body.Password, body.Code)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.setRefreshCookie(w, r, pair)
	writeJSON(w, http.StatusOK, pair)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	token := ""
	if c, err := r.Cookie(refreshCookie); err == nil {
		token = c.Value
	}
	if token == "" {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if !decode(w, r, &body) {
			return
		}
		token = body.RefreshToken
	}
	if token == "" {
		http.Error(w, "missing refresh token", http.StatusUnauthorized)
		return
	}

	pair, err := h.engine.Refresh(r.Context(), token)
	if err != nil {
		clearRefreshCookie(w, r)
		middleware.WriteError(w, err)
		return
	}
	h.setRefreshCookie(w, r, pair)
	writeJSON(w, http.StatusOK, pair)
}

// logout takes the raw bearer token so an expired access token can still end
// its session.
func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	rc, _ := middleware.FromContext(r.Context())
	if rc.Token == "" {
		middleware.WriteError(w, middleware.ErrMissingToken)
		return
	}
	if err := h.engine.Logout(r.Context(), rc.Token); err != nil {
		middleware.WriteError(w, err)
		return
	}
	clearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := h.engine.RequestPasswordReset(r.Context(), body.Email); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := h.engine.CompletePasswordReset(r.Context(), body.Token, body.Password); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) requestVerification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := h.engine.RequestEmailVerification(r.Context(), body.Email); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := h.engine.ConfirmEmail(r.Context(), body.Token); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
AUTHENTICATED ROUTES
====================================
*/

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":         p.IdentityID,
		"email":      p.Email,
		"role":       p.Role,
		"session_id": p.SessionID,
	})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	h.writeSessions(w, r, p.IdentityID)
}

func (h *handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	if err := h.engine.RevokeSession(r.Context(), p.IdentityID, chi.URLParam(r, "sessionID")); err != nil {
		if errors.Is(err, authgate.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) revokeAllSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	h.revokeAll(w, r, p.IdentityID)
}

func (h *handler) setupTwoFactor(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	setup, err := h.engine.SetupTwoFactor(r.Context(), p.IdentityID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (h *handler) confirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	var body struct {
		Code string `json:"code"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := h.engine.ConfirmTwoFactor(r.Context(), p.IdentityID, body.Code); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// disableTwoFactor re-authenticates with the current password and code; a
// bearer token alone is not enough.
func (h *handler) disableTwoFactor(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	var body struct {
		Password string `json:"password"`
		Code     string `json:"code"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := h.engine.DisableTwoFactorWithProof(r.Context(), p.IdentityID, body.Password, body.Code); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) adminListSessions(w http.ResponseWriter, r *http.Request) {
	h.writeSessions(w, r, chi.URLParam(r, "identityID"))
}

func (h *handler) adminRevokeAll(w http.ResponseWriter, r *http.Request) {
	h.revokeAll(w, r, chi.URLParam(r, "identityID"))
}

func (h *handler) writeSessions(w http.ResponseWriter, r *http.Request, identityID string) {
	sessions, err := h.engine.ListSessions(r.Context(), identityID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *handler) revokeAll(w http.ResponseWriter, r *http.Request, identityID string) {
	n, err := h.engine.RevokeAllSessions(r.Context(), identityID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

/*
====================================
HELPERS
====================================
*/

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) setRefreshCookie(w http.ResponseWriter, r *http.Request, pair *authgate.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    pair.RefreshToken,
		Path:     "/auth",
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearRefreshCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}
