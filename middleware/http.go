package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/authgate"
)

type requestContextKey struct{}

// FromContext returns the RequestContext stored by Handler.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*authgate.Principal, bool) {
	rc, ok := FromContext(ctx)
	if !ok || rc.Principal == nil {
		return nil, false
	}
	return rc.Principal, true
}

// Options controls how Handler reads requests.
type Options struct {
	// TrustForwardedFor takes the client IP from the first X-Forwarded-For entry.
	// Enable only behind a proxy that sets the header.
	TrustForwardedFor bool
}

// Handler runs stages for every request and stores the resulting RequestContext
// in the request context. The engine context keys (client IP, user agent and,
// once authenticated, session id) are set as well, so handlers can call Engine
// methods with r.Context() directly.
func Handler(opts Options, stages ...Stage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := requestContextFrom(r, opts)
			rc, err := Run(r.Context(), rc, stages...)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(engineContext(r.Context(), rc), requestContextKey{}, rc)
			if rc.Principal != nil {
				ctx = authgate.WithSessionID(ctx, rc.Principal.SessionID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestContextFrom(r *http.Request, opts Options) RequestContext {
	token, _ := bearerToken(r.Header.Get("Authorization"))
	return RequestContext{
		Token:     token,
		ClientIP:  clientIP(r, opts.TrustForwardedFor),
		UserAgent: r.UserAgent(),
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}
	return token, true
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StatusCode maps an authgate error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, authgate.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, authgate.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, authgate.ErrDependencyTimeout),
		errors.Is(err, authgate.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, authgate.ErrMFARequired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMissingToken),
		errors.Is(err, authgate.ErrInvalidCredentials),
		errors.Is(err, authgate.ErrInvalidToken),
		errors.Is(err, authgate.ErrExpiredToken),
		errors.Is(err, authgate.ErrSessionNotFound),
		errors.Is(err, authgate.ErrAccountNotActive):
		return http.StatusUnauthorized
	case errors.Is(err, authgate.ErrPasswordPolicy),
		errors.Is(err, authgate.ErrInvalidMFACode),
		errors.Is(err, authgate.ErrTwoFactorNotPending),
		errors.Is(err, authgate.ErrTwoFactorAlreadyEnabled),
		errors.Is(err, authgate.ErrTwoFactorNotEnabled):
		return http.StatusBadRequest
	case errors.Is(err, authgate.ErrEmailVerificationDisabled):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// WriteError answers with the status for err. Expired tokens are told apart so
// clients know to refresh; rate limits carry Retry-After.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusCode(err)

	var rl *authgate.RateLimitError
	if errors.As(err, &rl) {
		secs := int(rl.RetryAfter().Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer`)
	}

	msg := http.StatusText(status)
	switch {
	case errors.Is(err, authgate.ErrExpiredToken):
		msg = "token expired"
	case errors.Is(err, authgate.ErrMFARequired):
		msg = "second factor required"
	}
	http.Error(w, msg, status)
}
