package middleware

import (
	"context"
	"errors"

	"github.com/MrEthical07/authgate"
)

// ErrMissingToken is returned by Authenticate when the request carries no bearer
// token.
var ErrMissingToken = errors.New("missing bearer token")

// Authenticator is the part of *authgate.Engine the stages need.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*authgate.Principal, error)
}

// RequestContext is the per-request state threaded through a pipeline. Stages
// receive it by value and return the next value; they never mutate the input.
type RequestContext struct {
	Token     string
	ClientIP  string
	UserAgent string

	// Principal is nil until an authenticating stage succeeds.
	Principal *authgate.Principal
}

// Authenticated reports whether a stage attached a principal.
func (rc RequestContext) Authenticated() bool { return rc.Principal != nil }

func (rc RequestContext) withPrincipal(p *authgate.Principal) RequestContext {
	if p != nil {
		cp := *p
		p = &cp
	}
	rc.Principal = p
	return rc
}

// Stage is one admission step. A non-nil error stops the pipeline.
type Stage func(ctx context.Context, rc RequestContext) (RequestContext, error)

// Run applies stages in order and returns the final RequestContext.
func Run(ctx context.Context, rc RequestContext, stages ...Stage) (RequestContext, error) {
	for _, stage := range stages {
		next, err := stage(ctx, rc)
		if err != nil {
			return rc, err
		}
		rc = next
	}
	return rc, nil
}

// Authenticate requires a valid access token backed by an active session.
func Authenticate(a Authenticator) Stage {
	return func(ctx context.Context, rc RequestContext) (RequestContext, error) {
		if rc.Token == "" {
			return rc, ErrMissingToken
		}
		p, err := a.Authenticate(engineContext(ctx, rc), rc.Token)
		if err != nil {
			return rc, err
		}
		return rc.withPrincipal(p), nil
	}
}

// Optional attaches a principal when the token is valid and lets the request
// through unauthenticated otherwise. Backend failures still stop the pipeline.
func Optional(a Authenticator) Stage {
	return func(ctx context.Context, rc RequestContext) (RequestContext, error) {
		if rc.Token == "" {
			return rc, nil
		}
		p, err := a.Authenticate(engineContext(ctx, rc), rc.Token)
		switch {
		case err == nil:
			return rc.withPrincipal(p), nil
		case errors.Is(err, authgate.ErrDependencyTimeout),
			errors.Is(err, authgate.ErrDependencyUnavailable),
			errors.Is(err, context.Canceled):
			return rc, err
		}
		return rc.withPrincipal(nil), nil
	}
}

// RequireRole admits principals whose role is one of roles. It must follow an
// authenticating stage.
func RequireRole(roles ...string) Stage {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(_ context.Context, rc RequestContext) (RequestContext, error) {
		if rc.Principal == nil {
			return rc, ErrMissingToken
		}
		if _, ok := allowed[rc.Principal.Role]; !ok {
			return rc, authgate.ErrPermissionDenied
		}
		return rc, nil
	}
}

func engineContext(ctx context.Context, rc RequestContext) context.Context {
	if rc.ClientIP != "" {
		ctx = authgate.WithClientIP(ctx, rc.ClientIP)
	}
	if rc.UserAgent != "" {
		ctx = authgate.WithUserAgent(ctx, rc.UserAgent)
	}
	return ctx
}
