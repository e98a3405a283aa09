// Package authgate is an authentication gateway core: it issues and validates
// access and refresh tokens, manages Redis-backed login sessions, rate-limits
// sensitive operations and supports a TOTP second factor.
//
// Engine methods are safe to call from multiple goroutines after [Builder.Build].
//
// # Architecture boundaries
//
// authgate is the public surface. It exposes [Engine], [Builder], [Config] and value
// types ([TokenPair], [Principal], [SessionSummary]). Token encoding lives in token,
// session state in session, second-factor credentials in twofactor, and rate limiting,
// single-use tokens and audit dispatch under internal/.
//
// Accounts are not owned here. The host supplies a [CredentialStore] and a
// [NotificationSender]; the Engine only reads identities, writes password hashes and
// status, and hands tokens to the sender from a background worker.
//
// # Error contract
//
// Login collapses every authentication failure into [ErrInvalidCredentials].
// Structural token problems are distinct ([ErrInvalidToken], [ErrExpiredToken]) because
// the remedy differs. Rate limits return a [*RateLimitError] with a retry hint. Backend
// failures surface as [ErrDependencyTimeout] or [ErrDependencyUnavailable]; idempotent
// reads are retried once, writes never.
//
// # What this package must NOT do
//
//   - Store or log raw tokens, second-factor secrets or password hashes.
//   - Expose Redis clients, internal stores or encoding details in its public API.
//   - Format HTTP responses; see middleware for the request pipeline.
package authgate
