// Package session provides the Redis-backed session registry: the single authority on
// whether a presented token still grants access.
//
// # Storage layout
//
// Each session is a Redis hash keyed by session ID. Two index keys map the SHA-256 of
// the current access and refresh tokens to the session ID, and a sorted set per
// identity orders sessions by creation time. Raw tokens are never written.
//
// Every state transition (create, deactivate, revoke-all, rotate, touch) runs as one
// Lua script so it is atomic with respect to concurrent callers.
//
// # Architecture boundaries
//
// This package owns the [Registry] and the [Session] model. It does NOT verify token
// signatures, evaluate identity status or enforce authentication policy; those belong
// to the Engine.
//
// # What this package must NOT do
//
//   - Import authgate or token (no upward imports).
//   - Store plaintext tokens in [Session] fields or Redis keys.
//   - Reactivate a session once it has been deactivated.
package session
