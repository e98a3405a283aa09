// Package stores provides Redis-backed, short-lived record stores for
// security-sensitive authentication flows: password reset tokens, email
// verification tokens and emailed login codes.
//
// # Design
//
// Records are keyed by the SHA-256 of the secret they protect, never by the secret
// itself. Consumption runs as one Lua script so a record is used at most once even
// under concurrent presentation. Issuing a new token for an identity invalidates the
// previous one of the same purpose.
//
// # Architecture boundaries
//
// This package owns persistence and single-use semantics. It does NOT send
// notifications, enforce rate limits or make authentication decisions.
//
// # What this package must NOT do
//
//   - Import authgate.
//   - Log or persist plaintext secrets.
package stores
