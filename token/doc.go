// Package token mints and verifies the bearer tokens issued by authgate: short-lived
// access tokens and long-lived refresh tokens, each signed with its own HS256 secret.
//
// # Verification result
//
// [Codec.Verify] never panics and never returns a bare error. It returns a [Result]
// whose [Status] tells the caller which remediation applies: an expired token should
// be refreshed, a malformed or tampered token forces a new login.
//
// # Architecture boundaries
//
// This package owns token encoding, signing and claim validation. It does not know
// about sessions, revocation or identities; revocation is achieved by deactivating
// the session that holds the token hash.
//
// # What this package must NOT do
//
//   - Perform I/O or read the wall clock directly (the clock is injected).
//   - Import authgate, session or any storage package.
//   - Log or return raw secrets.
package token
