// Package rate provides the fixed-window rate limiters guarding sensitive
// authentication operations.
//
// # Window semantics
//
// Each (action, client key) pair owns an independent bucket. The first hit opens a
// window; once the window elapses the next hit starts a fresh one. A caller allowed
// at the tail of one window may be allowed again immediately at the head of the
// next, so up to twice the limit can pass across a window boundary.
//
// Key layout for the Redis backend:
//   - arl:<action>:<client key>
//
// # What this package must NOT do
//
//   - Decide which client key or action class applies (the Engine does that).
//   - Be imported outside the authgate module.
package rate
