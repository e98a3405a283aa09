// Package twofactor manages time-based one-time password (RFC 6238) credentials:
// enrollment, confirmation, verification with replay protection, and removal.
//
// # State machine
//
//	unenrolled --BeginSetup--> pending --ConfirmSetup--> enabled
//	enabled --Disable--> unenrolled
//
// A failed confirmation leaves the pending secret in place. Verification accepts the
// current time step and one step on either side, and never accepts a step at or
// below the last one consumed.
//
// # Storage
//
// Credentials live in one Redis hash per identity. Secrets are sealed with
// AES-256-GCM when a sealing key is configured.
package twofactor
