// Package internal contains helper utilities that are intentionally private to
// authgate, chiefly secure random generation for opaque tokens and numeric codes.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - config: file and environment loading for the authgate binary
//   - logging: zap logger construction
//   - rate: fixed-window rate limiters (Redis and in-memory)
//   - secretbox: AES-GCM sealing for secrets at rest
//   - server: chi HTTP surface for the authgate binary
//   - stores: single-use token and code stores
//
// # What this package must NOT do
//
//   - Export types that appear in the public authgate API.
//   - Be imported by any package outside the authgate module.
package internal
