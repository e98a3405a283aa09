// Package middleware is the request-side gate in front of authgate.Engine.
//
// Admission is a pipeline of [Stage] functions over an immutable
// [RequestContext]: [Authenticate] requires a valid access token and active
// session, [Optional] attaches a principal when one is present, and
// [RequireRole] checks the principal's role. [Handler] adapts a pipeline to
// net/http and maps authgate errors to status codes.
//
// # What this package must NOT do
//
//   - Parse or verify tokens itself (delegates to Engine.Authenticate).
//   - Access Redis.
//   - Log or echo tokens.
package middleware
