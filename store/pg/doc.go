// Package pg is a Postgres CredentialStore for authgate built on pgx.
//
// Identities live in one table (see [Schema]). Emails are matched
// case-insensitively; password hashes are argon2id PHC strings produced by
// password.Hasher and are upgraded on login when the cost parameters grow.
package pg
