// Package password hashes and verifies passwords with Argon2id.
//
// Hashes are PHC strings carrying their own salt and cost parameters:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// so a stored hash stays verifiable after the configured cost changes, and
// [Hasher.NeedsRehash] reports when it should be upgraded.
//
// The package enforces byte-length bounds only. Richer password rules belong to the
// caller.
package password
