package rate

import "errors"

var (
	// ErrRedisUnavailable wraps backend failures of the Redis limiter.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrInvalidPolicy is returned for non-positive limits or windows.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
)
