package ports

import (
	"context"
	"time"
)

// RateLimiter is a fixed-window counter keyed by caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// CycleLock keeps two scheduler instances from running an evaluation cycle at once.
type CycleLock interface {
	// Acquire returns acquired=false when another holder owns key. The release
	// function is only valid when acquired is true.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}
