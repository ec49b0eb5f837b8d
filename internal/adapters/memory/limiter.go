package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per key, refilled at limit per window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: map[string]*rate.Limiter{}}
}

func (l *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[key]
	every := rate.Every(window / time.Duration(limit))
	if !ok || lim.Burst() != limit || lim.Limit() != every {
		lim = rate.NewLimiter(every, limit)
		l.buckets[key] = lim
	}
	return lim.Allow(), nil
}

// CycleLock is a process-local lease table.
type CycleLock struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	owner string
	until time.Time
}

func NewCycleLock() *CycleLock {
	return &CycleLock{leases: map[string]lease{}, now: time.Now}
}

func (c *CycleLock) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if held, ok := c.leases[key]; ok && now.Before(held.until) {
		return nil, false, nil
	}
	owner := uuid.NewString()
	c.leases[key] = lease{owner: owner, until: now.Add(ttl)}
	release := func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if held, ok := c.leases[key]; ok && held.owner == owner {
			delete(c.leases, key)
		}
		return nil
	}
	return release, true, nil
}
