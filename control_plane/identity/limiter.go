package identity

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter defines the interface for per-key rate limiting.
type RateLimiter interface {
	Allow(key string) bool
	// RetryAfter is how long key must wait before a call is accepted.
	RetryAfter(key string) time.Duration
	// Forget drops the state for a key.
	Forget(key string)
}

var _ RateLimiter = (*TokenLimiter)(nil)

// TokenLimiter enforces a minimum interval between accepted calls per agent
// token. Each key gets a single-token bucket refilled once per interval, so a
// rejected call does not move the window.
//
// State lives in process memory only. It resets on restart and is not shared
// between coordinator instances.
type TokenLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
}

// NewTokenLimiter creates a limiter. A non-positive interval disables it.
func NewTokenLimiter(interval time.Duration) *TokenLimiter {
	return &TokenLimiter{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
		now:      time.Now,
	}
}

func (l *TokenLimiter) limiterLocked(key string) *rate.Limiter {
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(l.interval), 1)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow checks if the key is allowed to proceed now.
func (l *TokenLimiter) Allow(key string) bool {
	return l.AllowAt(key, l.now())
}

// AllowAt is Allow evaluated at t.
func (l *TokenLimiter) AllowAt(key string, t time.Time) bool {
	if l.interval <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.limiterLocked(key).AllowN(t, 1)
}

// RetryAfter returns how long key must wait before its next call is accepted.
func (l *TokenLimiter) RetryAfter(key string) time.Duration {
	if l.interval <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r := l.limiterLocked(key).ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now) // only checking
	return delay
}

// Forget drops the state for a key, used when a token is rotated away.
func (l *TokenLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Len returns the number of tracked keys.
func (l *TokenLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
