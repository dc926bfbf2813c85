package kernel

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Default submit-limiter settings: generous enough that a single agent
// loop never trips it, tight enough to stop a runaway proposer.
const (
	DefaultPerSecond = 10.0
	DefaultBurst     = 20
)

// Limiter gates intent submission per principal. The kernel fails
// closed: a limiter error denies the submission rather than letting an
// outage disable backpressure.
type Limiter interface {
	Allow(ctx context.Context, principal string) (bool, error)
}

// RateLimiter is the in-process token bucket, one bucket per principal.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	perSecond rate.Limit
	burst     int
}

// NewRateLimiter creates a limiter refilling perSecond tokens with the
// given burst capacity. Non-positive arguments fall back to defaults.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = DefaultPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RateLimiter{
		buckets:   make(map[string]*rate.Limiter),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
	}
}

// Allow consumes one token from the principal's bucket.
func (l *RateLimiter) Allow(_ context.Context, principal string) (bool, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[principal]
	if !ok {
		bucket = rate.NewLimiter(l.perSecond, l.burst)
		l.buckets[principal] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow(), nil
}
