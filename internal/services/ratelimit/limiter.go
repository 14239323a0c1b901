// -----------------------------------------------------------------------
// Rate Limiter - Per-key token buckets guarding the /mcp query surface
// -----------------------------------------------------------------------

package ratelimit

import (
	"math"
	"sync"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one admission check, carrying everything
// the boundary needs to emit X-RateLimit-* headers and a retry hint.
type Decision struct {
	Allowed      bool
	Limit        int   // Requests per minute (header X-RateLimit-Limit)
	Remaining    int   // Whole tokens left (header X-RateLimit-Remaining)
	ResetSeconds int64 // Seconds until a token is available (header X-RateLimit-Reset)
	RetryAfterMs int64 // Suggested wait when denied, 0 when allowed
}

// Limiter keeps one token bucket per caller key. Bucket capacity is the
// configured burst (floor 1) so a burst smaller than the refill rate is
// still enforced; refill is perMinute/60 tokens per second.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	perMinute int
	burst     int
	refill    rate.Limit
	logger    arbor.ILogger
}

// NewLimiter builds a limiter from the configured per-minute rate and
// burst. Non-positive inputs fall back to 60/min and burst 1.
func NewLimiter(perMinute, burst int, logger arbor.ILogger) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets:   make(map[string]*rate.Limiter),
		perMinute: perMinute,
		burst:     burst,
		refill:    rate.Limit(float64(perMinute) / 60.0),
		logger:    logger,
	}
}

// Allow consumes one token for the key if available and reports the
// bucket state either way.
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.refill, l.burst)
		l.buckets[key] = bucket
	}

	allowed := bucket.Allow()
	tokens := bucket.Tokens()
	if tokens < 0 {
		tokens = 0
	}

	decision := Decision{
		Allowed:   allowed,
		Limit:     l.perMinute,
		Remaining: int(math.Floor(tokens)),
	}

	if tokens < 1 {
		waitSeconds := (1 - tokens) / float64(l.refill)
		decision.ResetSeconds = int64(math.Ceil(waitSeconds))
		if !allowed {
			decision.RetryAfterMs = int64(math.Ceil(waitSeconds * 1000))
		}
	}

	if !allowed {
		l.logger.Debug().
			Str("key", key).
			Int("limit", decision.Limit).
			Int64("retry_after_ms", decision.RetryAfterMs).
			Msg("Rate limit exceeded")
	}

	return decision
}

// Keys returns the number of tracked buckets.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
