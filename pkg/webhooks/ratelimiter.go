package webhooks

import (
	"sync"
	"time"
)

// RateLimiter implements token bucket rate limiting per endpoint
type RateLimiter struct {
	buckets      map[string]*TokenBucket
	mutex        sync.Mutex
	maxTokens    int
	refillPeriod time.Duration
	now          func() time.Time
}

// TokenBucket holds up to maxTokens tokens and regains one per refillPeriod
type TokenBucket struct {
	tokens       int
	maxTokens    int
	refillPeriod time.Duration
	lastRefill   time.Time
	mutex        sync.Mutex
}

// NewRateLimiter allows a burst of maxRequests, then one request per period
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets:      make(map[string]*TokenBucket),
		maxTokens:    maxRequests,
		refillPeriod: period,
		now:          time.Now,
	}
}

func (rl *RateLimiter) bucket(id string) *TokenBucket {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	bucket, exists := rl.buckets[id]
	if !exists {
		bucket = &TokenBucket{
			tokens:       rl.maxTokens,
			maxTokens:    rl.maxTokens,
			refillPeriod: rl.refillPeriod,
			lastRefill:   rl.now(),
		}
		rl.buckets[id] = bucket
	}
	return bucket
}

// Allow checks if a request is allowed for the given endpoint
func (rl *RateLimiter) Allow(id string) bool {
	return rl.bucket(id).take(rl.now())
}

// Remaining returns the tokens left for an endpoint
func (rl *RateLimiter) Remaining(id string) int {
	b := rl.bucket(id)
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.refill(rl.now())
	return b.tokens
}

// Reset forgets an endpoint's bucket
func (rl *RateLimiter) Reset(id string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.buckets, id)
}

func (tb *TokenBucket) take(now time.Time) bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	tb.refill(now)
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// refill adds the tokens earned since lastRefill. Callers hold tb.mutex.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill)
	if elapsed < tb.refillPeriod {
		return
	}
	periods := int(elapsed / tb.refillPeriod)
	tb.tokens = min(tb.tokens+periods, tb.maxTokens)
	tb.lastRefill = tb.lastRefill.Add(time.Duration(periods) * tb.refillPeriod)
}
