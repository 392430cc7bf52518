// ratelimit.go throttles CLOB requests to Polymarket's published limits.
//
// The venue meters per-category requests over 10-second windows. Buckets
// here refill continuously at a tenth of the window allowance so sustained
// load stays under the hard limit while short bursts pass through:
//
//   - Order:  350 burst, 50/s  (3500 per 10s window)
//   - Cancel: 300 burst, 30/s  (3000 per 10s window)
//   - Book:   150 burst, 15/s  (1500 per 10s window)
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilling token bucket. Wait blocks until
// a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64 // fractional tokens allowed
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a full bucket with the given burst capacity and
// refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait consumes one token, blocking for the refill when the bucket is
// empty.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups the buckets by endpoint category. Every request path
// waits on its bucket before hitting the network.
type RateLimiter struct {
	Order  *TokenBucket // POST /order
	Cancel *TokenBucket // DELETE /order, /cancel-all
	Book   *TokenBucket // unauthenticated reads
}

// NewRateLimiter creates buckets tuned to the venue's limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(350, 50),
		Cancel: NewTokenBucket(300, 30),
		Book:   NewTokenBucket(150, 15),
	}
}
