package gateway

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when a client exhausted its request budget
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManyConcurrent is returned when a client has too many requests in flight
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

// ClientRateLimiter combines a per-minute token bucket with a cap on in-flight requests
type ClientRateLimiter struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	maxConcurrent int
	concurrent    int
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// The bucket holds requestsPerMinute tokens and refills continuously.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(perMinute(requestsPerMinute), max(requestsPerMinute, 1)),
		maxConcurrent: maxConcurrent,
	}
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return 0
	}
	return rate.Every(time.Minute / time.Duration(n))
}

// Acquire takes a token and an in-flight slot. Each successful Acquire must be paired
// with Release.
func (r *ClientRateLimiter) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConcurrent > 0 && r.concurrent >= r.maxConcurrent {
		return ErrTooManyConcurrent
	}
	if !r.limiter.Allow() {
		return ErrRateLimited
	}
	r.concurrent++
	return nil
}

// Release frees an in-flight slot
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent > 0 {
		r.concurrent--
	}
}

// UpdateLimits replaces both limits; tokens already in the bucket are kept
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.limiter.SetLimit(perMinute(requestsPerMinute))
	r.limiter.SetBurst(max(requestsPerMinute, 1))
	r.maxConcurrent = maxConcurrent
}

// Stats returns the available tokens and the in-flight request count
func (r *ClientRateLimiter) Stats() (tokens float64, concurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.limiter.Tokens(), r.concurrent
}

// rateLimitCode maps a limiter error to its RPC error code
func rateLimitCode(err error) int {
	if errors.Is(err, ErrTooManyConcurrent) {
		return TooManyConcurrent
	}
	return RateLimitExceeded
}
