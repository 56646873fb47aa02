package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultRequestsPerMinute = 60
	DefaultMaxConcurrent     = 10
)

// ClientRateLimiter bounds one client's request rate and concurrency.
type ClientRateLimiter struct {
	limiter *rate.Limiter

	mu            sync.Mutex
	maxConcurrent int
	concurrent    int
	admitted      int64
}

// NewClientRateLimiter creates a limiter. Non-positive values use defaults.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire admits a request. release must be called when it completes. When
// the request is refused, code and reason describe why.
func (r *ClientRateLimiter) Acquire() (release func(), code int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent >= r.maxConcurrent {
		return nil, TooManyConcurrent, "too many concurrent requests"
	}
	if !r.limiter.Allow() {
		return nil, RateLimitExceeded, "rate limit exceeded"
	}

	r.concurrent++
	r.admitted++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.concurrent--
			r.mu.Unlock()
		})
	}, 0, ""
}

// GetStats returns admitted and in-flight request counts.
func (r *ClientRateLimiter) GetStats() (admitted int64, concurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitted, r.concurrent
}
