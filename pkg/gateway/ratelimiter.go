package gateway

import (
	"sync"
	"time"
)

// Rate limiter defaults per client.
const (
	DefaultRequestsPerMinute = 60
	DefaultMaxConcurrent     = 4
)

// Rejection reasons returned by Acquire.
const (
	ReasonTooManyConcurrent = "too many concurrent requests"
	ReasonRateLimited       = "rate limit exceeded"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	now                func() time.Time
}

// NewClientRateLimiter creates a new rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerMinute, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		requests:          make([]time.Time, 0),
		now:               time.Now,
	}
}

// Acquire admits one request if both limits allow it and records its
// start. Admitted requests must call Release.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return false, ReasonTooManyConcurrent
	}

	now := r.now()
	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return false, ReasonRateLimited
	}

	r.requests = append(r.requests, now)
	r.concurrentRequests++
	return true, ""
}

// Release records the end of an admitted request
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// GetStats returns current rate limiter statistics
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests), r.concurrentRequests
}

// prune drops requests older than the one-minute window.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			kept = append(kept, reqTime)
		}
	}
	r.requests = kept
}
