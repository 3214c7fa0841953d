package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/accuscene/corefabric/pkg/errors"
)

// RateLimitConfig governs a token bucket's capacity and refill rate.
type RateLimitConfig struct {
	MaxTokens      uint32
	RefillRate     uint32
	RefillInterval time.Duration
}

// PerSecond returns a config allowing `requests` operations per second.
func PerSecond(requests uint32) RateLimitConfig {
	return RateLimitConfig{MaxTokens: requests, RefillRate: requests, RefillInterval: time.Second}
}

// PerMinute returns a config allowing `requests` operations per minute.
func PerMinute(requests uint32) RateLimitConfig {
	return RateLimitConfig{MaxTokens: requests, RefillRate: requests, RefillInterval: time.Minute}
}

// RateLimiter is a token bucket limiter. Tokens are refilled lazily based
// on elapsed wall-clock time at each acquire attempt, never by a
// background task, per §4.6.
type RateLimiter struct {
	config RateLimitConfig

	mu         sync.Mutex
	tokens     uint32
	lastRefill time.Time
}

// NewRateLimiter builds a limiter starting at full capacity.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:     config,
		tokens:     config.MaxTokens,
		lastRefill: time.Now(),
	}
}

func (r *RateLimiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	if elapsed < r.config.RefillInterval {
		return
	}
	periods := uint32(elapsed / r.config.RefillInterval)
	added := periods * r.config.RefillRate
	r.tokens += added
	if r.tokens > r.config.MaxTokens {
		r.tokens = r.config.MaxTokens
	}
	r.lastRefill = r.lastRefill.Add(time.Duration(periods) * r.config.RefillInterval)
}

// TryAcquire attempts to take one token without blocking.
func (r *RateLimiter) TryAcquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked()

	if r.tokens == 0 {
		return errors.NewError(errors.ErrCodeRateLimitExceeded, "rate limit exceeded").
			WithComponent("jobs").WithDetail("max_tokens", r.config.MaxTokens)
	}
	r.tokens--
	return nil
}

// Acquire blocks, polling with a short sleep, until a token is available or
// ctx is cancelled.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		if err := r.TryAcquire(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.NewError(errors.ErrCodeCancelled, "rate limiter acquire cancelled").WithComponent("jobs")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// AvailableTokens reports the current token count after a lazy refill.
func (r *RateLimiter) AvailableTokens() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked()
	return r.tokens
}

// SlidingWindowLimiter admits a request iff fewer than MaxRequests fall
// within the trailing Window, tracked via a bounded deque of timestamps.
type SlidingWindowLimiter struct {
	maxRequests uint32
	window      time.Duration

	mu       sync.Mutex
	requests []time.Time
}

// NewSlidingWindowLimiter builds a limiter admitting maxRequests per window.
func NewSlidingWindowLimiter(maxRequests uint32, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{maxRequests: maxRequests, window: window}
}

func (s *SlidingWindowLimiter) evictExpiredLocked(now time.Time) {
	cut := 0
	for cut < len(s.requests) && now.Sub(s.requests[cut]) > s.window {
		cut++
	}
	if cut > 0 {
		s.requests = s.requests[cut:]
	}
}

// TryAcquire admits the request if the window is not yet full.
func (s *SlidingWindowLimiter) TryAcquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.evictExpiredLocked(now)

	if uint32(len(s.requests)) >= s.maxRequests {
		return errors.NewError(errors.ErrCodeRateLimitExceeded, "rate limit exceeded").
			WithComponent("jobs").WithDetail("max_requests", s.maxRequests)
	}
	s.requests = append(s.requests, now)
	return nil
}

// CurrentCount returns the number of requests within the current window.
func (s *SlidingWindowLimiter) CurrentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(time.Now())
	return len(s.requests)
}
