package main

import (
	"sync"
	"time"
)

// rateLimiterIdle is how long an unused per-IP limiter is kept
const rateLimiterIdle = 5 * time.Minute

// RateLimiter implements a token bucket rate limiter
// Allows bursts up to maxTokens, refilling at refillRate tokens per second
type RateLimiter struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
	now        func() time.Time
}

// NewRateLimiter creates a limiter allowing burst requests at once and
// refilling at perSecond. A non-positive rate never limits.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow checks if an action is allowed under the rate limit
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.refillRate <= 0 {
		return true
	}

	now := rl.now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

func (rl *RateLimiter) idleSince(now time.Time) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return now.Sub(rl.lastRefill)
}

// IPRateLimiter keeps one token bucket per client IP. It guards the
// websocket feed and the JSON API.
type IPRateLimiter struct {
	limiters  map[string]*RateLimiter
	perSecond float64
	burst     int
	mu        sync.Mutex
	now       func() time.Time
}

// NewIPRateLimiter creates a per-IP limiter. A non-positive rate disables it.
func NewIPRateLimiter(perSecond float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters:  make(map[string]*RateLimiter),
		perSecond: perSecond,
		burst:     burst,
		now:       time.Now,
	}
}

// Allow checks if a request from ip is allowed
func (l *IPRateLimiter) Allow(ip string) bool {
	if l.perSecond <= 0 {
		return true
	}

	l.mu.Lock()
	limiter, exists := l.limiters[ip]
	if !exists {
		limiter = NewRateLimiter(l.perSecond, l.burst)
		limiter.now = l.now
		limiter.lastRefill = l.now()
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Cleanup removes limiters for IPs that haven't been used recently
func (l *IPRateLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for ip, limiter := range l.limiters {
		if limiter.idleSince(now) > rateLimiterIdle {
			delete(l.limiters, ip)
		}
	}
}

// Len returns the number of tracked IPs
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
