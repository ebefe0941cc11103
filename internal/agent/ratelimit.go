package agent

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket. Buckets start full so bursts up to the
// capacity go through untouched; sustained load drains to the refill rate.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	perSecond  float64
	lastRefill time.Time
}

// NewLimiter creates a bucket with the given capacity and refill rate in
// tokens per second.
func NewLimiter(capacity, perSecond float64) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Limiter{
		tokens:     capacity,
		capacity:   capacity,
		perSecond:  perSecond,
		lastRefill: time.Now(),
	}
}

func (l *Limiter) refillLocked() {
	now := time.Now()
	l.tokens += now.Sub(l.lastRefill).Seconds() * l.perSecond
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.lastRefill = now
}

// TryAcquire takes a token if one is available.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Acquire blocks until a token is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if l.TryAcquire() {
			return nil
		}
		l.mu.Lock()
		wait := time.Duration(float64(time.Second) / l.perSecond)
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Available reports the current token count.
func (l *Limiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// RateLimits holds one limiter per agent kind, created on first use. CLI
// agents burn through provider quotas quickly when the workflow loops, so
// invocations per kind are spaced out.
type RateLimits struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// Per-kind bucket shapes. Unknown kinds get the claude shape.
var defaultBuckets = map[string]struct{ capacity, perSecond float64 }{
	"claude": {5, 0.5},
	"cursor": {5, 0.5},
	"gemini": {10, 1},
}

// NewRateLimits creates an empty per-kind limiter set.
func NewRateLimits() *RateLimits {
	return &RateLimits{limiters: make(map[string]*Limiter)}
}

// Get returns the limiter for an agent kind, creating it on first use.
func (rl *RateLimits) Get(kind string) *Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limiters[kind]; ok {
		return l
	}
	shape, ok := defaultBuckets[kind]
	if !ok {
		shape = defaultBuckets["claude"]
	}
	l := NewLimiter(shape.capacity, shape.perSecond)
	rl.limiters[kind] = l
	return l
}
