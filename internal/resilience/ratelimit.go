package resilience

import (
	"math"
	"sync"
	"time"
)

const bucketIdleTTL = time.Hour

// RateLimitConfig is the admission policy for one limiter.
type RateLimitConfig struct {
	MaxRequests int           // steady-state budget per Window
	Window      time.Duration // refill window
	BurstLimit  int           // short-term budget per BurstWindow
	BurstWindow time.Duration // sliding burst guard
}

// Admission is the outcome of one admit check.
type Admission struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter combines a token bucket (steady rate, capacity
// MaxRequests over Window) with a sliding-window burst guard
// (BurstLimit per BurstWindow) per caller key. Each key mutates under
// its own bucket lock; unrelated keys never contend.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimitConfig
	nowFn   func() time.Time
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	burst      []time.Time
	lastSeen   time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		nowFn:   time.Now,
	}
}

// SetConfig swaps the admission policy; existing buckets pick it up on
// their next refill.
func (l *RateLimiter) SetConfig(cfg RateLimitConfig) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *RateLimiter) config() RateLimitConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *RateLimiter) getBucket(key string, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.MaxRequests), lastRefill: now}
		l.buckets[key] = b
	}
	return b
}

// Admit checks whether one request from callerKey may proceed. Denials
// carry the wait until the next token (or burst slot) frees up.
func (l *RateLimiter) Admit(callerKey string) Admission {
	cfg := l.config()
	now := l.nowFn()
	b := l.getBucket(callerKey, now)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = now

	// Refill at the steady rate, clamped to capacity.
	rate := float64(cfg.MaxRequests) / cfg.Window.Seconds()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(float64(cfg.MaxRequests), b.tokens+elapsed*rate)
	b.lastRefill = now

	// Burst guard: drop timestamps that left the sliding window.
	cutoff := now.Add(-cfg.BurstWindow)
	kept := b.burst[:0]
	for _, ts := range b.burst {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.burst = kept

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
		return Admission{Allowed: false, RetryAfter: wait}
	}
	if len(b.burst) >= cfg.BurstLimit {
		wait := b.burst[0].Add(cfg.BurstWindow).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Admission{Allowed: false, RetryAfter: wait}
	}

	b.tokens--
	b.burst = append(b.burst, now)
	return Admission{Allowed: true}
}

// Cleanup drops buckets that have been idle longer than an hour.
func (l *RateLimiter) Cleanup() int {
	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen) > bucketIdleTTL
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Stats for /metrics.
type RateLimiterStats struct {
	ActiveBuckets int `json:"active_buckets"`
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
	BurstLimit    int `json:"burst_limit"`
}

func (l *RateLimiter) Stats() RateLimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return RateLimiterStats{
		ActiveBuckets: len(l.buckets),
		MaxRequests:   l.cfg.MaxRequests,
		WindowSeconds: int(l.cfg.Window.Seconds()),
		BurstLimit:    l.cfg.BurstLimit,
	}
}
