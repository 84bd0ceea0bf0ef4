package resilience

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg RateLimitConfig) (*RateLimiter, *time.Time) {
	l := NewRateLimiter(cfg)
	now := time.Now()
	l.nowFn = func() time.Time { return now }
	return l, &now
}

func TestAdmitWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(RateLimitConfig{
		MaxRequests: 5, Window: time.Hour,
		BurstLimit: 5, BurstWindow: time.Minute,
	})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Admit("10.0.0.1").Allowed, "request %d", i+1)
	}
	denied := l.Admit("10.0.0.1")
	assert.False(t, denied.Allowed)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
}

func TestBurstGuardTriggersBeforeBudget(t *testing.T) {
	l, now := newTestLimiter(RateLimitConfig{
		MaxRequests: 100, Window: time.Hour,
		BurstLimit: 3, BurstWindow: time.Minute,
	})

	for i := 0; i < 3; i++ {
		require.True(t, l.Admit("caller").Allowed)
	}
	denied := l.Admit("caller")
	require.False(t, denied.Allowed, "tokens remain but the burst window is full")
	assert.Equal(t, time.Minute, denied.RetryAfter)

	// Once the oldest burst entry slides out, admission resumes.
	*now = now.Add(61 * time.Second)
	assert.True(t, l.Admit("caller").Allowed)
}

func TestTokensRefillOverTime(t *testing.T) {
	l, now := newTestLimiter(RateLimitConfig{
		MaxRequests: 60, Window: time.Minute, // one token per second
		BurstLimit: 60, BurstWindow: time.Second,
	})

	for i := 0; i < 60; i++ {
		require.True(t, l.Admit("caller").Allowed)
	}
	require.False(t, l.Admit("caller").Allowed)

	*now = now.Add(2 * time.Second)
	assert.True(t, l.Admit("caller").Allowed)
	assert.True(t, l.Admit("caller").Allowed)
	assert.False(t, l.Admit("caller").Allowed)
}

func TestCallersDoNotShareBuckets(t *testing.T) {
	l, _ := newTestLimiter(RateLimitConfig{
		MaxRequests: 1, Window: time.Hour,
		BurstLimit: 1, BurstWindow: time.Minute,
	})

	require.True(t, l.Admit("10.0.0.1").Allowed)
	require.False(t, l.Admit("10.0.0.1").Allowed)
	assert.True(t, l.Admit("10.0.0.2").Allowed, "an exhausted neighbor must not affect this caller")
}

func TestConcurrentAdmitsStayWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(RateLimitConfig{
		MaxRequests: 10, Window: time.Hour,
		BurstLimit: 10, BurstWindow: time.Minute,
	})

	const callers = 50
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("10.0.0.1").Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, admitted.Load(), "racing admits must not exceed the budget")
	assert.False(t, l.Admit("10.0.0.1").Allowed)
}

func TestCleanupDropsIdleBuckets(t *testing.T) {
	l, now := newTestLimiter(RateLimitConfig{
		MaxRequests: 10, Window: time.Hour,
		BurstLimit: 10, BurstWindow: time.Minute,
	})

	l.Admit("stale")
	*now = now.Add(30 * time.Minute)
	l.Admit("fresh")
	*now = now.Add(45 * time.Minute)

	removed := l.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.Stats().ActiveBuckets)
}

func TestSetConfigAppliesToNewChecks(t *testing.T) {
	l, _ := newTestLimiter(RateLimitConfig{
		MaxRequests: 1, Window: time.Hour,
		BurstLimit: 1, BurstWindow: time.Minute,
	})
	require.True(t, l.Admit("caller").Allowed)
	require.False(t, l.Admit("caller").Allowed)

	l.SetConfig(RateLimitConfig{
		MaxRequests: 100, Window: time.Hour,
		BurstLimit: 100, BurstWindow: time.Minute,
	})
	// Existing bucket keeps its spent tokens but the burst cap is lifted.
	assert.Equal(t, 100, l.Stats().MaxRequests)
	assert.True(t, l.Admit("someone-else").Allowed)
}
