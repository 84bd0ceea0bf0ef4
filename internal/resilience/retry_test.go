package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"skipper/internal/resilience/circuit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(idem *IdempotencyStore, breakers *circuit.Registry, policy Policy) (*RetryManager, *[]time.Duration) {
	m := NewRetryManager(idem, breakers, policy)
	var slept []time.Duration
	m.sleepFn = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	m.randFn = func() float64 { return 0.5 }
	return m, &slept
}

func TestExecuteSucceedsAfterRetries(t *testing.T) {
	m, slept := newTestManager(nil, nil, Policy{
		Strategy:    ExponentialBackoff{Base: time.Second, Factor: 2},
		MaxAttempts: 3,
	})

	calls := 0
	result, err := m.Execute(context.Background(), "exchange", "", func(ctx context.Context) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("timeout")
		}
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)
	assert.Equal(t, 3, calls)
	// Two waits: 1s then 2s, no jitter configured.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	m, _ := newTestManager(nil, nil, Policy{
		Strategy:    FixedBackoff{Base: time.Millisecond},
		MaxAttempts: 3,
	})

	boom := errors.New("still down")
	calls := 0
	_, err := m.Execute(context.Background(), "exchange", "", func(ctx context.Context) ([]byte, error) {
		calls++
		return nil, boom
	})

	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls)
	require.ErrorIs(t, err, boom)
}

func TestExecuteSkipsOnCachedIdempotencyKey(t *testing.T) {
	idem := NewIdempotencyStore(nil, time.Hour)
	m, _ := newTestManager(idem, nil, Policy{
		Strategy:    FixedBackoff{Base: time.Millisecond},
		MaxAttempts: 3,
	})

	calls := 0
	op := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`{"order_id":"o-1"}`), nil
	}

	first, err := m.Execute(context.Background(), "exchange", "submit:o-1", op)
	require.NoError(t, err)
	second, err := m.Execute(context.Background(), "exchange", "submit:o-1", op)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "cached key must not re-run the operation")
	assert.Equal(t, first, second)
}

func TestExecuteFailuresNotCached(t *testing.T) {
	idem := NewIdempotencyStore(nil, time.Hour)
	m, _ := newTestManager(idem, nil, Policy{
		Strategy:    FixedBackoff{Base: time.Millisecond},
		MaxAttempts: 1,
	})

	calls := 0
	op := func(ctx context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("rejected")
		}
		return []byte("ok"), nil
	}

	_, err := m.Execute(context.Background(), "exchange", "submit:o-2", op)
	require.Error(t, err)

	// A failed outcome is retryable under the same key.
	result, err := m.Execute(context.Background(), "exchange", "submit:o-2", op)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)
	assert.Equal(t, 2, calls)
}

func TestExecuteThroughOpenBreaker(t *testing.T) {
	breakers := circuit.NewRegistry(1, time.Minute)
	m, _ := newTestManager(nil, breakers, Policy{
		Strategy:    FixedBackoff{Base: time.Millisecond},
		MaxAttempts: 2,
	})

	calls := 0
	_, err := m.Execute(context.Background(), "exchange", "", func(ctx context.Context) ([]byte, error) {
		calls++
		return nil, errors.New("down")
	})
	require.Error(t, err)
	// Threshold 1: the first failure opened the breaker, the second
	// attempt was rejected without reaching the operation.
	assert.Equal(t, 1, calls)
	assert.True(t, IsCircuitOpen(err))
}

func TestDelayJitterRange(t *testing.T) {
	m := NewRetryManager(nil, nil, Policy{
		Strategy:    FixedBackoff{Base: 10 * time.Second},
		MaxAttempts: 3,
		Jitter:      true,
	})

	m.randFn = func() float64 { return 0 }
	assert.Equal(t, 11*time.Second, m.Backoff(1), "lower jitter bound is +10%")

	m.randFn = func() float64 { return 1 }
	assert.Equal(t, 13*time.Second, m.Backoff(1), "upper jitter bound is +30%")
}

func TestDelayCapAppliedBeforeJitter(t *testing.T) {
	m := NewRetryManager(nil, nil, Policy{
		Strategy:    ExponentialBackoff{Base: time.Second, Factor: 2},
		MaxAttempts: 10,
		MaxDelay:    300 * time.Second,
		Jitter:      true,
	})
	m.randFn = func() float64 { return 1 }

	// 2^9 = 512s raw, capped to 300s, then +30% jitter on the cap.
	assert.Equal(t, 390*time.Second, m.Backoff(10))
}

func TestExecuteStopsOnContextCancel(t *testing.T) {
	m := NewRetryManager(nil, nil, Policy{
		Strategy:    FixedBackoff{Base: time.Hour},
		MaxAttempts: 5,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	m.sleepFn = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := m.Execute(ctx, "exchange", "", func(ctx context.Context) ([]byte, error) {
		calls++
		return nil, errors.New("down")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestParseBackoff(t *testing.T) {
	fixed, err := ParseBackoff("fixed", 2*time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, fixed.Delay(5))

	linear, err := ParseBackoff("linear", 2*time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, linear.Delay(3))

	exp, err := ParseBackoff("exponential", time.Second, 2)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, exp.Delay(3))

	_, err = ParseBackoff("fibonacci", time.Second, 0)
	require.Error(t, err)
}
