package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker("exchange", threshold, timeout)
	now := time.Now()
	cb.nowFn = func() time.Time { return now }
	return cb, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	boom := errors.New("connect refused")
	for i := 0; i < 2; i++ {
		require.Error(t, cb.Call(func() error { return boom }))
		assert.True(t, cb.Allow(), "still closed after %d failures", i+1)
	}
	require.Error(t, cb.Call(func() error { return boom }))

	err := cb.Call(func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, "OPEN", cb.Snapshot().State)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	require.Error(t, cb.Call(func() error { return errors.New("x") }))
	require.Error(t, cb.Call(func() error { return errors.New("x") }))
	require.NoError(t, cb.Call(func() error { return nil }))

	// Two more failures stay under the threshold again.
	require.Error(t, cb.Call(func() error { return errors.New("x") }))
	require.Error(t, cb.Call(func() error { return errors.New("x") }))
	assert.Equal(t, "CLOSED", cb.Snapshot().State)
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)
	require.Error(t, cb.Call(func() error { return errors.New("x") }))
	require.ErrorIs(t, cb.Call(func() error { return nil }), ErrCircuitOpen)

	// After the recovery timeout exactly one trial is admitted.
	*now = now.Add(61 * time.Second)
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "second caller must fail fast during the trial")
	assert.Equal(t, "HALF_OPEN", cb.Snapshot().State)

	cb.RecordSuccess()
	assert.Equal(t, "CLOSED", cb.Snapshot().State)
	assert.True(t, cb.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)
	require.Error(t, cb.Call(func() error { return errors.New("x") }))

	*now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.RecordFailure()

	assert.Equal(t, "OPEN", cb.Snapshot().State)
	assert.False(t, cb.Allow(), "timeout restarts from the re-open")

	*now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
}

func TestRegistryIsolatesDependencies(t *testing.T) {
	reg := NewRegistry(1, time.Minute)

	require.Error(t, reg.Call("exchange", func() error { return errors.New("down") }))
	require.ErrorIs(t, reg.Call("exchange", func() error { return nil }), ErrCircuitOpen)

	// An open exchange breaker must not affect the feature store.
	require.NoError(t, reg.Call("feature-store", func() error { return nil }))

	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	byName := map[string]Snapshot{}
	for _, s := range snaps {
		byName[s.Name] = s
	}
	assert.Equal(t, "OPEN", byName["exchange"].State)
	assert.Equal(t, "CLOSED", byName["feature-store"].State)
}
