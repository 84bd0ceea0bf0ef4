package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireUnderThreshold(t *testing.T) {
	q := NewBackpressureQueue(BackpressureConfig{
		MaxQueueSize: 10, FullThreshold: 0.8, Delay: 100 * time.Millisecond,
	})

	for i := 0; i < 7; i++ {
		delay, err := q.TryAcquire()
		require.NoError(t, err)
		assert.Zero(t, delay, "slot %d is under the threshold", i+1)
	}
}

func TestTryAcquireDelaysAboveThreshold(t *testing.T) {
	q := NewBackpressureQueue(BackpressureConfig{
		MaxQueueSize: 10, FullThreshold: 0.8, Delay: 100 * time.Millisecond,
	})

	for i := 0; i < 7; i++ {
		_, err := q.TryAcquire()
		require.NoError(t, err)
	}

	// 8th slot: utilization 0.8 -> delay = 100ms * 1.8.
	delay, err := q.TryAcquire()
	require.NoError(t, err)
	assert.Equal(t, 180*time.Millisecond, delay)

	// 9th slot: utilization 0.9 -> delay grows with load.
	delay, err = q.TryAcquire()
	require.NoError(t, err)
	assert.Equal(t, 190*time.Millisecond, delay)
}

func TestTryAcquireRejectsWhenFull(t *testing.T) {
	q := NewBackpressureQueue(BackpressureConfig{
		MaxQueueSize: 2, FullThreshold: 0.8, Delay: time.Millisecond,
	})

	_, err := q.TryAcquire()
	require.NoError(t, err)
	_, err = q.TryAcquire()
	require.NoError(t, err)

	_, err = q.TryAcquire()
	require.ErrorIs(t, err, ErrOverloaded)
	assert.True(t, q.Stats().IsFull)

	q.Release()
	_, err = q.TryAcquire()
	require.NoError(t, err)
}

func TestAcquireCancelReleasesSlot(t *testing.T) {
	q := NewBackpressureQueue(BackpressureConfig{
		MaxQueueSize: 1, FullThreshold: 0.5, Delay: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, q.Stats().CurrentSize, "cancelled admission must not leak its slot")
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	q := NewBackpressureQueue(BackpressureConfig{MaxQueueSize: 5, FullThreshold: 0.8})
	q.Release()
	assert.Zero(t, q.Stats().CurrentSize)
}
