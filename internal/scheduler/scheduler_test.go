package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewIntervalScheduler(ctx, "sweep", 10*time.Millisecond)
	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(func(context.Context) { runs.Add(1) })
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}

func TestSchedulerRunImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	s := NewIntervalScheduler(ctx, "gc", time.Hour)
	s.RunImmediately = true
	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(func(context.Context) { runs.Add(1) })
	}()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSchedulerSurvivesPanickingTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewIntervalScheduler(ctx, "flaky", 5*time.Millisecond)
	var runs atomic.Int32
	go s.Start(func(context.Context) {
		runs.Add(1)
		panic("task blew up")
	})

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerRejectsInvalidInterval(t *testing.T) {
	s := NewIntervalScheduler(context.Background(), "bad", 0)
	ran := false
	s.Start(func(context.Context) { ran = true }) // returns immediately
	assert.False(t, ran)
}
