package resilience

import (
	"context"
	"sync"
	"time"
)

// BackpressureConfig controls queue admission.
type BackpressureConfig struct {
	MaxQueueSize  int
	FullThreshold float64       // occupancy ratio above which admission is delayed
	Delay         time.Duration // base admission delay when above threshold
}

// BackpressureQueue is a bounded occupancy counter guarding the work
// queue. Below the threshold work is admitted immediately; between the
// threshold and capacity admission is delayed (scaled by utilization);
// at capacity it is rejected with ErrOverloaded.
type BackpressureQueue struct {
	mu   sync.Mutex
	size int
	cfg  BackpressureConfig

	sleepFn func(ctx context.Context, d time.Duration) error
}

func NewBackpressureQueue(cfg BackpressureConfig) *BackpressureQueue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.FullThreshold <= 0 || cfg.FullThreshold > 1 {
		cfg.FullThreshold = 0.8
	}
	return &BackpressureQueue{cfg: cfg, sleepFn: sleepCtx}
}

func (q *BackpressureQueue) SetConfig(cfg BackpressureConfig) {
	if cfg.MaxQueueSize <= 0 {
		return
	}
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// TryAcquire takes a slot without blocking. It returns the admission
// delay the caller must serve (0 when under the threshold) or
// ErrOverloaded when the queue is full. The slot is held either way a
// delay is returned; callers must Release when done.
func (q *BackpressureQueue) TryAcquire() (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.cfg.MaxQueueSize {
		return 0, ErrOverloaded
	}
	q.size++

	utilization := float64(q.size) / float64(q.cfg.MaxQueueSize)
	if utilization >= q.cfg.FullThreshold {
		// Scale the delay with utilization for graceful degradation.
		return time.Duration(float64(q.cfg.Delay) * (1 + utilization)), nil
	}
	return 0, nil
}

// Acquire takes a slot, serving any admission delay before returning.
// The delay wait is cancellable; cancellation releases the slot.
func (q *BackpressureQueue) Acquire(ctx context.Context) error {
	delay, err := q.TryAcquire()
	if err != nil {
		return err
	}
	if delay <= 0 {
		return nil
	}
	if err := q.sleepFn(ctx, delay); err != nil {
		q.Release()
		return err
	}
	return nil
}

func (q *BackpressureQueue) Release() {
	q.mu.Lock()
	if q.size > 0 {
		q.size--
	}
	q.mu.Unlock()
}

// QueueStats for /metrics.
type QueueStats struct {
	CurrentSize int     `json:"current_size"`
	MaxSize     int     `json:"max_size"`
	Utilization float64 `json:"utilization"`
	IsFull      bool    `json:"is_full"`
}

func (q *BackpressureQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		CurrentSize: q.size,
		MaxSize:     q.cfg.MaxQueueSize,
		Utilization: float64(q.size) / float64(q.cfg.MaxQueueSize),
		IsFull:      q.size >= q.cfg.MaxQueueSize,
	}
}
