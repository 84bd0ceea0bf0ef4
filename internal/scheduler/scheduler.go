package scheduler

import (
	"context"
	"time"

	"skipper/internal/logger"
)

// IntervalScheduler runs a named maintenance task on a fixed cadence,
// aligned to interval boundaries so restarts do not drift the schedule.
type IntervalScheduler struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewIntervalScheduler(ctx context.Context, name string, interval time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{
		Name:     name,
		Interval: interval,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks running task until the context is done. Call it on its
// own goroutine.
func (s *IntervalScheduler) Start(task func(ctx context.Context)) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("scheduler %s: task is nil, exit", s.Name)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler %s: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	logger.Infof("scheduler %s: started interval=%s run_immediately=%v", s.Name, s.Interval, s.RunImmediately)

	if s.RunImmediately {
		s.runOnce(task)
	}

	for {
		now := s.nowFn().UTC()
		wakeAt := now.Truncate(s.Interval).Add(s.Interval)
		wait := wakeAt.Sub(now)

		if wait <= 0 {
			s.runOnce(task)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler %s: ctx done, exit", s.Name)
			return
		case <-timer.C:
		}
		s.runOnce(task)
	}
}

func (s *IntervalScheduler) runOnce(task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("scheduler %s: task panic: %v", s.Name, r)
		}
	}()
	task(s.ctx)
}
