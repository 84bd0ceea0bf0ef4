package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	skcfg "skipper/internal/config"
	"skipper/internal/gateway/broker"
	"skipper/internal/logger"
	"skipper/internal/orchestrator"
	"skipper/internal/reconcile"
	"skipper/internal/resilience"
	"skipper/internal/resilience/circuit"
	"skipper/internal/scheduler"
	"skipper/internal/store"
	"skipper/internal/store/model"
	httpapi "skipper/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

// App owns the wired service graph: store, orchestrator, resilience
// stack and HTTP surface. Build it once, then Run until the context is
// cancelled.
type App struct {
	cfg *skcfg.Config

	st         store.Store
	orc        *orchestrator.Orchestrator
	gateway    *broker.OrderGateway
	reconciler *reconcile.Reconciler
	retry      *resilience.RetryManager
	limiter    *resilience.RateLimiter
	queue      *resilience.BackpressureQueue
	idem       *resilience.IdempotencyStore
	breakers   *circuit.Registry
	router     *httpapi.Router
}

// NewApp builds the application object from config (does not start it).
func NewApp(cfg *skcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run serves HTTP and the maintenance schedulers until ctx is
// cancelled, then shuts down gracefully. Interrupted runs are recovered
// before the listener opens so no trigger races the requeue.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := a.orc.Recover(ctx); err != nil {
		return fmt.Errorf("recovering interrupted runs: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{Addr: a.cfg.App.HTTPAddr, Handler: a.router.Handler()}
	group.Go(func() error {
		logger.Infof("[app] listening on %s (env=%s)", a.cfg.App.HTTPAddr, a.cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		s := scheduler.NewIntervalScheduler(ctx, "idempotency-sweep", a.cfg.Idempotency.SweepInterval())
		s.Start(func(ctx context.Context) { a.idem.Sweep(ctx) })
		return nil
	})
	group.Go(func() error {
		s := scheduler.NewIntervalScheduler(ctx, "run-monitor", a.cfg.Orchestrator.MonitorInterval())
		s.Start(a.logActiveRuns)
		return nil
	})
	group.Go(func() error {
		s := scheduler.NewIntervalScheduler(ctx, "limiter-gc", time.Hour)
		s.Start(func(context.Context) {
			if n := a.limiter.Cleanup(); n > 0 {
				logger.Debugf("[app] dropped %d idle rate-limit buckets", n)
			}
		})
		return nil
	})

	err := group.Wait()
	a.Close()
	return err
}

// ApplyConfig pushes a reloaded config into the running resilience
// stack. Wire it to a config.Watcher subscription. Structural settings
// (store path, listen address, broker mode) need a restart and are
// ignored here.
func (a *App) ApplyConfig(cfg *skcfg.Config) {
	if a == nil || cfg == nil {
		return
	}
	logger.SetLevel(cfg.App.LogLevel)

	strategy, err := resilience.ParseBackoff(cfg.Retry.Strategy, cfg.Retry.BaseDelay(), cfg.Retry.BackoffFactor)
	if err != nil {
		logger.Warnf("[app] reload: keeping previous retry policy: %v", err)
	} else {
		a.retry.SetPolicy(resilience.Policy{
			Strategy:    strategy,
			MaxAttempts: cfg.Retry.MaxAttempts,
			MaxDelay:    cfg.Retry.MaxDelay(),
			Jitter:      cfg.Retry.Jitter,
		})
	}
	a.limiter.SetConfig(resilience.RateLimitConfig{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window(),
		BurstLimit:  cfg.RateLimit.BurstLimit,
		BurstWindow: cfg.RateLimit.Burst(),
	})
	a.queue.SetConfig(resilience.BackpressureConfig{
		MaxQueueSize:  cfg.Backpressure.MaxQueueSize,
		FullThreshold: cfg.Backpressure.QueueFullThreshold,
		Delay:         cfg.Backpressure.Delay(),
	})
	logger.Infof("[app] applied reloaded resilience settings")
}

// logActiveRuns is the monitor-stage heartbeat: a periodic snapshot of
// non-terminal runs so a stuck pipeline shows up in the logs.
func (a *App) logActiveRuns(ctx context.Context) {
	runs, err := a.st.Runs().ListByStatus(ctx,
		model.RunStatusStarted, model.RunStatusRunning, model.RunStatusPaused)
	if err != nil {
		logger.Warnf("[app] listing active runs: %v", err)
		return
	}
	if len(runs) == 0 {
		return
	}
	logger.Infof("[app] %d active runs", len(runs))
}

// Router exposes the HTTP surface (for test harnesses).
func (a *App) Router() *httpapi.Router {
	if a == nil {
		return nil
	}
	return a.router
}

// Orchestrator exposes the run engine (for test harnesses).
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	if a == nil {
		return nil
	}
	return a.orc
}

// Close stops the orchestrator actors and the store. Run calls it on
// the way out; it is safe to call again.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.orc != nil {
		a.orc.Close()
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			logger.Warnf("[app] closing store: %v", err)
		}
	}
}
