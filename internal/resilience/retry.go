package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"skipper/internal/logger"
	"skipper/internal/resilience/circuit"
)

// Operation is one unit of side-effecting work. The returned bytes are
// what gets cached under the idempotency key.
type Operation func(ctx context.Context) ([]byte, error)

// Policy is the per-call retry configuration.
type Policy struct {
	Strategy    BackoffStrategy
	MaxAttempts int
	MaxDelay    time.Duration
	Jitter      bool
}

// RetryManager composes the circuit breaker registry, the idempotency
// store and a backoff policy into reliable execution of one operation.
type RetryManager struct {
	idem     *IdempotencyStore
	breakers *circuit.Registry

	mu     sync.RWMutex
	policy Policy

	sleepFn func(ctx context.Context, d time.Duration) error
	randFn  func() float64
}

func NewRetryManager(idem *IdempotencyStore, breakers *circuit.Registry, policy Policy) *RetryManager {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.Strategy == nil {
		policy.Strategy = ExponentialBackoff{Base: time.Second, Factor: 2}
	}
	return &RetryManager{
		idem:     idem,
		breakers: breakers,
		policy:   policy,
		sleepFn:  sleepCtx,
		randFn:   rand.Float64,
	}
}

// SetPolicy replaces the default policy (used by the config reload hook).
func (m *RetryManager) SetPolicy(policy Policy) {
	if policy.MaxAttempts <= 0 || policy.Strategy == nil {
		return
	}
	m.mu.Lock()
	m.policy = policy
	m.mu.Unlock()
}

func (m *RetryManager) currentPolicy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// Backoff returns the jittered delay the default policy would wait
// before re-attempting after failure number attempt.
func (m *RetryManager) Backoff(attempt int) time.Duration {
	return m.delayFor(attempt, m.currentPolicy())
}

// Execute runs op with the manager's default policy.
//
// When idempotencyKey is non-empty the idempotency store is consulted
// first: a cached outcome is returned without invoking op, and a fresh
// success is cached before returning. dependencyKey selects the circuit
// breaker guarding the downstream; an open breaker counts as a failed
// attempt and goes through the same backoff path.
func (m *RetryManager) Execute(ctx context.Context, dependencyKey, idempotencyKey string, op Operation) ([]byte, error) {
	return m.ExecuteWith(ctx, dependencyKey, idempotencyKey, m.currentPolicy(), op)
}

// ExecuteWith runs op with an explicit policy.
func (m *RetryManager) ExecuteWith(ctx context.Context, dependencyKey, idempotencyKey string, policy Policy, op Operation) ([]byte, error) {
	base := m.currentPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = base.MaxAttempts
	}
	if policy.Strategy == nil {
		policy.Strategy = base.Strategy
	}

	if idempotencyKey != "" && m.idem != nil {
		cached, ok, err := m.idem.Get(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if ok {
			logger.Debugf("retry: cached result for key=%s, skipping execution", shorten(idempotencyKey))
			return cached, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := m.attempt(ctx, dependencyKey, op)
		if err == nil {
			if idempotencyKey != "" && m.idem != nil {
				if cacheErr := m.idem.Put(ctx, idempotencyKey, result); cacheErr != nil {
					logger.Warnf("retry: caching result for key=%s failed: %v", shorten(idempotencyKey), cacheErr)
				}
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := m.delayFor(attempt, policy)
		logger.Warnf("retry: attempt %d/%d for dep=%s failed: %v, next in %s",
			attempt, policy.MaxAttempts, dependencyKey, err, delay.Truncate(time.Millisecond))
		if err := m.sleepFn(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, &RetryExhaustedError{Attempts: policy.MaxAttempts, LastErr: lastErr}
}

func (m *RetryManager) attempt(ctx context.Context, dependencyKey string, op Operation) ([]byte, error) {
	if dependencyKey == "" || m.breakers == nil {
		return op(ctx)
	}
	var result []byte
	err := m.breakers.Call(dependencyKey, func() error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// delayFor caps the strategy delay at MaxDelay, then adds jitter of
// uniform(0.1, 0.3) x delay to spread out thundering herds.
func (m *RetryManager) delayFor(attempt int, policy Policy) time.Duration {
	delay := policy.Strategy.Delay(attempt)
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	if policy.Jitter && delay > 0 {
		frac := 0.1 + 0.2*m.randFn()
		delay += time.Duration(frac * float64(delay))
	}
	return delay
}

// IsCircuitOpen reports whether err is (or wraps) a fast-fail rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, circuit.ErrCircuitOpen)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func shorten(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
