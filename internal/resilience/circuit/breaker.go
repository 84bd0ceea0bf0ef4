package circuit

import (
	"errors"
	"sync"
	"time"

	"skipper/internal/logger"
)

// ErrCircuitOpen is returned by Call while the breaker rejects fast.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is the externally visible breaker state, served by /metrics.
type Snapshot struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Failures int       `json:"consecutive_failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// CircuitBreaker tracks consecutive failures for one dependency.
// CLOSED counts failures; crossing the threshold opens the breaker.
// OPEN rejects until the recovery timeout elapses, then admits exactly
// one trial call (HALF_OPEN) whose outcome decides CLOSED vs re-OPEN.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	timeout       time.Duration
	openedAt      time.Time
	trialInFlight bool
	name          string
	nowFn         func() time.Time
	onStateChange func(name string, from, to State)
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

// Allow reports whether a call may proceed right now. The transition to
// HALF_OPEN admits a single trial; concurrent callers keep failing fast
// until that trial resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.nowFn().Sub(cb.openedAt) > cb.timeout {
			cb.transition(StateHalfOpen)
			cb.trialInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.transition(StateClosed)
		cb.failures = 0
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.openedAt = cb.nowFn()
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.openedAt = cb.nowFn()
		cb.transition(StateOpen)
	}
}

// Call runs fn under the breaker. A rejected call returns ErrCircuitOpen
// without invoking fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	snap := Snapshot{
		Name:     cb.name,
		State:    cb.state.String(),
		Failures: cb.failures,
	}
	if cb.state != StateClosed {
		snap.OpenedAt = cb.openedAt
	}
	return snap
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
	} else {
		logger.Warnf("CircuitBreaker %s state change: %s -> %s (failures=%d/%d, timeout=%s)",
			cb.name, from, to, cb.failures, cb.threshold, cb.timeout)
	}
}
