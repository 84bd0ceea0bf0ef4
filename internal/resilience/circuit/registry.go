package circuit

import (
	"sort"
	"sync"
	"time"
)

// Registry hands out one breaker per dependency key. Breakers are
// created lazily with the registry's defaults; each key mutates under
// its own breaker lock, never a registry-wide one.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	threshold int
	timeout   time.Duration
	onChange  func(name string, from, to State)
}

func NewRegistry(threshold int, timeout time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

// SetStateChangeHandler applies to breakers created afterwards and to
// all existing ones.
func (r *Registry) SetStateChangeHandler(handler func(name string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = handler
	for _, cb := range r.breakers {
		cb.SetStateChangeHandler(handler)
	}
}

func (r *Registry) Get(dependencyKey string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[dependencyKey]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[dependencyKey]; ok {
		return cb
	}
	cb = NewCircuitBreaker(dependencyKey, r.threshold, r.timeout)
	if r.onChange != nil {
		cb.SetStateChangeHandler(r.onChange)
	}
	r.breakers[dependencyKey] = cb
	return cb
}

// Call runs fn under the breaker for dependencyKey.
func (r *Registry) Call(dependencyKey string, fn func() error) error {
	return r.Get(dependencyKey).Call(fn)
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
