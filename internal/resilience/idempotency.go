package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"skipper/internal/logger"
	"skipper/internal/store"
	"skipper/internal/store/gormstore"
	"skipper/internal/store/model"
)

// IdempotencyStore maps an idempotency key to a cached outcome with a
// TTL. Lookups hit an in-memory layer first and fall through to the
// durable repository, so results survive a restart.
type IdempotencyStore struct {
	repo store.IdempotencyRepository
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[string]cachedResult

	nowFn func() time.Time
}

type cachedResult struct {
	result    []byte
	expiresAt time.Time
}

func NewIdempotencyStore(repo store.IdempotencyRepository, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &IdempotencyStore{
		repo:  repo,
		ttl:   ttl,
		cache: make(map[string]cachedResult),
		nowFn: time.Now,
	}
}

// Get returns the cached result for key, if present and unexpired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := s.nowFn()

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		if now.Before(entry.expiresAt) {
			return entry.result, true, nil
		}
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
	}

	if s.repo == nil {
		return nil, false, nil
	}
	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, gormstore.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	s.mu.Lock()
	s.cache[key] = cachedResult{result: rec.Result, expiresAt: rec.ExpiresAt}
	s.mu.Unlock()
	return rec.Result, true, nil
}

// Put caches result under key. The first writer wins; concurrent
// duplicates keep the stored outcome.
func (s *IdempotencyStore) Put(ctx context.Context, key string, result []byte) error {
	expires := s.nowFn().Add(s.ttl)

	s.mu.Lock()
	if _, exists := s.cache[key]; !exists {
		s.cache[key] = cachedResult{result: result, expiresAt: expires}
	}
	s.mu.Unlock()

	if s.repo == nil {
		return nil
	}
	return s.repo.Put(ctx, &model.IdempotencyModel{
		Key:       key,
		Result:    result,
		ExpiresAt: expires,
	})
}

// Sweep drops expired entries from both layers. Meant to run on an
// interval scheduler.
func (s *IdempotencyStore) Sweep(ctx context.Context) {
	now := s.nowFn()

	s.mu.Lock()
	removed := 0
	for key, entry := range s.cache {
		if now.After(entry.expiresAt) {
			delete(s.cache, key)
			removed++
		}
	}
	s.mu.Unlock()

	var durable int64
	if s.repo != nil {
		n, err := s.repo.DeleteExpired(ctx)
		if err != nil {
			logger.Warnf("idempotency sweep: durable delete failed: %v", err)
		} else {
			durable = n
		}
	}
	if removed > 0 || durable > 0 {
		logger.Debugf("idempotency sweep: removed %d cached, %d durable", removed, durable)
	}
}

// Size returns the in-memory entry count, for /metrics.
func (s *IdempotencyStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
