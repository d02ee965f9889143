package memory

import (
	"context"
	"sync"
	"time"

	"payment-orchestration-engine/internal/core/ports"
)

type cachedEntry struct {
	value     []byte
	expiresAt time.Time
}

// IdempotencyStore memoizes responses and processed keys in memory.
type IdempotencyStore struct {
	mu        sync.Mutex
	responses map[string]cachedEntry
	processed map[string]time.Time
	now       func() time.Time
}

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		responses: make(map[string]cachedEntry),
		processed: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (s *IdempotencyStore) GetCachedResponse(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.responses[key]
	if !ok || s.now().After(e.expiresAt) {
		delete(s.responses, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *IdempotencyStore) CacheResponse(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[key] = cachedEntry{value: append([]byte(nil), response...), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *IdempotencyStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.processed[key]
	return ok && s.now().Before(exp), nil
}

func (s *IdempotencyStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.processed[key]; ok && s.now().Before(exp) {
		return false, nil
	}
	s.processed[key] = s.now().Add(ttl)
	return true, nil
}

func (s *IdempotencyStore) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processed, key)
	return nil
}

// Locker is a process-local ports.Locker.
type Locker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]chan struct{})}
}

func (l *Locker) AcquireLock(ctx context.Context, key string, timeout time.Duration) (ports.Lock, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		released, busy := l.held[key]
		if !busy {
			ch := make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()
			return &localLock{locker: l, key: key, ch: ch}, true, nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-deadline.C:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

type localLock struct {
	locker *Locker
	key    string
	ch     chan struct{}
	once   sync.Once
}

func (l *localLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		defer l.locker.mu.Unlock()
		if l.locker.held[l.key] == l.ch {
			delete(l.locker.held, l.key)
		}
		close(l.ch)
	})
	return nil
}
