package infrastructure

import (
	"context"
	"sync"
	"time"
)

// MemoryStateStore keeps processed message ids and AI cooldowns in process
// memory. Each check-and-set runs under one lock, so Claim and TryAcquire
// are atomic. Entries are evicted by a background sweep.
type MemoryStateStore struct {
	mu          sync.Mutex
	processed   map[string]time.Time
	cooldowns   map[string]time.Time
	ttl         time.Duration // how long a processed id is remembered
	retention   time.Duration // how long a cooldown entry is kept
	cleanupTick time.Duration
	now         func() time.Time
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewMemoryStateStore creates a store remembering processed ids for ttl.
// A non-positive ttl keeps ids forever. Cooldown entries are kept for at
// least the longest cooldown window in use.
func NewMemoryStateStore(ttl, cooldown time.Duration) *MemoryStateStore {
	s := newMemoryStateStore(ttl, cooldown, time.Now)
	go s.cleanup()
	return s
}

func newMemoryStateStore(ttl, cooldown time.Duration, now func() time.Time) *MemoryStateStore {
	return &MemoryStateStore{
		processed:   make(map[string]time.Time),
		cooldowns:   make(map[string]time.Time),
		ttl:         ttl,
		retention:   max(time.Hour, cooldown),
		cleanupTick: 5 * time.Minute,
		now:         now,
		stop:        make(chan struct{}),
	}
}

func (s *MemoryStateStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if at, ok := s.processed[key]; ok && !s.expired(at, now) {
		return false, nil
	}
	s.processed[key] = now
	return true, nil
}

func (s *MemoryStateStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processed, key)
	return nil
}

func (s *MemoryStateStore) IsProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.processed[key]
	return ok && !s.expired(at, s.now()), nil
}

func (s *MemoryStateStore) TryAcquire(_ context.Context, key string, window time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.cooldowns[key]; ok && now.Sub(last) < window {
		return false, nil
	}
	s.cooldowns[key] = now
	return true, nil
}

func (s *MemoryStateStore) ReleaseCooldown(_ context.Context, key string, acquiredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.cooldowns[key]; ok && last.Equal(acquiredAt) {
		delete(s.cooldowns, key)
	}
	return nil
}

func (s *MemoryStateStore) LastResponse(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.cooldowns[key]
	return last, ok, nil
}

func (s *MemoryStateStore) Record(_ context.Context, key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[key] = now
	return nil
}

func (s *MemoryStateStore) expired(at, now time.Time) bool {
	return s.ttl > 0 && now.Sub(at) > s.ttl
}

// cleanup removes stale entries periodically
func (s *MemoryStateStore) cleanup() {
	ticker := time.NewTicker(s.cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStateStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, at := range s.processed {
		if s.expired(at, now) {
			delete(s.processed, key)
		}
	}
	for key, last := range s.cooldowns {
		if now.Sub(last) > s.retention {
			delete(s.cooldowns, key)
		}
	}
}

// Close stops the cleanup goroutine.
func (s *MemoryStateStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// GetStats returns state store statistics
func (s *MemoryStateStore) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"processed_ids": len(s.processed),
		"cooldowns":     len(s.cooldowns),
		"ttl":           s.ttl.String(),
	}
}
