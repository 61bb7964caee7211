package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemStore is the in-process counter store. It backs single-node deployments
// and serves as the fallback when the shared store is unreachable.
type MemStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	done    chan struct{}
	once    sync.Once
}

type memBucket struct {
	count       int64
	windowStart time.Time
	touched     time.Time
}

// NewMemStore creates the store and starts its stale-bucket sweeper.
func NewMemStore() *MemStore {
	s := &MemStore{
		buckets: make(map[string]*memBucket),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Incr implements Store.
func (s *MemStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := time.Now()
	start := windowStart(now, window)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || !b.windowStart.Equal(start) {
		b = &memBucket{windowStart: start}
		s.buckets[key] = b
	}
	b.count++
	b.touched = now
	return b.count, nil
}

// Stop terminates the sweeper goroutine.
func (s *MemStore) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			s.mu.Lock()
			for k, b := range s.buckets {
				if b.touched.Before(cutoff) {
					delete(s.buckets, k)
				}
			}
			s.mu.Unlock()
		}
	}
}
