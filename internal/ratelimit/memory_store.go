package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/meterline/meterline/internal/clock"
)

// MemoryStore is a process-local BucketStore used in tests and single-node
// deployments without a cache.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   clk,
	}
}

func (s *MemoryStore) Counts(_ context.Context, keys []string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	counts := make([]int64, len(keys))
	for i, key := range keys {
		entry, ok := s.entries[key]
		if !ok || now.After(entry.expiresAt) {
			continue
		}
		counts[i] = entry.count
	}
	return counts, nil
}

func (s *MemoryStore) Increment(_ context.Context, keys []string, ttls []time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for i, key := range keys {
		entry, ok := s.entries[key]
		if !ok || now.After(entry.expiresAt) {
			entry = memoryEntry{expiresAt: now.Add(ttls[i])}
		}
		entry.count++
		s.entries[key] = entry
	}
	s.sweep(now)
	return nil
}

func (s *MemoryStore) sweep(now time.Time) {
	if len(s.entries) < 1024 {
		return
	}
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}
