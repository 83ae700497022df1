// File: jwtguard.store.inmemory.imp.go

package jwtguard

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// storeEntry is a value with its expiration time. A zero expiresAt never expires.
type storeEntry struct {
	value     string
	expiresAt time.Time
}

func (e storeEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-memory Store.
// Suitable for development, testing, or single-instance deployments
type MemoryStore struct {
	mu              sync.RWMutex
	entries         map[string]storeEntry
	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// NewMemoryStore creates a new in-memory store.
// cleanupInterval determines how often expired entries are removed (default: 5 minutes)
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	s := &MemoryStore{
		entries:         make(map[string]storeEntry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.periodicCleanup()

	return s
}

// Get returns the value stored under key unless it has expired.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, fmt.Errorf("key cannot be empty")
	}

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || entry.expired(s.now()) {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key for ttl, or forever when ttl <= 0.
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	entry := storeEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// CleanupExpired removes expired entries and returns how many were dropped.
func (s *MemoryStore) CleanupExpired() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included until the
// next cleanup.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) periodicCleanup() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.CleanupExpired()
		}
	}
}

// Close stops the background cleanup goroutine.
// Call this when shutting down the application
func (s *MemoryStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}
