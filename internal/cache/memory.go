// In-memory cache store.
//
// DESIGN: Capacity-bounded map with LRU eviction on last_verified_at.
// Entries with the revocation bit set are preferred for eviction. A cleanup
// goroutine drops expired entries in the background; expiry is also checked
// on read so a stale entry is never served inside the cleanup interval.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/extraction"
)

const cleanupInterval = 5 * time.Minute

// MemoryStore is the default single-instance Store.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*memEntry
	capacity int
	cfg      config.CacheConfig
	onEvict  EvictFunc
	stopChan chan struct{}
	stopped  bool
}

type memEntry struct {
	entry     *extraction.CacheEntry
	expiresAt time.Time
}

// NewMemoryStore creates a memory store with the configured capacity and TTLs.
func NewMemoryStore(cfg config.CacheConfig, onEvict EvictFunc) *MemoryStore {
	s := &MemoryStore{
		entries:  make(map[string]*memEntry),
		capacity: cfg.Capacity,
		cfg:      cfg,
		onEvict:  onEvict,
		stopChan: make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// Get returns a live entry. Expired entries read as misses.
func (s *MemoryStore) Get(_ context.Context, contentHash string) (*extraction.CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[contentHash]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}

	// Copy so callers cannot mutate the stored entry.
	cp := *e.entry
	return &cp, true, nil
}

// Put stores the entry and evicts if over capacity.
func (s *MemoryStore) Put(_ context.Context, entry *extraction.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	cp := *entry
	s.entries[entry.Fingerprint.ContentHash] = &memEntry{
		entry:     &cp,
		expiresAt: time.Now().Add(s.cfg.TTLFor(entry.Fingerprint.PartitionKey)),
	}

	for len(s.entries) > s.capacity {
		s.evictOneLocked()
	}
	return nil
}

// evictOneLocked drops the best eviction candidate: revoked entries first,
// then the least recently verified.
func (s *MemoryStore) evictOneLocked() {
	var victimHash string
	var victim *memEntry
	for hash, e := range s.entries {
		if victim == nil {
			victimHash, victim = hash, e
			continue
		}
		if e.entry.Revoked != victim.entry.Revoked {
			if e.entry.Revoked {
				victimHash, victim = hash, e
			}
			continue
		}
		if e.entry.LastVerifiedAt.Before(victim.entry.LastVerifiedAt) {
			victimHash, victim = hash, e
		}
	}
	if victim == nil {
		return
	}
	delete(s.entries, victimHash)
	if s.onEvict != nil {
		s.onEvict(victim.entry.Fingerprint.PartitionKey, victimHash)
	}
}

// Touch updates last_verified_at.
func (s *MemoryStore) Touch(_ context.Context, contentHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[contentHash]; ok {
		e.entry.LastVerifiedAt = at
	}
	return nil
}

// MarkRevoked sets the revocation bit.
func (s *MemoryStore) MarkRevoked(_ context.Context, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[contentHash]
	if !ok {
		return false, nil
	}
	e.entry.Revoked = true
	return true, nil
}

// MarkRefresh flags the entry for counterfactual rebuild.
func (s *MemoryStore) MarkRefresh(_ context.Context, contentHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[contentHash]
	if !ok {
		return false, nil
	}
	e.entry.RefreshRequested = true
	return true, nil
}

// Evict physically removes the entry.
func (s *MemoryStore) Evict(_ context.Context, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, contentHash)
	return nil
}

// Close stops the cleanup goroutine and clears data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
		s.entries = nil
	}
	return nil
}

// cleanup periodically removes expired entries.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.stopped {
				now := time.Now()
				for hash, e := range s.entries {
					if now.After(e.expiresAt) {
						delete(s.entries, hash)
						if s.onEvict != nil {
							s.onEvict(e.entry.Fingerprint.PartitionKey, hash)
						}
					}
				}
			}
			s.mu.Unlock()
		}
	}
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
