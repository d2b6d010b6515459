package execctx

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepSchedule is how often the janitor evicts expired entries
const DefaultSweepSchedule = "@every 1m"

type storageEntry struct {
	value     interface{}
	expiresAt time.Time // zero means no expiry
}

// ScopedStore is an in-memory key-value store with per-entry TTL,
// namespaced by scope. Tool scripts use it for small cross-invocation
// state within a session; nothing here is persisted.
type ScopedStore struct {
	entries map[string]map[string]storageEntry
	cron    *cron.Cron
	mu      sync.RWMutex
}

// NewScopedStore creates an empty store
func NewScopedStore() *ScopedStore {
	return &ScopedStore{
		entries: make(map[string]map[string]storageEntry),
	}
}

// StartJanitor begins periodic eviction of expired entries on the
// given cron schedule (DefaultSweepSchedule if empty).
func (s *ScopedStore) StartJanitor(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		removed := s.Sweep()
		if removed > 0 {
			log.Debug().Int("removed", removed).Msg("Storage janitor swept expired entries")
		}
	}); err != nil {
		return err
	}
	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	return nil
}

// StopJanitor stops the sweep schedule
func (s *ScopedStore) StopJanitor() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
}

// Put stores a value under scope/key. A non-positive ttl means the
// entry never expires.
func (s *ScopedStore) Put(scope, key string, value interface{}, ttl time.Duration) {
	entry := storageEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[scope] == nil {
		s.entries[scope] = make(map[string]storageEntry)
	}
	s.entries[scope][key] = entry
}

// Get returns the value for scope/key. Expired entries read as absent.
func (s *ScopedStore) Get(scope, key string) (interface{}, bool) {
	s.mu.RLock()
	entry, ok := s.entries[scope][key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.Delete(scope, key)
		return nil, false
	}
	return entry.value, true
}

// Delete removes scope/key; absent entries are a no-op
func (s *ScopedStore) Delete(scope, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scoped, ok := s.entries[scope]; ok {
		delete(scoped, key)
		if len(scoped) == 0 {
			delete(s.entries, scope)
		}
	}
}

// DropScope removes every entry for a scope. Called when a session
// ends so its scratch state does not outlive it.
func (s *ScopedStore) DropScope(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, scope)
}

// Sweep evicts every expired entry and returns the count removed
func (s *ScopedStore) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for scope, scoped := range s.entries {
		for key, entry := range scoped {
			if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
				delete(scoped, key)
				removed++
			}
		}
		if len(scoped) == 0 {
			delete(s.entries, scope)
		}
	}
	return removed
}
