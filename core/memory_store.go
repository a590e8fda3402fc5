package core

import (
	"context"
	"sync"
	"time"
)

// defaultSweepInterval bounds how often Set scans for expired entries.
const defaultSweepInterval = time.Minute

// MemoryStore is an in-memory implementation of the Memory interface.
// Expired entries are removed when Get finds them and by a periodic
// sweep piggybacked on Set, so keys that are never read again do not
// accumulate.
type MemoryStore struct {
	mu            sync.RWMutex
	store         map[string]memoryEntry
	logger        Logger
	sweepInterval time.Duration
	nextSweep     time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		store:         make(map[string]memoryEntry),
		logger:        &NoOpLogger{},
		sweepInterval: defaultSweepInterval,
		nextSweep:     time.Now().Add(defaultSweepInterval),
	}
}

// SetLogger configures the logger for this memory store
func (m *MemoryStore) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Get retrieves a value from memory. Missing and expired keys return "".
func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	entry, exists := m.store[key]
	m.mu.RUnlock()

	if !exists {
		m.logger.Debug("Cache miss", map[string]interface{}{
			"operation": "cache_get",
			"key":       key,
		})
		return "", nil
	}

	if entry.expired(time.Now()) {
		m.mu.Lock()
		// Another writer may have replaced the entry since the read lock.
		if current, ok := m.store[key]; ok && current.expired(time.Now()) {
			delete(m.store, key)
		}
		m.mu.Unlock()

		m.logger.Debug("Cache entry expired", map[string]interface{}{
			"operation":  "cache_get",
			"key":        key,
			"expired_at": entry.expiresAt.Format(time.RFC3339),
		})
		return "", nil
	}

	return entry.value, nil
}

// Set stores a value in memory with optional TTL
func (m *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	m.store[key] = entry

	if !now.Before(m.nextSweep) {
		m.sweepLocked(now)
	}
	return nil
}

// sweepLocked deletes every expired entry. Caller holds m.mu for writing.
func (m *MemoryStore) sweepLocked(now time.Time) {
	removed := 0
	for key, entry := range m.store {
		if entry.expired(now) {
			delete(m.store, key)
			removed++
		}
	}
	m.nextSweep = now.Add(m.sweepInterval)
	if removed > 0 {
		m.logger.Debug("Swept expired cache entries", map[string]interface{}{
			"operation": "cache_sweep",
			"removed":   removed,
			"remaining": len(m.store),
		})
	}
}

// Len returns the number of stored entries, expired ones included until
// they are evicted.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store)
}

// Delete removes a value from memory
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
	return nil
}

// Exists checks if a non-expired key exists in memory
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.store[key]
	if !exists {
		return false, nil
	}
	return !entry.expired(time.Now()), nil
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}
