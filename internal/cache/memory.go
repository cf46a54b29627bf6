package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/featstore/internal/types"
)

// Memory is an in-process FeatureCache with per-key expiry and
// approximate LRU eviction once maxEntries is exceeded. It backs tests
// and the embedded deployment mode.
type Memory struct {
	mu sync.Mutex

	entries    map[string]*memoryEntry
	maxEntries int

	// clock allows tests to control expiry without sleeping.
	clock func() time.Time

	evictions int64
}

type memoryEntry struct {
	entry      types.CacheEntry
	expiresAt  time.Time
	lastAccess time.Time
}

var _ FeatureCache = (*Memory)(nil)

// NewMemory creates a memory cache holding at most maxEntries entries.
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		entries:    make(map[string]*memoryEntry),
		maxEntries: maxEntries,
		clock:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Get returns the entry for key, expiring it lazily.
func (m *Memory) Get(ctx context.Context, key string) (*types.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}

	now := m.clock()
	if !now.Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}

	e.lastAccess = now
	entry := e.entry
	return &entry, true, nil
}

// GetMany returns entries in key order; nil marks a miss.
func (m *Memory) GetMany(ctx context.Context, keys []string) ([]*types.CacheEntry, error) {
	out := make([]*types.CacheEntry, len(keys))
	for i, key := range keys {
		entry, ok, _ := m.Get(ctx, key)
		if ok {
			out[i] = entry
		}
	}
	return out, nil
}

// Set stores an entry, evicting the approximately least recently used
// entry when the cache is full.
func (m *Memory) Set(ctx context.Context, key string, entry *types.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOneLocked()
	}

	m.entries[key] = &memoryEntry{
		entry:      *entry,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
	return nil
}

// SetMany stores several entries with one TTL.
func (m *Memory) SetMany(ctx context.Context, entries map[string]*types.CacheEntry, ttl time.Duration) error {
	for key, entry := range entries {
		if err := m.Set(ctx, key, entry, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Delete evicts a single key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// DeleteEntity evicts every key with the entity's prefix.
func (m *Memory) DeleteEntity(ctx context.Context, entityID string) (int, error) {
	prefix := entityID + ":"

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			n++
		}
	}
	return n, nil
}

// Len returns the current number of entries, including not-yet-expired.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Evictions returns how many entries were dropped under pressure.
func (m *Memory) Evictions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

// Close is a no-op for the memory backend.
func (m *Memory) Close() error { return nil }

// evictOneLocked removes the least recently accessed entry, preferring
// anything already expired. Caller holds m.mu.
func (m *Memory) evictOneLocked() {
	now := m.clock()

	var victim string
	var oldest time.Time
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			victim = key
			break
		}
		if victim == "" || e.lastAccess.Before(oldest) {
			victim = key
			oldest = e.lastAccess
		}
	}
	if victim != "" {
		delete(m.entries, victim)
		m.evictions++
	}
}
