package metastore

import (
	"context"
	"sync"
	"time"
)

// pruneInterval is the minimum gap between full expiry scans triggered by Put.
const pruneInterval = time.Minute

// Memory is an in-process Store for single-node deployments and tests.
// Expired entries are dropped when read and by periodic scans on write, so
// payloads nobody reads again do not accumulate.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]memEntry
	now        func() time.Time
	lastPruned time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

// Put stores a copy of value. A non-positive ttl never expires.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.now()
	entry := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastPruned) >= pruneInterval {
		m.pruneLocked(now)
	}
	m.entries[key] = entry
	return nil
}

// Get returns the stored value or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	now := m.now()
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(now) {
		m.mu.Lock()
		// A Put may have replaced the entry since the read lock was released.
		if current, ok := m.entries[key]; ok && current.expired(now) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

// Delete removes keys; missing keys are ignored.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	return nil
}

// Prune drops every expired entry and returns how many were removed.
func (m *Memory) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(m.now())
}

func (m *Memory) pruneLocked(now time.Time) int {
	removed := 0
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	m.lastPruned = now
	return removed
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Len returns the number of entries including expired ones not yet pruned.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
