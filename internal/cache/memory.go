package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// Memory is an in-process [Client] for tests and cache-less deployments.
// Expired entries are dropped on read.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := time.Now()

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if now.After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}

	return append([]byte(nil), entry.payload...), true, nil
}

func (m *Memory) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	m.mu.Lock()
	m.entries[key] = memoryEntry{
		payload:   append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	m.mu.Unlock()

	return nil
}

// DeleteMatching supports the pattern shapes this module produces: a literal
// key, or a literal prefix terminated by a single trailing "*".
func (m *Memory) DeleteMatching(_ context.Context, pattern string) (int, error) {
	prefix, wildcard := strings.CutSuffix(pattern, "*")

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key := range m.entries {
		if matched := (wildcard && strings.HasPrefix(key, prefix)) || (!wildcard && key == pattern); matched {
			delete(m.entries, key)
			deleted++
		}
	}

	return deleted, nil
}

// Len reports the number of live entries, counting entries that have expired
// but not yet been swept.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
