package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// KV is the flat key-value space conversations are persisted in.
type KV interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key starting with prefix, in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// MemoryKV keeps entries in process memory. Nothing survives a restart.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryKV creates an empty in-memory key-value space.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]string)}
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKV) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *MemoryKV) Close() error {
	return nil
}
