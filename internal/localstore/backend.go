// Package localstore keeps terminal records durable across restarts and outages.
package localstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Backend.Get for a missing key
var ErrNotFound = errors.New("key not found")

// Backend is a flat key/value store. Implementations must make Put atomic per key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key starting with prefix in lexical order
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// MemoryBackend keeps everything in process memory
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// Len returns the number of stored keys
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// trackedBackend remembers which keys changed since the last take
type trackedBackend struct {
	Backend
	mu    sync.Mutex
	dirty map[string]struct{}
}

func newTrackedBackend(b Backend) *trackedBackend {
	return &trackedBackend{Backend: b, dirty: make(map[string]struct{})}
}

func (t *trackedBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := t.Backend.Put(ctx, key, value); err != nil {
		return err
	}
	t.mark(key)
	return nil
}

func (t *trackedBackend) Delete(ctx context.Context, key string) error {
	if err := t.Backend.Delete(ctx, key); err != nil {
		return err
	}
	t.mark(key)
	return nil
}

func (t *trackedBackend) mark(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		t.dirty[k] = struct{}{}
	}
}

// take returns the changed keys in lexical order and resets the set
func (t *trackedBackend) take() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.dirty))
	for k := range t.dirty {
		keys = append(keys, k)
	}
	t.dirty = make(map[string]struct{})
	sort.Strings(keys)
	return keys
}
