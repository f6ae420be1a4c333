package storage

import (
	"context"
	"sync"

	"github.com/ruteri/seedguard/interfaces"
)

// MemoryKeystore keeps keys in process memory.
type MemoryKeystore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{keys: make(map[string][]byte)}
}

func (m *MemoryKeystore) Get(ctx context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.keys[id]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryKeystore) Put(ctx context.Context, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryKeystore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
	return nil
}

func (m *MemoryKeystore) Name() string {
	return "memory"
}
