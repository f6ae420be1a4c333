package serverstore

import (
	"context"
	"sync"
	"time"

	"github.com/ruteri/seedguard/interfaces"
)

// MemoryStore keeps encoded accounts in memory.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string][]byte
	index    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string][]byte),
		index:    make(map[string]string),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	data, ok := s.accounts[id]
	s.mu.Unlock()
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return decodeAccount(data)
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Account) error) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := &Account{ID: id, CreatedAt: time.Now().UTC()}
	if data, ok := s.accounts[id]; ok {
		var err error
		if account, err = decodeAccount(data); err != nil {
			return nil, err
		}
	}
	if err := fn(account); err != nil {
		return nil, err
	}
	data, err := encodeAccount(account)
	if err != nil {
		return nil, err
	}
	s.accounts[id] = data
	return account, nil
}

func (s *MemoryStore) PutIndex(ctx context.Context, key, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[key] = accountID
	return nil
}

func (s *MemoryStore) LookupIndex(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.index[key]
	if !ok {
		return "", interfaces.ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) Close() error { return nil }
