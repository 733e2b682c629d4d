// Package storage defines the durable account store the vault, passphrase
// cache and lockout guard persist through, plus its badger-backed and
// in-memory implementations.
package storage

import (
	"errors"
	"strings"
	"sync"
)

var ErrInvalidKey = errors.New("storage: account and field must be non-empty")

// AccountStore is a key-value store scoped by account and field name.
// Implementations must be safe for concurrent use.
type AccountStore interface {
	Get(account, field string) ([]byte, bool, error)
	Set(account, field string, value []byte) error
	Remove(account, field string) error
}

func storageKey(account, field string) (string, error) {
	account = strings.TrimSpace(account)
	field = strings.TrimSpace(field)
	if account == "" || field == "" {
		return "", ErrInvalidKey
	}
	return account + "\x00" + field, nil
}

// MemoryStore keeps values in process memory. Used in tests and as the
// backing store for Session-scope state.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Get(account, field string) ([]byte, bool, error) {
	key, err := storageKey(account, field)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemoryStore) Set(account, field string, value []byte) error {
	key, err := storageKey(account, field)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Remove(account, field string) error {
	key, err := storageKey(account, field)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
