package storage

import (
	"fmt"

	"mailcrypt/go-backend/internal/securestore"
)

// SealedStore wraps another AccountStore and seals every value with a device
// secret, so state on disk is never plaintext.
type SealedStore struct {
	inner  AccountStore
	secret string
}

func NewSealedStore(inner AccountStore, secret string) *SealedStore {
	return &SealedStore{inner: inner, secret: secret}
}

func (s *SealedStore) Get(account, field string) ([]byte, bool, error) {
	raw, ok, err := s.inner.Get(account, field)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := securestore.Open(s.secret, raw)
	if err != nil {
		return nil, false, fmt.Errorf("unseal %s/%s: %w", account, field, err)
	}
	return plain, true, nil
}

func (s *SealedStore) Set(account, field string, value []byte) error {
	sealed, err := securestore.Seal(s.secret, value)
	if err != nil {
		return err
	}
	return s.inner.Set(account, field, sealed)
}

func (s *SealedStore) Remove(account, field string) error {
	return s.inner.Remove(account, field)
}
