// Package contacts keeps the per-account cache of recipient public keys that
// earlier resolutions established. A contact hit short-circuits network
// discovery, so stale-but-working keys survive directory outages.
package contacts

import (
	"encoding/json"
	"fmt"
	"sync"

	"mailcrypt/go-backend/internal/storage"
	"mailcrypt/go-backend/pkg/models"
)

const contactsField = "contacts"

// Store is the durable trusted-contact key cache for one account.
type Store struct {
	mu      sync.Mutex
	account string
	store   storage.AccountStore
	byEmail map[string][]models.PublicKeyInfo
}

// Open loads the contact cache for an account.
func Open(account string, store storage.AccountStore) (*Store, error) {
	s := &Store{
		account: account,
		store:   store,
		byEmail: make(map[string][]models.PublicKeyInfo),
	}
	raw, ok, err := store.Get(account, contactsField)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, &s.byEmail); err != nil {
			return nil, fmt.Errorf("decode contacts: %w", err)
		}
	}
	return s, nil
}

// ContactKeys returns the cached keys for an address, or nil when the address
// has never resolved positively.
func (s *Store) ContactKeys(email string) ([]models.PublicKeyInfo, error) {
	email = models.NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.byEmail[email]
	if !ok {
		return nil, nil
	}
	return append([]models.PublicKeyInfo(nil), keys...), nil
}

// RememberKeys overwrites the cached keys for an address. An empty key set
// removes the entry; absence is never cached.
func (s *Store) RememberKeys(email string, keys []models.PublicKeyInfo) error {
	email = models.NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	previous, had := s.byEmail[email]
	if len(keys) == 0 {
		delete(s.byEmail, email)
	} else {
		s.byEmail[email] = append([]models.PublicKeyInfo(nil), keys...)
	}
	if err := s.persistLocked(); err != nil {
		if had {
			s.byEmail[email] = previous
		} else {
			delete(s.byEmail, email)
		}
		return err
	}
	return nil
}

// Forget drops the cached entry for an address. Idempotent.
func (s *Store) Forget(email string) error {
	return s.RememberKeys(email, nil)
}

func (s *Store) persistLocked() error {
	if len(s.byEmail) == 0 {
		return s.store.Remove(s.account, contactsField)
	}
	raw, err := json.Marshal(s.byEmail)
	if err != nil {
		return fmt.Errorf("encode contacts: %w", err)
	}
	return s.store.Set(s.account, contactsField, raw)
}
