// Package passcache holds decrypted passphrases in two lifetime scopes:
// Durable entries persist through the account store, Session entries live
// only for the current process. A passphrase lives in exactly one scope at a
// time.
package passcache

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"mailcrypt/go-backend/internal/storage"
	"mailcrypt/go-backend/pkg/models"
)

const durableField = "passphrases"

// Cache is the process-wide passphrase cache. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	store   storage.AccountStore
	session map[string]string
}

func New(store storage.AccountStore) *Cache {
	return &Cache{
		store:   store,
		session: make(map[string]string),
	}
}

// Get returns the cached passphrase for the identity, consulting Session
// first unless durableOnly is set.
func (c *Cache) Get(account string, id models.KeyIdentity, durableOnly bool) (string, bool, error) {
	key := entryKey(account, id)

	c.mu.Lock()
	if !durableOnly {
		if value, ok := c.session[key]; ok {
			c.mu.Unlock()
			return value, true, nil
		}
	}
	c.mu.Unlock()

	durable, err := c.loadDurable(account)
	if err != nil {
		return "", false, err
	}
	value, ok := durable[key]
	return value, ok, nil
}

// Set stores (or, with an empty value, clears) the passphrase in the given
// scope. Writing one scope clears the other for the same identity.
func (c *Cache) Set(scope models.PassphraseScope, account string, id models.KeyIdentity, value string) error {
	switch scope {
	case models.ScopeSession, models.ScopeDurable:
	default:
		return fmt.Errorf("passcache: unknown scope %q", scope)
	}
	key := entryKey(account, id)

	c.mu.Lock()
	defer c.mu.Unlock()

	durable, err := c.loadDurable(account)
	if err != nil {
		return err
	}

	if scope == models.ScopeSession {
		// Session writes always vacate the durable slot.
		if _, ok := durable[key]; ok {
			delete(durable, key)
			if err := c.persistDurable(account, durable); err != nil {
				return err
			}
		}
		if value == "" {
			delete(c.session, key)
		} else {
			c.session[key] = value
		}
		return nil
	}

	if value == "" {
		delete(durable, key)
	} else {
		durable[key] = value
	}
	if err := c.persistDurable(account, durable); err != nil {
		return err
	}
	delete(c.session, key)
	return nil
}

// WipeSession drops every Session-scope entry for the account, e.g. at
// session end or explicit lock.
func (c *Cache) WipeSession(account string) {
	prefix := account + "\x1f"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.session {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.session, key)
		}
	}
}

func (c *Cache) loadDurable(account string) (map[string]string, error) {
	raw, ok, err := c.store.Get(account, durableField)
	if err != nil {
		return nil, fmt.Errorf("load durable passphrases: %w", err)
	}
	entries := make(map[string]string)
	if ok {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode durable passphrases: %w", err)
		}
	}
	return entries, nil
}

func (c *Cache) persistDurable(account string, entries map[string]string) error {
	if len(entries) == 0 {
		return c.store.Remove(account, durableField)
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return c.store.Set(account, durableField, raw)
}

func entryKey(account string, id models.KeyIdentity) string {
	return account + "\x1f" + string(id.Family) + "\x1f" + strings.ToUpper(id.ID)
}
