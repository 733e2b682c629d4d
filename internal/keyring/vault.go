// Package keyring owns private key records: parsing, at-rest protection
// checks, persistence and passphrase unlocking for both key families.
package keyring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mailcrypt/go-backend/internal/storage"
	"mailcrypt/go-backend/pkg/models"
)

const vaultField = "keyring"

const vaultSchemaVersion = 1

type persistedVault struct {
	Version int                `json:"version"`
	Records []models.KeyRecord `json:"records"`
}

// Vault holds the private key records of one account. All mutation goes
// through Add/Remove and persists synchronously before returning.
type Vault struct {
	mu      sync.RWMutex
	account string
	store   storage.AccountStore
	records []models.KeyRecord
	logger  *slog.Logger
	now     func() time.Time
}

// Open loads the vault of the given account from the store.
func Open(account string, store storage.AccountStore, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{
		account: account,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
	raw, ok, err := store.Get(account, vaultField)
	if err != nil {
		return nil, fmt.Errorf("load vault: %w", err)
	}
	if ok {
		var state persistedVault
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode vault: %w", err)
		}
		if state.Version != vaultSchemaVersion {
			return nil, errors.New("keyring: unsupported vault schema version")
		}
		v.records = state.Records
	}
	return v, nil
}

// Records returns the account's key records, optionally filtered by primary
// identity. The returned slice is a copy.
func (v *Vault) Records(filter ...models.KeyIdentity) []models.KeyRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(filter) == 0 {
		return append([]models.KeyRecord(nil), v.records...)
	}
	out := make([]models.KeyRecord, 0, len(filter))
	for _, rec := range v.records {
		for _, id := range filter {
			if rec.Identity.Equal(id) {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}

// Record returns the record matching the identity.
func (v *Vault) Record(id models.KeyIdentity) (models.KeyRecord, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, rec := range v.records {
		if rec.Identity.Equal(id) {
			return rec, nil
		}
	}
	return models.KeyRecord{}, ErrKeyNotFound
}

// Add parses the supplied key material and stores it. A record sharing the
// new key's primary identity is replaced in place; otherwise the record is
// appended. Keys that are not passphrase-protected are refused.
func (v *Vault) Add(material []byte) (models.KeyRecord, error) {
	rec, err := v.parse(material)
	if err != nil {
		return models.KeyRecord{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	previous := v.records
	replaced := false
	next := append([]models.KeyRecord(nil), v.records...)
	for i := range next {
		if next[i].Identity.Equal(rec.Identity) {
			next[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, rec)
	}
	v.records = next

	if err := v.persistLocked(); err != nil {
		v.records = previous
		return models.KeyRecord{}, fmt.Errorf("persist vault: %w", err)
	}

	v.logger.Info("key stored",
		slog.String("account", v.account),
		slog.String("key_id", rec.Identity.ID),
		slog.String("family", string(rec.Identity.Family)),
		slog.Bool("replaced", replaced),
	)
	return rec, nil
}

// Remove drops the record matching the identity. Removing an absent identity
// is a no-op.
func (v *Vault) Remove(id models.KeyIdentity) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	previous := v.records
	next := v.records[:0:0]
	removed := false
	for _, rec := range v.records {
		if rec.Identity.Equal(id) {
			removed = true
			continue
		}
		next = append(next, rec)
	}
	if !removed {
		return nil
	}
	v.records = next

	if err := v.persistLocked(); err != nil {
		v.records = previous
		return fmt.Errorf("persist vault: %w", err)
	}
	v.logger.Info("key removed",
		slog.String("account", v.account),
		slog.String("key_id", id.ID),
		slog.String("family", string(id.Family)),
	)
	return nil
}

func (v *Vault) parse(material []byte) (models.KeyRecord, error) {
	switch {
	case bytes.Contains(material, []byte(pgpPrivateHeader)):
		return parsePGPPrivate(material, v.now())
	case bytes.Contains(material, []byte("-----BEGIN "+pemTypeCertificate+"-----")):
		return parseX509Bundle(material, v.now())
	default:
		return models.KeyRecord{}, ErrUnknownKeyMaterial
	}
}

func (v *Vault) persistLocked() error {
	payload, err := json.Marshal(persistedVault{
		Version: vaultSchemaVersion,
		Records: v.records,
	})
	if err != nil {
		return err
	}
	return v.store.Set(v.account, vaultField, payload)
}
