package keyring

import (
	"errors"
	"fmt"

	pgpcrypto "github.com/ProtonMail/gopenpgp/v3/crypto"
)

// GeneratePGP creates a fresh OpenPGP key for the address, locks it under the
// passphrase and returns the armored private key. The result is suitable for
// Vault.Add and for directory submission of its public half.
func GeneratePGP(name, email, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("keyring: a passphrase is required for key generation")
	}
	pgp := pgpcrypto.PGP()
	key, err := pgp.KeyGeneration().AddUserId(name, email).New().GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	locked, err := pgp.LockKey(key, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("lock key: %w", err)
	}
	armored, err := locked.Armor()
	if err != nil {
		return nil, err
	}
	return []byte(armored), nil
}
