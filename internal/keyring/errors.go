package keyring

import "errors"

var (
	// ErrUnprotectedKey is returned when the supplied private key material is
	// not fully passphrase-protected. Such keys are never persisted.
	ErrUnprotectedKey = errors.New("keyring: private key is not passphrase-protected")

	// ErrWrongPassphrase is returned when a passphrase fails to decrypt the
	// key material.
	ErrWrongPassphrase = errors.New("keyring: wrong passphrase")

	// ErrNotPrivateKey is returned when the supplied material holds no
	// private key at all.
	ErrNotPrivateKey = errors.New("keyring: material does not contain a private key")

	// ErrUnknownKeyMaterial is returned when the material is neither an
	// armored OpenPGP key nor a PEM certificate bundle.
	ErrUnknownKeyMaterial = errors.New("keyring: unrecognized key material")

	// ErrKeyNotFound is returned when no vault record matches an identity.
	ErrKeyNotFound = errors.New("keyring: key not found")
)
