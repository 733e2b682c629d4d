package storage

import (
	"bytes"
	"errors"
	"testing"

	"mailcrypt/go-backend/internal/securestore"
)

func TestMemoryStoreRoundtrip(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if err := store.Set("acct", "keyring", []byte("payload")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := store.Get("acct", "keyring")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(value, []byte("payload")) {
		t.Fatalf("unexpected value: %q", value)
	}

	if err := store.Remove("acct", "keyring"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok, _ := store.Get("acct", "keyring"); ok {
		t.Fatal("value survived remove")
	}
}

func TestMemoryStoreIsolatesAccounts(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if err := store.Set("a", "field", []byte("one")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok, _ := store.Get("b", "field"); ok {
		t.Fatal("value leaked across accounts")
	}
}

func TestStorageKeyRejectsEmptyParts(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if err := store.Set("", "field", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := store.Set("acct", "  ", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestSealedStoreEncryptsAtRest(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	store := NewSealedStore(inner, "device-secret")

	if err := store.Set("acct", "passphrases", []byte("hunter2")); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	raw, ok, err := inner.Get("acct", "passphrases")
	if err != nil || !ok {
		t.Fatalf("inner get failed: ok=%v err=%v", ok, err)
	}
	if bytes.Contains(raw, []byte("hunter2")) {
		t.Fatal("plaintext reached the inner store")
	}
	if !securestore.IsSealed(raw) {
		t.Fatal("inner value is not a sealed blob")
	}

	plain, ok, err := store.Get("acct", "passphrases")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if string(plain) != "hunter2" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}
}

func TestSealedStoreWrongSecretSurfacesError(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	if err := NewSealedStore(inner, "right").Set("acct", "field", []byte("v")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, _, err := NewSealedStore(inner, "wrong").Get("acct", "field"); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestBadgerStoreRoundtrip(t *testing.T) {
	store, err := OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer store.Close()

	if err := store.Set("acct", "lockout", []byte("state")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := store.Get("acct", "lockout")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(value, []byte("state")) {
		t.Fatalf("unexpected value: %q", value)
	}
	if _, ok, _ := store.Get("acct", "absent"); ok {
		t.Fatal("missing field reported present")
	}
	if err := store.Remove("acct", "lockout"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok, _ := store.Get("acct", "lockout"); ok {
		t.Fatal("value survived remove")
	}
}
