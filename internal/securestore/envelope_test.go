package securestore

import (
	"errors"
	"testing"
)

func TestSealOpenRoundtrip(t *testing.T) {
	data, err := Seal("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	plain, err := Open("pass", data)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestOpenWrongSecretFails(t *testing.T) {
	data, err := Seal("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := Open("other", data); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenTamperedFailsDeterministically(t *testing.T) {
	data, err := Seal("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	data[len(data)-2] ^= 0xFF
	if _, err := Open("pass", data); !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed or ErrInvalid, got %v", err)
	}
}

func TestOpenRejectsUnsealedPayload(t *testing.T) {
	if _, err := Open("pass", []byte(`{"version":1}`)); !errors.Is(err, ErrPlaintext) {
		t.Fatalf("expected ErrPlaintext, got %v", err)
	}
}

func TestIsSealed(t *testing.T) {
	data, err := Seal("pass", []byte("x"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if !IsSealed(data) {
		t.Fatal("sealed blob not recognized")
	}
	if IsSealed([]byte("plaintext")) {
		t.Fatal("plaintext misdetected as sealed")
	}
}
