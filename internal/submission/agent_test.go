package submission

import (
	"context"
	"errors"
	"testing"

	"mailcrypt/go-backend/internal/directory"
	"mailcrypt/go-backend/internal/keyring"
	"mailcrypt/go-backend/internal/storage"
	"mailcrypt/go-backend/pkg/models"
)

type fakeDirectory struct {
	lookupKey []byte
	lookupErr error
	submits   map[string][]byte
	submitErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		lookupErr: directory.ErrNotFound,
		submits:   make(map[string][]byte),
	}
}

func (d *fakeDirectory) Lookup(ctx context.Context, email string) (*directory.LookupResult, error) {
	if d.lookupErr != nil {
		return nil, d.lookupErr
	}
	return &directory.LookupResult{PublicKey: d.lookupKey}, nil
}

func (d *fakeDirectory) Submit(ctx context.Context, email string, publicKey []byte) (*directory.SubmitResult, error) {
	if d.submitErr != nil {
		return nil, d.submitErr
	}
	d.submits[email] = publicKey
	return &directory.SubmitResult{Saved: true}, nil
}

func testRecord(t *testing.T, email string) models.KeyRecord {
	t.Helper()
	vault, err := keyring.Open(email, storage.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	armored, err := keyring.GeneratePGP("Test", email, "passphrase")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rec, err := vault.Add(armored)
	if err != nil {
		t.Fatalf("add key: %v", err)
	}
	return rec
}

func TestDisabledPolicyIsNoOp(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	agent := New(dir, Policy{})
	rec := testRecord(t, "alice@example.com")

	if err := agent.SubmitIfNeeded(context.Background(), "alice@example.com", rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(dir.submits) != 0 {
		t.Fatalf("expected no submissions, got %v", dir.submits)
	}
}

func TestUnusableKeyIsNotPublished(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	agent := New(dir, Policy{Enabled: true})
	rec := models.KeyRecord{
		Identity:  models.KeyIdentity{ID: "AA11", Family: models.FamilyPGP},
		Usability: models.KeyUsability{Encrypt: models.UsableExpired, Sign: models.Usable},
	}

	if err := agent.SubmitIfNeeded(context.Background(), "alice@example.com", rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(dir.submits) != 0 {
		t.Fatalf("expected no submissions, got %v", dir.submits)
	}
}

func TestSubmitsPrimaryAddressOnly(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	agent := New(dir, Policy{Enabled: true})
	rec := testRecord(t, "alice@example.com")

	if err := agent.SubmitIfNeeded(context.Background(), "Alice@Example.com", rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(dir.submits) != 1 {
		t.Fatalf("expected one submission, got %v", dir.submits)
	}
	if _, ok := dir.submits["alice@example.com"]; !ok {
		t.Fatalf("primary address missing: %v", dir.submits)
	}
}

func TestSubmitsAliasesWhenConfigured(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	agent := New(dir, Policy{Enabled: true, SubmitAliases: true})
	rec := testRecord(t, "alice@example.com")
	rec.Emails = append(rec.Emails, "a.smith@example.com")

	if err := agent.SubmitIfNeeded(context.Background(), "alice@example.com", rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(dir.submits) != 2 {
		t.Fatalf("expected two submissions, got %v", dir.submits)
	}
	if _, ok := dir.submits["a.smith@example.com"]; !ok {
		t.Fatalf("alias missing: %v", dir.submits)
	}
}

func TestDirectoryMismatchRefusesPublication(t *testing.T) {
	t.Parallel()

	rec := testRecord(t, "alice@example.com")
	other := testRecord(t, "alice@example.com")
	otherPub, err := keyring.PublicMaterial(other)
	if err != nil {
		t.Fatalf("public material: %v", err)
	}

	dir := newFakeDirectory()
	dir.lookupErr = nil
	dir.lookupKey = otherPub
	agent := New(dir, Policy{Enabled: true, RequireDirectoryMatch: true})

	err = agent.SubmitIfNeeded(context.Background(), "alice@example.com", rec)
	var mismatch *DirectoryKeyMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected DirectoryKeyMismatchError, got %v", err)
	}
	if len(dir.submits) != 0 {
		t.Fatal("conflicting record must not be overwritten")
	}
}

func TestDirectoryMatchAllowsPublication(t *testing.T) {
	t.Parallel()

	rec := testRecord(t, "alice@example.com")
	pub, err := keyring.PublicMaterial(rec)
	if err != nil {
		t.Fatalf("public material: %v", err)
	}

	dir := newFakeDirectory()
	dir.lookupErr = nil
	dir.lookupKey = pub
	agent := New(dir, Policy{Enabled: true, RequireDirectoryMatch: true})

	if err := agent.SubmitIfNeeded(context.Background(), "alice@example.com", rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(dir.submits) != 1 {
		t.Fatalf("expected one submission, got %v", dir.submits)
	}
}

func TestAbsentDirectoryRecordAllowsPublication(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	agent := New(dir, Policy{Enabled: true, RequireDirectoryMatch: true})
	rec := testRecord(t, "alice@example.com")

	if err := agent.SubmitIfNeeded(context.Background(), "alice@example.com", rec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(dir.submits) != 1 {
		t.Fatalf("expected one submission, got %v", dir.submits)
	}
}
