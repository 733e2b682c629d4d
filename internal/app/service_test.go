package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	pgpcrypto "github.com/ProtonMail/gopenpgp/v3/crypto"

	"mailcrypt/go-backend/internal/directory"
	"mailcrypt/go-backend/internal/keyring"
	"mailcrypt/go-backend/internal/lockout"
	"mailcrypt/go-backend/internal/notify"
	"mailcrypt/go-backend/internal/passcache"
	"mailcrypt/go-backend/internal/policy"
	"mailcrypt/go-backend/internal/protect"
	"mailcrypt/go-backend/internal/resolve"
	"mailcrypt/go-backend/internal/storage"
	"mailcrypt/go-backend/internal/submission"
	"mailcrypt/go-backend/internal/unlock"
	"mailcrypt/go-backend/pkg/models"
)

const (
	testAccount    = "alice@example.com"
	testPassphrase = "correct horse battery"
)

type fakeDirectory struct {
	mu      sync.Mutex
	keys    map[string][]byte
	err     error
	submits map[string][]byte
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		keys:    make(map[string][]byte),
		submits: make(map[string][]byte),
	}
}

func (d *fakeDirectory) Lookup(ctx context.Context, email string) (*directory.LookupResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	key, ok := d.keys[email]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return &directory.LookupResult{PublicKey: key}, nil
}

func (d *fakeDirectory) Submit(ctx context.Context, email string, publicKey []byte) (*directory.SubmitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submits[email] = publicKey
	return &directory.SubmitResult{Saved: true}, nil
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []models.SendableMessage
	failFor  models.MessageVariant
	sendErr  error
	failNext bool
}

func (t *fakeTransport) Send(ctx context.Context, msg models.SendableMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext || (t.failFor != "" && msg.Variant == t.failFor) {
		t.failNext = false
		if t.sendErr != nil {
			return t.sendErr
		}
		return errors.New("transport down")
	}
	t.sent = append(t.sent, msg)
	return nil
}

type scriptedFallback struct {
	password  string
	cancelled bool
	calls     int
}

func (f *scriptedFallback) PromptFallbackPassword(ctx context.Context, req FallbackPromptRequest) (FallbackPromptAnswer, error) {
	f.calls++
	if f.cancelled {
		return FallbackPromptAnswer{Cancelled: true}, nil
	}
	return FallbackPromptAnswer{Password: f.password}, nil
}

type noPrompt struct{}

func (noPrompt) PromptPassphrase(ctx context.Context, req unlock.PromptRequest) (unlock.PromptAnswer, error) {
	return unlock.PromptAnswer{Cancelled: true}, nil
}

type serviceEnv struct {
	service   *Service
	dir       *fakeDirectory
	transport *fakeTransport
	fallback  *scriptedFallback
	cache     *passcache.Cache
	hub       *notify.Hub
	senderRec models.KeyRecord
}

func newServiceEnv(t *testing.T, submitPolicy submission.Policy) *serviceEnv {
	t.Helper()

	store := storage.NewMemoryStore()
	vault, err := keyring.Open(testAccount, store, nil)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	armored, err := keyring.GeneratePGP("Alice", testAccount, testPassphrase)
	if err != nil {
		t.Fatalf("generate sender key: %v", err)
	}
	senderRec, err := vault.Add(armored)
	if err != nil {
		t.Fatalf("add sender key: %v", err)
	}

	cache := passcache.New(store)
	guard := lockout.New(store, nil)
	unlocker := unlock.New(cache, guard, noPrompt{}, nil, nil)

	dir := newFakeDirectory()
	transport := &fakeTransport{}
	fallback := &scriptedFallback{password: "p1"}
	hub := notify.NewHub(64)

	service, err := New(Deps{
		Account:   testAccount,
		Vault:     vault,
		Cache:     cache,
		Guard:     guard,
		Unlocker:  unlocker,
		Resolver:  resolve.New(dir),
		Protector: protect.New(vault, unlocker),
		Submitter: submission.New(dir, submitPolicy),
		Transport: transport,
		Fallback:  fallback,
		Hub:       hub,
	})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return &serviceEnv{
		service:   service,
		dir:       dir,
		transport: transport,
		fallback:  fallback,
		cache:     cache,
		hub:       hub,
		senderRec: senderRec,
	}
}

func armoredPublicKey(t *testing.T, email string) []byte {
	t.Helper()
	key, err := pgpcrypto.PGP().KeyGeneration().AddUserId("Recipient", email).New().GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	armored, err := key.GetArmoredPublicKey()
	if err != nil {
		t.Fatalf("armor key: %v", err)
	}
	return []byte(armored)
}

func TestSendEncryptedWithFallback(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t, submission.Policy{})
	env.dir.keys["a@x.com"] = armoredPublicKey(t, "a@x.com")

	report, err := env.service.Send(context.Background(), SendRequest{
		Recipients: []string{"a@x.com", "b@y.com"},
		Body:       []byte("secret"),
		Choice:     models.ProtectionChoice{Encrypt: true},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(report.Deliveries) != 2 || report.Delivered() != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if env.fallback.calls != 1 {
		t.Fatalf("expected one fallback prompt, got %d", env.fallback.calls)
	}

	variants := map[models.MessageVariant]bool{}
	for _, msg := range env.transport.sent {
		variants[msg.Variant] = true
	}
	if !variants[models.VariantEncrypted] || !variants[models.VariantPasswordFallback] {
		t.Fatalf("unexpected variants: %v", variants)
	}
}

func TestDecliningFallbackBlocksSend(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t, submission.Policy{})
	env.fallback.cancelled = true

	_, err := env.service.Send(context.Background(), SendRequest{
		Recipients: []string{"b@y.com"},
		Body:       []byte("secret"),
		Choice:     models.ProtectionChoice{Encrypt: true},
	})
	if !errors.Is(err, protect.ErrFallbackPasswordRequired) {
		t.Fatalf("expected ErrFallbackPasswordRequired, got %v", err)
	}
	if len(env.transport.sent) != 0 {
		t.Fatal("nothing may be transmitted")
	}
}

func TestLookupFailureBlocksSend(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t, submission.Policy{})
	env.dir.err = &directory.APIError{StatusCode: 500, Message: "boom"}

	_, err := env.service.Send(context.Background(), SendRequest{
		Recipients: []string{"a@x.com"},
		Body:       []byte("secret"),
		Choice:     models.ProtectionChoice{Encrypt: true},
	})
	var blocked *policy.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
}

func TestPartialDeliveryFailureIsReported(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t, submission.Policy{})
	env.dir.keys["a@x.com"] = armoredPublicKey(t, "a@x.com")
	env.transport.failFor = models.VariantPasswordFallback

	report, err := env.service.Send(context.Background(), SendRequest{
		Recipients:       []string{"a@x.com", "b@y.com"},
		Body:             []byte("secret"),
		Choice:           models.ProtectionChoice{Encrypt: true},
		FallbackPassword: "p1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(report.Deliveries) != 2 || report.Delivered() != 1 {
		t.Fatalf("unexpected report: delivered %d of %d", report.Delivered(), len(report.Deliveries))
	}
}

func TestSendPlain(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t, submission.Policy{})
	report, err := env.service.Send(context.Background(), SendRequest{
		Recipients: []string{"a@x.com"},
		Body:       []byte("hello"),
		Choice:     models.ProtectionChoice{},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if report.Delivered() != 1 || env.transport.sent[0].Variant != models.VariantPlain {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestImportKeyPublishesAndNotifies(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t, submission.Policy{Enabled: true})
	_, events, cancel := env.hub.Subscribe(0)
	defer cancel()

	armored, err := keyring.GeneratePGP("Alice", testAccount, "another pass")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rec, err := env.service.ImportKey(context.Background(), armored)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if rec.Identity.Family != models.FamilyPGP {
		t.Fatalf("unexpected record: %+v", rec.Identity)
	}
	if _, ok := env.dir.submits[testAccount]; !ok {
		t.Fatalf("expected publication for %s, got %v", testAccount, env.dir.submits)
	}
	event := <-events
	if event.Kind != notify.KindKeyStored {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestWipeSessionClearsCachedPassphrases(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t, submission.Policy{})
	id := env.senderRec.Identity
	if err := env.cache.Set(models.ScopeSession, testAccount, id, testPassphrase); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	env.service.WipeSession()

	if _, ok, err := env.cache.Get(testAccount, id, false); err != nil || ok {
		t.Fatalf("session entry should be gone (ok=%v err=%v)", ok, err)
	}
}

func TestExportPublicKey(t *testing.T) {
	t.Parallel()

	env := newServiceEnv(t, submission.Policy{})
	pub, err := env.service.ExportPublicKey(env.senderRec.Identity)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(pub) == 0 {
		t.Fatal("expected armored public key")
	}
}
