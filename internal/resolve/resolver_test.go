package resolve

import (
	"context"
	"sync"
	"testing"
	"time"

	pgpcrypto "github.com/ProtonMail/gopenpgp/v3/crypto"

	"mailcrypt/go-backend/internal/directory"
	"mailcrypt/go-backend/internal/platform/ratelimiter"
	"mailcrypt/go-backend/pkg/models"
)

type fakeDirectory struct {
	mu    sync.Mutex
	calls int
	keys  map[string][]byte
	err   error
	delay time.Duration
}

func (d *fakeDirectory) Lookup(ctx context.Context, email string) (*directory.LookupResult, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return nil, d.err
	}
	key, ok := d.keys[email]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return &directory.LookupResult{PublicKey: key}, nil
}

func (d *fakeDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeContacts struct {
	mu         sync.Mutex
	keys       map[string][]models.PublicKeyInfo
	remembered int
	forgotten  int
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{keys: make(map[string][]models.PublicKeyInfo)}
}

func (c *fakeContacts) ContactKeys(email string) ([]models.PublicKeyInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[email], nil
}

func (c *fakeContacts) RememberKeys(email string, keys []models.PublicKeyInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[email] = keys
	c.remembered++
	return nil
}

func (c *fakeContacts) Forget(email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, email)
	c.forgotten++
	return nil
}

type fakeDiscovery struct {
	mu    sync.Mutex
	calls int
	blobs map[string][][]byte
}

func (d *fakeDiscovery) Discover(ctx context.Context, email string) ([][]byte, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.blobs == nil {
		return nil, nil
	}
	return d.blobs[email], nil
}

func armoredTestKey(t *testing.T, email string) []byte {
	t.Helper()
	pgp := pgpcrypto.PGP()
	key, err := pgp.KeyGeneration().AddUserId("Test User", email).New().GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	armored, err := key.GetArmoredPublicKey()
	if err != nil {
		t.Fatalf("armor key: %v", err)
	}
	return []byte(armored)
}

func syntheticKey(id string, encrypt, sign models.Usability) models.PublicKeyInfo {
	return models.PublicKeyInfo{
		Identity:  models.KeyIdentity{ID: id, Family: models.FamilyPGP},
		Material:  []byte("synthetic " + id),
		Usability: models.KeyUsability{Encrypt: encrypt, Sign: sign},
	}
}

func TestContactHitShortCircuits(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	contacts := newFakeContacts()
	contacts.keys["bob@example.com"] = []models.PublicKeyInfo{
		syntheticKey("AA11", models.Usable, models.Usable),
	}
	resolver := New(dir, WithContacts(contacts))

	capability, err := resolver.Resolve(context.Background(), "Bob@Example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if capability.State != models.CapabilityFound {
		t.Fatalf("expected found, got %s", capability.State)
	}
	if capability.Source != models.SourceContactCache {
		t.Fatalf("expected contact source, got %s", capability.Source)
	}
	if dir.callCount() != 0 {
		t.Fatal("contact hit must not reach the directory")
	}
}

func TestDirectoryResultIsMemoizedAndRemembered(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{keys: map[string][]byte{
		"bob@example.com": armoredTestKey(t, "bob@example.com"),
	}}
	contacts := newFakeContacts()
	resolver := New(dir, WithContacts(contacts))

	first, err := resolver.Resolve(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.State != models.CapabilityFound || first.Source != models.SourceDirectory {
		t.Fatalf("unexpected capability: %+v", first)
	}

	if _, err := resolver.Resolve(context.Background(), "bob@example.com"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if dir.callCount() != 1 {
		t.Fatalf("expected one directory call, got %d", dir.callCount())
	}
	if contacts.remembered == 0 {
		t.Fatal("positive result must be written to the contact cache")
	}
}

func TestNoKeyFoundIsNotCached(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	resolver := New(dir)

	for i := 0; i < 2; i++ {
		capability, err := resolver.Resolve(context.Background(), "bob@example.com")
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if capability.State != models.CapabilityNoKeyFound {
			t.Fatalf("expected no key found, got %s", capability.State)
		}
	}
	if dir.callCount() != 2 {
		t.Fatalf("absence must be re-attempted, got %d calls", dir.callCount())
	}
}

func TestDirectoryFailureSurfacesAsLookupFailed(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{err: &directory.APIError{StatusCode: 500, Message: "boom"}}
	resolver := New(dir)

	capability, err := resolver.Resolve(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if capability.State != models.CapabilityLookupFailed {
		t.Fatalf("expected lookup failed, got %s", capability.State)
	}

	// Failures are not cached either.
	if _, err := resolver.Resolve(context.Background(), "bob@example.com"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if dir.callCount() != 2 {
		t.Fatalf("expected retry, got %d calls", dir.callCount())
	}
}

func TestWebDiscoveryShortCircuitsDirectory(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	discovery := &fakeDiscovery{blobs: map[string][][]byte{
		"bob@example.com": {armoredTestKey(t, "bob@example.com")},
	}}
	resolver := New(dir, WithDiscovery(discovery))

	capability, err := resolver.Resolve(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if capability.State != models.CapabilityFound || capability.Source != models.SourceWebDiscovery {
		t.Fatalf("unexpected capability: %+v", capability)
	}
	if dir.callCount() != 0 {
		t.Fatal("discovery hit must not reach the directory")
	}
}

func TestDiscoveryAbsenceFallsThroughToDirectory(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	resolver := New(dir, WithDiscovery(&fakeDiscovery{}))

	capability, err := resolver.Resolve(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if capability.State != models.CapabilityNoKeyFound {
		t.Fatalf("expected no key found, got %s", capability.State)
	}
	if dir.callCount() != 1 {
		t.Fatal("directory must be consulted when discovery is empty")
	}
}

func TestThrottledDomainSkipsDiscovery(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	discovery := &fakeDiscovery{blobs: map[string][][]byte{
		"b@example.com": {armoredTestKey(t, "b@example.com")},
	}}
	resolver := New(dir,
		WithDiscovery(discovery),
		WithThrottle(ratelimiter.New(0.001, 1, time.Minute)))

	if _, err := resolver.Resolve(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	// Same domain, bucket exhausted: discovery is skipped and the directory
	// answers instead.
	capability, err := resolver.Resolve(context.Background(), "b@example.com")
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}
	if capability.State != models.CapabilityNoKeyFound {
		t.Fatalf("expected directory fallback, got %+v", capability)
	}
	if discovery.calls != 1 {
		t.Fatalf("expected one discovery call, got %d", discovery.calls)
	}
}

func TestRefreshBypassesContactCache(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{keys: map[string][]byte{
		"bob@example.com": armoredTestKey(t, "bob@example.com"),
	}}
	contacts := newFakeContacts()
	contacts.keys["bob@example.com"] = []models.PublicKeyInfo{
		syntheticKey("STALE", models.Usable, models.Usable),
	}
	resolver := New(dir, WithContacts(contacts))

	capability, err := resolver.Refresh(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if capability.Source != models.SourceDirectory {
		t.Fatalf("refresh must reach the directory, got %s", capability.Source)
	}
	if dir.callCount() != 1 {
		t.Fatal("refresh must bypass the contact cache")
	}
}

func TestRefreshAfterKeyRemovalForgetsContact(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	contacts := newFakeContacts()
	contacts.keys["bob@example.com"] = []models.PublicKeyInfo{
		syntheticKey("STALE", models.Usable, models.Usable),
	}
	resolver := New(dir, WithContacts(contacts))

	refreshed, err := resolver.Refresh(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.State != models.CapabilityNoKeyFound {
		t.Fatalf("expected no key found, got %s", refreshed.State)
	}
	if contacts.forgotten != 1 {
		t.Fatalf("refresh must invalidate the contact entry, forgotten=%d", contacts.forgotten)
	}

	// The stale positive must not resurface through the contact tier.
	resolved, err := resolver.Resolve(context.Background(), "bob@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.State != models.CapabilityNoKeyFound || resolved.Source == models.SourceContactCache {
		t.Fatalf("stale contact entry resurfaced: %+v", resolved)
	}
}

func TestConcurrentResolveDeduplicates(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{
		keys:  map[string][]byte{"bob@example.com": armoredTestKey(t, "bob@example.com")},
		delay: 20 * time.Millisecond,
	}
	resolver := New(dir)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := resolver.Resolve(context.Background(), "bob@example.com"); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	if dir.callCount() != 1 {
		t.Fatalf("expected one directory call, got %d", dir.callCount())
	}
}

func TestCapabilityReportsEvaluatingWhileInFlight(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{delay: 50 * time.Millisecond}
	resolver := New(dir)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resolver.Resolve(context.Background(), "bob@example.com")
	}()

	deadline := time.After(time.Second)
	for {
		capability, ok := resolver.Capability("bob@example.com")
		if ok && capability.State == models.CapabilityEvaluating {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never observed evaluating state")
		case <-time.After(time.Millisecond):
		}
	}
	<-done
}

func TestResolveAllIsolatesRecipients(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{keys: map[string][]byte{
		"a@x.com": armoredTestKey(t, "a@x.com"),
	}}
	resolver := New(dir)

	results := resolver.ResolveAll(context.Background(), []string{"a@x.com", "b@y.com"})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].State != models.CapabilityFound {
		t.Fatalf("a@x.com: expected found, got %s", results[0].State)
	}
	if results[1].State != models.CapabilityNoKeyFound {
		t.Fatalf("b@y.com: expected no key found, got %s", results[1].State)
	}
}

func TestTieBreakPrefersDualCapableKeys(t *testing.T) {
	t.Parallel()

	keys := []models.PublicKeyInfo{
		syntheticKey("SIGNONLY", models.Unusable, models.Usable),
		syntheticKey("BOTH", models.Usable, models.Usable),
		syntheticKey("ENCONLY", models.Usable, models.Unusable),
	}
	capability := selectCandidates("bob@example.com", keys, models.SourceDirectory)
	if capability.State != models.CapabilityFound {
		t.Fatalf("expected found, got %s", capability.State)
	}
	if len(capability.Keys) != 1 || capability.Keys[0].Identity.ID != "BOTH" {
		t.Fatalf("expected the dual-capable key, got %+v", capability.Keys)
	}
}

func TestTieBreakFallsBackToEncryptThenSign(t *testing.T) {
	t.Parallel()

	encryptOnly := selectCandidates("bob@example.com", []models.PublicKeyInfo{
		syntheticKey("SIGNONLY", models.Unusable, models.Usable),
		syntheticKey("ENCONLY", models.Usable, models.Unusable),
	}, models.SourceDirectory)
	if encryptOnly.Keys[0].Identity.ID != "ENCONLY" {
		t.Fatalf("expected encryption-capable key, got %+v", encryptOnly.Keys)
	}

	signOnly := selectCandidates("bob@example.com", []models.PublicKeyInfo{
		syntheticKey("SIGNONLY", models.Unusable, models.Usable),
	}, models.SourceDirectory)
	if signOnly.State != models.CapabilityFound || signOnly.Keys[0].Identity.ID != "SIGNONLY" {
		t.Fatalf("expected signing-capable key, got %+v", signOnly)
	}
}

func TestExpiredOnlyKeysFlagMismatch(t *testing.T) {
	t.Parallel()

	capability := selectCandidates("bob@example.com", []models.PublicKeyInfo{
		syntheticKey("EXPIRED", models.UsableExpired, models.UsableExpired),
		syntheticKey("DEAD", models.Unusable, models.Unusable),
	}, models.SourceDirectory)
	if capability.State != models.CapabilityKeyMismatch {
		t.Fatalf("expected key mismatch, got %s", capability.State)
	}
	if len(capability.Keys) != 2 {
		t.Fatalf("mismatch must keep all keys, got %d", len(capability.Keys))
	}
}
