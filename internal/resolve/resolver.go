// Package resolve turns recipient addresses into candidate public keys. The
// lookup chain is contact cache, then opportunistic web discovery, then the
// authoritative directory; results are memoized per address until an explicit
// refresh.
package resolve

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mailcrypt/go-backend/internal/directory"
	"mailcrypt/go-backend/internal/keyring"
	"mailcrypt/go-backend/internal/platform/metrics"
	"mailcrypt/go-backend/internal/platform/ratelimiter"
	"mailcrypt/go-backend/pkg/models"
)

// ContactSource is the durable trusted-contact key cache.
type ContactSource interface {
	ContactKeys(email string) ([]models.PublicKeyInfo, error)
	RememberKeys(email string, keys []models.PublicKeyInfo) error
	Forget(email string) error
}

// Discoverer performs best-effort web key discovery.
type Discoverer interface {
	Discover(ctx context.Context, email string) ([][]byte, error)
}

// DirectoryLookup queries the authoritative key directory.
type DirectoryLookup interface {
	Lookup(ctx context.Context, email string) (*directory.LookupResult, error)
}

// EventSink receives a notification whenever an address finishes resolving.
type EventSink interface {
	RecipientResolved(capability models.RecipientCapability)
}

// Resolver resolves recipient capabilities with per-address memoization and
// in-flight deduplication. Concurrent resolutions of distinct addresses do
// not serialize against each other.
type Resolver struct {
	dir       DirectoryLookup
	contacts  ContactSource
	discovery Discoverer
	throttle  *ratelimiter.DomainLimiter
	events    EventSink
	logger    *slog.Logger
	metrics   *metrics.Set
	now       func() time.Time

	mu       sync.Mutex
	cache    map[string]models.RecipientCapability
	inflight map[string]*lookup
}

type lookup struct {
	done   chan struct{}
	result models.RecipientCapability
}

type Option func(*Resolver)

// WithContacts attaches the trusted-contact cache.
func WithContacts(contacts ContactSource) Option {
	return func(r *Resolver) { r.contacts = contacts }
}

// WithDiscovery attaches the web key discovery client.
func WithDiscovery(discovery Discoverer) Option {
	return func(r *Resolver) { r.discovery = discovery }
}

// WithThrottle bounds web discovery traffic per recipient domain.
func WithThrottle(throttle *ratelimiter.DomainLimiter) Option {
	return func(r *Resolver) { r.throttle = throttle }
}

// WithEvents attaches a sink notified on every completed resolution.
func WithEvents(events EventSink) Option {
	return func(r *Resolver) { r.events = events }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

func WithMetrics(set *metrics.Set) Option {
	return func(r *Resolver) { r.metrics = set }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func New(dir DirectoryLookup, opts ...Option) *Resolver {
	r := &Resolver{
		dir:      dir,
		logger:   slog.Default(),
		now:      time.Now,
		cache:    make(map[string]models.RecipientCapability),
		inflight: make(map[string]*lookup),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve produces the capability for one address, reusing a memoized result
// or joining an in-flight lookup when one exists.
func (r *Resolver) Resolve(ctx context.Context, email string) (models.RecipientCapability, error) {
	return r.resolve(ctx, email, false)
}

// Refresh drops the memoized result and the contact-cache short circuit for
// the address, then resolves it again from the network. A definitive network
// answer replaces the contact-cache entry, so a removed or rotated key does
// not resurface from the contact tier on the next Resolve.
func (r *Resolver) Refresh(ctx context.Context, email string) (models.RecipientCapability, error) {
	normalized := models.NormalizeEmail(email)
	r.mu.Lock()
	delete(r.cache, normalized)
	r.mu.Unlock()
	return r.resolve(ctx, normalized, true)
}

// Capability reports the current state for an address without triggering a
// lookup. The second return is false when the address was never resolved.
func (r *Resolver) Capability(email string) (models.RecipientCapability, bool) {
	normalized := models.NormalizeEmail(email)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[normalized]; ok {
		return cached, true
	}
	if _, ok := r.inflight[normalized]; ok {
		return models.RecipientCapability{Email: normalized, State: models.CapabilityEvaluating}, true
	}
	return models.RecipientCapability{}, false
}

// ResolveAll fans out over the addresses concurrently and returns one
// capability per address, in input order. A failure for one address never
// aborts the others.
func (r *Resolver) ResolveAll(ctx context.Context, emails []string) []models.RecipientCapability {
	results := make([]models.RecipientCapability, len(emails))
	var wg sync.WaitGroup
	for i, email := range emails {
		wg.Add(1)
		go func(i int, email string) {
			defer wg.Done()
			capability, err := r.Resolve(ctx, email)
			if err != nil {
				capability = models.RecipientCapability{
					Email: models.NormalizeEmail(email),
					State: models.CapabilityLookupFailed,
				}
			}
			results[i] = capability
		}(i, email)
	}
	wg.Wait()
	return results
}

func (r *Resolver) resolve(ctx context.Context, email string, skipContacts bool) (models.RecipientCapability, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return models.RecipientCapability{}, errors.New("resolve: empty address")
	}

	r.mu.Lock()
	if cached, ok := r.cache[email]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	if fl, ok := r.inflight[email]; ok {
		r.mu.Unlock()
		select {
		case <-fl.done:
			return fl.result, nil
		case <-ctx.Done():
			return models.RecipientCapability{Email: email, State: models.CapabilityEvaluating}, ctx.Err()
		}
	}
	fl := &lookup{done: make(chan struct{})}
	r.inflight[email] = fl
	r.mu.Unlock()

	result := r.perform(ctx, email, skipContacts)

	r.mu.Lock()
	fl.result = result
	if result.State == models.CapabilityFound || result.State == models.CapabilityKeyMismatch {
		r.cache[email] = result
	}
	delete(r.inflight, email)
	r.mu.Unlock()
	close(fl.done)

	r.metrics.Resolution(string(result.State))
	if r.events != nil {
		r.events.RecipientResolved(result)
	}
	return result, nil
}

func (r *Resolver) perform(ctx context.Context, email string, skipContacts bool) models.RecipientCapability {
	if r.contacts != nil && !skipContacts {
		keys, err := r.contacts.ContactKeys(email)
		if err != nil {
			r.logger.Warn("contact cache lookup failed", "email", email, "error", err)
			return models.RecipientCapability{Email: email, State: models.CapabilityLookupFailed}
		}
		if len(keys) > 0 {
			return selectCandidates(email, keys, models.SourceContactCache)
		}
	}

	if keys := r.discover(ctx, email); len(keys) > 0 {
		capability := selectCandidates(email, keys, models.SourceWebDiscovery)
		if capability.State == models.CapabilityFound {
			r.remember(email, capability.Keys)
			return capability
		}
	}

	result, err := r.dir.Lookup(ctx, email)
	if errors.Is(err, directory.ErrNotFound) {
		if skipContacts {
			r.forget(email)
		}
		return models.RecipientCapability{Email: email, State: models.CapabilityNoKeyFound}
	}
	if err != nil {
		r.logger.Warn("directory lookup failed", "email", email, "error", err)
		return models.RecipientCapability{Email: email, State: models.CapabilityLookupFailed}
	}

	info, err := keyring.ParsePublic(result.PublicKey, r.now())
	if err != nil {
		r.logger.Warn("directory returned unparseable key", "email", email, "error", err)
		return models.RecipientCapability{Email: email, State: models.CapabilityLookupFailed}
	}
	capability := selectCandidates(email, []models.PublicKeyInfo{info}, models.SourceDirectory)
	// On a refresh the contact tier mirrors the directory answer even for a
	// mismatch, so pre-rotation keys cannot resurface from it.
	if capability.State == models.CapabilityFound || skipContacts {
		r.remember(email, capability.Keys)
	}
	return capability
}

// discover runs the best-effort web discovery step. Every failure mode reads
// as absence; a throttled domain skips the step entirely.
func (r *Resolver) discover(ctx context.Context, email string) []models.PublicKeyInfo {
	if r.discovery == nil {
		return nil
	}
	if !r.throttle.Allow(models.EmailDomain(email), r.now()) {
		r.metrics.WKDThrottled()
		r.logger.Debug("web discovery throttled", "email", email)
		return nil
	}

	blobs, err := r.discovery.Discover(ctx, email)
	if err != nil || len(blobs) == 0 {
		return nil
	}
	keys := make([]models.PublicKeyInfo, 0, len(blobs))
	for _, blob := range blobs {
		info, err := keyring.ParsePGPPublic(blob, r.now())
		if err != nil {
			continue
		}
		keys = append(keys, info)
	}
	return keys
}

func (r *Resolver) remember(email string, keys []models.PublicKeyInfo) {
	if r.contacts == nil {
		return
	}
	if err := r.contacts.RememberKeys(email, keys); err != nil {
		r.logger.Warn("contact cache write failed", "email", email, "error", err)
	}
}

func (r *Resolver) forget(email string) {
	if r.contacts == nil {
		return
	}
	if err := r.contacts.Forget(email); err != nil {
		r.logger.Warn("contact cache invalidation failed", "email", email, "error", err)
	}
}

// selectCandidates applies the capability tie-break over the found keys:
// a key usable for both operations wins, then encryption-capable, then
// signing-capable. When every key is expired or unusable the address is
// flagged as a mismatch and all keys are kept for the caller to inspect.
func selectCandidates(email string, keys []models.PublicKeyInfo, source models.CapabilitySource) models.RecipientCapability {
	var bothCapable, encryptCapable, signCapable []models.PublicKeyInfo
	for _, key := range keys {
		canEncrypt := key.Usability.Encrypt == models.Usable
		canSign := key.Usability.Sign == models.Usable
		switch {
		case canEncrypt && canSign:
			bothCapable = append(bothCapable, key)
		case canEncrypt:
			encryptCapable = append(encryptCapable, key)
		case canSign:
			signCapable = append(signCapable, key)
		}
	}

	capability := models.RecipientCapability{
		Email:  email,
		State:  models.CapabilityFound,
		Source: source,
	}
	switch {
	case len(bothCapable) > 0:
		capability.Keys = bothCapable
	case len(encryptCapable) > 0:
		capability.Keys = encryptCapable
	case len(signCapable) > 0:
		capability.Keys = signCapable
	default:
		capability.State = models.CapabilityKeyMismatch
		capability.Keys = append([]models.PublicKeyInfo(nil), keys...)
	}
	return capability
}
