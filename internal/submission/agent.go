// Package submission publishes public keys to the directory service so other
// senders can discover them. Publication is policy-gated and never overwrites
// a conflicting authoritative record.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mailcrypt/go-backend/internal/directory"
	"mailcrypt/go-backend/internal/keyring"
	"mailcrypt/go-backend/internal/platform/metrics"
	"mailcrypt/go-backend/pkg/models"
)

// Policy is the administrative configuration for key publication.
type Policy struct {
	Enabled bool `yaml:"enabled"`

	// SubmitAliases publishes the key for every address the key attests to,
	// not just the account's primary address.
	SubmitAliases bool `yaml:"submit_aliases"`

	// RequireDirectoryMatch refuses to publish when the directory already
	// holds a different key for the primary address.
	RequireDirectoryMatch bool `yaml:"require_directory_match"`
}

// DirectoryKeyMismatchError reports that the directory holds a conflicting
// authoritative key. Resolution requires administrator intervention, not an
// overwrite.
type DirectoryKeyMismatchError struct {
	Email        string
	DirectoryKey string
	LocalKey     string
}

func (e *DirectoryKeyMismatchError) Error() string {
	return fmt.Sprintf("submission: directory holds key %s for %q, local key is %s",
		e.DirectoryKey, e.Email, e.LocalKey)
}

// Directory is the subset of the directory client the agent needs.
type Directory interface {
	Lookup(ctx context.Context, email string) (*directory.LookupResult, error)
	Submit(ctx context.Context, email string, publicKey []byte) (*directory.SubmitResult, error)
}

// Agent conditionally publishes keys after creation or import.
type Agent struct {
	dir     Directory
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Set
	now     func() time.Time
}

type Option func(*Agent)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

func WithMetrics(set *metrics.Set) Option {
	return func(a *Agent) { a.metrics = set }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func New(dir Directory, policy Policy, opts ...Option) *Agent {
	a := &Agent{
		dir:    dir,
		policy: policy,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SubmitIfNeeded publishes the record's public key for the primary address
// and, when configured, for every alias the key attests to. It is a no-op
// when publication is disabled or the key cannot encrypt.
func (a *Agent) SubmitIfNeeded(ctx context.Context, primary string, rec models.KeyRecord) error {
	if !a.policy.Enabled {
		a.logger.Debug("key publication disabled", "account", primary)
		return nil
	}
	if rec.Revoked || rec.Usability.Encrypt != models.Usable {
		a.logger.Debug("key not publishable", "account", primary, "key_id", rec.Identity.ID)
		a.metrics.Submission("skipped")
		return nil
	}

	material, err := keyring.PublicMaterial(rec)
	if err != nil {
		return fmt.Errorf("extract public key: %w", err)
	}

	primary = models.NormalizeEmail(primary)
	if a.policy.RequireDirectoryMatch {
		if err := a.verifyDirectoryMatch(ctx, primary, rec); err != nil {
			a.metrics.Submission("mismatch")
			return err
		}
	}

	addresses := []string{primary}
	if a.policy.SubmitAliases {
		for _, alias := range rec.Emails {
			if alias != primary {
				addresses = append(addresses, alias)
			}
		}
	}

	for _, address := range addresses {
		result, err := a.dir.Submit(ctx, address, material)
		if err != nil {
			a.metrics.Submission("error")
			return fmt.Errorf("submit key for %s: %w", address, err)
		}
		if !result.Saved {
			a.logger.Warn("directory did not save key", "email", address, "key_id", rec.Identity.ID)
			continue
		}
		a.logger.Info("key published", "email", address, "key_id", rec.Identity.ID)
	}
	a.metrics.Submission("ok")
	return nil
}

// verifyDirectoryMatch checks that any key already on file for the address is
// the same key we are about to publish. Absence is fine; a different key is a
// hard failure.
func (a *Agent) verifyDirectoryMatch(ctx context.Context, email string, rec models.KeyRecord) error {
	existing, err := a.dir.Lookup(ctx, email)
	if errors.Is(err, directory.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("verify directory record: %w", err)
	}

	info, err := keyring.ParsePublic(existing.PublicKey, a.now())
	if err != nil {
		return fmt.Errorf("parse directory record: %w", err)
	}
	if !info.Identity.Equal(rec.Identity) {
		return &DirectoryKeyMismatchError{
			Email:        email,
			DirectoryKey: keyring.ShortID(info.Identity),
			LocalKey:     keyring.ShortID(rec.Identity),
		}
	}
	return nil
}
