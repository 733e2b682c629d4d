// Package unlock produces decrypted, usable private keys from vault records,
// combining the passphrase cache, the lockout guard and an interactive
// prompt collaborator.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pgpcrypto "github.com/ProtonMail/gopenpgp/v3/crypto"

	"mailcrypt/go-backend/internal/keyring"
	"mailcrypt/go-backend/internal/lockout"
	"mailcrypt/go-backend/internal/passcache"
	"mailcrypt/go-backend/internal/platform/metrics"
	"mailcrypt/go-backend/pkg/models"
)

var (
	// ErrCancelled reports that the user dismissed the passphrase prompt.
	// It aborts the whole enclosing send/update action.
	ErrCancelled = errors.New("unlock: cancelled by user")

	// ErrNoCandidates reports that no candidate keys were supplied.
	ErrNoCandidates = errors.New("unlock: no candidate keys")
)

// LockedOutError reports that the account exhausted its passphrase attempts.
// RetryIn is how long until the window reopens, for rendering a countdown.
type LockedOutError struct {
	Account string
	RetryIn time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("unlock: account %q locked out, retry in %s", e.Account, e.RetryIn.Round(time.Second))
}

// PromptRequest describes the key a passphrase is requested for.
type PromptRequest struct {
	Account string
	KeyHint string
	Emails  []string
	Attempt int
}

// PromptAnswer is the user's response. Persist chooses where (if anywhere)
// the passphrase is cached after a successful unlock; empty means no caching.
type PromptAnswer struct {
	Passphrase string
	Persist    models.PassphraseScope
	Cancelled  bool
}

// PassphrasePrompt is the interactive UI collaborator.
type PassphrasePrompt interface {
	PromptPassphrase(ctx context.Context, req PromptRequest) (PromptAnswer, error)
}

// LockoutSink is notified when an account exhausts its passphrase attempts.
type LockoutSink interface {
	AccountLockedOut(account string, retryIn time.Duration)
}

// Result is a decrypted key: exactly one of PGP or X509 is set, matching the
// record's family.
type Result struct {
	Record models.KeyRecord
	PGP    *pgpcrypto.Key
	X509   *keyring.X509Credentials
}

// Unlocker coordinates passphrase-gated access to private keys. The
// interactive prompt is a single resource per account: concurrent unlock
// requests for the same account queue instead of opening a second prompt.
type Unlocker struct {
	cache   *passcache.Cache
	guard   *lockout.Guard
	prompt  PassphrasePrompt
	logger  *slog.Logger
	metrics *metrics.Set
	events  LockoutSink

	mu      sync.Mutex
	prompts map[string]*sync.Mutex
}

type Option func(*Unlocker)

// WithEvents attaches a sink notified when an account becomes locked out.
func WithEvents(events LockoutSink) Option {
	return func(u *Unlocker) { u.events = events }
}

func New(cache *passcache.Cache, guard *lockout.Guard, prompt PassphrasePrompt, logger *slog.Logger, set *metrics.Set, opts ...Option) *Unlocker {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Unlocker{
		cache:   cache,
		guard:   guard,
		prompt:  prompt,
		logger:  logger,
		metrics: set,
		prompts: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Unlock decrypts the first candidate key a passphrase can be obtained for.
// Candidates are tried in the order supplied; callers pass most-likely-usable
// first. The call suspends on the interactive prompt until resolved,
// cancelled or locked out.
func (u *Unlocker) Unlock(ctx context.Context, account string, candidates []models.KeyRecord) (*Result, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	// Fast path: a cached passphrase unlocks a candidate without any prompt.
	for _, rec := range candidates {
		passphrase, ok, err := u.cache.Get(account, rec.Identity, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		result, err := decrypt(rec, passphrase)
		if err == nil {
			u.metrics.Unlock("cached")
			return result, nil
		}
		if !errors.Is(err, keyring.ErrWrongPassphrase) {
			return nil, err
		}
		// A stale cached passphrase is not a user attempt; fall through to
		// the interactive path without touching the lockout counter.
	}

	if blocked, retryIn, err := u.guard.ShouldBlock(account); err != nil {
		return nil, err
	} else if blocked {
		u.metrics.Unlock("locked_out")
		return nil, &LockedOutError{Account: account, RetryIn: retryIn}
	}

	return u.interactiveUnlock(ctx, account, candidates)
}

func (u *Unlocker) interactiveUnlock(ctx context.Context, account string, candidates []models.KeyRecord) (*Result, error) {
	promptMu := u.promptLock(account)
	promptMu.Lock()
	defer promptMu.Unlock()

	// Another queued unlock may have exhausted the attempts while we waited.
	if blocked, retryIn, err := u.guard.ShouldBlock(account); err != nil {
		return nil, err
	} else if blocked {
		u.metrics.Unlock("locked_out")
		return nil, &LockedOutError{Account: account, RetryIn: retryIn}
	}

	primary := candidates[0]
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		u.metrics.PromptOpened()
		answer, err := u.prompt.PromptPassphrase(ctx, PromptRequest{
			Account: account,
			KeyHint: keyHint(primary),
			Emails:  primary.Emails,
			Attempt: attempt,
		})
		u.metrics.PromptClosed()
		if err != nil {
			return nil, fmt.Errorf("passphrase prompt: %w", err)
		}
		if answer.Cancelled {
			u.metrics.Unlock("cancelled")
			return nil, ErrCancelled
		}

		var result *Result
		for _, rec := range candidates {
			r, err := decrypt(rec, answer.Passphrase)
			if err == nil {
				result = r
				break
			}
			if !errors.Is(err, keyring.ErrWrongPassphrase) {
				return nil, err
			}
		}

		if result == nil {
			if err := u.guard.RecordFailure(account); err != nil {
				return nil, err
			}
			u.metrics.Unlock("failed")
			if blocked, retryIn, err := u.guard.ShouldBlock(account); err != nil {
				return nil, err
			} else if blocked {
				u.metrics.Lockout()
				if u.events != nil {
					u.events.AccountLockedOut(account, retryIn)
				}
				return nil, &LockedOutError{Account: account, RetryIn: retryIn}
			}
			continue
		}

		if err := u.guard.RecordSuccess(account); err != nil {
			return nil, err
		}
		if answer.Persist != "" {
			if err := u.cache.Set(answer.Persist, account, result.Record.Identity, answer.Passphrase); err != nil {
				return nil, err
			}
		}
		u.metrics.Unlock("prompted")
		u.logger.Info("key unlocked",
			slog.String("account", account),
			slog.String("key_id", result.Record.Identity.ID),
			slog.Int("attempt", attempt),
		)
		return result, nil
	}
}

func (u *Unlocker) promptLock(account string) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()
	mu, ok := u.prompts[account]
	if !ok {
		mu = &sync.Mutex{}
		u.prompts[account] = mu
	}
	return mu
}

func decrypt(rec models.KeyRecord, passphrase string) (*Result, error) {
	switch rec.Identity.Family {
	case models.FamilyPGP:
		key, err := keyring.UnlockPGP(rec, passphrase)
		if err != nil {
			return nil, err
		}
		return &Result{Record: rec, PGP: key}, nil
	case models.FamilyX509:
		creds, err := keyring.UnlockX509(rec, passphrase)
		if err != nil {
			return nil, err
		}
		return &Result{Record: rec, X509: creds}, nil
	default:
		return nil, fmt.Errorf("unlock: unknown key family %q", rec.Identity.Family)
	}
}

func keyHint(rec models.KeyRecord) string {
	hint := keyring.ShortID(rec.Identity)
	if len(rec.Emails) > 0 {
		hint += " <" + strings.Join(rec.Emails, ", ") + ">"
	}
	return hint
}
