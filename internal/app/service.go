// Package app wires the protection pipeline together: resolve recipients,
// select a policy, gather and unlock keys, build messages and hand them to
// the transport. It owns the per-account singletons and is the only entry
// point UI surfaces talk to.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mailcrypt/go-backend/internal/keyring"
	"mailcrypt/go-backend/internal/lockout"
	"mailcrypt/go-backend/internal/notify"
	"mailcrypt/go-backend/internal/passcache"
	"mailcrypt/go-backend/internal/passgen"
	"mailcrypt/go-backend/internal/platform/metrics"
	"mailcrypt/go-backend/internal/policy"
	"mailcrypt/go-backend/internal/protect"
	"mailcrypt/go-backend/internal/resolve"
	"mailcrypt/go-backend/internal/submission"
	"mailcrypt/go-backend/internal/unlock"
	"mailcrypt/go-backend/pkg/models"
)

// Deps are the collaborators a Service is composed from. Vault, Resolver,
// Protector and Transport are required; the rest degrade gracefully.
type Deps struct {
	Account   string
	Vault     *keyring.Vault
	Cache     *passcache.Cache
	Guard     *lockout.Guard
	Unlocker  *unlock.Unlocker
	Resolver  *resolve.Resolver
	Protector *protect.Protector
	Submitter *submission.Agent
	Transport Transport
	Fallback  FallbackPasswordPrompt
	Hub       *notify.Hub
	Logger    *slog.Logger
	Metrics   *metrics.Set
}

// Service orchestrates one account's protection flows.
type Service struct {
	account   string
	vault     *keyring.Vault
	cache     *passcache.Cache
	guard     *lockout.Guard
	unlocker  *unlock.Unlocker
	resolver  *resolve.Resolver
	protector *protect.Protector
	submitter *submission.Agent
	transport Transport
	fallback  FallbackPasswordPrompt
	hub       *notify.Hub
	logger    *slog.Logger
	metrics   *metrics.Set
}

func New(deps Deps) (*Service, error) {
	if deps.Account == "" {
		return nil, errors.New("app: account is required")
	}
	if deps.Vault == nil || deps.Resolver == nil || deps.Protector == nil {
		return nil, errors.New("app: vault, resolver and protector are required")
	}
	if deps.Transport == nil {
		return nil, errors.New("app: transport is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		account:   models.NormalizeEmail(deps.Account),
		vault:     deps.Vault,
		cache:     deps.Cache,
		guard:     deps.Guard,
		unlocker:  deps.Unlocker,
		resolver:  deps.Resolver,
		protector: deps.Protector,
		submitter: deps.Submitter,
		transport: deps.Transport,
		fallback:  deps.Fallback,
		hub:       deps.Hub,
		logger:    logger,
		metrics:   deps.Metrics,
	}, nil
}

func (s *Service) Account() string {
	return s.account
}

// Keys lists the account's vault records.
func (s *Service) Keys() []models.KeyRecord {
	return s.vault.Records()
}

// ImportKey stores new private key material and, when policy allows,
// publishes its public half to the directory. A conflicting authoritative
// directory record fails the whole operation.
func (s *Service) ImportKey(ctx context.Context, material []byte) (models.KeyRecord, error) {
	rec, err := s.vault.Add(material)
	if err != nil {
		return models.KeyRecord{}, err
	}
	s.hub.Publish(notify.KindKeyStored, keyring.ShortID(rec.Identity))

	if s.submitter != nil {
		if err := s.submitter.SubmitIfNeeded(ctx, s.account, rec); err != nil {
			var mismatch *submission.DirectoryKeyMismatchError
			if errors.As(err, &mismatch) {
				return models.KeyRecord{}, err
			}
			// Publication is best effort beyond the mismatch case.
			s.logger.Warn("key publication failed", "key_id", rec.Identity.ID, "error", err)
		}
	}
	return rec, nil
}

// GenerateKey creates a passphrase-protected key for the account and imports
// it like externally supplied material.
func (s *Service) GenerateKey(ctx context.Context, name, passphrase string) (models.KeyRecord, error) {
	armored, err := keyring.GeneratePGP(name, s.account, passphrase)
	if err != nil {
		return models.KeyRecord{}, err
	}
	return s.ImportKey(ctx, armored)
}

// RemoveKey drops a key from the vault. Idempotent.
func (s *Service) RemoveKey(id models.KeyIdentity) error {
	if err := s.vault.Remove(id); err != nil {
		return err
	}
	s.hub.Publish(notify.KindKeyRemoved, keyring.ShortID(id))
	return nil
}

// ExportPublicKey returns the shareable public half of a stored key.
func (s *Service) ExportPublicKey(id models.KeyIdentity) ([]byte, error) {
	rec, err := s.vault.Record(id)
	if err != nil {
		return nil, err
	}
	return keyring.PublicMaterial(rec)
}

// ResolveRecipients resolves the addresses concurrently, one capability per
// address in input order.
func (s *Service) ResolveRecipients(ctx context.Context, emails []string) []models.RecipientCapability {
	return s.resolver.ResolveAll(ctx, emails)
}

// RefreshRecipient re-resolves one address from the network, bypassing
// caches.
func (s *Service) RefreshRecipient(ctx context.Context, email string) (models.RecipientCapability, error) {
	return s.resolver.Refresh(ctx, email)
}

// SuggestFallbackPassword proposes a memorable shared password.
func (s *Service) SuggestFallbackPassword() (string, error) {
	return passgen.Suggest(passgen.DefaultWords)
}

// LockoutStatus reports whether passphrase prompts are currently blocked for
// the account and for how long.
func (s *Service) LockoutStatus() (blocked bool, retryIn time.Duration, err error) {
	if s.guard == nil {
		return false, 0, nil
	}
	return s.guard.ShouldBlock(s.account)
}

// WipeSession clears session-scoped passphrases. Called at logout and
// process shutdown.
func (s *Service) WipeSession() {
	if s.cache != nil {
		s.cache.WipeSession(s.account)
	}
	s.hub.Publish(notify.KindSessionWiped, nil)
}

// SendRequest is one compose action.
type SendRequest struct {
	Recipients  []string
	Body        []byte
	Attachments []models.Attachment
	Choice      models.ProtectionChoice

	// FallbackPassword, when set, pre-answers the fallback prompt.
	FallbackPassword string
}

// Delivery is the transport outcome for one built message.
type Delivery struct {
	Message models.SendableMessage
	Err     error
}

// SendReport lists every built message and its delivery outcome.
type SendReport struct {
	Deliveries []Delivery
}

// Delivered counts the messages the transport accepted.
func (r *SendReport) Delivered() int {
	count := 0
	for _, d := range r.Deliveries {
		if d.Err == nil {
			count++
		}
	}
	return count
}

// Send runs the full pipeline for one compose action. Messages are
// transmitted independently; one sub-message failing does not invalidate the
// others, and the report carries the per-message outcomes.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendReport, error) {
	if len(req.Recipients) == 0 {
		return nil, errors.New("app: no recipients")
	}

	capabilities := s.resolver.ResolveAll(ctx, req.Recipients)
	decision := policy.Select(capabilities, req.Choice)
	if decision.Blocked() {
		return nil, &policy.BlockedError{Recipients: decision.BlockedRecipients}
	}

	fallbackPassword := req.FallbackPassword
	if decision.NeedsFallback && fallbackPassword == "" {
		password, err := s.promptFallbackPassword(ctx, decision.FallbackRecipients)
		if err != nil {
			return nil, err
		}
		fallbackPassword = password
	}

	out, err := s.protector.Build(ctx, protect.Input{
		Account:          s.account,
		Body:             req.Body,
		Attachments:      req.Attachments,
		Capabilities:     capabilities,
		Decision:         decision,
		FallbackPassword: fallbackPassword,
	})
	if err != nil {
		return nil, err
	}

	report := &SendReport{Deliveries: make([]Delivery, 0, len(out.Messages))}
	for _, msg := range out.Messages {
		sendErr := s.transport.Send(ctx, msg)
		if sendErr != nil {
			s.logger.Warn("message delivery failed",
				"variant", string(msg.Variant), "error", sendErr)
		}
		report.Deliveries = append(report.Deliveries, Delivery{Message: msg, Err: sendErr})
	}
	s.logger.Info("send completed",
		"account", s.account,
		"messages", len(report.Deliveries),
		"delivered", report.Delivered())
	return report, nil
}

func (s *Service) promptFallbackPassword(ctx context.Context, recipients []string) (string, error) {
	if s.fallback == nil {
		return "", protect.ErrFallbackPasswordRequired
	}
	suggestion, err := s.SuggestFallbackPassword()
	if err != nil {
		suggestion = ""
	}
	answer, err := s.fallback.PromptFallbackPassword(ctx, FallbackPromptRequest{
		Recipients: recipients,
		Suggestion: suggestion,
	})
	if err != nil {
		return "", fmt.Errorf("fallback prompt: %w", err)
	}
	if answer.Cancelled || answer.Password == "" {
		return "", protect.ErrFallbackPasswordRequired
	}
	return answer.Password, nil
}
