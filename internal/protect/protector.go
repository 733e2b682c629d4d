// Package protect builds wire-ready messages from a policy decision. The
// three branches are passthrough, signed and encrypted; the encrypted branch
// splits recipients by key family and attaches a password-protected fallback
// payload for recipients without keys.
package protect

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"filippo.io/age"
	pgpcrypto "github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/mr-tron/base58/base58"
	"go.mozilla.org/pkcs7"

	"mailcrypt/go-backend/internal/keyring"
	"mailcrypt/go-backend/internal/platform/metrics"
	"mailcrypt/go-backend/internal/policy"
	"mailcrypt/go-backend/internal/unlock"
	"mailcrypt/go-backend/pkg/models"
)

const linkTokenBytes = 16

// Input is one compose action ready to be protected.
type Input struct {
	Account      string
	Body         []byte
	Attachments  []models.Attachment
	Capabilities []models.RecipientCapability
	Decision     policy.Decision

	// FallbackPassword is the sender-supplied shared secret for recipients
	// without keys. Required when the decision demands a fallback.
	FallbackPassword string
}

// Output is the set of messages to hand to the transport. Each message is
// transmitted independently.
type Output struct {
	Messages []models.SendableMessage
}

// Protector turns compose input into sendable messages.
type Protector struct {
	vault    *keyring.Vault
	unlocker *unlock.Unlocker
	logger   *slog.Logger
	metrics  *metrics.Set
	now      func() time.Time
}

type Option func(*Protector)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Protector) { p.logger = logger }
}

func WithMetrics(set *metrics.Set) Option {
	return func(p *Protector) { p.metrics = set }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(p *Protector) { p.now = now }
}

func New(vault *keyring.Vault, unlocker *unlock.Unlocker, opts ...Option) *Protector {
	p := &Protector{
		vault:    vault,
		unlocker: unlocker,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build produces the messages for one compose action. A blocked decision
// fails immediately; nothing is ever sent below the protection the sender
// chose.
func (p *Protector) Build(ctx context.Context, in Input) (*Output, error) {
	if in.Decision.Blocked() {
		return nil, &policy.BlockedError{Recipients: in.Decision.BlockedRecipients}
	}

	var (
		out *Output
		err error
	)
	switch in.Decision.Mode {
	case policy.ModePlain:
		out, err = p.buildPlain(in)
	case policy.ModeSigned:
		out, err = p.buildSigned(ctx, in)
	case policy.ModeEncrypted:
		out, err = p.buildEncrypted(ctx, in)
	default:
		return nil, fmt.Errorf("protect: unknown mode %q", in.Decision.Mode)
	}
	if err != nil {
		return nil, err
	}
	for _, msg := range out.Messages {
		p.metrics.MessageBuilt(string(msg.Variant))
	}
	return out, nil
}

func (p *Protector) buildPlain(in Input) (*Output, error) {
	return &Output{Messages: []models.SendableMessage{{
		Recipients:  capabilityEmails(in.Capabilities),
		Variant:     models.VariantPlain,
		Body:        in.Body,
		Attachments: in.Attachments,
	}}}, nil
}

func (p *Protector) buildSigned(ctx context.Context, in Input) (*Output, error) {
	key, err := p.unlockSigningKey(ctx, in.Account, "")
	if err != nil {
		return nil, err
	}

	var body []byte
	switch {
	case key.PGP != nil:
		body, err = signCleartext(key.PGP, in.Body)
	case key.X509 != nil:
		body, err = signPKCS7(key.X509, in.Body)
	default:
		return nil, &NoUsableSigningKeyError{Sender: in.Account}
	}
	if err != nil {
		return nil, err
	}

	return &Output{Messages: []models.SendableMessage{{
		Recipients:  capabilityEmails(in.Capabilities),
		Variant:     models.VariantSigned,
		Family:      key.Record.Identity.Family,
		Body:        body,
		Attachments: in.Attachments,
		Signed:      true,
	}}}, nil
}

func (p *Protector) buildEncrypted(ctx context.Context, in Input) (*Output, error) {
	if in.Decision.NeedsFallback && in.FallbackPassword == "" {
		return nil, ErrFallbackPasswordRequired
	}

	byFamily := make(map[models.KeyFamily][]models.RecipientCapability)
	var keyless []string
	for _, capability := range in.Capabilities {
		switch capability.State {
		case models.CapabilityFound:
			family := capability.Keys[0].Identity.Family
			byFamily[family] = append(byFamily[family], capability)
		case models.CapabilityNoKeyFound:
			keyless = append(keyless, capability.Email)
		default:
			return nil, &policy.BlockedError{Recipients: []string{capability.Email}}
		}
	}

	out := &Output{}
	if caps, ok := byFamily[models.FamilyPGP]; ok {
		msg, err := p.buildPGPMessage(ctx, in, caps)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msg)
	}
	if caps, ok := byFamily[models.FamilyX509]; ok {
		msg, err := p.buildX509Message(ctx, in, caps)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msg)
	}
	if len(keyless) > 0 {
		msg, err := buildFallbackMessage(in, keyless)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}

func (p *Protector) buildPGPMessage(ctx context.Context, in Input, caps []models.RecipientCapability) (models.SendableMessage, error) {
	var none models.SendableMessage

	recipients, err := p.pgpRecipientRing(caps)
	if err != nil {
		return none, err
	}

	builder := pgpcrypto.PGP().Encryption().Recipients(recipients)
	var unlocked *unlock.Result
	if in.Decision.Sign {
		// A missing signing key for the primary family is fatal.
		unlocked, err = p.unlockSigningKey(ctx, in.Account, models.FamilyPGP)
		if err != nil {
			return none, err
		}
		builder = builder.SigningKey(unlocked.PGP)
	}
	handle, err := builder.New()
	if err != nil {
		return none, fmt.Errorf("build encryption handle: %w", err)
	}
	defer handle.ClearPrivateParams()

	body, err := encryptArmored(handle, in.Body)
	if err != nil {
		return none, err
	}
	attachments := make([]models.Attachment, 0, len(in.Attachments))
	for _, att := range in.Attachments {
		data, err := encryptArmored(handle, att.Data)
		if err != nil {
			return none, fmt.Errorf("encrypt attachment %q: %w", att.Name, err)
		}
		attachments = append(attachments, models.Attachment{
			Name:     att.Name,
			MimeType: att.MimeType,
			Data:     data,
		})
	}

	return models.SendableMessage{
		Recipients:  capabilityEmails(caps),
		Variant:     models.VariantEncrypted,
		Family:      models.FamilyPGP,
		Body:        body,
		Attachments: attachments,
		Signed:      in.Decision.Sign,
	}, nil
}

// pgpRecipientRing collects the recipients' public keys plus the sender's own
// encryption-capable keys, so the sender retains access to the sent message.
func (p *Protector) pgpRecipientRing(caps []models.RecipientCapability) (*pgpcrypto.KeyRing, error) {
	ring, err := pgpcrypto.NewKeyRing(nil)
	if err != nil {
		return nil, err
	}
	for _, capability := range caps {
		for _, info := range capability.Keys {
			key, err := pgpcrypto.NewKeyFromArmored(string(info.Material))
			if err != nil {
				return nil, fmt.Errorf("recipient key for %s: %w", capability.Email, err)
			}
			if err := ring.AddKey(key); err != nil {
				return nil, err
			}
		}
	}
	for _, rec := range p.vault.Records() {
		if rec.Identity.Family != models.FamilyPGP || rec.Revoked {
			continue
		}
		if rec.Usability.Encrypt != models.Usable {
			continue
		}
		armored, err := keyring.ArmoredPublicKey(rec)
		if err != nil {
			return nil, err
		}
		key, err := pgpcrypto.NewKeyFromArmored(string(armored))
		if err != nil {
			return nil, err
		}
		if err := ring.AddKey(key); err != nil {
			return nil, err
		}
	}
	if ring.CountEntities() == 0 {
		return nil, fmt.Errorf("protect: no encryption keys available")
	}
	return ring, nil
}

func (p *Protector) buildX509Message(ctx context.Context, in Input, caps []models.RecipientCapability) (models.SendableMessage, error) {
	var none models.SendableMessage

	certs, err := p.x509RecipientCerts(caps)
	if err != nil {
		return none, err
	}

	body := in.Body
	signed := false
	if in.Decision.Sign {
		// Unlike the primary family, a missing signing key here only skips
		// the signing step for this sub-message.
		unlocked, err := p.unlockSigningKey(ctx, in.Account, models.FamilyX509)
		switch {
		case err == nil:
			body, err = signPKCS7(unlocked.X509, body)
			if err != nil {
				return none, err
			}
			signed = true
		case isSigningUnavailable(err):
			p.logger.Info("signing skipped for certificate recipients", "account", in.Account, "error", err)
		default:
			return none, err
		}
	}

	cipher, err := pkcs7.Encrypt(body, certs)
	if err != nil {
		return none, fmt.Errorf("encrypt: %w", err)
	}
	attachments := make([]models.Attachment, 0, len(in.Attachments))
	for _, att := range in.Attachments {
		data, err := pkcs7.Encrypt(att.Data, certs)
		if err != nil {
			return none, fmt.Errorf("encrypt attachment %q: %w", att.Name, err)
		}
		attachments = append(attachments, models.Attachment{
			Name:     att.Name,
			MimeType: att.MimeType,
			Data:     data,
		})
	}

	return models.SendableMessage{
		Recipients:  capabilityEmails(caps),
		Variant:     models.VariantEncrypted,
		Family:      models.FamilyX509,
		Body:        cipher,
		Attachments: attachments,
		Signed:      signed,
	}, nil
}

// x509RecipientCerts collects recipient certificates plus the sender's own
// encryption-capable certificates.
func (p *Protector) x509RecipientCerts(caps []models.RecipientCapability) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, capability := range caps {
		for _, info := range capability.Keys {
			cert, err := keyring.CertificateOf(info.Material)
			if err != nil {
				return nil, fmt.Errorf("recipient certificate for %s: %w", capability.Email, err)
			}
			certs = append(certs, cert)
		}
	}
	for _, rec := range p.vault.Records() {
		if rec.Identity.Family != models.FamilyX509 || rec.Revoked {
			continue
		}
		if rec.Usability.Encrypt != models.Usable {
			continue
		}
		cert, err := keyring.CertificateOf(rec.Material)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("protect: no recipient certificates available")
	}
	return certs, nil
}

// fallbackPayload is what the password-protected web link dereferences to.
type fallbackPayload struct {
	Body        []byte              `json:"body"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

func buildFallbackMessage(in Input, keyless []string) (models.SendableMessage, error) {
	var none models.SendableMessage

	recipient, err := age.NewScryptRecipient(in.FallbackPassword)
	if err != nil {
		return none, fmt.Errorf("derive fallback key: %w", err)
	}
	plain, err := json.Marshal(fallbackPayload{Body: in.Body, Attachments: in.Attachments})
	if err != nil {
		return none, err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return none, fmt.Errorf("encrypt fallback payload: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return none, err
	}
	if err := w.Close(); err != nil {
		return none, err
	}

	token := make([]byte, linkTokenBytes)
	if _, err := rand.Read(token); err != nil {
		return none, err
	}

	return models.SendableMessage{
		Recipients: keyless,
		Variant:    models.VariantPasswordFallback,
		Body:       buf.Bytes(),
		LinkToken:  base58.Encode(token),
	}, nil
}

// unlockSigningKey finds and decrypts a signing key attesting to the sender.
// An empty family accepts any family, trying the sender's OpenPGP keys first.
func (p *Protector) unlockSigningKey(ctx context.Context, account string, family models.KeyFamily) (*unlock.Result, error) {
	var usable []models.KeyRecord
	for _, rec := range p.vault.Records() {
		if family != "" && rec.Identity.Family != family {
			continue
		}
		if rec.Revoked || rec.Usability.Sign != models.Usable {
			continue
		}
		usable = append(usable, rec)
	}
	if len(usable) == 0 {
		return nil, &NoUsableSigningKeyError{Sender: account}
	}

	var candidates []models.KeyRecord
	for _, rec := range usable {
		if rec.HasEmail(account) {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return nil, &SenderIdentityMismatchError{Sender: account, KeyID: usable[0].Identity.ID}
	}

	// Most-likely-usable first: the primary family leads.
	ordered := make([]models.KeyRecord, 0, len(candidates))
	for _, rec := range candidates {
		if rec.Identity.Family == models.FamilyPGP {
			ordered = append(ordered, rec)
		}
	}
	for _, rec := range candidates {
		if rec.Identity.Family != models.FamilyPGP {
			ordered = append(ordered, rec)
		}
	}
	return p.unlocker.Unlock(ctx, account, ordered)
}

func isSigningUnavailable(err error) bool {
	var noKey *NoUsableSigningKeyError
	var mismatch *SenderIdentityMismatchError
	return errors.As(err, &noKey) || errors.As(err, &mismatch)
}

func signCleartext(key *pgpcrypto.Key, body []byte) ([]byte, error) {
	signer, err := pgpcrypto.PGP().Sign().SigningKey(key).New()
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}
	defer signer.ClearPrivateParams()
	signed, err := signer.SignCleartext(body)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signed, nil
}

func signPKCS7(creds *keyring.X509Credentials, body []byte) ([]byte, error) {
	signedData, err := pkcs7.NewSignedData(body)
	if err != nil {
		return nil, fmt.Errorf("build signed data: %w", err)
	}
	if err := signedData.AddSigner(creds.Certificate, creds.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signedData.Finish()
}

func encryptArmored(handle pgpcrypto.PGPEncryption, plain []byte) ([]byte, error) {
	message, err := handle.Encrypt(plain)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	armored, err := message.Armor()
	if err != nil {
		return nil, err
	}
	return []byte(armored), nil
}

func capabilityEmails(caps []models.RecipientCapability) []string {
	emails := make([]string, 0, len(caps))
	for _, capability := range caps {
		emails = append(emails, capability.Email)
	}
	return emails
}
