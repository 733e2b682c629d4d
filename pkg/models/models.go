package models

import "strings"

// KeyFamily is the cryptographic system a key belongs to. Keys in different
// families are never interchangeable and never compare equal.
type KeyFamily string

const (
	FamilyPGP  KeyFamily = "pgp"
	FamilyX509 KeyFamily = "x509"
)

// KeyIdentity identifies a key by fingerprint within a family.
type KeyIdentity struct {
	ID     string    `json:"id"`
	Family KeyFamily `json:"family"`
}

// Equal reports identity equality. Cross-family ids never match.
func (k KeyIdentity) Equal(other KeyIdentity) bool {
	return k.Family == other.Family && strings.EqualFold(k.ID, other.ID)
}

func (k KeyIdentity) IsZero() bool {
	return k.ID == "" && k.Family == ""
}

// Usability describes whether a key can serve an operation.
type Usability string

const (
	Usable        Usability = "usable"
	UsableExpired Usability = "expired"
	Unusable      Usability = "unusable"
)

// KeyUsability carries the derived per-operation flags of a key.
type KeyUsability struct {
	Encrypt Usability `json:"encrypt"`
	Sign    Usability `json:"sign"`
}

// KeyRecord is a private key held by the vault. Material stays encrypted at
// rest; only the vault mutates records.
type KeyRecord struct {
	Identity  KeyIdentity  `json:"identity"`
	Material  []byte       `json:"material"`
	Emails    []string     `json:"emails"`
	Usability KeyUsability `json:"usability"`
	Revoked   bool         `json:"revoked"`
}

// HasEmail reports whether the key attests to the given address.
func (r KeyRecord) HasEmail(email string) bool {
	email = NormalizeEmail(email)
	for _, e := range r.Emails {
		if NormalizeEmail(e) == email {
			return true
		}
	}
	return false
}

// PublicKeyInfo is a candidate public key resolved for a recipient.
type PublicKeyInfo struct {
	Identity  KeyIdentity  `json:"identity"`
	Material  []byte       `json:"material"`
	Emails    []string     `json:"emails"`
	Usability KeyUsability `json:"usability"`
}

// PassphraseScope is the persistence lifetime of a cached passphrase.
type PassphraseScope string

const (
	ScopeDurable PassphraseScope = "durable"
	ScopeSession PassphraseScope = "session"
)

// CapabilityState is the resolution outcome for one recipient address.
type CapabilityState string

const (
	CapabilityEvaluating   CapabilityState = "evaluating"
	CapabilityNoKeyFound   CapabilityState = "no_key_found"
	CapabilityFound        CapabilityState = "found"
	CapabilityLookupFailed CapabilityState = "lookup_failed"
	CapabilityKeyMismatch  CapabilityState = "key_mismatch"
)

// CapabilitySource names where a positive resolution came from.
type CapabilitySource string

const (
	SourceContactCache CapabilitySource = "contacts"
	SourceWebDiscovery CapabilitySource = "wkd"
	SourceDirectory    CapabilitySource = "directory"
)

// RecipientCapability is the per-recipient resolution result.
type RecipientCapability struct {
	Email  string           `json:"email"`
	State  CapabilityState  `json:"state"`
	Keys   []PublicKeyInfo  `json:"keys,omitempty"`
	Source CapabilitySource `json:"source,omitempty"`
}

// ProtectionChoice holds the user-facing encrypt/sign toggles.
type ProtectionChoice struct {
	Encrypt bool `json:"encrypt"`
	Sign    bool `json:"sign"`
}

// DefaultProtectionChoice is what a fresh compose window starts with.
func DefaultProtectionChoice() ProtectionChoice {
	return ProtectionChoice{Encrypt: true, Sign: true}
}

// MessageVariant tags how a SendableMessage body is protected.
type MessageVariant string

const (
	VariantPlain            MessageVariant = "plain"
	VariantSigned           MessageVariant = "signed"
	VariantEncrypted        MessageVariant = "encrypted"
	VariantPasswordFallback MessageVariant = "password-fallback"
)

// Attachment is an opaque named payload carried alongside the body.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// SendableMessage is one wire-ready message. A single compose action may
// produce several, split by recipient key family.
type SendableMessage struct {
	Recipients  []string       `json:"recipients"`
	Variant     MessageVariant `json:"variant"`
	Family      KeyFamily      `json:"family,omitempty"`
	Body        []byte         `json:"body"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Signed      bool           `json:"signed,omitempty"`
	LinkToken   string         `json:"link_token,omitempty"`
}

// NormalizeEmail canonicalizes an address for map keys and comparisons.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailDomain extracts the domain part of an address, empty if malformed.
func EmailDomain(email string) string {
	email = NormalizeEmail(email)
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}
