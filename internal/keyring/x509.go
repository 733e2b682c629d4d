package keyring

import (
	stdcrypto "crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailcrypt/go-backend/internal/securestore"
	"mailcrypt/go-backend/pkg/models"
)

const (
	pemTypeCertificate = "CERTIFICATE"

	// pemTypeSealedKey wraps a securestore envelope around PKCS#8 key bytes.
	// It is the x509 analogue of a locked OpenPGP key.
	pemTypeSealedKey = "MAILCRYPT SEALED KEY"
)

var plaintextKeyPEMTypes = map[string]struct{}{
	"PRIVATE KEY":     {},
	"RSA PRIVATE KEY": {},
	"EC PRIVATE KEY":  {},
}

// X509Credentials is an unlocked x509 record: the certificate plus its
// decrypted private key, ready for S/MIME operations.
type X509Credentials struct {
	Certificate *x509.Certificate
	PrivateKey  stdcrypto.PrivateKey
}

// SealX509Bundle produces the at-rest form of an x509 key: the certificate
// PEM followed by the private key sealed under the passphrase.
func SealX509Bundle(cert *x509.Certificate, keyDER []byte, passphrase string) ([]byte, error) {
	sealed, err := securestore.Seal(passphrase, keyDER)
	if err != nil {
		return nil, err
	}
	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: cert.Raw})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: pemTypeSealedKey, Bytes: sealed})...)
	return out, nil
}

// parseX509Bundle inspects a PEM bundle (certificate + sealed key) and builds
// the vault record for it. A plaintext private key block is refused.
func parseX509Bundle(raw []byte, now time.Time) (models.KeyRecord, error) {
	cert, sealedKey, err := splitX509Bundle(raw)
	if err != nil {
		return models.KeyRecord{}, err
	}
	if sealedKey == nil {
		return models.KeyRecord{}, ErrNotPrivateKey
	}

	return models.KeyRecord{
		Identity:  x509Identity(cert),
		Material:  append([]byte(nil), raw...),
		Emails:    x509Emails(cert),
		Usability: x509Usability(cert, now),
		Revoked:   false,
	}, nil
}

// ParseX509Public builds candidate key info from a PEM certificate, as
// returned by directory lookups for S/MIME recipients.
func ParseX509Public(raw []byte, now time.Time) (models.PublicKeyInfo, error) {
	cert, _, err := splitX509Bundle(raw)
	if err != nil {
		return models.PublicKeyInfo{}, err
	}
	return models.PublicKeyInfo{
		Identity:  x509Identity(cert),
		Material:  pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: cert.Raw}),
		Emails:    x509Emails(cert),
		Usability: x509Usability(cert, now),
	}, nil
}

// UnlockX509 opens the sealed private key of an x509 vault record.
func UnlockX509(rec models.KeyRecord, passphrase string) (*X509Credentials, error) {
	cert, sealedKey, err := splitX509Bundle(rec.Material)
	if err != nil {
		return nil, err
	}
	if sealedKey == nil {
		return nil, ErrNotPrivateKey
	}
	keyDER, err := securestore.Open(passphrase, sealedKey)
	if err != nil {
		if errors.Is(err, securestore.ErrAuthFailed) {
			return nil, ErrWrongPassphrase
		}
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("parse unsealed key: %w", err)
	}
	return &X509Credentials{Certificate: cert, PrivateKey: key}, nil
}

// CertificateOf parses the certificate half of x509 key material.
func CertificateOf(material []byte) (*x509.Certificate, error) {
	cert, _, err := splitX509Bundle(material)
	return cert, err
}

func splitX509Bundle(raw []byte) (*x509.Certificate, []byte, error) {
	var cert *x509.Certificate
	var sealedKey []byte
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case block.Type == pemTypeCertificate && cert == nil:
			parsed, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("parse certificate: %w", err)
			}
			cert = parsed
		case block.Type == pemTypeSealedKey:
			sealedKey = block.Bytes
		default:
			if _, plain := plaintextKeyPEMTypes[block.Type]; plain {
				return nil, nil, ErrUnprotectedKey
			}
		}
	}
	if cert == nil {
		return nil, nil, ErrUnknownKeyMaterial
	}
	return cert, sealedKey, nil
}

func x509Identity(cert *x509.Certificate) models.KeyIdentity {
	sum := sha256.Sum256(cert.Raw)
	return models.KeyIdentity{
		ID:     strings.ToUpper(hex.EncodeToString(sum[:])),
		Family: models.FamilyX509,
	}
}

func x509Emails(cert *x509.Certificate) []string {
	emails := make([]string, 0, len(cert.EmailAddresses))
	for _, e := range cert.EmailAddresses {
		emails = append(emails, models.NormalizeEmail(e))
	}
	return emails
}

func x509Usability(cert *x509.Certificate, now time.Time) models.KeyUsability {
	canEncrypt := cert.KeyUsage&(x509.KeyUsageKeyEncipherment|x509.KeyUsageDataEncipherment) != 0
	canSign := cert.KeyUsage&x509.KeyUsageDigitalSignature != 0
	if cert.KeyUsage == 0 {
		// Certificates without a key usage extension restrict nothing.
		canEncrypt, canSign = true, true
	}

	expired := now.After(cert.NotAfter) || now.Before(cert.NotBefore)
	state := func(capable bool) models.Usability {
		switch {
		case !capable:
			return models.Unusable
		case expired:
			return models.UsableExpired
		default:
			return models.Usable
		}
	}
	return models.KeyUsability{Encrypt: state(canEncrypt), Sign: state(canSign)}
}
