package keyring

import (
	"encoding/pem"
	"strings"
	"time"

	"mailcrypt/go-backend/pkg/models"
)

// ParsePublic routes raw public key material to the parser for its family.
// Certificates are x509; everything else is treated as OpenPGP.
func ParsePublic(raw []byte, now time.Time) (models.PublicKeyInfo, error) {
	if strings.Contains(string(raw), "BEGIN CERTIFICATE") {
		return ParseX509Public(raw, now)
	}
	return ParsePGPPublic(raw, now)
}

// PublicMaterial extracts the publishable public half of a vault record: the
// armored public key for OpenPGP records, the certificate PEM for x509 ones.
func PublicMaterial(rec models.KeyRecord) ([]byte, error) {
	switch rec.Identity.Family {
	case models.FamilyPGP:
		return ArmoredPublicKey(rec)
	case models.FamilyX509:
		cert, err := CertificateOf(rec.Material)
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), nil
	default:
		return nil, ErrUnknownKeyMaterial
	}
}
