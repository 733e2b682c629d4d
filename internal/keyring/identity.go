package keyring

import (
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58/base58"

	"mailcrypt/go-backend/pkg/models"
)

// ShortID renders a compact, human-comparable form of a key identity for
// prompts and logs. Falls back to a fingerprint prefix when the id is not
// hex-encoded.
func ShortID(id models.KeyIdentity) string {
	raw, err := hex.DecodeString(strings.ToLower(id.ID))
	if err != nil || len(raw) < 8 {
		if len(id.ID) > 16 {
			return id.ID[:16]
		}
		return id.ID
	}
	return base58.Encode(raw[:8])
}
