package protect

import (
	"errors"
	"fmt"
)

// ErrFallbackPasswordRequired blocks an encrypted send that includes keyless
// recipients when the sender has not supplied the shared fallback password.
// The send is never downgraded to plaintext instead.
var ErrFallbackPasswordRequired = errors.New("protect: fallback password required for recipients without keys")

// NoUsableSigningKeyError reports that none of the sender's keys can sign.
type NoUsableSigningKeyError struct {
	Sender string
}

func (e *NoUsableSigningKeyError) Error() string {
	return fmt.Sprintf("protect: no usable signing key for %q", e.Sender)
}

// SenderIdentityMismatchError reports that the only signing-capable keys do
// not attest to the sender's active address. Signing with such a key would
// produce a verifiably misleading signature, so it is refused.
type SenderIdentityMismatchError struct {
	Sender string
	KeyID  string
}

func (e *SenderIdentityMismatchError) Error() string {
	return fmt.Sprintf("protect: signing key %s does not attest to sender %q", e.KeyID, e.Sender)
}
