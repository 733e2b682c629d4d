// Package policy computes the protection mode for a compose action from the
// resolved recipient capabilities and the sender's encrypt/sign toggles. The
// selector is pure; acting on the decision (prompting, unlocking, building)
// is the caller's job.
package policy

import (
	"fmt"

	"mailcrypt/go-backend/pkg/models"
)

// Mode is the protection branch a send will take.
type Mode string

const (
	ModePlain     Mode = "plain"
	ModeSigned    Mode = "signed"
	ModeEncrypted Mode = "encrypted"
)

// Decision is the outcome of policy selection for one compose action.
type Decision struct {
	Mode Mode
	Sign bool

	// NeedsFallback is set when encryption was requested and at least one
	// recipient has no key. Sending then requires a fallback password for
	// the listed recipients; declining blocks the send.
	NeedsFallback      bool
	FallbackRecipients []string

	// BlockedRecipients are addresses whose resolution is failed, mismatched
	// or still in progress. A non-empty list blocks the send until the
	// sender removes or re-resolves them.
	BlockedRecipients []string
}

// Blocked reports whether the send cannot proceed as composed.
func (d Decision) Blocked() bool {
	return len(d.BlockedRecipients) > 0
}

// BlockedError describes why a blocked decision cannot be sent.
type BlockedError struct {
	Recipients []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("policy: %d recipient(s) unresolved or mismatched", len(e.Recipients))
}

// Select evaluates the protection rules in order. Without encryption the
// capability set is irrelevant and the mode follows the sign toggle alone.
// With encryption, missing keys demand the password fallback and failed or
// mismatched resolutions block the send outright; a send is never silently
// downgraded below what the sender chose.
func Select(capabilities []models.RecipientCapability, choice models.ProtectionChoice) Decision {
	if !choice.Encrypt {
		mode := ModePlain
		if choice.Sign {
			mode = ModeSigned
		}
		return Decision{Mode: mode, Sign: choice.Sign}
	}

	decision := Decision{Mode: ModeEncrypted, Sign: choice.Sign}
	for _, capability := range capabilities {
		switch capability.State {
		case models.CapabilityNoKeyFound:
			decision.NeedsFallback = true
			decision.FallbackRecipients = append(decision.FallbackRecipients, capability.Email)
		case models.CapabilityFound:
		default:
			// Mismatched, failed or still evaluating.
			decision.BlockedRecipients = append(decision.BlockedRecipients, capability.Email)
		}
	}
	return decision
}
