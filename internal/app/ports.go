package app

import (
	"context"

	"mailcrypt/go-backend/pkg/models"
)

// Transport delivers one wire-ready message at a time and reports per-message
// success or failure. Retry policy lives behind this port, not in the core.
type Transport interface {
	Send(ctx context.Context, msg models.SendableMessage) error
}

// FallbackPromptRequest asks the sender for the shared password protecting
// the web-link payload for recipients without keys.
type FallbackPromptRequest struct {
	Recipients []string
	Suggestion string
}

type FallbackPromptAnswer struct {
	Password  string
	Cancelled bool
}

// FallbackPasswordPrompt is the presentation-layer collaborator for the
// password-fallback affordance. Declining blocks the send; it is never
// downgraded silently.
type FallbackPasswordPrompt interface {
	PromptFallbackPassword(ctx context.Context, req FallbackPromptRequest) (FallbackPromptAnswer, error)
}
