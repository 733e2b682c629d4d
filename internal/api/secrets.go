package api

import (
	"context"

	"mailcrypt/go-backend/internal/app"
	"mailcrypt/go-backend/internal/unlock"
	"mailcrypt/go-backend/pkg/models"
)

type ctxKey int

const secretsKey ctxKey = 0

// Secrets carries the request-supplied credentials that stand in for the
// interactive prompts: an HTTP client sends them with the request instead of
// answering a dialog.
type Secrets struct {
	Passphrase       string
	Persist          models.PassphraseScope
	FallbackPassword string
}

// WithSecrets attaches request secrets to the context.
func WithSecrets(ctx context.Context, secrets Secrets) context.Context {
	return context.WithValue(ctx, secretsKey, secrets)
}

func secretsFrom(ctx context.Context) Secrets {
	secrets, _ := ctx.Value(secretsKey).(Secrets)
	return secrets
}

// RequestPrompt answers prompt requests from context secrets. A wrong
// passphrase is not retried: the second attempt reads as a cancellation so
// the client gets a clean failure instead of a spinning loop.
type RequestPrompt struct{}

func (RequestPrompt) PromptPassphrase(ctx context.Context, req unlock.PromptRequest) (unlock.PromptAnswer, error) {
	secrets := secretsFrom(ctx)
	if req.Attempt > 1 || secrets.Passphrase == "" {
		return unlock.PromptAnswer{Cancelled: true}, nil
	}
	return unlock.PromptAnswer{
		Passphrase: secrets.Passphrase,
		Persist:    secrets.Persist,
	}, nil
}

func (RequestPrompt) PromptFallbackPassword(ctx context.Context, req app.FallbackPromptRequest) (app.FallbackPromptAnswer, error) {
	secrets := secretsFrom(ctx)
	if secrets.FallbackPassword == "" {
		return app.FallbackPromptAnswer{Cancelled: true}, nil
	}
	return app.FallbackPromptAnswer{Password: secrets.FallbackPassword}, nil
}
