// Package privacylog wraps slog handlers so secrets and personal identifiers
// never reach log output. Passphrases and tokens are redacted outright;
// addresses and key fingerprints are replaced with salted, boot-scoped
// fingerprints that stay correlatable within one run but not across runs.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()

	// Identifiers that must never be logged in the clear.
	fingerprintedKeys = map[string]struct{}{
		"account":   {},
		"email":     {},
		"recipient": {},
		"sender":    {},
		"address":   {},
		"key_id":    {},
	}

	// Key fragments that mark a value as an outright secret.
	secretKeyParts = []string{"passphrase", "password", "token", "secret", "auth"}
)

// SanitizingHandler rewrites record attributes before delegating.
type SanitizingHandler struct {
	next slog.Handler
}

// WrapHandler wraps next in a SanitizingHandler.
func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		sanitized = append(sanitized, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(sanitized)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr rewrites a single attribute according to the key tables.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)

	if isSecretKey(lowerKey) {
		return slog.String(key, redactedValue)
	}
	if shouldFingerprint(lowerKey) {
		return slog.String(key+"_fp", Fingerprint(valueToString(attr.Value)))
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		sanitized := make([]any, 0, len(group))
		for _, member := range group {
			sanitized = append(sanitized, SanitizeAttr(member))
		}
		return slog.Group(key, sanitized...)
	}
	return attr
}

// Fingerprint derives a stable-for-this-run, non-reversible token for an
// identifier.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func shouldFingerprint(key string) bool {
	if _, ok := fingerprintedKeys[key]; ok {
		return true
	}
	return strings.HasSuffix(key, "_email") || strings.HasSuffix(key, "_address")
}

func isSecretKey(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return fmt.Sprint(v.Any())
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
