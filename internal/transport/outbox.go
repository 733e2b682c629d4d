// Package transport hands finished messages to the mail submission layer.
// The daemon itself does not speak SMTP; it spools sendable messages to an
// outbox directory that the platform mailer drains.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mailcrypt/go-backend/pkg/models"
)

// Outbox persists each message as a standalone JSON document. Writes go
// through a temp file and rename so a half-written spool entry is never
// picked up.
type Outbox struct {
	dir    string
	logger *slog.Logger
}

func NewOutbox(dataDir string, logger *slog.Logger) (*Outbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(dataDir, "outbox")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	return &Outbox{dir: dir, logger: logger}, nil
}

func (o *Outbox) Send(ctx context.Context, msg models.SendableMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	var nonce [6]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("spool nonce: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), hex.EncodeToString(nonce[:]))

	tmp := filepath.Join(o.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write spool entry: %w", err)
	}
	final := filepath.Join(o.dir, name)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit spool entry: %w", err)
	}

	o.logger.Debug("message spooled",
		"variant", string(msg.Variant),
		"recipients", len(msg.Recipients))
	return nil
}

// Pending lists the spooled entries in submission order.
func (o *Outbox) Pending() ([]string, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, fmt.Errorf("read outbox dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}
