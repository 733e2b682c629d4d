// Package lockout rate-limits passphrase verification attempts per account.
// State is durable so a lockout cannot be bypassed by restarting the process.
package lockout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mailcrypt/go-backend/internal/storage"
)

const stateField = "lockout"

const (
	// DefaultMaxAttempts failed checks inside the window trigger a block.
	DefaultMaxAttempts = 5
	// DefaultWindow is the rolling window after which the counter resets.
	DefaultWindow = 5 * time.Minute
)

type persistedState struct {
	FailedAttempts uint32    `json:"failed_attempts"`
	LastFailure    time.Time `json:"last_failure"`
}

// Guard tracks failed passphrase attempts per account. All transitions are
// linearized under a single mutex so concurrent unlock attempts observe a
// consistent counter.
type Guard struct {
	mu          sync.Mutex
	store       storage.AccountStore
	maxAttempts uint32
	window      time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Guard)

func WithLimits(maxAttempts int, window time.Duration) Option {
	return func(g *Guard) {
		if maxAttempts > 0 {
			g.maxAttempts = uint32(maxAttempts)
		}
		if window > 0 {
			g.window = window
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func New(store storage.AccountStore, logger *slog.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultWindow,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RecordFailure increments the failure counter and stamps the failure time.
func (g *Guard) RecordFailure(account string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.loadLocked(account)
	if err != nil {
		return err
	}
	state.FailedAttempts++
	state.LastFailure = g.now()
	if err := g.persistLocked(account, state); err != nil {
		return err
	}
	if state.FailedAttempts >= g.maxAttempts {
		g.logger.Warn("account locked out",
			slog.String("account", account),
			slog.Uint64("failed_attempts", uint64(state.FailedAttempts)),
		)
	}
	return nil
}

// RecordSuccess clears the failure counter.
func (g *Guard) RecordSuccess(account string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store.Remove(account, stateField)
}

// ShouldBlock reports whether further passphrase attempts must be refused,
// and how long until the window reopens. Once the window has elapsed the
// counter is reset to zero.
func (g *Guard) ShouldBlock(account string) (bool, time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, err := g.loadLocked(account)
	if err != nil {
		return false, 0, err
	}
	if state.FailedAttempts == 0 {
		return false, 0, nil
	}

	elapsed := g.now().Sub(state.LastFailure)
	if elapsed > g.window {
		if err := g.store.Remove(account, stateField); err != nil {
			return false, 0, err
		}
		return false, 0, nil
	}
	if state.FailedAttempts >= g.maxAttempts {
		return true, g.window - elapsed, nil
	}
	return false, 0, nil
}

// FailedAttempts returns the current (clamped) counter, for display.
func (g *Guard) FailedAttempts(account string) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, err := g.loadLocked(account)
	if err != nil {
		return 0, err
	}
	return state.FailedAttempts, nil
}

func (g *Guard) loadLocked(account string) (persistedState, error) {
	raw, ok, err := g.store.Get(account, stateField)
	if err != nil {
		return persistedState{}, fmt.Errorf("load lockout state: %w", err)
	}
	if !ok {
		return persistedState{}, nil
	}
	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		// Corrupted state counts as fully locked until the window passes;
		// treating it as empty would let an attacker reset the counter.
		g.logger.Warn("lockout state corrupted, clamping", slog.String("account", account))
		return persistedState{FailedAttempts: g.maxAttempts, LastFailure: g.now()}, nil
	}
	// Clamp defensively against corrupted or hand-edited stored values.
	if state.FailedAttempts > g.maxAttempts {
		state.FailedAttempts = g.maxAttempts
	}
	return state, nil
}

func (g *Guard) persistLocked(account string, state persistedState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return g.store.Set(account, stateField, raw)
}
