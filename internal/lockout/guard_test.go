package lockout

import (
	"testing"
	"time"

	"mailcrypt/go-backend/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGuard(t *testing.T) (*Guard, *fakeClock, *storage.MemoryStore) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()
	guard := New(store, nil, WithClock(clock.Now))
	return guard, clock, store
}

func TestBlocksAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	guard, _, _ := newTestGuard(t)
	for i := 0; i < DefaultMaxAttempts; i++ {
		if blocked, _, _ := guard.ShouldBlock("acct"); blocked {
			t.Fatalf("blocked after only %d failures", i)
		}
		if err := guard.RecordFailure("acct"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	blocked, retryIn, err := guard.ShouldBlock("acct")
	if err != nil {
		t.Fatalf("should block: %v", err)
	}
	if !blocked {
		t.Fatal("expected block after max attempts")
	}
	if retryIn <= 0 || retryIn > DefaultWindow {
		t.Fatalf("implausible retry-in: %v", retryIn)
	}
}

func TestWindowElapseResetsCounter(t *testing.T) {
	t.Parallel()

	guard, clock, _ := newTestGuard(t)
	for i := 0; i < DefaultMaxAttempts; i++ {
		if err := guard.RecordFailure("acct"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if blocked, _, _ := guard.ShouldBlock("acct"); !blocked {
		t.Fatal("expected block inside window")
	}

	clock.Advance(DefaultWindow + time.Second)
	if blocked, _, _ := guard.ShouldBlock("acct"); blocked {
		t.Fatal("still blocked after window elapsed")
	}
	attempts, err := guard.FailedAttempts("acct")
	if err != nil {
		t.Fatalf("failed attempts: %v", err)
	}
	if attempts != 0 {
		t.Fatalf("counter not reset, got %d", attempts)
	}
}

func TestSuccessClearsState(t *testing.T) {
	t.Parallel()

	guard, _, _ := newTestGuard(t)
	for i := 0; i < 3; i++ {
		if err := guard.RecordFailure("acct"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if err := guard.RecordSuccess("acct"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	attempts, _ := guard.FailedAttempts("acct")
	if attempts != 0 {
		t.Fatalf("counter not cleared, got %d", attempts)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore()

	guard := New(store, nil, WithClock(clock.Now))
	for i := 0; i < DefaultMaxAttempts; i++ {
		if err := guard.RecordFailure("acct"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	// A new guard over the same store must still block.
	restarted := New(store, nil, WithClock(clock.Now))
	if blocked, _, _ := restarted.ShouldBlock("acct"); !blocked {
		t.Fatal("lockout bypassed by restart")
	}
}

func TestCorruptedStateIsClamped(t *testing.T) {
	t.Parallel()

	guard, _, store := newTestGuard(t)
	if err := store.Set("acct", "lockout", []byte(`{"failed_attempts":-4}`)); err != nil {
		t.Fatalf("seed corrupt state: %v", err)
	}
	attempts, err := guard.FailedAttempts("acct")
	if err != nil {
		t.Fatalf("failed attempts: %v", err)
	}
	if attempts > DefaultMaxAttempts {
		t.Fatalf("counter not clamped: %d", attempts)
	}
}

func TestAccountsAreIndependent(t *testing.T) {
	t.Parallel()

	guard, _, _ := newTestGuard(t)
	for i := 0; i < DefaultMaxAttempts; i++ {
		if err := guard.RecordFailure("a"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if blocked, _, _ := guard.ShouldBlock("b"); blocked {
		t.Fatal("lockout leaked across accounts")
	}
}
