package testsupport

import (
	"context"
	"testing"
	"time"

	"loom/internal/channel"
	"loom/internal/config"
	"loom/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustDeclare declares every loom channel on the broker.
func MustDeclare(t testing.TB, b channel.Broker, names channel.Names) {
	t.Helper()

	if err := channel.DeclareAll(context.Background(), b, names); err != nil {
		t.Fatalf("declare channels: %v", err)
	}
}

// WaitFor polls cond until it returns true or the timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
