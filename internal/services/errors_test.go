package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"loom/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrSubmission, "taskmanager", "submit", "pool rejected unit", base)
	if !errors.Is(err, services.ErrSubmission) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"taskmanager", "submit", "pool rejected unit"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestRestartableClassification(t *testing.T) {
	if !services.Restartable(services.Wrap(services.ErrLiveness, "heartbeat", "", "", nil)) {
		t.Fatal("expected liveness failure to be restartable")
	}
	if !services.Restartable(fmt.Errorf("loop: %w", services.Wrap(services.ErrChannel, "pending", "get", "", errors.New("io")))) {
		t.Fatal("expected wrapped channel failure to be restartable")
	}
	if services.Restartable(services.Wrap(services.ErrTransition, "workflow", "advance", "", nil)) {
		t.Fatal("expected transition failure to be fatal")
	}
	if services.Restartable(nil) {
		t.Fatal("expected nil to be non-restartable")
	}
}

func TestHintFallsBack(t *testing.T) {
	if got := services.Hint(errors.New("plain")); got != "check logs for details" {
		t.Fatalf("unexpected hint %q", got)
	}
}
