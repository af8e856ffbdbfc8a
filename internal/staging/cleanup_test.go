package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/logging"
)

func TestCleanStaleInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := CleanStale(context.Background(), dir, time.Hour, nil, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanStaleRemovesOldSandboxes(t *testing.T) {
	root := t.TempDir()
	oldTime := time.Now().Add(-2 * time.Hour)

	oldDir := filepath.Join(root, "run-old")
	keptDir := filepath.Join(root, "run-active")
	recentDir := filepath.Join(root, "run-recent")
	for _, dir := range []string{oldDir, keptDir, recentDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	for _, dir := range []string{oldDir, keptDir} {
		if err := os.Chtimes(dir, oldTime, oldTime); err != nil {
			t.Fatalf("set old time: %v", err)
		}
	}
	oldFile := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(oldFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_ = os.Chtimes(oldFile, oldTime, oldTime)

	keep := map[string]struct{}{"run-active": {}}
	result := CleanStale(context.Background(), root, time.Hour, keep, logging.NewNop())

	if len(result.Removed) != 1 || result.Removed[0] != oldDir {
		t.Fatalf("expected only %s removed, got %v", oldDir, result.Removed)
	}
	for _, path := range []string{keptDir, recentDir, oldFile} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to survive: %v", path, err)
		}
	}
}
