package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"loom/internal/logging"
)

// CleanStaleResult contains the outcome of a stale sandbox cleanup.
type CleanStaleResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes run sandboxes under root older than maxAge. Directories
// listed in keep are left alone.
func CleanStale(ctx context.Context, root string, maxAge time.Duration, keep map[string]struct{}, logger *slog.Logger) CleanStaleResult {
	result := CleanStaleResult{}
	if logger == nil {
		logger = logging.NewNop()
	}

	root = strings.TrimSpace(root)
	if root == "" || maxAge <= 0 {
		return result
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: root, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.IsDir() {
			continue
		}
		if _, ok := keep[entry.Name()]; ok {
			continue
		}

		dirPath := filepath.Join(root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			logger.Warn("failed to remove stale sandbox",
				logging.String("path", dirPath),
				logging.Error(err),
				logging.String(logging.FieldEventType, "sandbox_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "check resource.sandbox_dir permissions"),
			)
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		logger.Info("removed stale sandbox",
			logging.String("path", dirPath),
			logging.Duration("age", time.Since(info.ModTime())),
			logging.String(logging.FieldEventType, "sandbox_cleanup"),
		)
	}

	return result
}
