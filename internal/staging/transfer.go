package staging

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"loom/internal/fileutil"
)

// Mode selects how a transfer moves data.
type Mode string

const (
	// ModeUpload copies client-side data into the sandbox with verification.
	ModeUpload Mode = "upload"
	// ModeCopy copies data already on the resource.
	ModeCopy Mode = "copy"
	// ModeLink symlinks data already on the resource.
	ModeLink Mode = "link"
	// ModeDownload copies sandbox output back to the client with verification.
	ModeDownload Mode = "download"
)

// ErrNoMatch is returned when a glob source matches nothing.
var ErrNoMatch = errors.New("no files match")

// Transfer is one resolved staging directive with absolute paths.
type Transfer struct {
	Mode   Mode
	Source string
	Target string
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s %s > %s", t.Mode, t.Source, t.Target)
}

// Apply performs t and returns the number of files placed.
func Apply(ctx context.Context, t Transfer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sources := []string{t.Source}
	multi := false
	if hasMeta(t.Source) {
		matches, err := doublestar.FilepathGlob(t.Source)
		if err != nil {
			return 0, fmt.Errorf("%s: glob: %w", t, err)
		}
		if len(matches) == 0 {
			return 0, fmt.Errorf("%s: %w", t, ErrNoMatch)
		}
		sources = matches
		multi = len(matches) > 1
	}

	total := 0
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		dst := t.Target
		if multi {
			dst = filepath.Join(t.Target, filepath.Base(src))
		}
		n, err := move(t.Mode, src, dst)
		total += n
		if err != nil {
			return total, fmt.Errorf("%s: %w", t, err)
		}
	}
	return total, nil
}

// ApplyAll runs transfers in order and stops at the first failure.
func ApplyAll(ctx context.Context, transfers []Transfer) (int, error) {
	total := 0
	for _, t := range transfers {
		n, err := Apply(ctx, t)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func move(mode Mode, src, dst string) (int, error) {
	switch mode {
	case ModeLink:
		if err := fileutil.Link(src, dst); err != nil {
			return 0, err
		}
		return 1, nil
	case ModeUpload, ModeDownload:
		return fileutil.CopyTree(src, dst, true)
	case ModeCopy:
		return fileutil.CopyTree(src, dst, false)
	default:
		return 0, fmt.Errorf("unknown transfer mode %q", mode)
	}
}

func hasMeta(path string) bool {
	for _, c := range path {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
