package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"loom/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level            string
	Format           string
	OutputPaths      []string
	ErrorOutputPaths []string
	Development      bool
	// Color forces ANSI level colours in console output. When false, colour
	// is still used if the only sink is a terminal.
	Color bool
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	handler, err := newHandler(opts, parseLevel(opts.Level))
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

func newHandler(opts Options, level slog.Level) (slog.Handler, error) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	outputWriter, err := openWriters(
		defaultSlice(opts.OutputPaths, []string{"stdout"}),
		defaultSlice(opts.ErrorOutputPaths, []string{"stderr"}),
	)
	if err != nil {
		return nil, err
	}

	addSource := opts.Development || level <= slog.LevelDebug

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}

	switch format {
	case "json":
		return newJSONHandler(outputWriter, levelVar, addSource), nil
	case "console":
		return newPrettyHandler(outputWriter, levelVar, addSource, opts.Color || isTerminal(outputWriter)), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
}

// NewFromConfig creates the run logger: console (or JSON) on stdout plus a
// JSON log file in the configured log directory. Component overrides from
// the config are applied through ForComponent.
func NewFromConfig(cfg *config.Config) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{Level: "info", Format: "console"})
	}

	global := parseLevel(cfg.Logging.Level)
	verbose := global
	for _, lvl := range cfg.Logging.ComponentOverrides {
		if parsed := parseLevel(lvl); parsed < verbose {
			verbose = parsed
		}
	}

	stdout, err := newHandler(Options{
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stdout"},
	}, verbose)
	if err != nil {
		return nil, err
	}

	handlers := []slog.Handler{stdout}
	if cfg.Paths.LogDir != "" {
		if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure log directory: %w", err)
		}
		logPath := filepath.Join(cfg.Paths.LogDir, "loom.log")
		file, err := newHandler(Options{
			Format:           "json",
			OutputPaths:      []string{logPath},
			ErrorOutputPaths: []string{logPath},
		}, verbose)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, file)
	}

	return slog.New(withFloor(TeeHandler(handlers...), global)), nil
}

// ForComponent returns a component logger, honouring a per-component level
// override when one is configured.
func ForComponent(base *slog.Logger, component string, overrides map[string]string) *slog.Logger {
	logger := NewComponentLogger(base, component)
	if lvl, ok := overrides[strings.ToLower(component)]; ok {
		return WithLevelOverride(logger, parseLevel(lvl))
	}
	return logger
}

// WithComponentLevel applies the component's configured level override
// without tagging the logger. Packages that add their own component field
// receive loggers built this way.
func WithComponentLevel(base *slog.Logger, component string, overrides map[string]string) *slog.Logger {
	if base == nil {
		base = NewNop()
	}
	if lvl, ok := overrides[strings.ToLower(component)]; ok {
		return WithLevelOverride(base, parseLevel(lvl))
	}
	return base
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultSlice(value []string, fallback []string) []string {
	if len(value) == 0 {
		return append([]string(nil), fallback...)
	}
	return append([]string(nil), value...)
}

func openWriters(outputPaths []string, errorPaths []string) (io.Writer, error) {
	seen := map[string]struct{}{}
	var writers []io.Writer
	combined := append([]string{}, outputPaths...)
	combined = append(combined, errorPaths...)

	for _, path := range combined {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}

		switch trimmed {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, err
				}
			}
			file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", trimmed, err)
			}
			writers = append(writers, file)
		}
	}

	switch len(writers) {
	case 0:
		return os.Stdout, nil
	case 1:
		return writers[0], nil
	default:
		return io.MultiWriter(writers...), nil
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
