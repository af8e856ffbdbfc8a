package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Channels default to the in-memory backend and the poll cadence is shortened
// so loops converge quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Resource.SandboxDir = filepath.Join(base, "sandbox")
	cfgVal.Channels.Backend = "memory"
	cfgVal.Engine.PollIntervalMillis = 5
	cfgVal.Engine.HeartbeatInterval = 1
	cfgVal.Engine.HeartbeatTimeout = 1
	cfgVal.Logging.Level = "error"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	return builder.cfg
}

// WithBackend selects the channel backend.
func WithBackend(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Channels.Backend = name
	}
}

// WithResubmission enables FAILED task resubmission up to max clones.
func WithResubmission(max int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Engine.ResubmitFailed = true
		b.cfg.Engine.MaxResubmits = max
	}
}

// WithCores overrides the default pool capacity.
func WithCores(cores int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Resource.Cores = cores
	}
}

// WithStubbedExecutables writes shell scripts into a bin directory that is
// prepended to PATH. Each script body runs under /bin/sh.
func WithStubbedExecutables(scripts map[string]string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		for name, body := range scripts {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
