package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loom/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "loom", "state")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.Resource.SandboxDir != filepath.Join(tempHome, ".local", "share", "loom", "sandbox") {
		t.Fatalf("unexpected sandbox dir: %q", cfg.Resource.SandboxDir)
	}
	if cfg.Channels.Backend != "sqlite" {
		t.Fatalf("expected sqlite backend by default, got %q", cfg.Channels.Backend)
	}
	if cfg.Engine.PlaceholderPolicy != "latest" {
		t.Fatalf("expected latest placeholder policy, got %q", cfg.Engine.PlaceholderPolicy)
	}
	if cfg.Engine.ResubmitFailed {
		t.Fatal("expected resubmission disabled by default")
	}
	if cfg.HeartbeatTimeout() != 10*time.Second {
		t.Fatalf("unexpected heartbeat timeout: %s", cfg.HeartbeatTimeout())
	}
	if cfg.PollInterval() != 100*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval())
	}
	if cfg.DatabasePath() != filepath.Join(wantState, "loom.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
}

func TestLoadCustomConfigOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(t.TempDir(), "loom.toml")
	content := `
[paths]
state_dir = "~/runs"

[engine]
resubmit_failed = true
max_resubmits = 2
placeholder_policy = "FIRST"
success_expr = "ExitCode in [0, 3]"

[resource]
cores = 16
walltime = 0
project = " chem "

[logging]
format = "JSON"
level = "DEBUG"

[logging.component_overrides]
TaskManager = "Warn"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected config at %q to exist, got %q exists=%v", configPath, resolved, exists)
	}
	if cfg.Paths.StateDir != filepath.Join(tempHome, "runs") {
		t.Fatalf("unexpected state dir: %q", cfg.Paths.StateDir)
	}
	if !cfg.Engine.ResubmitFailed || cfg.Engine.MaxResubmits != 2 {
		t.Fatalf("unexpected engine resubmit settings: %+v", cfg.Engine)
	}
	if cfg.Engine.PlaceholderPolicy != "first" {
		t.Fatalf("expected normalized placeholder policy, got %q", cfg.Engine.PlaceholderPolicy)
	}
	if cfg.Resource.Cores != 16 || cfg.Resource.Project != "chem" {
		t.Fatalf("unexpected resource section: %+v", cfg.Resource)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging section: %+v", cfg.Logging)
	}
	if got := cfg.Logging.ComponentOverrides["taskmanager"]; got != "warn" {
		t.Fatalf("expected normalized component override, got %q", got)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "loom.toml")
	if err := os.WriteFile(configPath, []byte("[engine]\nresubmit = true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"backend", func(c *config.Config) { c.Channels.Backend = "kafka" }, "channels.backend"},
		{"nats url", func(c *config.Config) { c.Channels.Backend = "nats"; c.Channels.NATSURL = "" }, "nats_url"},
		{"policy", func(c *config.Config) { c.Engine.PlaceholderPolicy = "oldest" }, "placeholder_policy"},
		{"cores", func(c *config.Config) { c.Resource.Cores = 0 }, "resource.cores"},
		{"resubmits", func(c *config.Config) { c.Engine.MaxResubmits = -1 }, "max_resubmits"},
		{"rate", func(c *config.Config) { c.Engine.SubmitRate = -2 }, "submit_rate"},
		{"level", func(c *config.Config) { c.Logging.Level = "trace" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestNATSURLFallsBackToEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LOOM_NATS_URL", "nats://127.0.0.1:4222")
	configPath := filepath.Join(t.TempDir(), "loom.toml")
	if err := os.WriteFile(configPath, []byte("[channels]\nbackend = \"nats\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Channels.NATSURL != "nats://127.0.0.1:4222" {
		t.Fatalf("expected env nats url, got %q", cfg.Channels.NATSURL)
	}
}

func TestCreateSampleLoadsCleanly(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	def := config.Default()
	if cfg.Engine.HeartbeatTimeout != def.Engine.HeartbeatTimeout || cfg.Resource.Cores != def.Resource.Cores {
		t.Fatalf("sample drifted from defaults: %+v", cfg.Engine)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Resource.SandboxDir = filepath.Join(base, "sandbox")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.LogDir, cfg.Resource.SandboxDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q: %v", dir, err)
		}
	}
}
