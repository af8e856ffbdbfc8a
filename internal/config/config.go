package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Engine contains scheduling, resubmission, and supervision knobs.
type Engine struct {
	ResubmitFailed     bool    `toml:"resubmit_failed"`
	MaxResubmits       int     `toml:"max_resubmits"`
	PollIntervalMillis int     `toml:"poll_interval_ms"`
	HeartbeatInterval  int     `toml:"heartbeat_interval"`
	HeartbeatTimeout   int     `toml:"heartbeat_timeout"`
	MaxManagerRestarts int     `toml:"max_manager_restarts"`
	SubmitRate         float64 `toml:"submit_rate"`
	SubmitBurst        int     `toml:"submit_burst"`
	// SuccessExpr classifies a dequeued task. Evaluated against the task's
	// ExitCode, Name, Stage and Pipeline fields; empty means ExitCode == 0.
	SuccessExpr       string `toml:"success_expr"`
	PlaceholderPolicy string `toml:"placeholder_policy"`
}

// Channels selects and tunes the message channel backend.
type Channels struct {
	Backend           string `toml:"backend"`
	Prefix            string `toml:"prefix"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
	NATSURL           string `toml:"nats_url"`
	NATSStream        string `toml:"nats_stream"`
}

// Resource holds the default resource description used when a workflow file
// does not carry one.
type Resource struct {
	Resource   string `toml:"resource"`
	Walltime   int    `toml:"walltime"`
	Cores      int    `toml:"cores"`
	Project    string `toml:"project"`
	Queue      string `toml:"queue"`
	SandboxDir string `toml:"sandbox_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format             string            `toml:"format"`
	Level              string            `toml:"level"`
	ComponentOverrides map[string]string `toml:"component_overrides"`
}

// Metrics configures the prometheus exposition endpoint. An empty bind
// disables the listener; counters are still collected.
type Metrics struct {
	Bind string `toml:"bind"`
}

// Config encapsulates all configuration values for loom.
//
// Configuration sections by subsystem:
//   - Paths: run state and log directories
//   - Engine: scheduling cadence, resubmission, heartbeat supervision
//   - Channels: message channel backend selection
//   - Resource: default resource description for the execution pool
//   - Logging: log format, level, and per-component overrides
//   - Metrics: prometheus listener
type Config struct {
	Paths    Paths    `toml:"paths"`
	Engine   Engine   `toml:"engine"`
	Channels Channels `toml:"channels"`
	Resource Resource `toml:"resource"`
	Logging  Logging  `toml:"logging"`
	Metrics  Metrics  `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("loom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state, log, and sandbox directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Resource.SandboxDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// PollInterval is the channel poll cadence used by every loop.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalMillis) * time.Millisecond
}

// HeartbeatInterval is the pause between two liveness probes.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Engine.HeartbeatInterval) * time.Second
}

// HeartbeatTimeout is how long a probe waits for its correlated reply.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Engine.HeartbeatTimeout) * time.Second
}

// VisibilityTimeout is how long a claimed, unacknowledged message stays hidden.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Channels.VisibilityTimeout) * time.Second
}

// DatabasePath is the SQLite file holding durable channels and run records.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "loom.db")
}

// LockPath is the single-run lock file inside the state directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "loom.lock")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration back to TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
