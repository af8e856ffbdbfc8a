package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeEngine()
	c.normalizeChannels()
	if err := c.normalizeResource(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeEngine() {
	if c.Engine.PollIntervalMillis <= 0 {
		c.Engine.PollIntervalMillis = defaultPollIntervalMillis
	}
	if c.Engine.HeartbeatInterval <= 0 {
		c.Engine.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Engine.HeartbeatTimeout <= 0 {
		c.Engine.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Engine.SubmitBurst <= 0 {
		c.Engine.SubmitBurst = defaultSubmitBurst
	}
	c.Engine.SuccessExpr = strings.TrimSpace(c.Engine.SuccessExpr)
	c.Engine.PlaceholderPolicy = strings.ToLower(strings.TrimSpace(c.Engine.PlaceholderPolicy))
	if c.Engine.PlaceholderPolicy == "" {
		c.Engine.PlaceholderPolicy = defaultPlaceholderPolicy
	}
}

func (c *Config) normalizeChannels() {
	c.Channels.Backend = strings.ToLower(strings.TrimSpace(c.Channels.Backend))
	if c.Channels.Backend == "" {
		c.Channels.Backend = defaultChannelBackend
	}
	c.Channels.Prefix = strings.TrimSpace(c.Channels.Prefix)
	if c.Channels.VisibilityTimeout <= 0 {
		c.Channels.VisibilityTimeout = defaultVisibilityTimeout
	}
	c.Channels.NATSURL = strings.TrimSpace(c.Channels.NATSURL)
	if c.Channels.NATSURL == "" {
		if value, ok := os.LookupEnv("LOOM_NATS_URL"); ok {
			c.Channels.NATSURL = strings.TrimSpace(value)
		}
	}
	c.Channels.NATSStream = strings.TrimSpace(c.Channels.NATSStream)
	if c.Channels.NATSStream == "" {
		c.Channels.NATSStream = defaultNATSStream
	}
}

func (c *Config) normalizeResource() error {
	c.Resource.Resource = strings.TrimSpace(c.Resource.Resource)
	if c.Resource.Resource == "" {
		c.Resource.Resource = defaultResource
	}
	c.Resource.Project = strings.TrimSpace(c.Resource.Project)
	c.Resource.Queue = strings.TrimSpace(c.Resource.Queue)
	if strings.TrimSpace(c.Resource.SandboxDir) == "" {
		c.Resource.SandboxDir = defaultSandboxDir
	}
	var err error
	if c.Resource.SandboxDir, err = expandPath(c.Resource.SandboxDir); err != nil {
		return fmt.Errorf("resource.sandbox_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if len(c.Logging.ComponentOverrides) > 0 {
		normalized := make(map[string]string, len(c.Logging.ComponentOverrides))
		for component, level := range c.Logging.ComponentOverrides {
			key := strings.ToLower(strings.TrimSpace(component))
			if key == "" {
				continue
			}
			normalized[key] = strings.ToLower(strings.TrimSpace(level))
		}
		c.Logging.ComponentOverrides = normalized
	}
}
