package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateChannels(); err != nil {
		return err
	}
	if err := c.validateResource(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateEngine() error {
	if c.Engine.PollIntervalMillis <= 0 {
		return errors.New("engine.poll_interval_ms must be positive")
	}
	if c.Engine.HeartbeatInterval <= 0 {
		return errors.New("engine.heartbeat_interval must be positive")
	}
	if c.Engine.HeartbeatTimeout <= 0 {
		return errors.New("engine.heartbeat_timeout must be positive")
	}
	if c.Engine.MaxResubmits < 0 {
		return errors.New("engine.max_resubmits must be >= 0 (0 means unlimited)")
	}
	if c.Engine.MaxManagerRestarts < 0 {
		return errors.New("engine.max_manager_restarts must be >= 0")
	}
	if c.Engine.SubmitRate < 0 {
		return errors.New("engine.submit_rate must be >= 0 (0 disables rate limiting)")
	}
	switch c.Engine.PlaceholderPolicy {
	case "latest", "first":
	default:
		return fmt.Errorf("engine.placeholder_policy: unsupported value %q (want latest or first)", c.Engine.PlaceholderPolicy)
	}
	return nil
}

func (c *Config) validateChannels() error {
	switch c.Channels.Backend {
	case "sqlite", "memory":
	case "nats":
		if c.Channels.NATSURL == "" {
			return errors.New("channels.nats_url must be set when channels.backend is nats (or set LOOM_NATS_URL)")
		}
	default:
		return fmt.Errorf("channels.backend: unsupported value %q (want sqlite, memory, or nats)", c.Channels.Backend)
	}
	if c.Channels.VisibilityTimeout <= 0 {
		return errors.New("channels.visibility_timeout must be positive")
	}
	return nil
}

func (c *Config) validateResource() error {
	if c.Resource.Cores <= 0 {
		return errors.New("resource.cores must be positive")
	}
	if c.Resource.Walltime < 0 {
		return errors.New("resource.walltime must be >= 0 minutes (0 means unbounded)")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !validLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	for component, level := range c.Logging.ComponentOverrides {
		if !validLevel(level) {
			return fmt.Errorf("logging.component_overrides.%s: unsupported level %q", component, level)
		}
	}
	return nil
}

func validLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}
