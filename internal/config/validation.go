package config

import (
	"fmt"
	"time"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if c.Paths.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Binary == "" {
		return fmt.Errorf("binary cannot be empty")
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"server_ready":  c.Timeouts.ServerReady,
		"internal_poll": c.Timeouts.InternalPoll,
		"tail_poll":     c.Timeouts.TailPoll,
		"prompt_wait":   c.Timeouts.PromptWait,
		"status_probe":  c.Timeouts.StatusProbe,
		"close_wait":    c.Timeouts.CloseWait,
	}
	for name, value := range fields {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", name, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: duration must be positive, got %s", name, d)
		}
	}
	return nil
}
