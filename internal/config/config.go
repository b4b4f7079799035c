// Package config provides centralized configuration management for virtbox.
// Configuration is loaded from a JSON file at /etc/virtbox/config.json
// (overridable via VIRTBOX_CONFIG environment variable). A missing file is
// not an error: the library falls back to built-in defaults so test runs
// need no installation step.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spin-stack/virtbox/paths"
)

const (
	// DefaultConfigPath is the default location for the config file.
	DefaultConfigPath = "/etc/virtbox/config.json"

	// ConfigEnvVar is the environment variable to override config file location.
	ConfigEnvVar = "VIRTBOX_CONFIG"
)

// Config is the root configuration structure.
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Server   ServerConfig   `json:"server"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

// PathsConfig defines filesystem paths for virtbox state.
type PathsConfig struct {
	StateDir string `json:"state_dir"` // Session directories and registry
	LogDir   string `json:"log_dir"`   // Tail log files
}

// ServerConfig defines how the per-session helper server is launched.
type ServerConfig struct {
	// Binary is the helper executable that owns the spawned child and
	// relays its output over the session pipes. Looked up on PATH when
	// empty.
	Binary string `json:"binary"`
}

// TimeoutsConfig defines timeout durations for session operations.
// All values are duration strings (e.g., "5s", "100ms").
type TimeoutsConfig struct {
	// ServerReady is how long to wait for the helper server's ready line
	// after spawning it. Default: 10s.
	ServerReady string `json:"server_ready"`

	// InternalPoll is the inner poll granularity of expect-style reads.
	// Default: 100ms.
	InternalPoll string `json:"internal_poll"`

	// TailPoll is the poll window of the background tail loop.
	// Default: 50ms.
	TailPoll string `json:"tail_poll"`

	// PromptWait is the default timeout waiting for a shell prompt.
	// Default: 60s.
	PromptWait string `json:"prompt_wait"`

	// StatusProbe is the default timeout for the exit-status probe round
	// trip. Default: 30s.
	StatusProbe string `json:"status_probe"`

	// CloseWait is how long Close waits for the helper server to exit.
	// Default: 10s.
	CloseWait string `json:"close_wait"`
}

// GetServerReady returns the server ready timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetServerReady() time.Duration {
	return mustParseDuration(t.ServerReady)
}

// GetInternalPoll returns the expect poll granularity as a time.Duration.
func (t *TimeoutsConfig) GetInternalPoll() time.Duration {
	return mustParseDuration(t.InternalPoll)
}

// GetTailPoll returns the tail poll window as a time.Duration.
func (t *TimeoutsConfig) GetTailPoll() time.Duration {
	return mustParseDuration(t.TailPoll)
}

// GetPromptWait returns the prompt wait timeout as a time.Duration.
func (t *TimeoutsConfig) GetPromptWait() time.Duration {
	return mustParseDuration(t.PromptWait)
}

// GetStatusProbe returns the status probe timeout as a time.Duration.
func (t *TimeoutsConfig) GetStatusProbe() time.Duration {
	return mustParseDuration(t.StatusProbe)
}

// GetCloseWait returns the close wait timeout as a time.Duration.
func (t *TimeoutsConfig) GetCloseWait() time.Duration {
	return mustParseDuration(t.CloseWait)
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to
// reload. Intended for testing only.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from VIRTBOX_CONFIG or /etc/virtbox/config.json.
// A missing default file yields DefaultConfig; a missing explicitly
// configured file is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		if _, err := os.Stat(DefaultConfigPath); os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		configPath = DefaultConfigPath
	}
	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns an error if the file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s (set %s or remove the override)", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in any empty fields with default values.
func (c *Config) applyDefaults() {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = paths.GetStateDir()
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = paths.GetLogDir()
	}
	if c.Server.Binary == "" {
		c.Server.Binary = "virtbox-session-server"
	}
	if c.Timeouts.ServerReady == "" {
		c.Timeouts.ServerReady = "10s"
	}
	if c.Timeouts.InternalPoll == "" {
		c.Timeouts.InternalPoll = "100ms"
	}
	if c.Timeouts.TailPoll == "" {
		c.Timeouts.TailPoll = "50ms"
	}
	if c.Timeouts.PromptWait == "" {
		c.Timeouts.PromptWait = "60s"
	}
	if c.Timeouts.StatusProbe == "" {
		c.Timeouts.StatusProbe = "30s"
	}
	if c.Timeouts.CloseWait == "" {
		c.Timeouts.CloseWait = "10s"
	}
}
