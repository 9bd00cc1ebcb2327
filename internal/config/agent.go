package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig configures the headless sync agent. It is loaded from a YAML
// file; the server URL and token can be overridden from the environment so
// the file can be committed without credentials.
type AgentConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`

	// RequestTimeout bounds individual REST calls.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// SessionDebounce is the session-state push coalescing window.
	SessionDebounce time.Duration `yaml:"session_debounce"`
	// RetryAttempts and RetryDelay tune the document fetch retry loop.
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`

	Debug bool `yaml:"debug"`
}

// LoadAgent reads an agent config file and applies env overrides and
// defaults. path may be empty, in which case the config is env-only.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SYNC_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("SYNC_TOKEN"); v != "" {
		cfg.Token = v
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.SessionDebounce == 0 {
		cfg.SessionDebounce = 500 * time.Millisecond
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	return cfg, nil
}
