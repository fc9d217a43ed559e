// Package config provides TOML configuration file loading for the gateway.
// The configuration file lives at ~/.zapbridge/config.toml by default, but
// can be overridden with the --config flag. CLI flags always take precedence
// over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the gateway configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags.
type Config struct {
	// Addr is the host:port for the HTTP API.
	// Default: 127.0.0.1:8080
	Addr string `toml:"addr"`

	// APIToken is the bearer token required on every API call except
	// /health. Required unless APITokenHash is set.
	APIToken string `toml:"api_token"`

	// APITokenHash is a bcrypt hash of the bearer token. When set it takes
	// precedence over APIToken, keeping the secret out of the config file.
	// Generate one with 'zapbridge hash-token'.
	APITokenHash string `toml:"api_token_hash"`

	// SessionID names the session's credential directory under DataDir.
	// Default: default
	SessionID string `toml:"session_id"`

	// DataDir is the root directory for durable session state.
	// Default: ~/.zapbridge
	DataDir string `toml:"data_dir"`

	// LogLevel controls transport client logging verbosity:
	// DEBUG, INFO, WARN, ERROR. Default: INFO
	LogLevel string `toml:"log_level"`

	// ReconnectDelayMs is the retry delay after a transient disconnect,
	// in milliseconds. Default: 5000
	ReconnectDelayMs int `toml:"reconnect_delay_ms"`

	// RateLimitDelayMs is the retry delay after a rate-limited disconnect,
	// in milliseconds. Default: 10000
	RateLimitDelayMs int `toml:"rate_limit_delay_ms"`

	// PurgeOnCorruption removes stored credentials when the network signals
	// a corrupted session, so the next connect starts a fresh pairing.
	// Set false to retain the directory for inspection instead.
	// Default: true
	PurgeOnCorruption *bool `toml:"purge_on_corruption"`

	// SendRatePerMin caps accepted /messages/send requests per minute.
	// Default: 20
	SendRatePerMin int `toml:"send_rate_per_min"`

	// SendBurst is the burst size for the send rate limit.
	// Default: 5
	SendBurst int `toml:"send_burst"`

	// MdnsEnabled enables mDNS/Bonjour service advertisement so local
	// clients can discover the gateway without manual IP entry.
	// Default: false (must be explicitly enabled)
	MdnsEnabled bool `toml:"mdns_enabled"`
}

// DefaultConfigPath returns the default config file location:
// ~/.zapbridge/config.toml. Returns an error only if the user's home
// directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".zapbridge", "config.toml"), nil
}

// DefaultDataDir returns the default durable-state root: ~/.zapbridge.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".zapbridge"), nil
}

// WriteDefault creates a starter config file at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path, apiToken string) error {
	// Never overwrite an existing config
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# ZapBridge configuration

# API listen address
addr = %q

# Bearer token required on every API call except /health
api_token = %q

# Credential directory name under the data dir
session_id = %q
`, DefaultAddr, apiToken, DefaultSessionID)

	// Restrictive permissions; the file holds the API secret
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config
// with defaults applied.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.zapbridge/config.toml). Returns a default Config without error
//     if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			cfg.applyDefaults()
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.SessionID == "" {
		c.SessionID = DefaultSessionID
	}
	if c.DataDir == "" {
		if dir, err := DefaultDataDir(); err == nil {
			c.DataDir = dir
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.ReconnectDelayMs == 0 {
		c.ReconnectDelayMs = DefaultReconnectDelayMs
	}
	if c.RateLimitDelayMs == 0 {
		c.RateLimitDelayMs = DefaultRateLimitDelayMs
	}
	if c.PurgeOnCorruption == nil {
		t := true
		c.PurgeOnCorruption = &t
	}
	if c.SendRatePerMin == 0 {
		c.SendRatePerMin = DefaultSendRatePerMin
	}
	if c.SendBurst == 0 {
		c.SendBurst = DefaultSendBurst
	}
}

// Validate checks that the configuration is complete enough to serve.
func (c *Config) Validate() error {
	if c.APIToken == "" && c.APITokenHash == "" {
		return fmt.Errorf("api_token or api_token_hash must be set")
	}
	if c.SendRatePerMin < 0 || c.SendBurst < 0 {
		return fmt.Errorf("send rate limits must not be negative")
	}
	return nil
}
