// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for tether binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - TETHER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; the only expansion performed is
// ${VAR} / ${VAR:-default} in path values for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a tether daemon.
type Config struct {
	// Listen configures the network endpoint.
	Listen ListenConfig `yaml:"listen"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Sessions configures session defaults and scrollback.
	Sessions SessionConfig `yaml:"sessions"`

	// Restrict configures restricted-shell profiles.
	Restrict RestrictConfig `yaml:"restrict"`

	// Pipeline configures the output processor chain.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Audit configures the pipeline audit stream.
	Audit AuditConfig `yaml:"audit"`
}

// ListenConfig configures the daemon's HTTP listener.
type ListenConfig struct {
	// Address is the host:port the daemon binds.
	// Default: 127.0.0.1:7070
	Address string `yaml:"address"`

	// SocketPath is the websocket endpoint path.
	// Default: /ws
	SocketPath string `yaml:"socket_path"`

	// MetricsPath is the Prometheus endpoint path. Empty disables it.
	// Default: /metrics
	MetricsPath string `yaml:"metrics_path"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for tether data.
	Root string `yaml:"root"`

	// Sessions is where session state files are stored, one JSON
	// file per session id.
	Sessions string `yaml:"sessions"`

	// Patterns is where persisted pattern registrations are stored.
	Patterns string `yaml:"patterns"`

	// Audit is where audit stream files are written.
	Audit string `yaml:"audit"`
}

// SessionConfig configures session defaults.
type SessionConfig struct {
	// DefaultShell is spawned when a create request names no command.
	// Default: /bin/bash
	DefaultShell string `yaml:"default_shell"`

	// DefaultCols and DefaultRows size new PTYs when the create
	// request names none. Defaults: 80x24.
	DefaultCols int `yaml:"default_cols"`
	DefaultRows int `yaml:"default_rows"`

	// ScrollbackSize caps each session's retained output in bytes.
	// Default: 100000.
	ScrollbackSize int `yaml:"scrollback_size"`

	// IdleAfter is how long a session may go without activity before
	// the query surface reports it idle. Duration string.
	// Default: 2m
	IdleAfter string `yaml:"idle_after"`

	// SaveInterval is the minimum spacing between debounced buffer
	// saves for one session. Duration string. Default: 1s
	SaveInterval string `yaml:"save_interval"`
}

// RestrictConfig configures restricted-shell profiles.
type RestrictConfig struct {
	// ProfilesFile is a JSONC file of named restriction presets that
	// create requests may reference. Empty means no presets.
	ProfilesFile string `yaml:"profiles_file"`
}

// PipelineConfig configures the processors applied to every output
// chunk before it is broadcast or persisted.
type PipelineConfig struct {
	// Redact rules run in order; each replaces regexp matches in the
	// output with its replacement text.
	Redact []RedactRule `yaml:"redact"`

	// RateLimitBytes caps per-session output within RateLimitWindow;
	// chunks past the cap are dropped until the window resets. Zero
	// disables rate limiting.
	RateLimitBytes  int    `yaml:"rate_limit_bytes"`
	RateLimitWindow string `yaml:"rate_limit_window"`

	// DropEmpty filters out chunks that are empty after processing.
	DropEmpty bool `yaml:"drop_empty"`
}

// RedactRule is one pattern-to-replacement rewrite.
type RedactRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// AuditConfig configures the audit stream.
type AuditConfig struct {
	// Enabled turns on the pipeline tap and the audit writer.
	// Default: false
	Enabled bool `yaml:"enabled"`
}

// Default returns the base configuration merged under the loaded
// file. It ensures every field has a sensible zero-value; the config
// file itself remains required for Load.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "tether")

	return &Config{
		Listen: ListenConfig{
			Address:     "127.0.0.1:7070",
			SocketPath:  "/ws",
			MetricsPath: "/metrics",
		},
		Paths: PathsConfig{
			Root:     defaultRoot,
			Sessions: filepath.Join(defaultRoot, "sessions"),
			Patterns: filepath.Join(defaultRoot, "patterns"),
			Audit:    filepath.Join(defaultRoot, "audit"),
		},
		Sessions: SessionConfig{
			DefaultShell:   "/bin/bash",
			DefaultCols:    80,
			DefaultRows:    24,
			ScrollbackSize: 100000,
			IdleAfter:      "2m",
			SaveInterval:   "1s",
		},
	}
}

// Load loads configuration from the TETHER_CONFIG environment
// variable. There are no fallbacks — if TETHER_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("TETHER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TETHER_CONFIG environment variable not set; " +
			"set it to the path of your tether.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// over Default() and expanding ${VAR} patterns in path values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in all
// path-valued fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"TETHER_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["TETHER_ROOT"] = c.Paths.Root // Dependent paths see the expanded root.

	c.Paths.Sessions = expandVars(c.Paths.Sessions, vars)
	c.Paths.Patterns = expandVars(c.Paths.Patterns, vars)
	c.Paths.Audit = expandVars(c.Paths.Audit, vars)
	c.Restrict.ProfilesFile = expandVars(c.Restrict.ProfilesFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Address == "" {
		errs = append(errs, fmt.Errorf("listen.address is required"))
	}
	if c.Listen.SocketPath == "" {
		errs = append(errs, fmt.Errorf("listen.socket_path is required"))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Sessions.DefaultShell == "" {
		errs = append(errs, fmt.Errorf("sessions.default_shell is required"))
	}
	if c.Sessions.DefaultCols <= 0 || c.Sessions.DefaultRows <= 0 {
		errs = append(errs, fmt.Errorf("sessions.default_cols and default_rows must be positive"))
	}
	if c.Sessions.ScrollbackSize <= 0 {
		errs = append(errs, fmt.Errorf("sessions.scrollback_size must be positive"))
	}
	if _, err := time.ParseDuration(c.Sessions.IdleAfter); err != nil {
		errs = append(errs, fmt.Errorf("sessions.idle_after: %w", err))
	}
	if _, err := time.ParseDuration(c.Sessions.SaveInterval); err != nil {
		errs = append(errs, fmt.Errorf("sessions.save_interval: %w", err))
	}
	for i, rule := range c.Pipeline.Redact {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.redact[%d].pattern: %w", i, err))
		}
	}
	if c.Pipeline.RateLimitBytes < 0 {
		errs = append(errs, fmt.Errorf("pipeline.rate_limit_bytes must not be negative"))
	}
	if c.Pipeline.RateLimitBytes > 0 {
		if _, err := time.ParseDuration(c.Pipeline.RateLimitWindow); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.rate_limit_window: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// IdleThreshold returns the parsed idle_after duration. Call Validate
// first; an unparseable value returns zero here.
func (c *Config) IdleThreshold() time.Duration {
	d, _ := time.ParseDuration(c.Sessions.IdleAfter)
	return d
}

// SaveDebounce returns the parsed save_interval duration. Call
// Validate first; an unparseable value returns zero here.
func (c *Config) SaveDebounce() time.Duration {
	d, _ := time.ParseDuration(c.Sessions.SaveInterval)
	return d
}

// RateLimitWindow returns the parsed pipeline rate-limit window. Call
// Validate first; an unparseable value returns zero here.
func (c *Config) RateLimitWindow() time.Duration {
	d, _ := time.ParseDuration(c.Pipeline.RateLimitWindow)
	return d
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Sessions,
		c.Paths.Patterns,
		c.Paths.Audit,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
