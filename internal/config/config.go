// Package config provides TOML configuration file loading and parsing for the
// diffdeck daemon and CLI. The configuration file lives at
// ~/.diffdeck/config.toml by default, but can be overridden with the --config
// flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	apperrors "github.com/diffdeck/diffdeck/internal/errors"
)

// Config represents the diffdeck configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the interface the server binds. Default: 127.0.0.1
	Addr string `toml:"addr"`

	// Port is the listen port. 0 picks a free port dynamically, which is the
	// default: port identity travels through the discovery record, not config.
	Port int `toml:"port"`

	// PollMs is the interval for diff re-acquisition in milliseconds.
	// Default: 2000
	PollMs int `toml:"poll_ms"`

	// GraceMs is the viewer reconnect grace window in milliseconds.
	// Default: 2000
	GraceMs int `toml:"grace_ms"`

	// VerdictTimeoutMs bounds how long a review invocation waits for a verdict.
	// Default: 600000 (ten minutes)
	VerdictTimeoutMs int `toml:"verdict_timeout_ms"`

	// LogFile is the path for daemon log output.
	// Default: ~/.diffdeck/daemon.log
	LogFile string `toml:"log_file"`

	// JournalEnabled controls the operational event journal.
	// Default: true
	JournalEnabled bool `toml:"journal_enabled"`

	// JournalPath is the SQLite database for the journal.
	// Default: ~/.diffdeck/journal.db
	JournalPath string `toml:"journal_path"`

	// MdnsEnabled advertises the daemon on the local network so viewers on
	// other devices can discover it. Default: false (must be explicitly
	// enabled; intended for trusted networks only).
	MdnsEnabled bool `toml:"mdns_enabled"`

	// GithubAPIURL overrides the GitHub API base URL for PR ingestion.
	// Empty uses api.github.com (or the GITHUB_API_URL environment variable).
	GithubAPIURL string `toml:"github_api_url"`
}

// Defaults returns a Config populated with default values. Load decodes the
// config file over this, so file keys override and absent keys keep defaults.
func Defaults() *Config {
	return &Config{
		Addr:             DefaultAddr,
		Port:             0,
		PollMs:           DefaultPollMs,
		GraceMs:          DefaultGraceMs,
		VerdictTimeoutMs: DefaultVerdictTimeoutMs,
		JournalEnabled:   true,
	}
}

// PollInterval returns PollMs as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollMs) * time.Millisecond
}

// GracePeriod returns GraceMs as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GraceMs) * time.Millisecond
}

// VerdictTimeout returns VerdictTimeoutMs as a duration.
func (c *Config) VerdictTimeout() time.Duration {
	return time.Duration(c.VerdictTimeoutMs) * time.Millisecond
}

// LogPath returns the configured log file, falling back to the default
// location under the config directory.
func (c *Config) LogPath() string {
	if c.LogFile != "" {
		return c.LogFile
	}
	dir, err := Dir()
	if err != nil {
		return "diffdeck.log"
	}
	return filepath.Join(dir, "daemon.log")
}

// JournalDBPath returns the configured journal database path, falling back to
// the default location under the config directory.
func (c *Config) JournalDBPath() string {
	if c.JournalPath != "" {
		return c.JournalPath
	}
	dir, err := Dir()
	if err != nil {
		return "journal.db"
	}
	return filepath.Join(dir, "journal.db")
}

// Validate checks config values for internal consistency. Zero values mean
// "use default" and are valid.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return apperrors.New(apperrors.CodeConfigInvalid,
			fmt.Sprintf("port must be 0-65535, got %d", c.Port))
	}
	if c.PollMs < 0 {
		return apperrors.New(apperrors.CodeConfigInvalid,
			fmt.Sprintf("poll_ms must be non-negative, got %d", c.PollMs))
	}
	if c.GraceMs < 0 {
		return apperrors.New(apperrors.CodeConfigInvalid,
			fmt.Sprintf("grace_ms must be non-negative, got %d", c.GraceMs))
	}
	if c.VerdictTimeoutMs < 0 {
		return apperrors.New(apperrors.CodeConfigInvalid,
			fmt.Sprintf("verdict_timeout_ms must be non-negative, got %d", c.VerdictTimeoutMs))
	}
	return nil
}

// Dir returns the per-user configuration directory: ~/.diffdeck.
// Returns an error only if the user's home directory cannot be determined.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".diffdeck"), nil
}

// DefaultConfigPath returns the default config file location: ~/.diffdeck/config.toml.
func DefaultConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// WriteDefault creates a config file with commented defaults at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	// Check if file already exists - never overwrite
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, nothing to do
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# diffdeck configuration

# Interface the review server binds. Keep loopback unless every device on the
# network is trusted.
addr = "127.0.0.1"

# Listen port. 0 picks a free port per daemon instance.
port = 0

# Diff re-acquisition interval in milliseconds.
poll_ms = 2000

# Viewer reconnect grace window in milliseconds.
grace_ms = 2000

# Upper bound on waiting for a verdict, in milliseconds.
verdict_timeout_ms = 600000

# Operational event journal (timestamps and event kinds only).
journal_enabled = true

# Advertise the daemon over mDNS for viewers on other devices.
mdns_enabled = false
`

	// Write with restrictive permissions (owner read/write only)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config with
// defaults applied for absent keys.
//
// Behavior:
//   - If path is empty, attempts to load from the default location
//     (~/.diffdeck/config.toml). Returns defaults without error if the default
//     file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			// Can't determine home dir, return defaults
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, apperrors.New(apperrors.CodeConfigNotFound,
				fmt.Sprintf("config file not found: %s", path))
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user expects
	// the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid,
			fmt.Sprintf("parse config file %s", path), err)
	}

	return cfg, nil
}
