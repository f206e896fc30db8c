package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Limits      LimitsConfig      `toml:"limits"`
	Retry       RetryConfig       `toml:"retry"`
	Transfer    TransferConfig    `toml:"transfer"`
	Credentials CredentialsConfig `toml:"credentials"`
	Database    DatabaseConfig    `toml:"database"`
	History     HistoryConfig     `toml:"history"`
}

// LimitsConfig contains admission ceilings and per-owner submission limits.
type LimitsConfig struct {
	Global      int     `toml:"global"`
	PerOwner    int     `toml:"per_owner"`
	SubmitRate  float64 `toml:"submit_rate"` // submissions per minute, per owner
	SubmitBurst int     `toml:"submit_burst"`
}

// RetryConfig contains the retry policy for transient transfer failures.
type RetryConfig struct {
	MaxAttempts     int `toml:"max_attempts"`
	BackoffBaseSecs int `toml:"backoff_base_secs"`
	BackoffCapSecs  int `toml:"backoff_cap_secs"`
}

// BackoffBase returns the base backoff delay as a duration.
func (r RetryConfig) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseSecs) * time.Second
}

// BackoffCap returns the maximum backoff delay as a duration.
func (r RetryConfig) BackoffCap() time.Duration {
	return time.Duration(r.BackoffCapSecs) * time.Second
}

// TransferConfig contains transfer-wide settings.
type TransferConfig struct {
	DownloadDir           string `toml:"download_dir"`
	PollIntervalSecs      int    `toml:"poll_interval_secs"`
	InactivityTimeoutSecs int    `toml:"inactivity_timeout_secs"`
	ChatChunkBytes        int64  `toml:"chat_chunk_bytes"`
}

// PollInterval returns the status poll interval as a duration.
func (t TransferConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSecs) * time.Second
}

// InactivityTimeout returns the no-progress timeout as a duration.
func (t TransferConfig) InactivityTimeout() time.Duration {
	return time.Duration(t.InactivityTimeoutSecs) * time.Second
}

// CredentialsConfig contains cookie and service-account locations.
type CredentialsConfig struct {
	CookieDir          string `toml:"cookie_dir"`
	SharedCookie       string `toml:"shared_cookie"`
	ServiceAccountDir  string `toml:"service_account_dir"`
	UseServiceAccounts bool   `toml:"use_service_accounts"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// HistoryConfig bounds the in-memory terminal-task history.
type HistoryConfig struct {
	Cap int `toml:"cap"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingConfig, err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the
// embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the
// embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that ceilings and policy values are usable.
func (c *Config) Validate() error {
	if c.Limits.Global < 1 {
		return fmt.Errorf("%w: limits.global must be >= 1", ErrInvalidConfig)
	}
	if c.Limits.PerOwner < 1 {
		return fmt.Errorf("%w: limits.per_owner must be >= 1", ErrInvalidConfig)
	}
	if c.Limits.PerOwner > c.Limits.Global {
		return fmt.Errorf("%w: limits.per_owner exceeds limits.global", ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must be >= 0", ErrInvalidConfig)
	}
	if c.Transfer.PollIntervalSecs < 1 {
		return fmt.Errorf("%w: transfer.poll_interval_secs must be >= 1", ErrInvalidConfig)
	}
	return nil
}
