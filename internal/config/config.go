// Package config loads trellis settings from the data-directory config file
// and TRELLIS_ environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunable settings. Zero values are filled from defaults.
type Config struct {
	// DataDir is where the database, credentials, logs, and config live.
	DataDir string `mapstructure:"data_dir"`

	// RemoteBaseURL is the document-store endpoint.
	RemoteBaseURL string `mapstructure:"remote_base_url"`

	// RemoteTimeout bounds each remote HTTP call.
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`

	// DebounceInterval is the quiet period after a local mutation before a
	// push fires.
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`

	// PullInterval is the period of the background pull.
	PullInterval time.Duration `mapstructure:"pull_interval"`

	// DashboardPort is where the WebSocket dashboard listens.
	DashboardPort int `mapstructure:"dashboard_port"`

	// OAuthTokenURL is the token endpoint used to refresh access tokens.
	OAuthTokenURL string `mapstructure:"oauth_token_url"`

	// OAuthClientID identifies this client to the token endpoint.
	OAuthClientID string `mapstructure:"oauth_client_id"`
}

// Default returns the built-in settings, rooted under the user's home
// directory.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir:          filepath.Join(home, ".trellis"),
		RemoteBaseURL:    "https://api.trellis.dev",
		RemoteTimeout:    30 * time.Second,
		DebounceInterval: 2 * time.Second,
		PullInterval:     5 * time.Minute,
		DashboardPort:    8422,
		OAuthTokenURL:    "https://auth.trellis.dev/oauth/token",
		OAuthClientID:    "trellis-cli",
	}
}

// Load reads config.yaml from the data directory (if present) and overlays
// TRELLIS_ environment variables. Missing files are fine; defaults apply.
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(filepath.Join(cfg.DataDir, "config.yaml"))
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRELLIS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DatabasePath returns the SQLite file location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "trellis.db")
}

// LogPath returns the daemon log file location under the data directory.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "daemon.log")
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote_base_url must not be empty")
	}
	if c.DebounceInterval <= 0 {
		return fmt.Errorf("debounce_interval must be positive")
	}
	if c.PullInterval <= 0 {
		return fmt.Errorf("pull_interval must be positive")
	}
	return nil
}
