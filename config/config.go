// Package config loads gxfer settings from gxfer.yaml, the environment
// (GXFER_ prefix) and an optional .env file in the state directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/franksops/gridxfer/engine"
)

const (
	fileName  = "gxfer"
	envPrefix = "GXFER"
	dbName    = "gxfer.db"
)

// Config holds the application-level configuration.
type Config struct {
	StateDir  string `mapstructure:"state_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	PassPhrase               string        `mapstructure:"pass_phrase"`
	MaxErrorsBeforeCanceling int           `mapstructure:"max_errors_before_canceling"`
	LogSuccessfulTransfers   bool          `mapstructure:"log_successful_transfers"`
	LogRestartFiles          bool          `mapstructure:"log_restart_files"`
	VerifyChecksum           bool          `mapstructure:"verify_checksum"`
	ForceOverwrite           bool          `mapstructure:"force_overwrite"`
	BufferSize               int           `mapstructure:"buffer_size"`
	CheckpointItems          int           `mapstructure:"checkpoint_items"`
	CheckpointInterval       time.Duration `mapstructure:"checkpoint_interval"`
	RecentQueueSize          int           `mapstructure:"recent_queue_size"`
	TUI                      bool          `mapstructure:"tui"`
}

// DefaultStateDir is ~/.gxfer, or .gxfer when no home directory is known.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gxfer"
	}
	return filepath.Join(home, ".gxfer")
}

func setDefaults(v *viper.Viper, stateDir string) {
	v.SetDefault("state_dir", stateDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pass_phrase", "")
	v.SetDefault("max_errors_before_canceling", engine.DefaultMaxErrorsBeforeCanceling)
	v.SetDefault("log_successful_transfers", true)
	v.SetDefault("log_restart_files", false)
	v.SetDefault("verify_checksum", false)
	v.SetDefault("force_overwrite", true)
	v.SetDefault("buffer_size", engine.DefaultBufferSize)
	v.SetDefault("checkpoint_items", engine.DefaultCheckpointConfig.Items)
	v.SetDefault("checkpoint_interval", engine.DefaultCheckpointConfig.Interval)
	v.SetDefault("recent_queue_size", 20)
	v.SetDefault("tui", true)
}

// Load reads the configuration for the state directory dir ("" selects
// DefaultStateDir). A missing config file or .env is not an error.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultStateDir()
	}

	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AddConfigPath(".")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v, dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return errors.New("state_dir is empty")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.MaxErrorsBeforeCanceling < engine.Unlimited {
		return fmt.Errorf("max_errors_before_canceling must be >= %d, got %d", engine.Unlimited, c.MaxErrorsBeforeCanceling)
	}
	if c.RecentQueueSize < 0 {
		return fmt.Errorf("recent_queue_size must not be negative, got %d", c.RecentQueueSize)
	}
	return nil
}

// DBPath is the bbolt file holding the queue and the accounts.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, dbName)
}

// Engine converts the settings into a transfer manager configuration.
func (c *Config) Engine() engine.Config {
	ec := engine.DefaultConfig()
	ec.PassPhrase = c.PassPhrase
	ec.MaxErrorsBeforeCanceling = c.MaxErrorsBeforeCanceling
	ec.LogSuccessfulTransfers = c.LogSuccessfulTransfers
	ec.LogRestartFiles = c.LogRestartFiles
	ec.VerifyChecksum = c.VerifyChecksum
	ec.ForceOverwrite = c.ForceOverwrite
	ec.Checkpoint = engine.CheckpointConfig{Items: c.CheckpointItems, Interval: c.CheckpointInterval}
	if c.RecentQueueSize > 0 {
		ec.RecentQueueSize = c.RecentQueueSize
	}
	return ec
}
