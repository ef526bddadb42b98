// Package config loads workspace settings from .crew/config.toml with
// CREW_-prefixed environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crewbase/crew/internal/daemon"
	"github.com/crewbase/crew/internal/migration"
)

// Config is the full tree of workspace settings. Every field has a default;
// the config file and environment only need to name what they change.
type Config struct {
	Migration MigrationConfig `mapstructure:"migration"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
}

// MigrationConfig tunes the bulk-transfer engine.
type MigrationConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MaxItemErrors   int64         `mapstructure:"max_item_errors"`
	MaxFailureRatio float64       `mapstructure:"max_failure_ratio"`
	MinRatioSample  int64         `mapstructure:"min_ratio_sample"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
}

// DaemonConfig tunes the background sync daemon.
type DaemonConfig struct {
	Debounce         time.Duration `mapstructure:"debounce"`
	FullSyncSchedule string        `mapstructure:"full_sync_schedule"`
	LogFile          string        `mapstructure:"log_file"`
	LogMaxSizeMB     int           `mapstructure:"log_max_size_mb"`
	LogMaxBackups    int           `mapstructure:"log_max_backups"`
}

// Load reads the workspace config from crewDir/config.toml. A missing file
// is not an error; defaults and CREW_* environment variables still apply.
// Environment keys follow the config tree: CREW_MIGRATION_BATCH_SIZE,
// CREW_DAEMON_LOG_FILE, ...
func Load(crewDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(crewDir, "config.toml"))
	v.SetConfigType("toml")
	v.SetEnvPrefix("CREW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := migration.DefaultPolicy()
	v.SetDefault("migration.batch_size", defaults.BatchSize)
	v.SetDefault("migration.max_item_errors", defaults.MaxItemErrors)
	v.SetDefault("migration.max_failure_ratio", defaults.MaxFailureRatio)
	v.SetDefault("migration.min_ratio_sample", defaults.MinRatioSample)
	v.SetDefault("migration.lock_timeout", defaults.LockTimeout)

	dd := daemon.DefaultConfig()
	v.SetDefault("daemon.debounce", dd.DebounceInterval)
	v.SetDefault("daemon.full_sync_schedule", dd.FullSyncSchedule)
	v.SetDefault("daemon.log_file", "")
	v.SetDefault("daemon.log_max_size_mb", dd.LogMaxSizeMB)
	v.SetDefault("daemon.log_max_backups", dd.LogMaxBackups)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine would misbehave on.
func (c *Config) Validate() error {
	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("migration.batch_size must be positive (got %d)", c.Migration.BatchSize)
	}
	if c.Migration.MaxFailureRatio < 0 || c.Migration.MaxFailureRatio > 1 {
		return fmt.Errorf("migration.max_failure_ratio must be in [0,1] (got %g)", c.Migration.MaxFailureRatio)
	}
	if c.Migration.LockTimeout <= 0 {
		return fmt.Errorf("migration.lock_timeout must be positive (got %s)", c.Migration.LockTimeout)
	}
	if c.Daemon.Debounce <= 0 {
		return fmt.Errorf("daemon.debounce must be positive (got %s)", c.Daemon.Debounce)
	}
	return nil
}

// Policy converts the migration section into an engine policy.
func (c *Config) Policy() migration.Policy {
	return migration.Policy{
		BatchSize:       c.Migration.BatchSize,
		MaxItemErrors:   c.Migration.MaxItemErrors,
		MaxFailureRatio: c.Migration.MaxFailureRatio,
		MinRatioSample:  c.Migration.MinRatioSample,
		LockTimeout:     c.Migration.LockTimeout,
	}
}

// DaemonConfig converts the daemon section into a daemon config.
func (c *Config) DaemonConfig() *daemon.Config {
	return &daemon.Config{
		DebounceInterval: c.Daemon.Debounce,
		FullSyncSchedule: c.Daemon.FullSyncSchedule,
		LogFile:          c.Daemon.LogFile,
		LogMaxSizeMB:     c.Daemon.LogMaxSizeMB,
		LogMaxBackups:    c.Daemon.LogMaxBackups,
	}
}

// viper wraps the os error when SetConfigFile points at a missing path, so
// ConfigFileNotFoundError alone does not cover it.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
