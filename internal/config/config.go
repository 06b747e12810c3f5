// Package config loads notes configuration.
//
// Values come from, in increasing precedence: built-in defaults, the config
// file (.notes/config.yaml unless a path is given), and NOTES_* environment
// variables. Nested keys map to environment names with dots replaced by
// underscores: sync.interval is NOTES_SYNC_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mschirtzinger/notesync/internal/notes/realtime"
)

// DefaultDataDir is the data directory used when none is configured.
const DefaultDataDir = ".notes"

// Config is the complete notes configuration.
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	APIURL      string `mapstructure:"api_url"`
	RealtimeURL string `mapstructure:"realtime_url"`

	Sync         SyncConfig         `mapstructure:"sync"`
	Realtime     RealtimeConfig     `mapstructure:"realtime"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Log          LogConfig          `mapstructure:"log"`
	Server       ServerConfig       `mapstructure:"server"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

type RealtimeConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	PendingPolicy string `mapstructure:"pending_policy"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type LogConfig struct {
	// File enables logging to a rotating file instead of stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// DB persists the reference server in a libSQL file. Empty keeps notes
	// in memory.
	DB string `mapstructure:"db"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("api_url", "http://localhost:3000/api")
	v.SetDefault("realtime_url", "")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.request_timeout", 10*time.Second)
	v.SetDefault("sync.max_attempts", 0)
	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.pending_policy", string(realtime.PolicyDefer))
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.db", "")
}

// New returns a viper instance with defaults and environment binding, before
// any file is read. Commands bind their flags to it.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NOTES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration into v and decodes it. An empty path looks for
// config.yaml in the data directory; a missing file there is not an error,
// but a missing explicit path is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish derives dependent values and validates.
func (c *Config) finish() error {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.RealtimeURL == "" && c.APIURL != "" {
		u, err := realtime.URLFromAPI(c.APIURL)
		if err != nil {
			return fmt.Errorf("invalid api_url: %w", err)
		}
		c.RealtimeURL = u
	}
	if _, err := realtime.ParsePolicy(c.Realtime.PendingPolicy); err != nil {
		return fmt.Errorf("invalid realtime.pending_policy: %w", err)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %v", c.Sync.Interval)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative, got %d", c.Sync.MaxAttempts)
	}
	return nil
}

// ReplicaPath returns the replica database path.
func (c *Config) ReplicaPath() string {
	return filepath.Join(c.DataDir, "replica.db")
}

// OfflineFlagPath returns the manual offline flag file path.
func (c *Config) OfflineFlagPath() string {
	return filepath.Join(c.DataDir, "offline")
}

// HealthURL returns the server health endpoint next to the API.
func (c *Config) HealthURL() string {
	base := strings.TrimRight(c.APIURL, "/")
	base = strings.TrimSuffix(base, "/api")
	return base + "/health"
}

// EnsureDataDir creates the data directory.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
