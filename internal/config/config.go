// Package config loads txstore configuration from TOML or YAML files
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvLogLevel overrides Log.Level when set
const EnvLogLevel = "TXSTORE_LOG_LEVEL"

// Storage engines
const (
	EngineMemory = "memory"
	EngineDisk   = "disk"
)

// Duration decodes "30s" style strings from both file formats
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "duration %q", text)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type ServerConfig struct {
	Port           int `toml:"port" yaml:"port"`
	MetricsPort    int `toml:"metrics_port" yaml:"metrics_port"`
	MaxMessageSize int `toml:"max_message_size" yaml:"max_message_size"`
}

type StorageConfig struct {
	Engine  string `toml:"engine" yaml:"engine"`
	DataDir string `toml:"data_dir" yaml:"data_dir"`
}

type OracleConfig struct {
	WALDir             string   `toml:"wal_dir" yaml:"wal_dir"`
	SyncCommits        bool     `toml:"sync_commits" yaml:"sync_commits"`
	CheckpointInterval Duration `toml:"checkpoint_interval" yaml:"checkpoint_interval"`
	MaxLogFileSize     int64    `toml:"max_log_file_size" yaml:"max_log_file_size"`
}

type SweeperConfig struct {
	Interval Duration `toml:"interval" yaml:"interval"`
}

type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	Pretty     bool   `toml:"pretty" yaml:"pretty"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// Config is the full server configuration
type Config struct {
	Server  ServerConfig  `toml:"server" yaml:"server"`
	Storage StorageConfig `toml:"storage" yaml:"storage"`
	Oracle  OracleConfig  `toml:"oracle" yaml:"oracle"`
	Sweeper SweeperConfig `toml:"sweeper" yaml:"sweeper"`
	Log     LogConfig     `toml:"log" yaml:"log"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           50051,
			MetricsPort:    9090,
			MaxMessageSize: 16 << 20,
		},
		Storage: StorageConfig{
			Engine:  EngineMemory,
			DataDir: "./data",
		},
		Oracle: OracleConfig{
			SyncCommits:        true,
			CheckpointInterval: Duration{time.Minute},
			MaxLogFileSize:     64 << 20,
		},
		Sweeper: SweeperConfig{
			Interval: Duration{30 * time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults, applies the environment and validates.
// An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "decode %s", path)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "decode %s", path)
			}
		default:
			return Config{}, errors.Errorf("config: unsupported file type %q", filepath.Ext(path))
		}
	}

	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return errors.Errorf("config: invalid metrics port %d", c.Server.MetricsPort)
	}
	if c.Server.MetricsPort == c.Server.Port {
		return errors.New("config: server and metrics ports must differ")
	}
	switch c.Storage.Engine {
	case EngineMemory:
	case EngineDisk:
		if c.Storage.DataDir == "" {
			return errors.New("config: disk engine needs storage.data_dir")
		}
		// A durable table with a forgetful oracle would reuse ids
		if !c.Oracle.SyncCommits {
			return errors.New("config: disk engine requires oracle.sync_commits")
		}
	default:
		return errors.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Oracle.CheckpointInterval.Duration < 0 || c.Sweeper.Interval.Duration < 0 {
		return errors.New("config: intervals must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}

// WALDir is where the oracle journal lives: Oracle.WALDir, or a wal
// directory under the data dir
func (c Config) WALDir() string {
	if c.Oracle.WALDir != "" {
		return c.Oracle.WALDir
	}
	return filepath.Join(c.Storage.DataDir, "wal")
}

// Durable reports whether the oracle journals to disk
func (c Config) Durable() bool {
	return c.Storage.Engine == EngineDisk || c.Oracle.WALDir != ""
}
