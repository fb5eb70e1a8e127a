// Package config loads and validates the cardsync configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Direction controls which way files flow for a content type.
type Direction string

const (
	Bidirectional Direction = "bidirectional"
	ToCard        Direction = "to_card"
	FromCard      Direction = "from_card"
)

// ConfigurationError is fatal at startup; the daemon refuses to run with a
// broken configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ContentType describes one configured media category and its sync rule.
type ContentType struct {
	LocalPath      string    `mapstructure:"local_path"`
	CardPath       string    `mapstructure:"card_path"`
	SyncDirection  Direction `mapstructure:"sync_direction"`
	MaxSize        string    `mapstructure:"max_size"`
	FileExtensions []string  `mapstructure:"file_extensions"`
}

type Storage struct {
	ContentDirectory string `mapstructure:"content_directory"`
	MountBase        string `mapstructure:"mount_base"`
	TempDirectory    string `mapstructure:"temp_directory"`
}

type Detection struct {
	MonitoredTypes     []string      `mapstructure:"monitored_types"`
	MinDeviceSize      string        `mapstructure:"min_device_size"`
	MountTimeout       time.Duration `mapstructure:"mount_timeout"`
	MountRetryAttempts int           `mapstructure:"mount_retry_attempts"`
	MountRetryDelay    time.Duration `mapstructure:"mount_retry_delay"`
}

type Sync struct {
	CheckInterval           time.Duration `mapstructure:"check_interval"`
	HealthCheckInterval     time.Duration `mapstructure:"health_check_interval"`
	StaleOperationTimeout   time.Duration `mapstructure:"stale_operation_timeout"`
	MaxConcurrentTransfers  int64         `mapstructure:"max_concurrent_transfers"`
	TransferChunkSize       int           `mapstructure:"transfer_chunk_size"`
	VerifyTransfers         bool          `mapstructure:"verify_transfers"`
	DeleteAfterSync         bool          `mapstructure:"delete_after_sync"`
	CreateCompletionMarkers bool          `mapstructure:"create_completion_markers"`
}

type Logging struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type Notifications struct {
	Enabled bool `mapstructure:"enabled"`
}

type Config struct {
	Storage       Storage                `mapstructure:"storage"`
	Detection     Detection              `mapstructure:"detection"`
	ContentTypes  map[string]ContentType `mapstructure:"content_types"`
	Sync          Sync                   `mapstructure:"sync"`
	Logging       Logging                `mapstructure:"logging"`
	Notifications Notifications          `mapstructure:"notifications"`
}

// DefaultPath is where the daemon looks for its configuration unless told
// otherwise.
const DefaultPath = "/etc/cardsync/config.yaml"

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.content_directory", "/var/lib/cardsync/content")
	v.SetDefault("storage.mount_base", "/var/lib/cardsync/mounts")
	v.SetDefault("storage.temp_directory", "/var/lib/cardsync/tmp")
	v.SetDefault("detection.monitored_types", []string{"usb", "mmc"})
	v.SetDefault("detection.min_device_size", "1GB")
	v.SetDefault("detection.mount_timeout", "30s")
	v.SetDefault("detection.mount_retry_attempts", 3)
	v.SetDefault("detection.mount_retry_delay", "2s")
	v.SetDefault("sync.check_interval", "5m")
	v.SetDefault("sync.health_check_interval", "1m")
	v.SetDefault("sync.stale_operation_timeout", "30m")
	v.SetDefault("sync.max_concurrent_transfers", 2)
	v.SetDefault("sync.transfer_chunk_size", 1024*1024)
	v.SetDefault("sync.verify_transfers", true)
	v.SetDefault("sync.delete_after_sync", false)
	v.SetDefault("sync.create_completion_markers", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("notifications.enabled", true)
}

// Load reads the configuration from path. A missing file is not an error;
// defaults apply. A malformed or invalid file is a ConfigurationError.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CARDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, &ConfigurationError{Field: path, Reason: err.Error()}
		}
		// No config file; run on defaults.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &ConfigurationError{Field: path, Reason: err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the daemon relies on.
func (c *Config) Validate() error {
	if c.Storage.ContentDirectory == "" {
		return &ConfigurationError{Field: "storage.content_directory", Reason: "must not be empty"}
	}
	if c.Storage.MountBase == "" {
		return &ConfigurationError{Field: "storage.mount_base", Reason: "must not be empty"}
	}
	if !filepath.IsAbs(c.Storage.MountBase) {
		return &ConfigurationError{Field: "storage.mount_base", Reason: "must be an absolute path"}
	}
	if c.Sync.TransferChunkSize <= 0 {
		return &ConfigurationError{Field: "sync.transfer_chunk_size", Reason: "must be positive"}
	}
	if c.Sync.MaxConcurrentTransfers <= 0 {
		return &ConfigurationError{Field: "sync.max_concurrent_transfers", Reason: "must be positive"}
	}
	if c.Sync.StaleOperationTimeout <= 0 {
		return &ConfigurationError{Field: "sync.stale_operation_timeout", Reason: "must be positive"}
	}

	for name, ct := range c.ContentTypes {
		switch ct.SyncDirection {
		case Bidirectional, ToCard, FromCard:
		default:
			return &ConfigurationError{
				Field:  fmt.Sprintf("content_types.%s.sync_direction", name),
				Reason: fmt.Sprintf("unknown direction %q", ct.SyncDirection),
			}
		}
		if ct.CardPath == "" {
			return &ConfigurationError{
				Field:  fmt.Sprintf("content_types.%s.card_path", name),
				Reason: "must not be empty",
			}
		}
		if len(ct.FileExtensions) == 0 {
			return &ConfigurationError{
				Field:  fmt.Sprintf("content_types.%s.file_extensions", name),
				Reason: "at least one extension required",
			}
		}
	}
	return nil
}
