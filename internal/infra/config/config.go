// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
	Upload  UploadConfig  `yaml:"upload"`
	Ops     OpsConfig     `yaml:"ops"`
	Nfc     NfcConfig     `yaml:"nfc"`
	Player  PlayerConfig  `yaml:"player"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Addr string `yaml:"addr" default:":8080"`
}

// StorageConfig represents on-disk storage locations.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path" default:"data/musicbox.db"`
	UploadRoot   string `yaml:"upload_root" default:"data/uploads"`
}

// EventsConfig represents event bus and outbox configuration.
type EventsConfig struct {
	OutboxSize         int `yaml:"outbox_size" default:"1024" validate:"gt=0"`
	PlaylistOutboxSize int `yaml:"playlist_outbox_size" default:"256" validate:"gt=0"`
}

// UploadConfig represents chunked upload configuration.
type UploadConfig struct {
	ChunkSize         int64    `yaml:"chunk_size" default:"1048576" validate:"gt=0"`
	MaxUploadBytes    int64    `yaml:"max_upload_bytes" default:"209715200" validate:"gt=0"`
	SessionTTLMin     int      `yaml:"session_ttl_min" default:"60" validate:"gt=0"`
	PurgeIntervalMin  int      `yaml:"purge_interval_min" default:"5" validate:"gt=0"`
	AllowedExtensions []string `yaml:"allowed_extensions" default:"[\".mp3\",\".ogg\",\".wav\",\".flac\",\".m4a\",\".aac\"]"`
}

// OpsConfig represents client operation tracking configuration.
type OpsConfig struct {
	TTLSec     int `yaml:"ttl_sec" default:"120" validate:"gt=0"`
	TimeoutSec int `yaml:"timeout_sec" default:"30" validate:"gt=0"`
}

// NfcConfig represents NFC reader configuration.
type NfcConfig struct {
	DebounceMs            int          `yaml:"debounce_ms" default:"500" validate:"gte=0"`
	AssociationTimeoutSec int          `yaml:"association_timeout_sec" default:"60" validate:"gt=0"`
	AssociationTimeoutCap int          `yaml:"association_timeout_cap_sec" default:"300" validate:"gt=0"`
	Driver                DriverConfig `yaml:"driver"`
}

// PlayerConfig represents playback coordinator configuration.
type PlayerConfig struct {
	PositionIntervalMs int          `yaml:"position_interval_ms" default:"200" validate:"gte=100"`
	BackendTimeoutSec  int          `yaml:"backend_timeout_sec" default:"2" validate:"gt=0"`
	Backend            DriverConfig `yaml:"backend"`
}

// DriverConfig selects a hardware/backend driver and its settings.
// Settings are decoded by the driver with mapstructure.
type DriverConfig struct {
	Type     string         `yaml:"type" default:"stub"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults, so the daemon is runnable without any configuration.
// Environment variables take precedence for storage locations.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("MUSICBOX_DB_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("MUSICBOX_UPLOAD_ROOT"); v != "" {
		c.Storage.UploadRoot = v
	}
	if v := os.Getenv("MUSICBOX_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	if c.Nfc.AssociationTimeoutSec > c.Nfc.AssociationTimeoutCap {
		return errors.Newf("association_timeout_sec (%d) exceeds cap (%d)",
			c.Nfc.AssociationTimeoutSec, c.Nfc.AssociationTimeoutCap)
	}
	return nil
}

// SessionTTL returns the upload session inactivity TTL.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Upload.SessionTTLMin) * time.Minute
}

// PurgeInterval returns the upload purge cadence.
func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.Upload.PurgeIntervalMin) * time.Minute
}

// OpTTL returns the idempotent replay window for client operations.
func (c *Config) OpTTL() time.Duration {
	return time.Duration(c.Ops.TTLSec) * time.Second
}

// OpTimeout returns the pending operation timeout.
func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.Ops.TimeoutSec) * time.Second
}

// Debounce returns the NFC tag debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Nfc.DebounceMs) * time.Millisecond
}

// AssociationTimeout clamps a caller-supplied timeout to the configured
// default and cap.
func (c *Config) AssociationTimeout(requestedMs int64) time.Duration {
	if requestedMs <= 0 {
		return time.Duration(c.Nfc.AssociationTimeoutSec) * time.Second
	}
	d := time.Duration(requestedMs) * time.Millisecond
	if capd := time.Duration(c.Nfc.AssociationTimeoutCap) * time.Second; d > capd {
		return capd
	}
	return d
}

// PositionInterval returns the track position broadcast cadence.
func (c *Config) PositionInterval() time.Duration {
	return time.Duration(c.Player.PositionIntervalMs) * time.Millisecond
}

// BackendTimeout returns the audio backend call timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Player.BackendTimeoutSec) * time.Second
}
