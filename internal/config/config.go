// Package config loads the sync engine configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yaroing/feedback-platform/internal/db"
	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/media"
)

// Environment variables that override file values.
const (
	EnvDataDir      = "FEEDBACKSYNC_DATA_DIR"
	EnvServerURL    = "FEEDBACKSYNC_SERVER_URL"
	EnvListenAddr   = "FEEDBACKSYNC_LISTEN_ADDR"
	EnvSyncInterval = "FEEDBACKSYNC_SYNC_INTERVAL"
	EnvLogLevel     = "FEEDBACKSYNC_LOG_LEVEL"
	EnvStartOnline  = "FEEDBACKSYNC_START_ONLINE"
)

// Config is the full runtime configuration.
type Config struct {
	DataDir    string `yaml:"data_dir" validate:"required"`
	ServerURL  string `yaml:"server_url" validate:"required,url"`
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`
	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	HTTPTimeout    time.Duration `yaml:"http_timeout" validate:"gt=0"`
	LegacyFallback bool          `yaml:"legacy_fallback"`

	SyncInterval         time.Duration `yaml:"sync_interval" validate:"gt=0"`
	SyncTimeout          time.Duration `yaml:"sync_timeout" validate:"gt=0"`
	StartOnline          bool          `yaml:"start_online"`
	MaxAttachmentRetries int           `yaml:"max_attachment_retries" validate:"gte=1"`
	MaxUploadBytes       int64         `yaml:"max_upload_bytes" validate:"gt=0"`

	// Compression is nil when attachments are stored as uploaded.
	Compression *media.Options `yaml:"compression" validate:"omitempty"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:              defaultDataDir(),
		ServerURL:            "http://localhost:8000",
		ListenAddr:           "127.0.0.1:8765",
		HTTPTimeout:          30 * time.Second,
		LegacyFallback:       true,
		SyncInterval:         5 * time.Minute,
		SyncTimeout:          5 * time.Minute,
		StartOnline:          true,
		MaxAttachmentRetries: 3,
		MaxUploadBytes:       32 << 20,
		Compression:          media.DefaultOptions(),
		LogLevel:             "info",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".feedbacksync"
	}
	return filepath.Join(home, ".feedbacksync")
}

// Load reads path (if non-empty), then applies environment overrides and
// validates the result. A missing file is an error; an empty path is not.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "failed to parse config file", err)
		}
		logging.Debug("Config file loaded", map[string]interface{}{"path": path})
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvDataDir); ok {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv(EnvServerURL); ok {
		c.ServerURL = v
	}
	if v, ok := os.LookupEnv(EnvListenAddr); ok {
		c.ListenAddr = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(EnvSyncInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, EnvSyncInterval+" is not a duration", err)
		}
		c.SyncInterval = d
	}
	if v, ok := os.LookupEnv(EnvStartOnline); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, EnvStartOnline+" is not a boolean", err)
		}
		c.StartOnline = b
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validatorv10.New().Struct(c)
	if err == nil {
		return nil
	}

	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid config", err)
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid config: "+strings.Join(fields, ", "), err)
}

// Level returns the parsed log level.
func (c *Config) Level() logging.LogLevel {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}

// DatabasePath returns the SQLite file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, db.FileName)
}
