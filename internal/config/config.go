// Package config loads photoprep settings from flags, environment, an
// optional YAML file and an optional .env file
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"photoprep/internal/logging"
	"photoprep/internal/models"
	"photoprep/internal/raster"
)

// EnvPrefix is prepended to every environment variable, e.g.
// PHOTOPREP_COMPRESSION_QUALITY
const EnvPrefix = "PHOTOPREP"

// Config is the complete photoprep configuration
type Config struct {
	DBPath      string                    `mapstructure:"db"`
	Workers     int                       `mapstructure:"workers"`
	Timeout     time.Duration             `mapstructure:"timeout"`
	Resample    string                    `mapstructure:"resample"`
	Fingerprint bool                      `mapstructure:"fingerprint"`
	Compression models.CompressionOptions `mapstructure:"compression"`
	Logging     LoggingConfig             `mapstructure:"logging"`
	Server      ServerConfig              `mapstructure:"server"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig contains HTTP service settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	MaxConcurrent   int64         `mapstructure:"max_concurrent"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultDBPath returns ~/.photoprep/history.db
func DefaultDBPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".photoprep", "history.db")
}

// SetDefaults configures default values
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db", DefaultDBPath())
	v.SetDefault("workers", 8)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("resample", raster.DefaultFilter)
	v.SetDefault("fingerprint", true)

	defaults := models.DefaultCompressionOptions()
	v.SetDefault("compression.max_width", defaults.MaxWidth)
	v.SetDefault("compression.max_height", defaults.MaxHeight)
	v.SetDefault("compression.quality", defaults.Quality)
	v.SetDefault("compression.format", string(defaults.Format))
	v.SetDefault("compression.strip_metadata", defaults.StripMetadata)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logging.FormatConsole)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_upload_bytes", 32<<20)
	v.SetDefault("server.max_concurrent", 4)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
}

// Load reads configuration into v from a .env file (if present), the
// environment and cfgFile (if set), then unmarshals and validates it. Flags
// bound to v before Load take precedence over everything else.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	// Load .env file if it exists (don't error if missing)
	_ = godotenv.Load()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks every setting and canonicalizes the output format
// ("jpg" becomes "jpeg")
func (c *Config) Validate() error {
	var errs []error

	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if _, ok := raster.Filters[c.Resample]; !ok {
		errs = append(errs, fmt.Errorf("unknown resample filter %q", c.Resample))
	}

	if c.Compression.MaxWidth <= 0 || c.Compression.MaxHeight <= 0 {
		errs = append(errs, fmt.Errorf("max dimensions must be positive, got %dx%d",
			c.Compression.MaxWidth, c.Compression.MaxHeight))
	}
	if q := c.Compression.Quality; !(q >= 0 && q <= 1) {
		errs = append(errs, fmt.Errorf("quality must be within [0, 1], got %v", c.Compression.Quality))
	}
	if format, err := models.ParseFormat(string(c.Compression.Format)); err != nil {
		errs = append(errs, err)
	} else {
		c.Compression.Format = format
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.Logging.Format))
	}

	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must be positive"))
	}
	if c.Server.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent must be positive"))
	}

	return errors.Join(errs...)
}
