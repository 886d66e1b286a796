package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"photoprep/internal/compress"
	"photoprep/internal/config"
	"photoprep/internal/logging"
	"photoprep/internal/metadata"
	"photoprep/internal/models"
	"photoprep/internal/raster"
)

var (
	cfgFile string
	v       = viper.New()
	cfg     *config.Config
	logger  = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "photoprep",
	Short: "Prepare photos for upload",
	Long: `photoprep downscales and re-encodes images before upload and removes
identifying JPEG metadata (JFIF, EXIF, ICC).

Images are scaled to fit within a bounding box, never upscaled, and encoded
as JPEG, PNG or WebP. Metadata stripping is a separate, explicit step.

Example usage:
  photoprep compress photo.jpg               # Fit within 2048x2048, JPEG q0.8
  photoprep compress photo.jpg --format png  # Re-encode as PNG
  photoprep strip photo.jpg                  # Remove APP0/APP1/APP2 segments
  photoprep info photo.jpg                   # Dimensions and EXIF summary
  photoprep batch ./photos                   # Process a whole folder
  photoprep serve                            # HTTP API`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaults := models.DefaultCompressionOptions()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.String("db", config.DefaultDBPath(), "Path to SQLite history database")
	flags.Int("workers", 8, "Number of parallel workers for batch processing")
	flags.Duration("timeout", 30*time.Second, "Per-file processing timeout (0 to disable)")
	flags.String("resample", raster.DefaultFilter, "Resampling filter (nearest, approx-bilinear, bilinear, catmullrom)")
	flags.Bool("fingerprint", true, "Compute perceptual fingerprints when inspecting")
	flags.Int("max-width", defaults.MaxWidth, "Maximum output width")
	flags.Int("max-height", defaults.MaxHeight, "Maximum output height")
	flags.Float64("quality", defaults.Quality, "Encoder quality (0-1, ignored by PNG)")
	flags.String("format", string(defaults.Format), "Output format (jpeg, png, webp)")
	flags.Bool("strip-metadata", defaults.StripMetadata, "Strip JPEG metadata from outputs")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", logging.FormatConsole, "Log format (console, json)")

	// Bind flags to viper
	bind := map[string]string{
		"db":                         "db",
		"workers":                    "workers",
		"timeout":                    "timeout",
		"resample":                   "resample",
		"fingerprint":                "fingerprint",
		"compression.max_width":      "max-width",
		"compression.max_height":     "max-height",
		"compression.quality":        "quality",
		"compression.format":         "format",
		"compression.strip_metadata": "strip-metadata",
		"logging.level":              "log-level",
		"logging.format":             "log-format",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
}

// initConfig loads configuration and builds the logger
func initConfig() error {
	var err error
	cfg, err = config.Load(v, cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err = logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	logger.Debug().
		Str("db", cfg.DBPath).
		Int("workers", cfg.Workers).
		Str("format", string(cfg.Compression.Format)).
		Float64("quality", cfg.Compression.Quality).
		Msg("configuration loaded")

	return nil
}

func newCompressor() *compress.Compressor {
	return compress.New(
		compress.WithBackend(raster.NewStandard(raster.WithFilter(cfg.Resample))),
		compress.WithLogger(logger),
	)
}

func newInspector() *metadata.Inspector {
	return metadata.NewInspector(
		metadata.WithFingerprint(cfg.Fingerprint),
		metadata.WithLogger(logger),
	)
}
