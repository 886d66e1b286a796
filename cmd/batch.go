package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"photoprep/internal/batch"
	"photoprep/internal/models"
	"photoprep/internal/raster"
	"photoprep/internal/storage"
)

var (
	batchOut        string
	batchNoFallback bool
	batchNoHistory  bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <folder>",
	Short: "Compress every image in a folder",
	Long: `Process a folder recursively.

For each supported image (jpg, png, gif, webp, bmp, tiff) the batch will:
1. Inspect it (dimensions, EXIF, perceptual fingerprint)
2. Compress it with the configured bounds, quality and format
3. Fall back to the original bytes if compression fails
4. Strip JPEG metadata from the result when --strip-metadata is set
5. Write the result to the output folder and record it in the history

Example:
  photoprep batch ./photos
  photoprep batch ./photos -o ./upload --format webp --workers 4
  photoprep batch ./photos --strip-metadata=false --no-fallback`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVarP(&batchOut, "out", "o", "", "Output directory (default: <folder>/compressed)")
	batchCmd.Flags().BoolVar(&batchNoFallback, "no-fallback", false, "Skip files that fail to compress instead of copying the original")
	batchCmd.Flags().BoolVar(&batchNoHistory, "no-history", false, "Don't record results in the history database")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	folder := args[0]

	// Resolve absolute path
	absFolder, err := filepath.Abs(folder)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Check folder exists
	info, err := os.Stat(absFolder)
	if err != nil {
		return fmt.Errorf("folder not found: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", absFolder)
	}

	if cfg.Compression.Format == models.FormatWebP && !raster.WebPSupported {
		return fmt.Errorf("webp output needs a cgo build with libwebp")
	}

	outDir := batchOut
	if outDir == "" {
		outDir = filepath.Join(absFolder, "compressed")
	}

	fmt.Printf("Processing: %s\n", absFolder)
	fmt.Printf("Output:     %s\n", outDir)
	fmt.Printf("Target:     %dx%d %s q%.2f\n",
		cfg.Compression.MaxWidth, cfg.Compression.MaxHeight,
		strings.ToUpper(string(cfg.Compression.Format)), cfg.Compression.Quality)
	fmt.Printf("Workers:    %d\n\n", cfg.Workers)

	var store *storage.Storage
	if !batchNoHistory {
		store, err = storage.NewStorage(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()
	}

	// Create processor with progress reporting
	var progressMu sync.Mutex
	lastLine := ""
	p := batch.NewProcessor(
		batch.WithWorkers(cfg.Workers),
		batch.WithTimeout(cfg.Timeout),
		batch.WithOutputDir(outDir),
		batch.WithOptions(cfg.Compression),
		batch.WithStrip(cfg.Compression.StripMetadata),
		batch.WithFallback(!batchNoFallback),
		batch.WithCompressor(newCompressor()),
		batch.WithInspector(newInspector()),
		batch.WithLogger(logger),
		batch.WithProgress(func(done, total int, current string) {
			// Workers report concurrently
			progressMu.Lock()
			defer progressMu.Unlock()

			// Clear previous line
			if lastLine != "" {
				fmt.Print("\r" + strings.Repeat(" ", len(lastLine)) + "\r")
			}
			lastLine = fmt.Sprintf("Progress: %d/%d  %s", done, total, shortenPath(current, 50))
			fmt.Print(lastLine)
		}),
	)

	outcomes, err := p.ProcessFolder(absFolder)
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	// Clear progress line
	if lastLine != "" {
		fmt.Print("\r" + strings.Repeat(" ", len(lastLine)) + "\r")
	}

	if len(outcomes) == 0 {
		fmt.Println("No images found.")
		return nil
	}

	var (
		compressed, fallbacks, failed int
		originalBytes, outputBytes    int64
		records                       []*models.Record
	)
	for _, o := range outcomes {
		switch {
		case !o.Written():
			failed++
			fmt.Printf("  ✗ %s: %v\n", shortenPath(o.SourcePath, 50), o.Err)
			continue
		case o.Fallback:
			fallbacks++
			fmt.Printf("  ! %s: kept original (%v)\n", shortenPath(o.SourcePath, 50), o.Err)
		default:
			compressed++
		}
		originalBytes += o.OriginalSize
		outputBytes += o.OutputSize
		records = append(records, o.Record())
	}

	if store != nil {
		if err := store.SaveRecords(records); err != nil {
			return fmt.Errorf("failed to save history: %w", err)
		}
		store.RecordBatch(absFolder, len(outcomes), compressed, fallbacks, originalBytes-outputBytes)
	}

	// Print summary
	fmt.Println()
	fmt.Println("=== Batch Complete ===")
	fmt.Printf("Total images:  %d\n", len(outcomes))
	fmt.Printf("Compressed:    %d\n", compressed)
	fmt.Printf("Fallbacks:     %d\n", fallbacks)
	fmt.Printf("Failed:        %d\n", failed)
	fmt.Printf("Size:          %s -> %s (%s%% smaller)\n",
		formatSize(originalBytes), formatSize(outputBytes),
		models.FormatRatio(models.CompressionRatio(originalBytes, outputBytes)))

	if store != nil {
		fmt.Println()
		fmt.Println("Run 'photoprep history' to see processed files")
	}

	return nil
}
