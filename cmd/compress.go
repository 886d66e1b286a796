package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"photoprep/internal/fileutil"
	"photoprep/internal/metadata"
	"photoprep/internal/models"
	"photoprep/internal/raster"
)

var (
	compressOut      string
	compressProgress bool
)

var compressCmd = &cobra.Command{
	Use:   "compress <file>",
	Short: "Downscale and re-encode a single image",
	Long: `Decode an image, scale it to fit within --max-width x --max-height
(never upscaling), and encode it as --format at --quality.

The output is written next to the input as <name>_compressed.<format>
unless --out names another directory. Existing files are never overwritten.

--strip-metadata runs the metadata stripper on the compressed output as an
explicit second step.

Example:
  photoprep compress photo.jpg
  photoprep compress photo.png --max-width 1024 --format webp
  photoprep compress scan.tif --quality 0.6 -o ./upload`,
	Args: cobra.ExactArgs(1),
	RunE: runCompress,
}

func init() {
	compressCmd.Flags().StringVarP(&compressOut, "out", "o", "", "Output directory (default: next to the input)")
	compressCmd.Flags().BoolVar(&compressProgress, "progress", false, "Print progress checkpoints")
	rootCmd.AddCommand(compressCmd)
}

func runCompress(cmd *cobra.Command, args []string) error {
	path := args[0]
	opts := cfg.Compression

	if opts.Format == models.FormatWebP && !raster.WebPSupported {
		return fmt.Errorf("webp output needs a cgo build with libwebp")
	}

	file, err := fileutil.ReadImageFile(path)
	if err != nil {
		return err
	}

	var progress func(int)
	if compressProgress {
		progress = func(percent int) {
			fmt.Printf("\rProgress: %3d%%", percent)
			if percent == 100 {
				fmt.Println()
			}
		}
	}

	result, err := newCompressor().Compress(file, opts, progress)
	if err != nil {
		return err
	}

	out := result.File
	stripNote := ""
	if opts.StripMetadata {
		sr := metadata.Strip(out)
		out = sr.File
		stripNote = sr.Status.String()
	}

	dir := compressOut
	if dir == "" {
		dir = filepath.Dir(path)
	}
	dest, err := fileutil.WriteUnique(dir, out.Name, out.Data)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	ratio := models.CompressionRatio(result.OriginalSize, out.Size())
	fmt.Printf("Written:     %s\n", dest)
	fmt.Printf("Dimensions:  %dx%d (%s)\n", result.Width, result.Height, strings.ToUpper(string(opts.Format)))
	fmt.Printf("Size:        %s -> %s (%s%% smaller)\n",
		formatSize(result.OriginalSize), formatSize(out.Size()), models.FormatRatio(ratio))
	if stripNote != "" {
		fmt.Printf("Metadata:    %s\n", stripNote)
	}
	return nil
}
