package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"photoprep/internal/fileutil"
	"photoprep/internal/metadata"
	"photoprep/internal/models"
)

var stripOut string

var stripCmd = &cobra.Command{
	Use:   "strip <file>",
	Short: "Remove JFIF, EXIF and ICC segments from a JPEG",
	Long: `Remove every APP0, APP1 and APP2 segment from the header of a JPEG.
All other segments and the entropy-coded scan data are copied byte for byte.

Files that are not JPEGs are left alone. The result is written as
<name>_stripped<ext> next to the input unless --out names another directory.

Example:
  photoprep strip photo.jpg
  photoprep strip photo.jpg -o ./clean`,
	Args: cobra.ExactArgs(1),
	RunE: runStrip,
}

func init() {
	stripCmd.Flags().StringVarP(&stripOut, "out", "o", "", "Output directory (default: next to the input)")
	rootCmd.AddCommand(stripCmd)
}

func runStrip(cmd *cobra.Command, args []string) error {
	path := args[0]

	file, err := fileutil.ReadImageFile(path)
	if err != nil {
		return err
	}

	result := metadata.Strip(file)

	switch result.Status {
	case models.StripSkipped:
		fmt.Printf("Not a JPEG (%s), nothing to strip.\n", file.MIMEType)
		return nil
	case models.StripNotJPEG:
		fmt.Println("File claims to be a JPEG but has no SOI marker, left unchanged.")
		return nil
	case models.StripNoMetadata:
		fmt.Println("No metadata segments found.")
		return nil
	}

	dir := stripOut
	if dir == "" {
		dir = filepath.Dir(path)
	}
	ext := filepath.Ext(file.Name)
	name := strings.TrimSuffix(file.Name, ext) + "_stripped" + ext

	dest, err := fileutil.WriteUnique(dir, name, result.File.Data)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	fmt.Printf("Written:  %s\n", dest)
	fmt.Printf("Removed:  %d segments (%s)\n", result.SegmentsRemoved, formatSize(int64(result.BytesRemoved)))
	return nil
}
