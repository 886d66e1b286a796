package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"photoprep/internal/fileutil"
)

var infoJSON bool

var infoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Show dimensions and metadata of an image",
	Long: `Decode an image and report its dimensions, size, type and whether it
carries EXIF. For JPEGs with EXIF the camera, software, orientation, capture
time and presence of GPS data are shown.

Example:
  photoprep info photo.jpg
  photoprep info photo.jpg --json`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	file, err := fileutil.ReadImageFile(args[0])
	if err != nil {
		return err
	}

	info, err := newInspector().Inspect(file)
	if err != nil {
		return err
	}

	if infoJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("File:        %s\n", args[0])
	fmt.Printf("Type:        %s (%s)\n", info.MIMEType, strings.ToUpper(info.Format))
	fmt.Printf("Dimensions:  %dx%d\n", info.Width, info.Height)
	fmt.Printf("Size:        %s\n", formatSize(info.FileSize))
	fmt.Printf("EXIF:        %v\n", info.HasExif)

	if x := info.Exif; x != nil {
		if x.Make != "" || x.Model != "" {
			fmt.Printf("  Camera:      %s\n", strings.TrimSpace(x.Make+" "+x.Model))
		}
		if x.Software != "" {
			fmt.Printf("  Software:    %s\n", x.Software)
		}
		if x.Orientation != 0 {
			fmt.Printf("  Orientation: %d\n", x.Orientation)
		}
		if !x.TakenAt.IsZero() {
			fmt.Printf("  Taken:       %s\n", x.TakenAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("  GPS:         %v\n", x.HasGPS)
	}
	if info.Fingerprint != 0 {
		fmt.Printf("Fingerprint: %016x\n", info.Fingerprint)
	}
	return nil
}
