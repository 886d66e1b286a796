package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"photoprep/internal/models"
	"photoprep/internal/storage"
)

var (
	historyJSON      bool
	historySummary   bool
	historyLimit     int
	historyOffset    int
	historySimilar   string
	historyThreshold int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List processed files",
	Long: `Display files recorded by 'photoprep batch' and the HTTP service,
newest first.

Each row shows:
- Record ID
- Source file
- Output dimensions and format
- Size before and after, and the reduction
- Whether the original was kept because compression failed (!)

Example:
  photoprep history                       # Show the last 20 records
  photoprep history -n 0                  # Show all records
  photoprep history -s                    # Totals only
  photoprep history --offset 20           # Records 21-40
  photoprep history --similar 8f3c0a1b2d4e5f60 --threshold 6`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output in JSON format")
	historyCmd.Flags().BoolVarP(&historySummary, "summary", "s", false, "Show totals only")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Limit number of records to display (0 = all)")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Skip first N records (for pagination)")
	historyCmd.Flags().StringVar(&historySimilar, "similar", "", "Show records whose fingerprint is close to this hex hash")
	historyCmd.Flags().IntVar(&historyThreshold, "threshold", 10, "Hamming distance threshold for --similar (0-64, lower = stricter)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	summary, err := store.Summary()
	if err != nil {
		return err
	}

	if historySummary {
		if historyJSON {
			return printJSON(summary)
		}
		printHistorySummary(summary)
		return nil
	}

	var records []*models.Record
	if historySimilar != "" {
		fingerprint, err := strconv.ParseUint(historySimilar, 16, 64)
		if err != nil {
			return fmt.Errorf("invalid fingerprint %q: %w", historySimilar, err)
		}
		if historyThreshold < 0 || historyThreshold > 64 {
			return fmt.Errorf("threshold must be between 0 and 64")
		}
		records, err = store.FindSimilar(fingerprint, historyThreshold)
		if err != nil {
			return fmt.Errorf("failed to find similar records: %w", err)
		}
	} else {
		records, err = store.ListRecords(historyLimit, historyOffset)
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
	}

	if historyJSON {
		return printJSON(records)
	}

	if len(records) == 0 {
		if summary.TotalFiles == 0 {
			fmt.Println("No processed files recorded.")
			fmt.Println("Run 'photoprep batch <folder>' to process a folder.")
		} else {
			fmt.Printf("No records in range (offset %d, total %d)\n", historyOffset, summary.TotalFiles)
		}
		return nil
	}

	printHistoryTable(records)

	// Show pagination info
	if historySimilar == "" {
		endIdx := historyOffset + len(records)
		fmt.Printf("Showing records %d-%d of %d\n", historyOffset+1, endIdx, summary.TotalFiles)
		if endIdx < summary.TotalFiles {
			limitArg := ""
			if historyLimit > 0 {
				limitArg = fmt.Sprintf(" -n %d", historyLimit)
			}
			fmt.Printf("Next page: photoprep history%s --offset %d\n", limitArg, endIdx)
		}
	}

	return nil
}

func printHistoryTable(records []*models.Record) {
	fmt.Printf("%-6s  %-40s  %-11s  %-4s  %9s  %9s  %7s\n",
		"ID", "Source", "Size", "Fmt", "Before", "After", "Saved")
	fmt.Println(strings.Repeat("-", 98))

	for _, r := range records {
		marker := " "
		if r.Fallback {
			marker = "!"
		}
		dims := "-"
		if r.Width > 0 {
			dims = fmt.Sprintf("%dx%d", r.Width, r.Height)
		}
		fmt.Printf("%-6d%s %-40s  %-11s  %-4s  %9s  %9s  %6s%%\n",
			r.ID, marker, shortenPath(r.SourcePath, 40), dims,
			strings.ToUpper(r.Format), formatSize(r.OriginalSize), formatSize(r.OutputSize),
			models.FormatRatio(r.CompressionRatio))
	}
	fmt.Println()
}

func printHistorySummary(s *models.HistorySummary) {
	fmt.Println("=== History ===")
	fmt.Printf("Files:      %d\n", s.TotalFiles)
	fmt.Printf("Fallbacks:  %d\n", s.Fallbacks)
	fmt.Printf("Before:     %s\n", formatSize(s.OriginalBytes))
	fmt.Printf("After:      %s\n", formatSize(s.OutputBytes))
	fmt.Printf("Saved:      %s%%\n", models.FormatRatio(s.SavedRatio))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortenPath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}

	// Try to show filename and as much of the path as possible
	dir, file := filepath.Split(path)
	if len(file) >= maxLen-3 {
		return "..." + file[len(file)-(maxLen-3):]
	}

	remaining := maxLen - len(file) - 4 // 4 for ".../"
	if remaining > 0 && len(dir) > remaining {
		dir = dir[len(dir)-remaining:]
	}
	return "..." + dir + file
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
