package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"imagedecloner/internal/storage"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent scans and deletions",
	Long: `Show the scan and deletion journal kept in the SQLite history database.

Only counts and image ids are recorded; features are recomputed on every scan.

Example:
  imagedecloner history          # Last 10 scans and deletions
  imagedecloner history -n 50    # Last 50
  imagedecloner history --json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of entries to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := storage.NewStorage(cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	scans, err := store.RecentScans(historyLimit)
	if err != nil {
		return err
	}
	deletions, err := store.RecentDeletions(historyLimit)
	if err != nil {
		return err
	}

	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Scans     []storage.ScanRecord     `json:"scans"`
			Deletions []storage.DeletionRecord `json:"deletions"`
		}{scans, deletions})
	}

	if len(scans) == 0 && len(deletions) == 0 {
		fmt.Println("No history yet.")
		return nil
	}

	fmt.Println("=== Scans ===")
	fmt.Printf("%-16s  %-8s  %-7s  %-7s  %s\n", "When", "Images", "Failed", "Groups", "Source")
	fmt.Println(strings.Repeat("-", 70))
	for _, s := range scans {
		fmt.Printf("%-16s  %-8d  %-7d  %-7d  %s\n",
			humanize.Time(s.ScannedAt), s.TotalImages, s.Failed, s.Groups, s.Source)
	}
	fmt.Println()

	fmt.Println("=== Deletions ===")
	for _, d := range deletions {
		fmt.Printf("%s  %s  %d/%d deleted\n",
			humanize.Time(d.DeletedAt), d.Source, len(d.Deleted), d.Requested)
		for _, f := range d.Failures {
			fmt.Printf("    %s %s (%s)\n", color.RedString("✗"), f.ID, f.Kind)
		}
	}

	return nil
}
