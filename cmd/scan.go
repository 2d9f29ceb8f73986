package cmd

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"imagedecloner/internal/models"
	"imagedecloner/internal/session"
)

var (
	scanJSON    bool
	scanVerbose bool
	scanSummary bool
	scanLimit   int
	scanOffset  int
)

var scanCmd = &cobra.Command{
	Use:   "scan <source>",
	Short: "Scan a source and list near-duplicate groups",
	Long: `Scan a folder or the remote photo library and show groups of near-duplicates.

The scan will:
1. List all supported images (jpg, png, gif, webp, bmp, tiff)
2. Compute a feature for each image (perceptual hash by default)
3. Link every pair of images within the threshold
4. Report each connected set of linked images as a group

Unreadable images are skipped and counted. Each group marks the image that
'clean' would keep (highest quality score) with ✓ and the rest with ✗.

Example:
  imagedecloner scan ./photos                 # Show first 10 groups
  imagedecloner scan ./photos -n 0            # Show all groups
  imagedecloner scan ./photos -s              # Summary view (compact)
  imagedecloner scan ./photos --offset 10     # Groups 11-20
  imagedecloner scan remote: --json           # Machine-readable output`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Output in JSON format")
	scanCmd.Flags().BoolVarP(&scanVerbose, "verbose", "v", false, "Show detailed image info and failures")
	scanCmd.Flags().BoolVarP(&scanSummary, "summary", "s", false, "Show summary only (group counts and sizes)")
	scanCmd.Flags().IntVarP(&scanLimit, "limit", "n", 10, "Limit number of groups to display (0 = all)")
	scanCmd.Flags().IntVar(&scanOffset, "offset", 0, "Skip first N groups (for pagination)")
	rootCmd.AddCommand(scanCmd)
}

// scanReport is the --json output.
type scanReport struct {
	SessionID string                `json:"session_id"`
	Source    string                `json:"source"`
	Strategy  string                `json:"strategy"`
	Threshold float64               `json:"threshold"`
	Stats     models.Stats          `json:"stats"`
	Groups    []session.Plan        `json:"groups"`
	Records   []*models.ImageRecord `json:"records"`
	Failures  []models.Failure      `json:"failures,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	src, err := openSource(ctx, args[0])
	if err != nil {
		return explain(err)
	}

	store := openHistory()
	if store != nil {
		defer store.Close()
	}

	progress := &progressPrinter{}
	var onProgress func(int, int, string)
	if !scanJSON {
		onProgress = progress.update
		fmt.Printf("Scanning: %s\n", src.Name())
		fmt.Printf("Strategy: %s  Workers: %d\n\n", cfg.Strategy, cfg.Workers)
	}

	ctrl, err := newController(src, store, onProgress)
	if err != nil {
		return err
	}

	stats, err := ctrl.Load(ctx)
	progress.clear()
	if err != nil {
		return fmt.Errorf("scan failed: %w", explain(err))
	}

	plans, err := ctrl.KeepPlan()
	if err != nil {
		return err
	}

	if scanJSON {
		return writeScanJSON(ctrl, stats, plans)
	}

	// Print summary
	fmt.Println("=== Scan Complete ===")
	fmt.Printf("Threshold:        %g\n", ctrl.Threshold())
	fmt.Printf("Images listed:    %d\n", stats.Listed)
	fmt.Printf("Images compared:  %d\n", stats.Loaded)
	fmt.Printf("Duplicate groups: %d\n", stats.Groups)
	fmt.Printf("Duplicates found: %d\n", stats.GroupedTotal-stats.Groups)
	fmt.Println()
	printFailures(ctrl.Failures(), scanVerbose)

	if len(plans) == 0 {
		fmt.Println("No duplicate groups found.")
		return nil
	}

	// Apply pagination
	totalGroups := len(plans)
	startIdx := min(scanOffset, totalGroups)
	page := paginate(plans, scanOffset, scanLimit)

	// Display groups
	if len(page) == 0 {
		fmt.Printf("No groups in range (offset %d exceeds total %d)\n", scanOffset, totalGroups)
	} else if scanSummary {
		printSummaryTable(page, ctrl.Record)
	} else {
		for _, plan := range page {
			printGroup(plan, ctrl.Record, scanVerbose)
		}
	}

	// Show pagination info
	endIdx := startIdx + len(page)
	if len(page) > 0 {
		fmt.Printf("Showing groups %d-%d of %d\n", startIdx+1, endIdx, totalGroups)
		if endIdx < totalGroups {
			limitArg := ""
			if scanLimit > 0 {
				limitArg = fmt.Sprintf(" -n %d", scanLimit)
			}
			fmt.Printf("Next page: imagedecloner scan %s%s --offset %d\n", args[0], limitArg, endIdx)
		}
	}

	fmt.Println()
	fmt.Printf("Run 'imagedecloner clean --dry-run %s' to preview deletions\n", args[0])

	return nil
}

func writeScanJSON(ctrl *session.Controller, stats models.Stats, plans []session.Plan) error {
	report := scanReport{
		SessionID: ctrl.SessionID(),
		Source:    ctrl.Source().Name(),
		Strategy:  ctrl.Strategy().Name(),
		Threshold: ctrl.Threshold(),
		Stats:     stats,
		Groups:    paginate(plans, scanOffset, scanLimit),
		Failures:  ctrl.Failures(),
	}
	if report.Groups == nil {
		report.Groups = []session.Plan{}
	}
	for _, plan := range report.Groups {
		for _, id := range plan.Group.IDs {
			if rec, ok := ctrl.Record(id); ok {
				report.Records = append(report.Records, rec)
			}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
