package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"imagedecloner/internal/fileutil"
	"imagedecloner/internal/models"
	"imagedecloner/internal/session"
)

var (
	dryRun    bool
	moveTo    string
	permanent bool
	noConfirm bool
	groupIDs  []int
)

var cleanCmd = &cobra.Command{
	Use:   "clean <source>",
	Short: "Delete duplicate images, keeping the best of each group",
	Long: `Scan a source, then delete duplicates, keeping the highest quality version of each group.

The clean command will:
1. Keep the image with the highest quality score in each group
   (ties go to the larger file, then the newer one)
2. Delete the others: local files go to the trash by default,
   remote items are deleted from the library

Options:
  --dry-run     Preview what would be removed without actually removing
  --permanent   Delete local files permanently instead of moving to trash
  --move-to     Move local duplicates to a specific folder
  --yes         Skip confirmation prompt
  --group       Specify group IDs to clean (can be used multiple times)

Example:
  imagedecloner clean ./photos                     # Move to trash (default)
  imagedecloner clean ./photos --permanent         # Delete permanently
  imagedecloner clean ./photos --move-to=./backup  # Move to specific folder
  imagedecloner clean ./photos --dry-run           # Preview only
  imagedecloner clean ./photos -g 1 -g 3           # Clean only groups 1 and 3`,
	Args: cobra.ExactArgs(1),
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview without removing")
	cleanCmd.Flags().BoolVar(&permanent, "permanent", false, "Delete permanently instead of moving to trash")
	cleanCmd.Flags().StringVar(&moveTo, "move-to", "", "Move duplicates to this folder")
	cleanCmd.Flags().BoolVarP(&noConfirm, "yes", "y", false, "Skip confirmation prompt")
	cleanCmd.Flags().IntSliceVarP(&groupIDs, "group", "g", nil, "Group IDs to clean (can be specified multiple times)")
	cleanCmd.MarkFlagsMutuallyExclusive("permanent", "move-to")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	isRemote := strings.HasPrefix(args[0], remotePrefix)

	if moveTo != "" {
		cfg.Local.DeleteMode = string(fileutil.ModeMove)
		cfg.Local.MoveTo = moveTo
	} else if permanent {
		cfg.Local.DeleteMode = string(fileutil.ModePermanent)
	}
	if isRemote && (moveTo != "" || permanent) {
		logger.Warn().Msg("--permanent and --move-to only apply to local folders")
	}

	src, err := openSource(ctx, args[0])
	if err != nil {
		return explain(err)
	}

	store := openHistory()
	if store != nil {
		defer store.Close()
	}

	progress := &progressPrinter{}
	ctrl, err := newController(src, store, progress.update)
	if err != nil {
		return err
	}
	stats, err := ctrl.Load(ctx)
	progress.clear()
	if err != nil {
		return fmt.Errorf("scan failed: %w", explain(err))
	}
	printFailures(ctrl.Failures(), false)

	plans, err := ctrl.KeepPlan()
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		fmt.Printf("No duplicate groups found among %d images.\n", stats.Loaded)
		return nil
	}

	plans, err = selectGroups(plans, groupIDs, ctrl.Group)
	if err != nil {
		return err
	}
	if len(groupIDs) > 0 {
		fmt.Printf("Processing %d selected group(s): %v\n\n", len(plans), groupIDs)
	}

	// Collect images to remove
	var toRemove []string
	var totalSize uint64
	for _, plan := range plans {
		toRemove = append(toRemove, plan.Remove...)
		totalSize += reclaimable(plan, ctrl.Record)
	}
	if len(toRemove) == 0 {
		fmt.Println("No images to remove.")
		return nil
	}

	action := describeAction(isRemote)
	fmt.Printf("Will %s %d images (%s)\n\n", action, len(toRemove), humanize.Bytes(totalSize))

	if dryRun {
		fmt.Println(color.YellowString("DRY RUN - no images will be deleted"))
		for _, plan := range plans {
			printGroup(plan, ctrl.Record, false)
		}
		fmt.Println("Run without --dry-run to actually remove images.")
		return nil
	}

	// Confirm unless --yes flag is set
	if !noConfirm && !confirm(fmt.Sprintf("Are you sure you want to %s %d images? [y/N]: ", action, len(toRemove))) {
		fmt.Println("Aborted.")
		return nil
	}

	report, err := ctrl.DeleteSelected(ctx, toRemove)

	fmt.Println()
	fmt.Printf("%s %d of %d images\n", pastTense(action), report.DeletedCount, report.Requested)
	if report.Failed() > 0 {
		fmt.Printf("%s %d images\n", color.RedString("Failed:"), report.Failed())
		for _, f := range report.Failures {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", f.ID, f.Error)
		}
	}
	fmt.Printf("Groups remaining: %d\n", len(ctrl.Groups()))

	if err != nil {
		return fmt.Errorf("clean interrupted: %w", err)
	}
	return nil
}

// selectGroups keeps only the plans for the groups named by ids, resolved
// through lookup. No ids means every plan.
func selectGroups(plans []session.Plan, ids []int, lookup func(int) (models.Group, bool)) ([]session.Plan, error) {
	if len(ids) == 0 {
		return plans, nil
	}

	var groups []models.Group
	var unknown []int
	for _, id := range ids {
		if g, ok := lookup(id); ok {
			groups = append(groups, g)
		} else {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		logger.Warn().Ints("groups", unknown).Msg("ignoring unknown group ids")
	}

	var filtered []session.Plan
	for _, plan := range plans {
		for _, g := range groups {
			if g.Contains(plan.Keep) {
				filtered = append(filtered, plan)
				break
			}
		}
	}
	if len(filtered) == 0 {
		return nil, errors.New("no matching groups found; run 'imagedecloner scan' to see available group IDs")
	}
	return filtered, nil
}

func describeAction(isRemote bool) string {
	switch {
	case isRemote:
		return "delete from the library"
	case cfg.Local.DeleteMode == string(fileutil.ModeMove):
		return "move to " + cfg.Local.MoveTo
	case cfg.Local.DeleteMode == string(fileutil.ModePermanent):
		return "permanently delete"
	default:
		return "move to trash"
	}
}

func pastTense(action string) string {
	switch {
	case strings.HasPrefix(action, "move to trash"):
		return "Moved to trash"
	case strings.HasPrefix(action, "move to "):
		return "Moved to " + strings.TrimPrefix(action, "move to ") + ":"
	case action == "permanently delete":
		return "Permanently deleted"
	default:
		return "Deleted"
	}
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
