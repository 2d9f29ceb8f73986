package cmd

import (
	"fmt"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"imagedecloner/internal/models"
	"imagedecloner/internal/session"
)

var (
	keepMark   = color.New(color.FgGreen).Sprint("✓")
	removeMark = color.New(color.FgRed).Sprint("✗")
)

// recordLookup returns the loaded record of an image.
type recordLookup func(id string) (*models.ImageRecord, bool)

// progressPrinter redraws a single progress line on stdout.
type progressPrinter struct {
	lastLine string
}

func (p *progressPrinter) update(scanned, total int, current string) {
	// Clear previous line
	p.clear()
	p.lastLine = fmt.Sprintf("Progress: %d/%d  %s", scanned, total, shortenPath(current, 50))
	fmt.Print(p.lastLine)
}

func (p *progressPrinter) clear() {
	if p.lastLine != "" {
		fmt.Print("\r" + strings.Repeat(" ", len(p.lastLine)) + "\r")
		p.lastLine = ""
	}
}

// paginate applies --offset and --limit. A limit of 0 means all.
func paginate(plans []session.Plan, offset, limit int) []session.Plan {
	if offset > len(plans) {
		offset = len(plans)
	}
	plans = plans[offset:]
	if limit > 0 && limit < len(plans) {
		plans = plans[:limit]
	}
	return plans
}

// reclaimable sums the sizes of the images a plan would remove.
func reclaimable(plan session.Plan, lookup recordLookup) uint64 {
	var total uint64
	for _, id := range plan.Remove {
		if rec, ok := lookup(id); ok && rec.Metadata.Size > 0 {
			total += uint64(rec.Metadata.Size)
		}
	}
	return total
}

func printSummaryTable(plans []session.Plan, lookup recordLookup) {
	fmt.Printf("%-8s  %-8s  %-12s  %s\n", "Group", "Images", "Reclaimable", "Keep (best quality)")
	fmt.Println(strings.Repeat("-", 70))

	for _, plan := range plans {
		keepName := path.Base(plan.Keep)
		if len(keepName) > 35 {
			keepName = keepName[:32] + "..."
		}

		fmt.Printf("#%-7d  %-8d  %-12s  %s\n",
			plan.Group.ID, len(plan.Group.IDs), humanize.Bytes(reclaimable(plan, lookup)), keepName)
	}
	fmt.Println()
}

func printGroup(plan session.Plan, lookup recordLookup, verbose bool) {
	fmt.Printf("Group #%d (%d images)\n", plan.Group.ID, len(plan.Group.IDs))
	fmt.Println(strings.Repeat("-", 60))

	for _, id := range plan.Group.IDs {
		marker := removeMark
		if id == plan.Keep {
			marker = keepMark
		}

		rec, ok := lookup(id)
		if !ok {
			fmt.Printf("  %s %s\n", marker, id)
			continue
		}
		size := humanize.Bytes(uint64(max(rec.Metadata.Size, 0)))

		if verbose {
			fmt.Printf("  %s %s\n", marker, id)
			fmt.Printf("      Resolution: %dx%d  Format: %s  Size: %s\n",
				rec.Width, rec.Height, strings.ToUpper(rec.Format), size)
			if !rec.Metadata.CreatedAt.IsZero() {
				fmt.Printf("      Created: %s (%s)\n",
					rec.Metadata.CreatedAt.Format("2006-01-02 15:04"), humanize.Time(rec.Metadata.CreatedAt))
			}
			fmt.Printf("      Score: %.0f\n", rec.Score)
		} else {
			fmt.Printf("  %s %-40s  %dx%d  %-4s  %8s  Score: %.0f\n",
				marker, shortenPath(id, 40), rec.Width, rec.Height,
				strings.ToUpper(rec.Format), size, rec.Score)
		}
	}
	fmt.Println()
}

func printFailures(failures []models.Failure, verbose bool) {
	if len(failures) == 0 {
		return
	}
	fmt.Printf("%s %d images could not be read\n", color.YellowString("!"), len(failures))
	if !verbose {
		return
	}
	for _, f := range failures {
		fmt.Printf("  %-40s  %-9s  %s\n", shortenPath(f.ID, 40), f.Kind, f.Error)
	}
	fmt.Println()
}

// shortenPath keeps the tail of a slash-separated id.
func shortenPath(p string, maxLen int) string {
	if len(p) <= maxLen {
		return p
	}

	// Try to show filename and as much of the path as possible
	dir, file := path.Split(p)
	if len(file) >= maxLen-3 {
		return "..." + file[len(file)-(maxLen-3):]
	}

	remaining := maxLen - len(file) - 4 // 4 for ".../"
	if remaining > 0 && len(dir) > remaining {
		dir = dir[len(dir)-remaining:]
	}
	return "..." + dir + file
}
