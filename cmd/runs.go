package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/snakemake/snakeface/internal/store"
	"github.com/spf13/cobra"
)

var runsJSON bool

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List workflow runs",
	Long: `List the workflow runs visible to you, newest first.

Output format:
  <run_id>  <updated>  <status>  <name or command>

Where status is:
  ◉           running
  ◌           cancelled, still stopping
  ✓ (0)       finished successfully
  ✗ (N)       finished with exit code N
  ·           never run

Exit codes:
  0: Success
  1: Error (server not running)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := newClient().ListRuns(cmd.Context())
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if runsJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if runs == nil {
				runs = []*store.Run{}
			}
			return enc.Encode(runs)
		}

		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs found")
			return nil
		}
		for _, run := range runs {
			fmt.Fprintf(w, "%s  %-12s  %-8s  %s\n",
				run.ID, formatRelativeTime(run.UpdatedAt), statusSymbol(run), runLabel(run.Name, run.Command))
		}
		return nil
	},
}

func statusSymbol(run *store.Run) string {
	switch run.Status {
	case store.StatusRunning:
		return "◉"
	case store.StatusCancelled:
		return "◌"
	}
	if run.Retval == nil {
		return "·"
	}
	if *run.Retval == 0 {
		return fmt.Sprintf("✓ (%d)", *run.Retval)
	}
	return fmt.Sprintf("✗ (%d)", *run.Retval)
}

// formatRelativeTime formats a time as a human-readable relative string
func formatRelativeTime(t time.Time) string {
	d := time.Since(t)

	if d < time.Minute {
		return "just now"
	} else if d < time.Hour {
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d mins ago", mins)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

func init() {
	RootCmd.AddCommand(runsCmd)
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "Output in JSON format")
}
