package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/snakemake/snakeface/internal/tui"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:               "status <run_id>",
	Short:             "Show a run and its status messages",
	ValidArgsFunction: completeRunIDs,
	Long: `Show a workflow run: its command, state, exit code and the status
messages the engine reported.

Example:
  snakeface status 3f0c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		run, err := c.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		statuses, err := c.Statuses(cmd.Context(), run.ID, true)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"run": run, "statuses": statuses})
		}

		fmt.Fprintf(w, "Run:      %s\n", run.ID)
		if run.Name != "" {
			fmt.Fprintf(w, "Name:     %s\n", run.Name)
		}
		fmt.Fprintf(w, "Status:   %s %s\n", run.Status, statusSymbol(run))
		fmt.Fprintf(w, "Command:  %s\n", run.Command)
		fmt.Fprintf(w, "Workdir:  %s\n", run.Workdir)
		if len(statuses) > 0 {
			fmt.Fprintln(w, "\nMessages:")
			for _, s := range statuses {
				fmt.Fprintf(w, "  %s\n", tui.StatusLine(s))
			}
		}
		if run.Error != "" {
			fmt.Fprintf(w, "\nErrors:\n%s\n", run.Error)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
}
