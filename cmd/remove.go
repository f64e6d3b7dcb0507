package cmd

import (
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:               "remove <run_id>",
	Aliases:           []string{"rm"},
	Short:             "Delete a workflow run",
	ValidArgsFunction: completeRunIDs,
	Long: `Delete a workflow run and its status history.

The run must not be executing. Cancel it first and wait for it to stop.

Example:
  snakeface remove 3f0c...

Exit codes:
  0: Run deleted
  1: Error (still running, not found, no permission)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newClient().Delete(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printOutcome(cmd, out)
	},
}

func init() {
	RootCmd.AddCommand(removeCmd)
}
