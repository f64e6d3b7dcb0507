package cmd

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:               "cancel <run_id>",
	Short:             "Cancel a running workflow",
	ValidArgsFunction: completeRunIDs,
	Long: `Cancel a running workflow.

The engine process receives SIGTERM within one poll interval of the
server. Its output so far and exit code are kept on the run.

Example:
  snakeface cancel 3f0c...

Exit codes:
  0: Cancel requested
  1: Error (not running, not found, no permission)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newClient().Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printOutcome(cmd, out)
	},
}

func init() {
	RootCmd.AddCommand(cancelCmd)
}
