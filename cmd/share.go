package cmd

import (
	"github.com/spf13/cobra"
)

var shareCmd = &cobra.Command{
	Use:               "share <run_id> <user>",
	Short:             "Make another user an owner of a workflow",
	ValidArgsFunction: completeRunIDs,
	Long: `Make another user an owner of a workflow.

Owners may submit, cancel and remove the run, and see it when it is
private. Any current owner may share. The user must already exist
(see 'snakeface user add').

Example:
  snakeface share 3f0c... bob

Exit codes:
  0: User is an owner
  1: Error (run or user not found, no permission)`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newClient().Share(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printOutcome(cmd, out)
	},
}

func init() {
	RootCmd.AddCommand(shareCmd)
}
