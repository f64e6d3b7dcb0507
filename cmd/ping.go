package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient().ServiceInfo(cmd.Context())
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", info.ID, info.Status, info.Version)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(pingCmd)
}
