package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/snakemake/snakeface/internal/client"
	"github.com/snakemake/snakeface/internal/status"
	"github.com/spf13/cobra"
)

var (
	eventsPlain  bool
	eventsFollow bool
)

var eventsCmd = &cobra.Command{
	Use:               "events <run_id>",
	Short:             "Stream status pushes of a run",
	ValidArgsFunction: completeRunIDs,
	Long: `Subscribe to a run's status stream and print every push as JSON.

Pushes are printed one per line:
  {"status":"success","text":{"statuses":[...],"output":"...","retval":null,"state":"RUNNING"}}

By default the stream ends once the run is no longer executing. Use
--follow to keep listening, e.g. across a resubmission.
Press Ctrl+C to stop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		var failure string

		err := newClient().Watch(cmd.Context(), args[0], eventsPlain, func(p client.Push) bool {
			if p.Status == status.StatusError {
				failure = p.Message
				enc.Encode(status.Envelope{Type: status.EnvelopeType, Status: p.Status, Text: status.ErrorText{Message: p.Message}})
				return false
			}
			if err := enc.Encode(status.Envelope{Type: status.EnvelopeType, Status: p.Status, Text: p.Snapshot}); err != nil {
				return false
			}
			return eventsFollow || !p.Snapshot.Finished()
		})
		if err != nil {
			return fmt.Errorf("subscription error: %w", err)
		}
		if failure != "" {
			return fmt.Errorf("%s", failure)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().BoolVar(&eventsPlain, "plain", false, "Plain level fields instead of badge markup")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Keep streaming after the run stops")
}
