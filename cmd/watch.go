package cmd

import (
	"fmt"

	"github.com/snakemake/snakeface/internal/tui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:               "watch <run_id>",
	Short:             "Watch a run in an interactive terminal UI",
	ValidArgsFunction: completeRunIDs,
	Long: `Open a full-screen view of one run, updated live from the server.

LAYOUT:
  ┌─ Status (12) ────────┬─ Output ⇣ ──────────────────┐
  │ [info] Building DAG  │ Building DAG of jobs...     │
  │ [progress] 1 of 3    │ rule all:                   │
  │                      ├─ Errors ────────────────────┤
  │                      │ Traceback (most recent ...  │
  └──────────────────────┴─────────────────────────────┘

KEYBINDINGS:

  Navigation:
    tab       Switch between Status, Output and Errors
    ↑/k ↓/j   Move cursor (Status) or scroll (Output, Errors)
    pgup/pgdn Page scroll
    g/G       Top/bottom
    f         Toggle follow mode

  Run actions:
    c         Cancel the run
    r         Rerun with the stored configuration
    y         Copy the engine command to the clipboard

  General:
    ?         Toggle help
    q         Quit (the run keeps going)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		if _, err := c.ServiceInfo(cmd.Context()); err != nil {
			return fmt.Errorf("cannot reach server at %s: %w", cfg.URL(), err)
		}
		return tui.Run(cmd.Context(), c, args[0])
	},
}

func init() {
	RootCmd.AddCommand(watchCmd)
}
