package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

// completeRunIDs provides completion for run IDs
func completeRunIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	// Only complete first argument for most commands
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	if cfg == nil {
		if err := loadConfig(cmd); err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
	}

	runs, err := newClient().ListRuns(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	var completions []string
	for _, run := range runs {
		if strings.HasPrefix(run.ID, toComplete) {
			// Format: runID\tname (tab-separated for description)
			completions = append(completions, run.ID+"\t"+runLabel(run.Name, run.Command))
		}
	}

	return completions, cobra.ShellCompDirectiveNoFileComp
}

func runLabel(name, command string) string {
	if name != "" {
		return name
	}
	return command
}
