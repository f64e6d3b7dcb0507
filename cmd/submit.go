package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/snakemake/snakeface/internal/client"
	"github.com/snakemake/snakeface/internal/supervisor"
	"github.com/spf13/cobra"
)

var (
	submitName       string
	submitWorkdir    string
	submitPrivate    bool
	submitSet        []string
	submitConfigFile string
)

var submitCmd = &cobra.Command{
	Use:               "submit [run_id] [--set name=value ...]",
	Short:             "Configure and start a workflow run",
	ValidArgsFunction: completeRunIDs,
	Long: `Validate a configuration and start a workflow run on the server.

Argument values come from a JSON file (--config-file) and from --set
flags, which are applied after the file. Names are those of 'snakeface schema'.
With a run_id, that existing run is started again with the new values.

Examples:
  # Start a new run
  snakeface submit --set snakefile=Snakefile --set cores=4

  # From a saved configuration
  snakeface submit --config-file run.json --name "nightly"

  # Run an existing workflow again, changing one value
  snakeface submit 3f0c... --set cores=8

Output:
  The generated command and the run id, or why the server refused.

Exit codes:
  0: Run started
  1: Refused (invalid configuration, quota, permission) or error`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var runID string
		if len(args) == 1 {
			runID = args[0]
		}
		values, err := submitValues()
		if err != nil {
			return err
		}
		data, err := json.Marshal(values)
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}

		out, err := newClient().Submit(cmd.Context(), runID, client.SubmitRequest{
			Name:    submitName,
			Workdir: submitWorkdir,
			Private: submitPrivate,
			Config:  data,
		})
		if err != nil {
			return err
		}
		return printOutcome(cmd, out)
	},
}

// submitValues merges the config file with --set pairs.
func submitValues() (map[string]any, error) {
	values := map[string]any{}
	if submitConfigFile != "" {
		data, err := os.ReadFile(submitConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("config file must hold a JSON object: %w", err)
		}
	}
	for _, pair := range submitSet {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--set expects name=value, got %q", pair)
		}
		values[name] = value
	}
	return values, nil
}

// printOutcome reports a supervisor answer; refusals exit non-zero.
func printOutcome(cmd *cobra.Command, out supervisor.Outcome) error {
	w := cmd.OutOrStdout()
	if out.Command != "" {
		fmt.Fprintf(w, "Command: %s\n", out.Command)
	}
	if out.OK() {
		fmt.Fprintln(w, out.Message)
		if out.Kind == supervisor.OutcomeStarted {
			fmt.Fprintf(w, "Run: %s\n", out.RunID)
		}
		return nil
	}
	for _, e := range out.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", e)
	}
	return fmt.Errorf("%s", out.Message)
}

func init() {
	RootCmd.AddCommand(submitCmd)
	f := submitCmd.Flags()
	f.StringVarP(&submitName, "name", "n", "", "Name of a new run")
	f.StringVar(&submitWorkdir, "run-workdir", "", "Working directory of a new run (default the server's)")
	f.BoolVar(&submitPrivate, "private", false, "Hide the run from other users")
	f.StringArrayVarP(&submitSet, "set", "s", nil, "Argument value as name=value (repeatable)")
	f.StringVarP(&submitConfigFile, "config-file", "f", "", "JSON file of argument values")
}
