package cmd

import (
	"os"

	"github.com/snakemake/snakeface/internal/client"
	"github.com/snakemake/snakeface/internal/config"
	"github.com/snakemake/snakeface/internal/telemetry"
	"github.com/snakemake/snakeface/internal/version"
	"github.com/spf13/cobra"
)

// skipTelemetry lists commands that handle their own telemetry or shouldn't be tracked
var skipTelemetry = map[string]bool{
	"mcp":        true, // has own telemetry
	"watch":      true, // has own telemetry
	"serve":      true, // reports server_start
	"completion": true,
	"__complete": true,
}

// configFlags are bound to the config key of the same name when a command
// defines them.
var configFlags = []string{
	"host", "port", "workdir", "notebook", "verbose", "log-file", "server-url", "token",
}

var (
	configPath string
	cfg        *config.Config
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "snakeface",
	Short: "Run and monitor Snakemake workflows",
	Long: `Snakeface runs Snakemake workflows on a server and streams their status.

Start a server with 'snakeface serve', then submit, watch and cancel runs
from this CLI, from the MCP server, or from any HTTP client.

Settings are read from $XDG_CONFIG_HOME/snakeface/settings.yml (or --config)
and can be overridden with SNAKEFACE_<KEY> environment variables.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}

		telemetry.Init(telemetry.Options{Key: cfg.Telemetry.Key, Endpoint: cfg.Telemetry.Endpoint})

		name := cmd.Name()
		if skipTelemetry[name] {
			return nil
		}
		if parent := cmd.Parent(); parent != nil && parent.Name() == "completion" {
			return nil
		}
		telemetry.CLICommandStart(name)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		telemetry.CLICommandEnd()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	defer telemetry.Flush()

	err := RootCmd.Execute()
	if err != nil {
		telemetry.Flush()
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	loader := config.NewLoader()
	flags := cmd.Flags()
	for _, name := range configFlags {
		if flags.Lookup(name) == nil {
			continue
		}
		if err := loader.BindFlags(flags, name); err != nil {
			return err
		}
	}

	loaded, err := loader.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// newClient connects the CLI to the configured server.
func newClient() *client.Client {
	return client.New(cfg.URL(), cfg.Token)
}

func init() {
	// Set version for --version flag
	RootCmd.Version = version.Version

	// Don't show usage on errors - only show it when explicitly requested
	RootCmd.SilenceUsage = true

	pf := RootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "settings file (default $XDG_CONFIG_HOME/snakeface/settings.yml)")
	pf.BoolP("verbose", "v", false, "Log debug messages")
	pf.String("server-url", "", "Server to talk to (default derived from host and port)")
	pf.String("token", "", "API token of the calling user")
}
