package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/snakemake/snakeface/internal/argschema"
	"github.com/spf13/cobra"
)

var schemaJSON bool

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "List the configurable workflow arguments",
	Long: `List the engine arguments a run can be configured with, by group.

The schema comes from the embedded snakemake manifest, or from schema_file
in the settings. Required arguments are marked with *.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := loadSchema()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if schemaJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(schema)
		}

		for _, g := range schema.Groups {
			fmt.Fprintf(w, "%s\n", g.Name)
			for _, arg := range g.Arguments {
				mark := " "
				if arg.Required {
					mark = "*"
				}
				flag := arg.Flag
				if arg.Positional() {
					flag = "(positional)"
				}
				fmt.Fprintf(w, " %s %-28s %-24s %s\n", mark, arg.Name, flag, arg.Help)
			}
		}
		return nil
	},
}

var schemaBuildCmd = &cobra.Command{
	Use:   "build <config.json>",
	Short: "Validate a configuration and print its command",
	Long: `Load argument values from a JSON file, validate them against the
schema and print the engine command they produce. Nothing is run.

Exit codes:
  0: Configuration is valid
  1: Validation failed or the file could not be read`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := loadSchema()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read configuration: %w", err)
		}

		conf := schema.NewConfiguration()
		if err := conf.Load(data); err != nil {
			return err
		}
		if ok, errs := conf.Validate(); !ok {
			return fmt.Errorf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
		}
		fmt.Fprintln(cmd.OutOrStdout(), conf.BuildCommand())
		return nil
	},
}

func loadSchema() (*argschema.Schema, error) {
	return argschema.LoadFile(cfg.SchemaFile, argschema.Options{
		Engine:   cfg.Engine,
		Features: cfg.Features,
		SkipArgs: cfg.SkipArgs,
		Required: cfg.RequiredArgs,
	})
}

func init() {
	RootCmd.AddCommand(schemaCmd)
	schemaCmd.Flags().BoolVar(&schemaJSON, "json", false, "Output in JSON format")
	schemaCmd.AddCommand(schemaBuildCmd)
}
