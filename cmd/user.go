package cmd

import (
	"fmt"

	"github.com/snakemake/snakeface/internal/store"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a user and print its API token",
	Long: `Create a user in the server's database and print the token it
authenticates with. Pass the token with --token or SNAKEFACE_TOKEN.

Example:
  snakeface user add alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer st.Close()

		u, err := st.CreateUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created user %s\nToken: %s\n", u.Name, u.Token)
		return nil
	},
}

var userTokenCmd = &cobra.Command{
	Use:   "token <name>",
	Short: "Print the API token of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer st.Close()

		u, err := st.UserByName(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("user %s: %w", args[0], err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), u.Token)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userTokenCmd)
}
