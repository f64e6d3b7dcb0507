package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sevlyar/go-daemon"
	"github.com/snakemake/snakeface/internal/config"
	"github.com/snakemake/snakeface/internal/process"
	"github.com/spf13/cobra"
)

var shutdownTimeout time.Duration

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop a server started with --detach",
	Long: `Stop a background server started with 'snakeface serve --detach'.

Workflow:
  1. Sends SIGTERM to the server
  2. The server cancels running workflows and records their results
  3. Waits for the server process to exit

Example:
  snakeface shutdown

Exit codes:
  0: Server stopped (or was not running)
  1: Error (failed to signal, server did not exit in time)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := daemon.ReadPidFile(config.PIDPath())
		if errors.Is(err, os.ErrNotExist) || (err == nil && !process.Alive(pid)) {
			fmt.Fprintln(cmd.OutOrStdout(), "Server is not running")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read pid file: %w", err)
		}

		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal server (PID %d): %w", pid, err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), shutdownTimeout)
		defer cancel()
		if err := process.WaitExit(ctx, pid, 100*time.Millisecond); err != nil {
			return fmt.Errorf("server (PID %d) did not exit within %s", pid, shutdownTimeout)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Server stopped (PID %d)\n", pid)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(shutdownCmd)
	shutdownCmd.Flags().DurationVar(&shutdownTimeout, "timeout", shutdownGrace+5*time.Second, "How long to wait for the server to exit")
}
