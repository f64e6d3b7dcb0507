package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sevlyar/go-daemon"
	"github.com/snakemake/snakeface/internal/argschema"
	"github.com/snakemake/snakeface/internal/config"
	"github.com/snakemake/snakeface/internal/logging"
	"github.com/snakemake/snakeface/internal/metrics"
	"github.com/snakemake/snakeface/internal/runner"
	"github.com/snakemake/snakeface/internal/server"
	"github.com/snakemake/snakeface/internal/status"
	"github.com/snakemake/snakeface/internal/store"
	"github.com/snakemake/snakeface/internal/supervisor"
	"github.com/snakemake/snakeface/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// shutdownGrace bounds how long running workflows get to record their
// results when the server stops.
const shutdownGrace = 30 * time.Second

var serveDetach bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the snakeface server",
	Long: `Start the HTTP server that runs workflows and streams their status.

Runs left active by a previous server are settled on startup, and their
engine processes are terminated if they are still alive.

Examples:
  # Serve the current directory on the default port
  snakeface serve

  # Single-user notebook mode on another port
  snakeface serve --notebook --port 8888

  # Run in the background; stop it later with 'snakeface shutdown'
  snakeface serve --detach`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDetach {
			dctx, child, err := detach(cfg)
			if err != nil {
				return err
			}
			if child != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Server started in background (PID %d) at %s\n", child.Pid, cfg.URL())
				return nil
			}
			defer dctx.Release()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cmd, cfg)
	},
}

// detach re-executes the server in the background. In the parent it
// returns the child process; in the child it returns nil.
func detach(cfg *config.Config) (*daemon.Context, *os.Process, error) {
	if err := os.MkdirAll(config.RuntimeDir(), 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	dctx := &daemon.Context{
		PidFileName: config.PIDPath(),
		PidFilePerm: 0600,
		LogFileName: cfg.LogFile,
		LogFilePerm: 0600,
		WorkDir:     cfg.Workdir,
		Umask:       027,
	}
	child, err := dctx.Reborn()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start server in background: %w", err)
	}
	return dctx, child, nil
}

func serve(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	logger, closer, err := logging.Init(cfg.LogFile, cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer closer.Close()

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	schema, err := argschema.LoadFile(cfg.SchemaFile, argschema.Options{
		Engine:   cfg.Engine,
		Features: cfg.Features,
		SkipArgs: cfg.SkipArgs,
		Required: cfg.RequiredArgs,
	})
	if err != nil {
		return err
	}

	var notebookUser *store.User
	if cfg.Notebook {
		notebookUser, err = st.EnsureUser(ctx, cfg.Username)
		if err != nil {
			return fmt.Errorf("failed to prepare notebook user: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Notebook mode: acting as %s (token %s)\n", notebookUser.Name, notebookUser.Token)
	}

	monitorURL := cfg.MonitorURL
	if monitorURL == "" {
		monitorURL = cfg.URL()
	}

	m := metrics.New()
	sup := supervisor.New(supervisor.Options{
		Store:              st,
		Schema:             schema,
		Executor:           &runner.RealProcessExecutor{},
		Authorizer:         supervisor.MemberAuthorizer{Store: st, Notebook: cfg.Notebook},
		MaxRunning:         cfg.Quota.MaxRunning,
		MaxRunningPerOwner: cfg.Quota.MaxRunningPerOwner,
		PollInterval:       cfg.Runner.PollInterval,
		EnvScrub:           cfg.Runner.EnvScrub,
		StreamOutput:       cfg.Runner.StreamOutput,
		MonitorURL:         monitorURL,
		Workdir:            cfg.Workdir,
		Logger:             logger.With("component", "supervisor"),
		OnEvent: func(ev supervisor.Event) {
			m.Observe(ev)
			telemetry.RunLifecycle(string(ev.Type), ev.Retval, ev.Duration, ev.Reason)
		},
	})
	if err := sup.Recover(ctx); err != nil {
		return err
	}

	pub := status.NewPublisher(status.Options{
		Source:         st,
		UpdateInterval: cfg.Status.UpdateInterval,
		Logger:         logger.With("component", "status"),
		OnSubscribers:  m.SetSubscribers,
		OnPush:         m.Pushed,
	})

	srv := server.New(server.Options{
		Addr:         cfg.Addr(),
		Workdir:      cfg.Workdir,
		Store:        st,
		Supervisor:   sup,
		Publisher:    pub,
		Metrics:      m,
		NotebookUser: notebookUser,
		PlainLevels:  cfg.Status.PlainLevels,
		RateLimit:    rate.Limit(cfg.RateLimit.RPS),
		Burst:        cfg.RateLimit.Burst,
		Logger:       logger.With("component", "server"),
	})

	telemetry.ServerStart(cfg.Notebook, cfg.Database.Driver)
	logger.Info("snakeface starting", "addr", cfg.Addr(), "workdir", cfg.Workdir, "notebook", cfg.Notebook,
		"telemetry", telemetry.Enabled())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s at %s\n", cfg.Workdir, cfg.URL())

	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("workflows did not stop in time", "error", err)
	}
	logger.Info("snakeface stopped", slog.Any("error", runErr))
	return runErr
}

func init() {
	RootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.String("host", "127.0.0.1", "Address to listen on")
	f.Int("port", 5000, "Port to listen on")
	f.String("workdir", "", "Directory workflows run in (default current directory)")
	f.Bool("notebook", false, "Single-user mode without tokens")
	f.String("log-file", "", "Write logs to this file")
	f.BoolVar(&serveDetach, "detach", false, "Run the server in the background")
}
