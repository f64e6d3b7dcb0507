// Package supervisor owns the lifecycle of runs: it checks submissions,
// moves runs through NOTRUNNING, RUNNING and CANCELLED, and executes each
// started run on its own goroutine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/snakemake/snakeface/internal/argschema"
	"github.com/snakemake/snakeface/internal/runner"
	"github.com/snakemake/snakeface/internal/store"
)

// Store is the persistence the supervisor needs.
type Store interface {
	CreateRun(ctx context.Context, run *store.Run, ownerID string) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	GetRunStatus(ctx context.Context, id string) (store.RunStatus, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	CountRuns(ctx context.Context, filter store.RunFilter) (int, error)
	StartRun(ctx context.Context, id, command string, data map[string]any) (bool, error)
	CancelRun(ctx context.Context, id string) (bool, error)
	FinishRun(ctx context.Context, id, output, errText string, retval int) (bool, error)
	UpdateRunProgress(ctx context.Context, id, output, errText string) error
	SetRunPID(ctx context.Context, id string, pid int) error
	DeleteRun(ctx context.Context, id string) error
	IsMember(ctx context.Context, runID, userID string) (bool, error)
	AddMember(ctx context.Context, runID, userID string) error
	UserByName(ctx context.Context, name string) (*store.User, error)
}

// ErrShuttingDown is returned by Submit after Shutdown has begun.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// Options configure a Supervisor.
type Options struct {
	Store      Store
	Schema     *argschema.Schema
	Executor   runner.ProcessExecutor
	Authorizer Authorizer

	// MaxRunning caps active runs on the server; 0 is unlimited.
	MaxRunning int
	// MaxRunningPerOwner caps active runs per user; 0 is unlimited.
	MaxRunningPerOwner int

	PollInterval time.Duration
	EnvScrub     []string
	// StreamOutput persists partial output on every cancel poll.
	StreamOutput bool
	// MonitorURL, when set, is passed to the engine as its status endpoint.
	MonitorURL string
	// Workdir is used for runs that do not name their own.
	Workdir string

	Logger  *slog.Logger
	OnEvent func(Event)
}

// Supervisor coordinates submissions, cancellations and the goroutines
// executing runs.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]struct{}
	closed bool
}

// New creates a supervisor.
func New(opts Options) *Supervisor {
	if opts.Authorizer == nil {
		opts.Authorizer = MemberAuthorizer{Store: opts.Store}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = runner.DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Supervisor{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		stop:   stop,
		active: make(map[string]struct{}),
	}
}

// Schema returns the argument schema submissions are checked against.
func (s *Supervisor) Schema() *argschema.Schema {
	return s.opts.Schema
}

// PollInterval is the bound between a cancel request and termination.
func (s *Supervisor) PollInterval() time.Duration {
	return s.opts.PollInterval
}

// SubmitRequest asks for a run to be started. An empty RunID creates a
// new run owned by the caller.
type SubmitRequest struct {
	RunID   string
	Name    string
	Workdir string
	Private bool
	// Config is a mapping, url.Values or JSON text of argument values. For
	// an existing run it is applied over the stored configuration.
	Config any
}

// Submit validates a configuration and, if every check passes, starts the
// run in the background. Rejections are reported in the Outcome; the error
// is reserved for persistence failures.
func (s *Supervisor) Submit(ctx context.Context, user *store.User, req SubmitRequest) (Outcome, error) {
	if user == nil {
		return s.reject(req.RunID, "", OutcomeDenied, "You must be logged in to run workflows."), nil
	}

	var existing *store.Run
	if req.RunID != "" {
		run, err := s.opts.Store.GetRun(ctx, req.RunID)
		if errors.Is(err, store.ErrNotFound) {
			return s.reject(req.RunID, user.ID, OutcomeNotFound, fmt.Sprintf("Run %s does not exist.", req.RunID)), nil
		}
		if err != nil {
			return Outcome{}, err
		}
		ok, err := s.opts.Authorizer.CanEdit(ctx, user, run)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return s.reject(run.ID, user.ID, OutcomeDenied, "You do not have permission to run this workflow."), nil
		}
		existing = run
	}

	cfg := s.opts.Schema.NewConfiguration()
	if existing != nil {
		if err := cfg.Load(existing.Data); err != nil {
			return Outcome{}, fmt.Errorf("stored configuration of run %s: %w", existing.ID, err)
		}
	}
	if err := cfg.Load(req.Config); err != nil {
		return s.reject(req.RunID, user.ID, OutcomeInvalid, "The configuration could not be read.", err.Error()), nil
	}
	if ok, errs := cfg.Validate(); !ok {
		return s.reject(req.RunID, user.ID, OutcomeInvalid, "The configuration is not valid.", errs...), nil
	}

	command := cfg.BuildCommand()
	data := cfg.ToMap()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Outcome{}, ErrShuttingDown
	}

	if existing != nil {
		if _, busy := s.active[existing.ID]; busy {
			return s.reject(existing.ID, user.ID, OutcomeAlreadyRunning,
				"This workflow is still stopping. Try again in a moment."), nil
		}
		status, err := s.opts.Store.GetRunStatus(ctx, existing.ID)
		if err != nil {
			return Outcome{}, err
		}
		if status.Active() {
			return s.reject(existing.ID, user.ID, OutcomeAlreadyRunning, "This workflow is already running."), nil
		}
	}

	if outcome, refused, err := s.checkQuota(ctx, user, req.RunID); err != nil || refused {
		return outcome, err
	}

	run := existing
	if run == nil {
		run = &store.Run{
			ID:        uuid.NewString(),
			Name:      req.Name,
			Snakefile: stringValue(data["snakefile"]),
			Workdir:   req.Workdir,
			Command:   command,
			Data:      data,
			Private:   req.Private,
		}
		if run.Workdir == "" {
			run.Workdir = s.opts.Workdir
		}
		if err := s.opts.Store.CreateRun(ctx, run, user.ID); err != nil {
			return Outcome{}, err
		}
	}

	started, err := s.opts.Store.StartRun(ctx, run.ID, command, data)
	if err != nil {
		return Outcome{}, err
	}
	if !started {
		return s.reject(run.ID, user.ID, OutcomeAlreadyRunning, "This workflow is already running."), nil
	}

	argv := cfg.Argv()
	if s.opts.MonitorURL != "" {
		argv = append(argv, "--wms-monitor", s.opts.MonitorURL, "--wms-monitor-arg", "id="+run.ID)
	}
	workdir := run.Workdir
	if workdir == "" {
		workdir = s.opts.Workdir
	}

	s.active[run.ID] = struct{}{}
	s.wg.Add(1)
	go s.execute(run.ID, argv, workdir, user)

	s.emit(Event{Type: EventRunStarted, RunID: run.ID, UserID: user.ID})
	s.logger.Info("run started", "run_id", run.ID, "user", user.Name, "command", command)

	return Outcome{
		Kind:    OutcomeStarted,
		RunID:   run.ID,
		Command: command,
		Message: fmt.Sprintf("Workflow %s has been submitted.", run.ID),
	}, nil
}

// checkQuota must be called with mu held.
func (s *Supervisor) checkQuota(ctx context.Context, user *store.User, runID string) (Outcome, bool, error) {
	active := []store.RunStatus{store.StatusRunning, store.StatusCancelled}

	if s.opts.MaxRunning > 0 {
		n, err := s.opts.Store.CountRuns(ctx, store.RunFilter{Statuses: active})
		if err != nil {
			return Outcome{}, false, err
		}
		if n >= s.opts.MaxRunning {
			return s.reject(runID, user.ID, OutcomeQuotaExceeded, fmt.Sprintf(
				"The server is already running %d of %d allowed workflows. Try again when one finishes.",
				n, s.opts.MaxRunning)), true, nil
		}
	}

	if s.opts.MaxRunningPerOwner > 0 {
		n, err := s.opts.Store.CountRuns(ctx, store.RunFilter{Statuses: active, MemberID: user.ID})
		if err != nil {
			return Outcome{}, false, err
		}
		if n >= s.opts.MaxRunningPerOwner {
			return s.reject(runID, user.ID, OutcomeQuotaExceeded, fmt.Sprintf(
				"You are already running %d of your %d allowed workflows. Cancel one or wait for it to finish.",
				n, s.opts.MaxRunningPerOwner)), true, nil
		}
	}

	return Outcome{}, false, nil
}

// execute runs one attempt to completion and records its result.
func (s *Supervisor) execute(runID string, argv []string, workdir string, user *store.User) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, runID)
		s.mu.Unlock()
	}()

	logger := s.logger.With("run_id", runID)
	// Results are recorded even when shutdown cancels the run context.
	persistCtx := context.WithoutCancel(s.ctx)
	started := time.Now()

	r := runner.New(runner.Options{
		Executor:     s.opts.Executor,
		PollInterval: s.opts.PollInterval,
		EnvScrub:     s.opts.EnvScrub,
		Logger:       logger,
	})

	cancelled := func() bool {
		status, err := s.opts.Store.GetRunStatus(persistCtx, runID)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("run disappeared while executing, stopping process")
			return true
		}
		if err != nil {
			logger.Error("failed to poll run status", "error", err)
			return false
		}
		if s.opts.StreamOutput {
			if err := s.opts.Store.UpdateRunProgress(persistCtx, runID, r.Output(), r.Errors()); err != nil {
				logger.Warn("failed to store partial output", "error", err)
			}
		}
		return status == store.StatusCancelled
	}

	env := map[string]string{"WMS_MONITOR_TOKEN": user.Token}
	code, err := r.Run(s.ctx, argv, runner.RunOptions{
		Dir: workdir,
		Env: env,
		OnStart: func(pid int) {
			if err := s.opts.Store.SetRunPID(persistCtx, runID, pid); err != nil {
				logger.Warn("failed to record pid", "pid", pid, "error", err)
			}
		},
	}, cancelled)

	errText := r.Errors()
	var spawnErr *runner.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		logger.Error("failed to start workflow engine", "error", err)
	case err != nil:
		logger.Error("workflow engine failed", "error", err)
		errText = joinLines(errText, err.Error())
	}

	if _, ferr := s.opts.Store.FinishRun(persistCtx, runID, r.Output(), errText, code); ferr != nil {
		logger.Error("failed to record run result", "error", ferr)
	}

	evType := EventRunFinished
	if r.Cancelled() {
		evType = EventRunCancelled
	}
	s.emit(Event{Type: evType, RunID: runID, UserID: user.ID, Retval: code, Duration: time.Since(started)})
	logger.Info("run finished", "retval", code, "cancelled", r.Cancelled(), "duration", time.Since(started))
}

// Cancel asks a running run to stop. The process is terminated at the next
// poll of the executing goroutine.
func (s *Supervisor) Cancel(ctx context.Context, user *store.User, runID string) (Outcome, error) {
	run, outcome, err := s.editable(ctx, user, runID)
	if run == nil {
		return outcome, err
	}

	ok, err := s.opts.Store.CancelRun(ctx, run.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Kind: OutcomeNotRunning, RunID: run.ID, Message: "This workflow is not running."}, nil
	}

	s.logger.Info("run cancel requested", "run_id", run.ID, "user", user.Name)
	return Outcome{
		Kind:    OutcomeCancelled,
		RunID:   run.ID,
		Message: fmt.Sprintf("Workflow %s is cancelled and will stop within %s.", run.ID, s.opts.PollInterval),
	}, nil
}

// Delete removes a run that is not executing.
func (s *Supervisor) Delete(ctx context.Context, user *store.User, runID string) (Outcome, error) {
	run, outcome, err := s.editable(ctx, user, runID)
	if run == nil {
		return outcome, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, busy := s.active[run.ID]
	status, err := s.opts.Store.GetRunStatus(ctx, run.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, err
	}
	if busy || status.Active() {
		return Outcome{Kind: OutcomeAlreadyRunning, RunID: run.ID,
			Message: "Cancel the workflow and wait for it to stop before deleting it."}, nil
	}

	if err := s.opts.Store.DeleteRun(ctx, run.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, err
	}
	s.logger.Info("run deleted", "run_id", run.ID, "user", user.Name)
	return Outcome{Kind: OutcomeDeleted, RunID: run.ID, Message: fmt.Sprintf("Workflow %s has been deleted.", run.ID)}, nil
}

// Share makes the user called memberName an owner of the run. Any current
// owner may share; the run's state does not matter.
func (s *Supervisor) Share(ctx context.Context, user *store.User, runID, memberName string) (Outcome, error) {
	run, outcome, err := s.editable(ctx, user, runID)
	if run == nil {
		return outcome, err
	}

	member, err := s.opts.Store.UserByName(ctx, memberName)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Kind: OutcomeNotFound, RunID: run.ID, Message: fmt.Sprintf("User %s does not exist.", memberName)}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if err := s.opts.Store.AddMember(ctx, run.ID, member.ID); err != nil {
		return Outcome{}, err
	}

	s.logger.Info("run shared", "run_id", run.ID, "user", user.Name, "member", member.Name)
	return Outcome{Kind: OutcomeShared, RunID: run.ID, Message: fmt.Sprintf("%s is now an owner of workflow %s.", member.Name, run.ID)}, nil
}

// View returns a run the user may see.
func (s *Supervisor) View(ctx context.Context, user *store.User, runID string) (*store.Run, Outcome, error) {
	run, err := s.opts.Store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Outcome{Kind: OutcomeNotFound, RunID: runID, Message: fmt.Sprintf("Run %s does not exist.", runID)}, nil
	}
	if err != nil {
		return nil, Outcome{}, err
	}
	ok, err := s.opts.Authorizer.CanView(ctx, user, run)
	if err != nil {
		return nil, Outcome{}, err
	}
	if !ok {
		return nil, Outcome{Kind: OutcomeDenied, RunID: runID, Message: "You do not have permission to see this workflow."}, nil
	}
	return run, Outcome{}, nil
}

// List returns the runs visible to user.
func (s *Supervisor) List(ctx context.Context, user *store.User) ([]*store.Run, error) {
	filter := store.RunFilter{}
	if !s.opts.Authorizer.SeesEverything() {
		if user == nil {
			return nil, nil
		}
		filter.VisibleTo = user.ID
	}
	return s.opts.Store.ListRuns(ctx, filter)
}

func (s *Supervisor) editable(ctx context.Context, user *store.User, runID string) (*store.Run, Outcome, error) {
	if user == nil {
		return nil, Outcome{Kind: OutcomeDenied, RunID: runID, Message: "You must be logged in to change workflows."}, nil
	}
	run, err := s.opts.Store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Outcome{Kind: OutcomeNotFound, RunID: runID, Message: fmt.Sprintf("Run %s does not exist.", runID)}, nil
	}
	if err != nil {
		return nil, Outcome{}, err
	}
	ok, err := s.opts.Authorizer.CanEdit(ctx, user, run)
	if err != nil {
		return nil, Outcome{}, err
	}
	if !ok {
		return nil, Outcome{Kind: OutcomeDenied, RunID: runID, Message: "You do not have permission to change this workflow."}, nil
	}
	return run, Outcome{}, nil
}

// Recover settles runs left active by a previous server process. Their
// engine processes, if still alive, receive SIGTERM.
func (s *Supervisor) Recover(ctx context.Context) error {
	runs, err := s.opts.Store.ListRuns(ctx, store.RunFilter{
		Statuses: []store.RunStatus{store.StatusRunning, store.StatusCancelled},
	})
	if err != nil {
		return fmt.Errorf("failed to find orphaned runs: %w", err)
	}

	for _, run := range runs {
		s.mu.Lock()
		_, busy := s.active[run.ID]
		s.mu.Unlock()
		if busy {
			continue
		}

		logger := s.logger.With("run_id", run.ID, "pid", run.PID)
		if run.PID > 0 && run.StartedAt != nil && runner.IsOurProcess(run.PID, *run.StartedAt, s.opts.Schema.Engine) {
			logger.Info("terminating orphaned workflow process")
			runner.Terminate(run.PID)
		}

		errText := joinLines(run.Error, "Workflow was interrupted because the server stopped.")
		if _, err := s.opts.Store.FinishRun(ctx, run.ID, run.Output, errText, runner.SpawnFailureCode); err != nil {
			return fmt.Errorf("failed to settle orphaned run %s: %w", run.ID, err)
		}
		s.emit(Event{Type: EventRunRecovered, RunID: run.ID})
		logger.Info("recovered orphaned run")
	}
	return nil
}

// Wait blocks until every executing run has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown refuses new submissions, terminates executing runs and waits
// for them to record their results or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) reject(runID, userID string, kind OutcomeKind, message string, errs ...string) Outcome {
	s.emit(Event{Type: EventRunRejected, RunID: runID, UserID: userID, Reason: string(kind)})
	return Outcome{Kind: kind, RunID: runID, Message: message, Errors: errs}
}

func (s *Supervisor) emit(ev Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

func joinLines(a, b string) string {
	if a == "" {
		return b
	}
	return strings.TrimRight(a, "\n") + "\n" + b
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
