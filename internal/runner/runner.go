// Package runner executes one external process at a time, draining both of
// its output streams while it runs and stopping it when asked to.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// SpawnFailureCode is the retval recorded when the process never started.
const SpawnFailureCode = -1

// DefaultPollInterval is how often the cancel predicate is consulted.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultEnvScrub lists variables of the host environment that are never
// passed to the child.
var DefaultEnvScrub = []string{"SNAKEFACE_*", "DATABASE_*"}

// SpawnError reports that the executable could not be started.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	name := ""
	if len(e.Argv) > 0 {
		name = e.Argv[0]
	}
	return fmt.Sprintf("failed to start %s: %v", name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Options configure a Runner.
type Options struct {
	Executor     ProcessExecutor
	PollInterval time.Duration
	// EnvScrub holds glob patterns of host variable names to drop.
	EnvScrub []string
	Logger   *slog.Logger
}

// RunOptions describe one invocation.
type RunOptions struct {
	Dir string
	// Env is merged over the scrubbed host environment.
	Env map[string]string
	// OnStart is called with the PID once the process is running.
	OnStart func(pid int)
}

// Runner runs a command and accumulates its output. A Runner is reusable
// but runs one command at a time; the accessors are safe to call from other
// goroutines while Run is in progress.
type Runner struct {
	executor     ProcessExecutor
	pollInterval time.Duration
	envScrub     []string
	logger       *slog.Logger

	mu        sync.Mutex
	output    []string
	errors    []string
	retval    *int
	cancelled bool
}

// New creates a runner. Zero options fall back to the real executor and
// the default poll interval.
func New(opts Options) *Runner {
	r := &Runner{
		executor:     opts.Executor,
		pollInterval: opts.PollInterval,
		envScrub:     opts.EnvScrub,
		logger:       opts.Logger,
	}
	if r.executor == nil {
		r.executor = &RealProcessExecutor{}
	}
	if r.pollInterval <= 0 {
		r.pollInterval = DefaultPollInterval
	}
	if r.envScrub == nil {
		r.envScrub = DefaultEnvScrub
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// PollInterval returns the bound on cancellation latency.
func (r *Runner) PollInterval() time.Duration {
	return r.pollInterval
}

// Run starts argv and blocks until the process exits, ctx is done, or
// cancel returns true. In the latter two cases the process group receives
// SIGTERM and Run keeps waiting for it to exit. Both stream readers are
// drained before Run returns. A process that cannot be started yields a
// *SpawnError and SpawnFailureCode.
func (r *Runner) Run(ctx context.Context, argv []string, opts RunOptions, cancel func() bool) (int, error) {
	r.reset()

	handle, err := r.executor.Start(argv, opts.Dir, r.environ(opts.Env))
	if err != nil {
		spawnErr := &SpawnError{Argv: argv, Err: err}
		r.mu.Lock()
		r.errors = append(r.errors, spawnErr.Error())
		r.setRetval(SpawnFailureCode)
		r.mu.Unlock()
		return SpawnFailureCode, spawnErr
	}

	logger := r.logger.With("pid", handle.Pid())
	logger.Debug("process started", "argv", argv, "dir", opts.Dir)
	if opts.OnStart != nil {
		opts.OnStart(handle.Pid())
	}

	type exit struct {
		code int
		err  error
	}
	done := make(chan exit, 1)
	go func() {
		var readers errgroup.Group
		readers.Go(func() error { return r.drain(handle.Stdout(), &r.output) })
		readers.Go(func() error { return r.drain(handle.Stderr(), &r.errors) })
		readErr := readers.Wait()

		code, waitErr := handle.Wait()
		if waitErr == nil && readErr != nil {
			logger.Warn("output reader failed", "error", readErr)
		}
		done <- exit{code, waitErr}
	}()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	stopping := false
	for {
		select {
		case res := <-done:
			if res.err != nil {
				r.mu.Lock()
				r.setRetval(res.code)
				r.mu.Unlock()
				return res.code, fmt.Errorf("failed to wait for process: %w", res.err)
			}
			r.mu.Lock()
			r.setRetval(res.code)
			r.mu.Unlock()
			logger.Debug("process exited", "code", res.code, "cancelled", stopping)
			return res.code, nil

		case <-ctxDone:
			ctxDone = nil
			if !stopping {
				stopping = true
				r.terminate(handle, logger, "context done")
			}

		case <-ticker.C:
			if stopping || cancel == nil {
				continue
			}
			if cancel() {
				stopping = true
				r.terminate(handle, logger, "cancel requested")
			}
		}
	}
}

func (r *Runner) terminate(handle ProcessHandle, logger *slog.Logger, reason string) {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()

	logger.Info("terminating process", "reason", reason)
	if err := handle.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("failed to signal process", "error", err)
	}
}

// drain appends every line of src to dst until end of stream.
func (r *Runner) drain(src io.Reader, dst *[]string) error {
	reader := bufio.NewReader(src)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			r.mu.Lock()
			*dst = append(*dst, line)
			r.mu.Unlock()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *Runner) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = nil
	r.errors = nil
	r.retval = nil
	r.cancelled = false
}

// setRetval must be called with mu held.
func (r *Runner) setRetval(code int) {
	r.retval = &code
}

// environ builds the child environment: the host environment without the
// scrubbed names, then overrides in key order.
func (r *Runner) environ(overrides map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := overrides[name]; overridden || r.scrubbed(name) {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func (r *Runner) scrubbed(name string) bool {
	for _, pattern := range r.envScrub {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Output returns the standard output lines read so far.
func (r *Runner) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.output, "\n")
}

// Errors returns the standard error lines read so far.
func (r *Runner) Errors() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.errors, "\n")
}

// Retval returns the exit code of the last run, or nil while running.
func (r *Runner) Retval() *int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retval == nil {
		return nil
	}
	code := *r.retval
	return &code
}

// Cancelled reports whether the last run was asked to terminate.
func (r *Runner) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}
