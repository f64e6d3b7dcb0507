package runner

import (
	"fmt"
	"io"
	"sync"
	"syscall"
)

// FakeProcessHandle implements ProcessHandle for testing. Output is fed
// with WriteStdout/WriteStderr and the process ends with Exit.
type FakeProcessHandle struct {
	pid     int
	argv    []string
	dir     string
	env     []string
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	waitCh  chan struct{}

	mu           sync.Mutex
	exitCode     int
	exited       bool
	exitOnSignal bool
	signalLog    []syscall.Signal
}

func (h *FakeProcessHandle) Pid() int          { return h.pid }
func (h *FakeProcessHandle) Stdout() io.Reader { return h.stdoutR }
func (h *FakeProcessHandle) Stderr() io.Reader { return h.stderrR }

func (h *FakeProcessHandle) Wait() (int, error) {
	<-h.waitCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, nil
}

// Signal records sig. Unless the executor was told otherwise, the fake
// process exits as if killed by it.
func (h *FakeProcessHandle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	h.signalLog = append(h.signalLog, sig)
	exit := h.exitOnSignal
	h.mu.Unlock()
	if exit {
		h.Exit(-int(sig))
	}
	return nil
}

// WriteStdout writes s to the process's standard output.
func (h *FakeProcessHandle) WriteStdout(s string) {
	io.WriteString(h.stdoutW, s)
}

// WriteStderr writes s to the process's standard error.
func (h *FakeProcessHandle) WriteStderr(s string) {
	io.WriteString(h.stderrW, s)
}

// Exit closes both streams and unblocks Wait with code. Later calls are
// ignored.
func (h *FakeProcessHandle) Exit(code int) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.exitCode = code
	h.mu.Unlock()

	h.stdoutW.Close()
	h.stderrW.Close()
	close(h.waitCh)
}

// Exited reports whether Exit has been called.
func (h *FakeProcessHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// SignalLog returns the signals received
func (h *FakeProcessHandle) SignalLog() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal{}, h.signalLog...)
}

// Argv returns the command the process was started with.
func (h *FakeProcessHandle) Argv() []string { return append([]string{}, h.argv...) }

// Dir returns the working directory the process was started in.
func (h *FakeProcessHandle) Dir() string { return h.dir }

// Env returns the environment the process was started with.
func (h *FakeProcessHandle) Env() []string { return append([]string{}, h.env...) }

// FakeProcessExecutor implements ProcessExecutor for testing
type FakeProcessExecutor struct {
	mu            sync.Mutex
	nextPID       int
	handles       []*FakeProcessHandle
	startErr      error
	startCalled   int
	ignoreSignals bool
	started       chan *FakeProcessHandle
}

// NewFakeProcessExecutor creates a new fake executor
func NewFakeProcessExecutor() *FakeProcessExecutor {
	return &FakeProcessExecutor{
		nextPID: 1000,
		started: make(chan *FakeProcessHandle, 64),
	}
}

// Start creates a fake process
func (e *FakeProcessExecutor) Start(argv []string, dir string, env []string) (ProcessHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.startCalled++

	if e.startErr != nil {
		return nil, e.startErr
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	handle := &FakeProcessHandle{
		pid:          e.nextPID,
		argv:         append([]string{}, argv...),
		dir:          dir,
		env:          append([]string{}, env...),
		stdoutR:      stdoutR,
		stdoutW:      stdoutW,
		stderrR:      stderrR,
		stderrW:      stderrW,
		waitCh:       make(chan struct{}),
		exitOnSignal: !e.ignoreSignals,
	}
	e.nextPID++
	e.handles = append(e.handles, handle)

	select {
	case e.started <- handle:
	default:
	}

	return handle, nil
}

// Started delivers each handle as it is created.
func (e *FakeProcessExecutor) Started() <-chan *FakeProcessHandle {
	return e.started
}

// SetStartError sets an error to return on next Start call
func (e *FakeProcessExecutor) SetStartError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// IgnoreSignals makes processes started afterwards survive Signal.
func (e *FakeProcessExecutor) IgnoreSignals(ignore bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignoreSignals = ignore
}

// StartCount returns number of times Start was called
func (e *FakeProcessExecutor) StartCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startCalled
}

// LastHandle returns the most recently created handle
func (e *FakeProcessExecutor) LastHandle() *FakeProcessHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.handles) == 0 {
		return nil
	}
	return e.handles[len(e.handles)-1]
}

// ExitAll ends every fake process with code.
func (e *FakeProcessExecutor) ExitAll(code int) {
	e.mu.Lock()
	handles := append([]*FakeProcessHandle{}, e.handles...)
	e.mu.Unlock()

	for _, h := range handles {
		h.Exit(code)
	}
}
