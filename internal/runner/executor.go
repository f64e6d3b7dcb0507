package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessHandle represents a started process and its output streams
type ProcessHandle interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code. A
	// process killed by a signal reports the negated signal number.
	Wait() (int, error)
	Signal(sig syscall.Signal) error
}

// ProcessExecutor handles process creation
type ProcessExecutor interface {
	Start(argv []string, dir string, env []string) (ProcessHandle, error)
}

// RealProcessExecutor implements ProcessExecutor using os/exec
type RealProcessExecutor struct{}

type realProcessHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (h *realProcessHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *realProcessHandle) Stdout() io.Reader { return h.stdout }
func (h *realProcessHandle) Stderr() io.Reader { return h.stderr }

func (h *realProcessHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

// Signal delivers sig to the process group, then to any descendant that
// moved to a group of its own.
func (h *realProcessHandle) Signal(sig syscall.Signal) error {
	pid := h.cmd.Process.Pid
	descendants := processTreePIDs(pid)

	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = nil
	}
	killPIDs(descendants, sig)
	return err
}

// Start starts argv[0] with the given arguments, working directory and
// environment. stdin is /dev/null.
func (e *RealProcessExecutor) Start(argv []string, dir string, env []string) (ProcessHandle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	// New process group so termination reaches the whole workflow
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/null: %w", err)
	}
	defer devNull.Close()
	cmd.Stdin = devNull

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &realProcessHandle{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// processTreePIDs returns the descendants of rootPID, not including it.
func processTreePIDs(rootPID int) []int {
	var pids []int

	var walk func(pid int32)
	walk = func(pid int32) {
		proc, err := process.NewProcess(pid)
		if err != nil {
			return
		}
		children, _ := proc.Children()
		for _, child := range children {
			pids = append(pids, int(child.Pid))
			walk(child.Pid)
		}
	}

	walk(int32(rootPID))
	return pids
}

// killPIDs sends the given signal to each PID individually, ignoring
// processes that are already gone.
func killPIDs(pids []int, sig syscall.Signal) {
	for _, pid := range pids {
		syscall.Kill(pid, sig)
	}
}
