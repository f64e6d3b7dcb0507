package runner

import (
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo holds information about a running process
type ProcessInfo struct {
	StartTime time.Time
	Command   []string
}

// getProcessInfo retrieves start time and command for a PID using gopsutil
func getProcessInfo(pid int) (*ProcessInfo, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}

	createTimeMs, err := proc.CreateTime()
	if err != nil {
		return nil, err
	}

	cmdline, err := proc.CmdlineSlice()
	if err != nil {
		return nil, err
	}

	return &ProcessInfo{StartTime: time.UnixMilli(createTimeMs), Command: cmdline}, nil
}

// IsOurProcess verifies that pid still belongs to a process started at
// startedAt running engine. Interpreted engines show up as the second
// command line entry, so both of the first two are checked.
func IsOurProcess(pid int, startedAt time.Time, engine string) bool {
	if pid <= 0 || syscall.Kill(pid, 0) != nil {
		return false
	}

	info, err := getProcessInfo(pid)
	if err != nil {
		return false
	}

	// Start times have about one second of granularity
	diff := info.StartTime.Sub(startedAt)
	if diff < 0 {
		diff = -diff
	}
	if diff > 2*time.Second {
		return false
	}

	want := filepath.Base(engine)
	for i, arg := range info.Command {
		if i > 1 {
			break
		}
		if filepath.Base(arg) == want {
			return true
		}
	}
	return false
}

// Terminate sends SIGTERM to pid's process group and its descendants.
func Terminate(pid int) {
	descendants := processTreePIDs(pid)
	syscall.Kill(-pid, syscall.SIGTERM)
	killPIDs(descendants, syscall.SIGTERM)
}
