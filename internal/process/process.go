// Package process checks on processes the CLI knows only by PID.
package process

import (
	"context"
	"errors"
	"syscall"
	"time"
)

// Alive reports whether a process with the given PID exists. kill(pid, 0)
// delivers no signal; EPERM still means the process is there.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// WaitExit polls until pid is gone or ctx ends.
func WaitExit(ctx context.Context, pid int, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for Alive(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
