package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	requireShell(t)
	r := New(Options{PollInterval: 20 * time.Millisecond})

	code, err := r.Run(context.Background(), []string{"sh", "-c", "echo hello; echo oops >&2; exit 3"}, RunOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, code)
	require.Equal(t, "hello", r.Output())
	require.Equal(t, "oops", r.Errors())
	require.NotNil(t, r.Retval())
	require.Equal(t, 3, *r.Retval())
	require.False(t, r.Cancelled())
}

func TestRun_Success(t *testing.T) {
	requireShell(t)
	r := New(Options{PollInterval: 20 * time.Millisecond})

	code, err := r.Run(context.Background(), []string{"sh", "-c", "printf 'hello\\n'"}, RunOptions{}, func() bool { return false })
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, "hello", r.Output())
	require.Equal(t, "", r.Errors())
}

func TestRun_KeepsRawOutput(t *testing.T) {
	requireShell(t)
	r := New(Options{})

	_, err := r.Run(context.Background(), []string{"sh", "-c", `printf '\033[32mgreen\033[0m\n'`}, RunOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, "\x1b[32mgreen\x1b[0m", r.Output())
}

func TestRun_SpawnFailure(t *testing.T) {
	r := New(Options{})

	code, err := r.Run(context.Background(), []string{"/nonexistent/snakemake-binary"}, RunOptions{}, nil)
	require.Error(t, err)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	require.Equal(t, SpawnFailureCode, code)
	require.Equal(t, SpawnFailureCode, *r.Retval())
	require.Contains(t, r.Errors(), "/nonexistent/snakemake-binary")
}

func TestRun_CancelPredicateTerminates(t *testing.T) {
	requireShell(t)
	r := New(Options{PollInterval: 20 * time.Millisecond})

	var polls atomic.Int32
	start := time.Now()
	code, err := r.Run(context.Background(), []string{"sh", "-c", "echo started; sleep 30"}, RunOptions{}, func() bool {
		return polls.Add(1) >= 3
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
	require.Equal(t, -int(syscall.SIGTERM), code)
	require.Equal(t, "started", r.Output())
	require.True(t, r.Cancelled())
	require.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestRun_ContextCancelTerminates(t *testing.T) {
	requireShell(t)
	r := New(Options{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, []string{"sh", "-c", "sleep 30"}, RunOptions{}, nil)
	require.NoError(t, err)
	require.True(t, r.Cancelled())
}

func TestRun_ResetsBetweenRuns(t *testing.T) {
	requireShell(t)
	r := New(Options{})

	_, err := r.Run(context.Background(), []string{"sh", "-c", "echo first; echo bad >&2; exit 1"}, RunOptions{}, nil)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), []string{"sh", "-c", "echo second"}, RunOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, "second", r.Output())
	require.Equal(t, "", r.Errors())
	require.Equal(t, 0, *r.Retval())
}

func TestRun_EnvironmentOverridesAndScrub(t *testing.T) {
	requireShell(t)
	t.Setenv("SNAKEFACE_SECRET", "hidden")
	t.Setenv("RUNNER_TEST_VISIBLE", "yes")

	r := New(Options{})
	_, err := r.Run(context.Background(),
		[]string{"sh", "-c", `echo "${SNAKEFACE_SECRET:-unset} $RUNNER_TEST_VISIBLE $WMS_MONITOR_TOKEN"`},
		RunOptions{Env: map[string]string{"WMS_MONITOR_TOKEN": "tok"}}, nil)
	require.NoError(t, err)
	require.Equal(t, "unset yes tok", r.Output())
}

func TestRun_WorkingDirectory(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	r := New(Options{})

	var startedPID int
	_, err := r.Run(context.Background(), []string{"sh", "-c", "pwd"}, RunOptions{
		Dir:     dir,
		OnStart: func(pid int) { startedPID = pid },
	}, nil)
	require.NoError(t, err)

	want, err := os.Stat(dir)
	require.NoError(t, err)
	got, err := os.Stat(strings.TrimSpace(r.Output()))
	require.NoError(t, err)
	require.True(t, os.SameFile(want, got))
	require.NotZero(t, startedPID)
}

func TestRun_AccessorsDuringRun(t *testing.T) {
	fake := NewFakeProcessExecutor()
	r := New(Options{Executor: fake, PollInterval: 10 * time.Millisecond})

	result := make(chan int, 1)
	go func() {
		code, _ := r.Run(context.Background(), []string{"snakemake"}, RunOptions{}, nil)
		result <- code
	}()

	h := <-fake.Started()
	h.WriteStdout("line one\n")
	require.Eventually(t, func() bool { return r.Output() == "line one" }, time.Second, 5*time.Millisecond)
	require.Nil(t, r.Retval())

	h.WriteStdout("line two\n")
	h.Exit(0)
	require.Equal(t, 0, <-result)
	require.Equal(t, "line one\nline two", r.Output())
}

func TestRun_FakeCancelSendsSIGTERMOnly(t *testing.T) {
	fake := NewFakeProcessExecutor()
	r := New(Options{Executor: fake, PollInterval: 10 * time.Millisecond})

	code, err := r.Run(context.Background(), []string{"snakemake"}, RunOptions{}, func() bool { return true })
	require.NoError(t, err)
	require.Equal(t, -int(syscall.SIGTERM), code)
	require.True(t, slices.Equal(fake.LastHandle().SignalLog(), []syscall.Signal{syscall.SIGTERM}))
}

func TestSpawnError_Message(t *testing.T) {
	err := &SpawnError{Argv: []string{"snakemake", "--cores", "1"}, Err: os.ErrNotExist}
	require.Equal(t, "failed to start snakemake: file does not exist", err.Error())
	require.ErrorIs(t, err, os.ErrNotExist)
}
