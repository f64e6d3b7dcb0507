package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/snakemake/snakeface/internal/argschema"
	"github.com/snakemake/snakeface/internal/runner"
	"github.com/snakemake/snakeface/internal/store"
)

const testManifest = `
engine: snakemake
groups:
  - name: execution
    arguments:
      - {name: snakefile, flag: --snakefile, kind: value}
      - {name: cores, flag: --cores, kind: value}
      - {name: jobs, flag: --jobs, kind: value, default: 1}
      - {name: dryrun, flag: --dryrun, kind: flag, default: false}
`

var validConfig = map[string]any{"snakefile": "Snakefile", "cores": 1}

type harness struct {
	sup    *Supervisor
	store  *store.Store
	exec   *runner.FakeProcessExecutor
	alice  *store.User
	bob    *store.User
	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	schema, err := argschema.Parse([]byte(testManifest), argschema.Options{})
	if err != nil {
		t.Fatalf("argschema.Parse failed: %v", err)
	}

	h := &harness{store: st, exec: runner.NewFakeProcessExecutor()}
	if h.alice, err = st.CreateUser(ctx, "alice"); err != nil {
		t.Fatalf("CreateUser(alice) failed: %v", err)
	}
	if h.bob, err = st.CreateUser(ctx, "bob"); err != nil {
		t.Fatalf("CreateUser(bob) failed: %v", err)
	}

	opts := Options{
		Store:        st,
		Schema:       schema,
		Executor:     h.exec,
		PollInterval: 10 * time.Millisecond,
		StreamOutput: true,
		Workdir:      t.TempDir(),
		OnEvent: func(ev Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
	}
	if configure != nil {
		configure(&opts)
	}
	h.sup = New(opts)

	t.Cleanup(func() {
		h.exec.ExitAll(0)
		h.sup.Wait()
		st.Close()
	})
	return h
}

func (h *harness) submit(t *testing.T, user *store.User, req SubmitRequest) Outcome {
	t.Helper()
	out, err := h.sup.Submit(context.Background(), user, req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return out
}

func (h *harness) start(t *testing.T, user *store.User) (string, *runner.FakeProcessHandle) {
	t.Helper()
	out := h.submit(t, user, SubmitRequest{Config: validConfig})
	if out.Kind != OutcomeStarted {
		t.Fatalf("expected run to start, got %+v", out)
	}
	select {
	case handle := <-h.exec.Started():
		return out.RunID, handle
	case <-time.After(2 * time.Second):
		t.Fatal("process was never started")
	}
	return "", nil
}

func (h *harness) run(t *testing.T, id string) *store.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	return run
}

func (h *harness) eventTypes() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var types []EventType
	for _, ev := range h.events {
		types = append(types, ev.Type)
	}
	return types
}

func waitForStatus(t *testing.T, st *store.Store, id string, want store.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := st.GetRunStatus(context.Background(), id)
		if err == nil && status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := st.GetRunStatus(context.Background(), id)
	t.Fatalf("run %s: expected status %s, got %s", id, want, status)
}

func TestSubmit_FullCycle(t *testing.T) {
	h := newHarness(t, nil)

	id, proc := h.start(t, h.alice)
	if got := h.run(t, id).Status; got != store.StatusRunning {
		t.Errorf("expected RUNNING after submit, got %s", got)
	}

	proc.WriteStdout("hello\n")
	proc.Exit(0)
	h.sup.Wait()

	run := h.run(t, id)
	if run.Status != store.StatusNotRunning {
		t.Errorf("expected NOTRUNNING, got %s", run.Status)
	}
	if run.Retval == nil || *run.Retval != 0 {
		t.Errorf("expected retval 0, got %v", run.Retval)
	}
	if run.Output != "hello" {
		t.Errorf("expected output hello, got %q", run.Output)
	}
	if run.Error != "" {
		t.Errorf("expected empty error, got %q", run.Error)
	}
	if run.Command != "snakemake --snakefile Snakefile --cores 1" {
		t.Errorf("unexpected command %q", run.Command)
	}
	if !slices.Equal(h.eventTypes(), []EventType{EventRunStarted, EventRunFinished}) {
		t.Errorf("unexpected events %v", h.eventTypes())
	}
}

func TestSubmit_InvalidConfigurationMutatesNothing(t *testing.T) {
	h := newHarness(t, nil)

	out := h.submit(t, h.alice, SubmitRequest{Config: map[string]any{}})
	if out.Kind != OutcomeInvalid {
		t.Fatalf("expected invalid outcome, got %+v", out)
	}
	if !slices.Equal(out.Errors, []string{"cores is required.", "snakefile is required."}) {
		t.Errorf("unexpected errors %q", out.Errors)
	}

	n, _ := h.store.CountRuns(context.Background(), store.RunFilter{})
	if n != 0 {
		t.Errorf("expected no run to be created, got %d", n)
	}
	if h.exec.StartCount() != 0 {
		t.Error("no process should have been started")
	}
}

func TestSubmit_MalformedConfigurationText(t *testing.T) {
	h := newHarness(t, nil)

	out := h.submit(t, h.alice, SubmitRequest{Config: "{broken"})
	if out.Kind != OutcomeInvalid || len(out.Errors) != 1 {
		t.Errorf("expected one invalid error, got %+v", out)
	}
}

func TestSubmit_RequiresUser(t *testing.T) {
	h := newHarness(t, nil)

	out := h.submit(t, nil, SubmitRequest{Config: validConfig})
	if out.Kind != OutcomeDenied {
		t.Errorf("expected denied, got %+v", out)
	}
}

func TestSubmit_PerOwnerQuota(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxRunningPerOwner = 1 })
	ctx := context.Background()

	first, _ := h.start(t, h.alice)

	// An idle run of the same owner stays idle when refused
	idle := &store.Run{ID: "idle", Data: validConfig}
	if err := h.store.CreateRun(ctx, idle, h.alice.ID); err != nil {
		t.Fatal(err)
	}
	out := h.submit(t, h.alice, SubmitRequest{RunID: "idle"})
	if out.Kind != OutcomeQuotaExceeded {
		t.Fatalf("expected quota rejection, got %+v", out)
	}
	if !strings.Contains(out.Message, "1 of your 1") {
		t.Errorf("unexpected message %q", out.Message)
	}
	if got := h.run(t, "idle").Status; got != store.StatusNotRunning {
		t.Errorf("refused run changed to %s", got)
	}
	if got := h.run(t, first).Status; got != store.StatusRunning {
		t.Errorf("running run changed to %s", got)
	}

	// A new submission is refused without creating anything
	out = h.submit(t, h.alice, SubmitRequest{Config: validConfig})
	if out.Kind != OutcomeQuotaExceeded {
		t.Fatalf("expected quota rejection, got %+v", out)
	}
	n, _ := h.store.CountRuns(ctx, store.RunFilter{})
	if n != 2 {
		t.Errorf("expected 2 runs, got %d", n)
	}

	// Another owner is unaffected
	if _, proc := h.start(t, h.bob); proc == nil {
		t.Error("bob should be able to start a run")
	}
}

func TestSubmit_GlobalQuota(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxRunning = 1 })

	h.start(t, h.alice)
	out := h.submit(t, h.bob, SubmitRequest{Config: validConfig})
	if out.Kind != OutcomeQuotaExceeded {
		t.Errorf("expected global quota rejection, got %+v", out)
	}
}

func TestSubmit_QuotaFreedAfterFinish(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxRunningPerOwner = 1 })

	_, proc := h.start(t, h.alice)
	proc.Exit(0)
	h.sup.Wait()

	h.start(t, h.alice)
}

func TestSubmit_AlreadyRunning(t *testing.T) {
	h := newHarness(t, nil)

	id, _ := h.start(t, h.alice)
	out := h.submit(t, h.alice, SubmitRequest{RunID: id})
	if out.Kind != OutcomeAlreadyRunning {
		t.Errorf("expected already running, got %+v", out)
	}
	if h.exec.StartCount() != 1 {
		t.Errorf("expected a single process, got %d", h.exec.StartCount())
	}
}

func TestSubmit_NonOwnerDenied(t *testing.T) {
	h := newHarness(t, nil)

	id, proc := h.start(t, h.alice)
	proc.Exit(0)
	h.sup.Wait()

	out := h.submit(t, h.bob, SubmitRequest{RunID: id})
	if out.Kind != OutcomeDenied {
		t.Errorf("expected denied, got %+v", out)
	}
}

func TestSubmit_UnknownRun(t *testing.T) {
	h := newHarness(t, nil)

	out := h.submit(t, h.alice, SubmitRequest{RunID: "missing"})
	if out.Kind != OutcomeNotFound {
		t.Errorf("expected not found, got %+v", out)
	}
}

func TestSubmit_ResubmitResetsPreviousAttempt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, proc := h.start(t, h.alice)
	h.store.AppendStatusEvent(ctx, id, json.RawMessage(`{"level":"info","msg":"old"}`))
	proc.WriteStdout("old output\n")
	proc.WriteStderr("old error\n")
	proc.Exit(2)
	h.sup.Wait()

	out := h.submit(t, h.alice, SubmitRequest{RunID: id, Config: map[string]any{"cores": 4}})
	if out.Kind != OutcomeStarted {
		t.Fatalf("expected resubmission to start, got %+v", out)
	}
	next := <-h.exec.Started()

	run := h.run(t, id)
	if run.Output != "" || run.Error != "" || run.Retval != nil {
		t.Errorf("stale results visible: output=%q error=%q retval=%v", run.Output, run.Error, run.Retval)
	}
	events, _ := h.store.ListStatusEvents(ctx, id)
	if len(events) != 0 {
		t.Errorf("expected events to be cleared, got %d", len(events))
	}
	// Stored configuration is kept and the new value applied over it
	if !slices.Equal(next.Argv(), []string{"snakemake", "--snakefile", "Snakefile", "--cores", "4"}) {
		t.Errorf("unexpected argv %q", next.Argv())
	}
}

func TestCancel_StopsWithinPollInterval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, proc := h.start(t, h.alice)
	proc.WriteStdout("partial\n")

	out, err := h.sup.Cancel(ctx, h.alice, id)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if out.Kind != OutcomeCancelled || !strings.Contains(out.Message, "will stop within 10ms") {
		t.Errorf("unexpected outcome %+v", out)
	}

	// Observable immediately, before the process notices
	status, _ := h.store.GetRunStatus(ctx, id)
	if status != store.StatusCancelled && status != store.StatusNotRunning {
		t.Errorf("expected CANCELLED right after cancel, got %s", status)
	}

	waitForStatus(t, h.store, id, store.StatusNotRunning)
	h.sup.Wait()

	run := h.run(t, id)
	if run.Output != "partial" {
		t.Errorf("expected partial output, got %q", run.Output)
	}
	if run.Retval == nil || *run.Retval != -int(syscall.SIGTERM) {
		t.Errorf("expected retval -15, got %v", run.Retval)
	}
	if !slices.Equal(proc.SignalLog(), []syscall.Signal{syscall.SIGTERM}) {
		t.Errorf("expected a single SIGTERM, got %v", proc.SignalLog())
	}
	if !slices.Contains(h.eventTypes(), EventRunCancelled) {
		t.Errorf("expected cancelled event, got %v", h.eventTypes())
	}
}

func TestCancel_NonOwnerDenied(t *testing.T) {
	h := newHarness(t, nil)

	id, _ := h.start(t, h.alice)
	out, err := h.sup.Cancel(context.Background(), h.bob, id)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeDenied {
		t.Errorf("expected denied, got %+v", out)
	}
	if got := h.run(t, id).Status; got != store.StatusRunning {
		t.Errorf("status changed to %s", got)
	}
}

func TestCancel_NotRunning(t *testing.T) {
	h := newHarness(t, nil)

	id, proc := h.start(t, h.alice)
	proc.Exit(0)
	h.sup.Wait()

	out, _ := h.sup.Cancel(context.Background(), h.alice, id)
	if out.Kind != OutcomeNotRunning {
		t.Errorf("expected not running, got %+v", out)
	}
}

func TestSubmit_RefusedWhileCancelledRunIsStopping(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.IgnoreSignals(true)
	ctx := context.Background()

	id, proc := h.start(t, h.alice)
	h.sup.Cancel(ctx, h.alice, id)

	out := h.submit(t, h.alice, SubmitRequest{RunID: id})
	if out.Kind != OutcomeAlreadyRunning {
		t.Errorf("expected refusal while stopping, got %+v", out)
	}

	proc.Exit(1)
	h.sup.Wait()
	if got := h.run(t, id).Status; got != store.StatusNotRunning {
		t.Errorf("expected NOTRUNNING, got %s", got)
	}
}

func TestSubmit_SpawnFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.SetStartError(errors.New("executable file not found in $PATH"))

	out := h.submit(t, h.alice, SubmitRequest{Config: validConfig})
	if out.Kind != OutcomeStarted {
		t.Fatalf("expected submission to be accepted, got %+v", out)
	}
	h.sup.Wait()

	run := h.run(t, out.RunID)
	if run.Status != store.StatusNotRunning {
		t.Errorf("expected NOTRUNNING, got %s", run.Status)
	}
	if run.Retval == nil || *run.Retval != runner.SpawnFailureCode {
		t.Errorf("expected sentinel retval, got %v", run.Retval)
	}
	if !strings.Contains(run.Error, "executable file not found") {
		t.Errorf("expected spawn reason in error, got %q", run.Error)
	}
}

func TestSubmit_MonitorArgumentsAndToken(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MonitorURL = "http://127.0.0.1:5000" })

	id, proc := h.start(t, h.alice)
	argv := proc.Argv()
	tail := argv[len(argv)-4:]
	if !slices.Equal(tail, []string{"--wms-monitor", "http://127.0.0.1:5000", "--wms-monitor-arg", "id=" + id}) {
		t.Errorf("unexpected monitor arguments %q", argv)
	}
	if !slices.Contains(proc.Env(), "WMS_MONITOR_TOKEN="+h.alice.Token) {
		t.Error("expected monitor token in environment")
	}
	if run := h.run(t, id); strings.Contains(run.Command, "--wms-monitor") {
		t.Errorf("monitor arguments should not be stored in the command, got %q", run.Command)
	}
}

func TestSubmit_StreamsPartialOutput(t *testing.T) {
	h := newHarness(t, nil)

	id, proc := h.start(t, h.alice)
	proc.WriteStdout("step 1\n")

	deadline := time.Now().Add(2 * time.Second)
	for h.run(t, id).Output != "step 1" {
		if time.Now().After(deadline) {
			t.Fatal("partial output was never stored")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, proc := h.start(t, h.alice)
	out, err := h.sup.Delete(ctx, h.alice, id)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != OutcomeAlreadyRunning {
		t.Errorf("expected running run to be kept, got %+v", out)
	}

	proc.Exit(0)
	h.sup.Wait()

	if out, _ := h.sup.Delete(ctx, h.bob, id); out.Kind != OutcomeDenied {
		t.Errorf("expected non-owner to be denied, got %+v", out)
	}
	if out, _ := h.sup.Delete(ctx, h.alice, id); out.Kind != OutcomeDeleted {
		t.Errorf("expected deletion, got %+v", out)
	}
	if _, err := h.store.GetRun(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected run to be gone, got %v", err)
	}
}

func TestShare(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run := &store.Run{ID: "r", Private: true, Data: validConfig}
	if err := h.store.CreateRun(ctx, run, h.alice.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		user   *store.User
		runID  string
		member string
		want   OutcomeKind
	}{
		{"anonymous", nil, "r", "bob", OutcomeDenied},
		{"not an owner", h.bob, "r", "bob", OutcomeDenied},
		{"missing run", h.alice, "nope", "bob", OutcomeNotFound},
		{"missing user", h.alice, "r", "carol", OutcomeNotFound},
		{"owner shares", h.alice, "r", "bob", OutcomeShared},
		{"sharing twice", h.alice, "r", "bob", OutcomeShared},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h.sup.Share(ctx, tt.user, tt.runID, tt.member)
			if err != nil {
				t.Fatalf("Share failed: %v", err)
			}
			if out.Kind != tt.want {
				t.Errorf("expected %s, got %+v", tt.want, out)
			}
		})
	}

	if _, o, _ := h.sup.View(ctx, h.bob, "r"); o.Kind != "" {
		t.Errorf("expected bob to see the shared run, got %+v", o)
	}
	if out := h.submit(t, h.bob, SubmitRequest{RunID: "r"}); out.Kind != OutcomeStarted {
		t.Errorf("expected the new owner to start the run, got %+v", out)
	}
}

func TestView_PrivateRuns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	out := h.submit(t, h.alice, SubmitRequest{Config: validConfig, Private: true})
	<-h.exec.Started()

	if _, o, _ := h.sup.View(ctx, h.bob, out.RunID); o.Kind != OutcomeDenied {
		t.Errorf("expected bob to be denied, got %+v", o)
	}
	if run, _, _ := h.sup.View(ctx, h.alice, out.RunID); run == nil {
		t.Error("expected alice to see her run")
	}

	runs, _ := h.sup.List(ctx, h.bob)
	if len(runs) != 0 {
		t.Errorf("expected bob to see no runs, got %d", len(runs))
	}
}

func TestNotebookMode_AllowsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.sup.opts.Authorizer = MemberAuthorizer{Store: h.store, Notebook: true}

	id, _ := h.start(t, h.alice)
	out, _ := h.sup.Cancel(context.Background(), h.bob, id)
	if out.Kind != OutcomeCancelled {
		t.Errorf("expected notebook user to cancel any run, got %+v", out)
	}
}

func TestRecover_SettlesOrphans(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	orphan := &store.Run{ID: "orphan"}
	h.store.CreateRun(ctx, orphan, h.alice.ID)
	h.store.StartRun(ctx, "orphan", "snakemake", nil)
	h.store.UpdateRunProgress(ctx, "orphan", "half done", "")

	if err := h.sup.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	run := h.run(t, "orphan")
	if run.Status != store.StatusNotRunning {
		t.Errorf("expected NOTRUNNING, got %s", run.Status)
	}
	if run.Output != "half done" {
		t.Errorf("expected output to be kept, got %q", run.Output)
	}
	if run.Retval == nil || *run.Retval != runner.SpawnFailureCode {
		t.Errorf("expected sentinel retval, got %v", run.Retval)
	}
	if !strings.Contains(run.Error, "interrupted") {
		t.Errorf("expected explanation in error, got %q", run.Error)
	}
}

func TestShutdown_TerminatesRuns(t *testing.T) {
	h := newHarness(t, nil)

	id, _ := h.start(t, h.alice)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := h.run(t, id).Status; got != store.StatusNotRunning {
		t.Errorf("expected NOTRUNNING after shutdown, got %s", got)
	}
	if _, err := h.sup.Submit(context.Background(), h.alice, SubmitRequest{Config: validConfig}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

// transitionRecorder observes the status on both sides of every status
// mutation. Mutations are serialized so each pair is exact.
type transitionRecorder struct {
	*store.Store
	mu    sync.Mutex
	pairs [][2]store.RunStatus
}

func (r *transitionRecorder) record(ctx context.Context, id string, mutate func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	before, err := r.Store.GetRunStatus(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(); err != nil {
		return err
	}
	after, err := r.Store.GetRunStatus(ctx, id)
	if err != nil {
		return err
	}
	r.pairs = append(r.pairs, [2]store.RunStatus{before, after})
	return nil
}

func (r *transitionRecorder) StartRun(ctx context.Context, id, command string, data map[string]any) (ok bool, err error) {
	err = r.record(ctx, id, func() error {
		ok, err = r.Store.StartRun(ctx, id, command, data)
		return err
	})
	return ok, err
}

func (r *transitionRecorder) CancelRun(ctx context.Context, id string) (ok bool, err error) {
	err = r.record(ctx, id, func() error {
		ok, err = r.Store.CancelRun(ctx, id)
		return err
	})
	return ok, err
}

func (r *transitionRecorder) FinishRun(ctx context.Context, id, output, errText string, retval int) (ok bool, err error) {
	err = r.record(ctx, id, func() error {
		ok, err = r.Store.FinishRun(ctx, id, output, errText, retval)
		return err
	})
	return ok, err
}

func (r *transitionRecorder) transitions() [][2]store.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.pairs)
}

// Random sequences of submit, cancel and process exit never take a status
// transition outside the lifecycle.
func TestStateMachine_RandomSequences(t *testing.T) {
	allowed := map[[2]store.RunStatus]bool{
		{store.StatusNotRunning, store.StatusNotRunning}: true,
		{store.StatusNotRunning, store.StatusRunning}:    true,
		{store.StatusRunning, store.StatusRunning}:       true,
		{store.StatusRunning, store.StatusCancelled}:     true,
		{store.StatusRunning, store.StatusNotRunning}:    true,
		{store.StatusCancelled, store.StatusCancelled}:   true,
		{store.StatusCancelled, store.StatusNotRunning}:  true,
	}

	for seed := uint64(1); seed <= 5; seed++ {
		t.Run("seed"+strconv.FormatUint(seed, 10), func(t *testing.T) {
			var recorder *transitionRecorder
			h := newHarness(t, func(o *Options) {
				recorder = &transitionRecorder{Store: o.Store.(*store.Store)}
				o.Store = recorder
			})
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(seed, seed*31))

			run := &store.Run{ID: "r", Data: validConfig}
			if err := h.store.CreateRun(ctx, run, h.alice.ID); err != nil {
				t.Fatal(err)
			}

			for step := 0; step < 40; step++ {
				switch rng.IntN(4) {
				case 0:
					if _, err := h.sup.Submit(ctx, h.alice, SubmitRequest{RunID: "r"}); err != nil {
						t.Fatalf("Submit: %v", err)
					}
				case 1:
					if _, err := h.sup.Cancel(ctx, h.alice, "r"); err != nil {
						t.Fatalf("Cancel: %v", err)
					}
				case 2:
					if last := h.exec.LastHandle(); last != nil {
						last.Exit(rng.IntN(3))
					}
				case 3:
					time.Sleep(time.Duration(rng.IntN(15)) * time.Millisecond)
				}

				cur, err := h.store.GetRunStatus(ctx, "r")
				if err != nil {
					t.Fatal(err)
				}
				if !cur.Valid() {
					t.Fatalf("step %d: invalid status %q", step, cur)
				}
			}

			h.exec.ExitAll(0)
			h.sup.Wait()

			for _, pair := range recorder.transitions() {
				if !allowed[pair] {
					t.Errorf("illegal transition %s -> %s", pair[0], pair[1])
				}
			}
			if got := h.run(t, "r").Status; got != store.StatusNotRunning {
				t.Errorf("expected run to settle to NOTRUNNING, got %s", got)
			}
		})
	}
}
