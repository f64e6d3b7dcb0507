package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestRun(t *testing.T, s *Store, id, ownerID string) *Run {
	t.Helper()
	run := &Run{ID: id, Name: "run " + id, Snakefile: "Snakefile", Workdir: "/work", Command: "snakemake --cores 1",
		Data: map[string]any{"cores": 1}}
	if err := s.CreateRun(context.Background(), run, ownerID); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func createTestUser(t *testing.T, s *Store, name string) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	for i := 0; i < 2; i++ {
		s, err := Open(context.Background(), "sqlite", path)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_PathWithURIDelimiters(t *testing.T) {
	for _, name := range []string{"runs#1", "runs?mode=ro", "runs 100%"} {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			path := filepath.Join(root, name, "state.db")

			s, err := Open(context.Background(), "sqlite", path)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			createTestUser(t, s, "alice")
			s.Close()

			if _, err := os.Stat(path); err != nil {
				t.Errorf("expected database at %s: %v", path, err)
			}
			entries, err := os.ReadDir(root)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 || entries[0].Name() != name {
				t.Errorf("expected only %q in %s, found %v", name, root, entries)
			}
		})
	}
}

func TestSQLiteDSN_EscapesPath(t *testing.T) {
	dsn, err := sqliteDSN("/data/runs#1/state?.db")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dsn, "file:///data/runs%231/state%3F.db?") {
		t.Errorf("unexpected dsn %q", dsn)
	}
	if !strings.Contains(dsn, "_pragma=foreign_keys%281%29") {
		t.Errorf("pragmas missing from %q", dsn)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := openTestStore(t)
	owner := createTestUser(t, s, "alice")
	createTestRun(t, s, "r1", owner.ID)

	run, err := s.GetRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != StatusNotRunning {
		t.Errorf("expected NOTRUNNING, got %s", run.Status)
	}
	if run.Retval != nil {
		t.Errorf("expected no retval, got %d", *run.Retval)
	}
	if run.Data["cores"] != float64(1) {
		t.Errorf("expected data to round trip, got %v", run.Data)
	}

	ok, err := s.IsMember(context.Background(), "r1", owner.ID)
	if err != nil || !ok {
		t.Errorf("expected owner to be a member: %v %v", ok, err)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetRunStatus(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestRun(t, s, "r1", "")

	// Only NOTRUNNING can start
	ok, err := s.StartRun(ctx, "r1", "snakemake --cores 2", map[string]any{"cores": 2})
	if err != nil || !ok {
		t.Fatalf("StartRun = %v, %v", ok, err)
	}
	if ok, _ := s.StartRun(ctx, "r1", "x", nil); ok {
		t.Error("StartRun should refuse a RUNNING run")
	}

	// Only RUNNING can be cancelled
	if ok, err := s.CancelRun(ctx, "r1"); err != nil || !ok {
		t.Fatalf("CancelRun = %v, %v", ok, err)
	}
	if ok, _ := s.CancelRun(ctx, "r1"); ok {
		t.Error("CancelRun should refuse a CANCELLED run")
	}
	if ok, _ := s.StartRun(ctx, "r1", "x", nil); ok {
		t.Error("StartRun should refuse a CANCELLED run")
	}

	// CANCELLED settles to NOTRUNNING
	if ok, err := s.FinishRun(ctx, "r1", "partial", "", -15); err != nil || !ok {
		t.Fatalf("FinishRun = %v, %v", ok, err)
	}
	if ok, _ := s.FinishRun(ctx, "r1", "again", "", 0); ok {
		t.Error("FinishRun should refuse a NOTRUNNING run")
	}
	if ok, _ := s.CancelRun(ctx, "r1"); ok {
		t.Error("CancelRun should refuse a NOTRUNNING run")
	}

	run, _ := s.GetRun(ctx, "r1")
	if run.Status != StatusNotRunning || run.Output != "partial" || run.Retval == nil || *run.Retval != -15 {
		t.Errorf("unexpected run after finish: %+v", run)
	}
	if run.Command != "snakemake --cores 2" {
		t.Errorf("expected command of the attempt, got %q", run.Command)
	}
}

func TestStartRun_ClearsPreviousAttempt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestRun(t, s, "r1", "")

	s.StartRun(ctx, "r1", "cmd", nil)
	s.AppendStatusEvent(ctx, "r1", json.RawMessage(`{"level":"info","msg":"old"}`))
	s.FinishRun(ctx, "r1", "old output", "old error", 1)

	if ok, err := s.StartRun(ctx, "r1", "cmd", nil); err != nil || !ok {
		t.Fatalf("StartRun = %v, %v", ok, err)
	}

	run, _ := s.GetRun(ctx, "r1")
	if run.Output != "" || run.Error != "" || run.Retval != nil {
		t.Errorf("expected cleared results, got output=%q error=%q retval=%v", run.Output, run.Error, run.Retval)
	}
	if run.StartedAt == nil {
		t.Error("expected started_at to be set")
	}
	events, _ := s.ListStatusEvents(ctx, "r1")
	if len(events) != 0 {
		t.Errorf("expected events to be deleted, got %d", len(events))
	}
}

func TestUpdateRunProgress_OnlyWhileActive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestRun(t, s, "r1", "")

	s.UpdateRunProgress(ctx, "r1", "ignored", "")
	run, _ := s.GetRun(ctx, "r1")
	if run.Output != "" {
		t.Errorf("progress should not be stored on an idle run, got %q", run.Output)
	}

	s.StartRun(ctx, "r1", "cmd", nil)
	s.UpdateRunProgress(ctx, "r1", "line 1", "warn")
	run, _ = s.GetRun(ctx, "r1")
	if run.Output != "line 1" || run.Error != "warn" {
		t.Errorf("unexpected progress: %q %q", run.Output, run.Error)
	}
}

func TestStatusEvents_InsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	createTestRun(t, s, "r1", "")

	msgs := []string{`{"msg":"a","level":"info"}`, `{"msg":"b","level":"error","extra":[1,2]}`, `{"msg":"c"}`}
	for _, m := range msgs {
		if err := s.AppendStatusEvent(ctx, "r1", json.RawMessage(m)); err != nil {
			t.Fatalf("AppendStatusEvent failed: %v", err)
		}
	}

	events, err := s.ListStatusEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("ListStatusEvents failed: %v", err)
	}
	if len(events) != len(msgs) {
		t.Fatalf("expected %d events, got %d", len(msgs), len(events))
	}
	for i, ev := range events {
		if string(ev.Msg) != msgs[i] {
			t.Errorf("event %d = %s, expected %s", i, ev.Msg, msgs[i])
		}
	}
}

func TestAppendStatusEvent_RejectsNonObjects(t *testing.T) {
	s := openTestStore(t)
	createTestRun(t, s, "r1", "")

	for _, m := range []string{`not json`, `[1,2]`, `"text"`, `null`} {
		if err := s.AppendStatusEvent(context.Background(), "r1", json.RawMessage(m)); err == nil {
			t.Errorf("expected %s to be rejected", m)
		}
	}
}

func TestDeleteRun_CascadesEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := createTestUser(t, s, "alice")
	createTestRun(t, s, "r1", u.ID)
	s.AppendStatusEvent(ctx, "r1", json.RawMessage(`{"msg":"x"}`))

	if err := s.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if err := s.DeleteRun(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}

	events, _ := s.ListStatusEvents(ctx, "r1")
	if len(events) != 0 {
		t.Errorf("expected events to cascade, got %d", len(events))
	}
	if ok, _ := s.IsMember(ctx, "r1", u.ID); ok {
		t.Error("expected membership to cascade")
	}
}

func TestListAndCountRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	alice := createTestUser(t, s, "alice")
	bob := createTestUser(t, s, "bob")

	createTestRun(t, s, "a1", alice.ID)
	createTestRun(t, s, "a2", alice.ID)
	private := &Run{ID: "b1", Private: true}
	if err := s.CreateRun(ctx, private, bob.ID); err != nil {
		t.Fatal(err)
	}
	s.StartRun(ctx, "a1", "cmd", nil)
	s.StartRun(ctx, "b1", "cmd", nil)

	tests := []struct {
		name     string
		filter   RunFilter
		expected int
	}{
		{"all", RunFilter{}, 3},
		{"running", RunFilter{Statuses: []RunStatus{StatusRunning}}, 2},
		{"running for alice", RunFilter{Statuses: []RunStatus{StatusRunning}, MemberID: alice.ID}, 1},
		{"active", RunFilter{Statuses: []RunStatus{StatusRunning, StatusCancelled}}, 2},
		{"visible to alice", RunFilter{VisibleTo: alice.ID}, 2},
		{"visible to bob", RunFilter{VisibleTo: bob.ID}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := s.CountRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("CountRuns failed: %v", err)
			}
			if n != tt.expected {
				t.Errorf("CountRuns = %d, expected %d", n, tt.expected)
			}
			runs, err := s.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(runs) != tt.expected {
				t.Errorf("ListRuns returned %d runs, expected %d", len(runs), tt.expected)
			}
		})
	}
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	u := createTestUser(t, s, "alice")
	if u.Token == "" {
		t.Fatal("expected a token")
	}

	byToken, err := s.UserByToken(ctx, u.Token)
	if err != nil || byToken.ID != u.ID {
		t.Errorf("UserByToken = %+v, %v", byToken, err)
	}
	if _, err := s.UserByToken(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	again, err := s.EnsureUser(ctx, "alice")
	if err != nil || again.ID != u.ID {
		t.Errorf("EnsureUser should return existing user: %+v, %v", again, err)
	}
	if _, err := s.CreateUser(ctx, "alice"); err == nil {
		t.Error("expected duplicate name to fail")
	}
}

func TestAddMember_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	alice := createTestUser(t, s, "alice")
	bob := createTestUser(t, s, "bob")
	createTestRun(t, s, "r1", alice.ID)

	for i := 0; i < 2; i++ {
		if err := s.AddMember(ctx, "r1", bob.ID); err != nil {
			t.Fatalf("AddMember #%d failed: %v", i, err)
		}
	}
	if ok, _ := s.IsMember(ctx, "r1", bob.ID); !ok {
		t.Error("expected bob to be a member")
	}
}

func TestRebind(t *testing.T) {
	pg := New(nil, DialectPostgres)
	if got := pg.rebind("a = ? AND b IN (?, ?)"); got != "a = $1 AND b IN ($2, $3)" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := New(nil, DialectSQLite)
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestCancelRun_PropagatesDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	s := New(db, DialectPostgres)
	mock.ExpectExec(`UPDATE runs SET status = \$1`).
		WithArgs("CANCELLED", sqlmock.AnyArg(), "r1", "RUNNING").
		WillReturnError(errors.New("connection reset"))

	ok, err := s.CancelRun(context.Background(), "r1")
	if err == nil || ok {
		t.Errorf("expected error to propagate, got ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStartRun_RollsBackOnEventDeleteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()

	s := New(db, DialectPostgres)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE runs SET status = \$1`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM run_status_events`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if _, err := s.StartRun(context.Background(), "r1", "cmd", nil); err == nil {
		t.Error("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
