package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	StatusNotRunning RunStatus = "NOTRUNNING"
	StatusRunning    RunStatus = "RUNNING"
	StatusCancelled  RunStatus = "CANCELLED"
)

// Valid reports whether s is one of the known states.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusNotRunning, StatusRunning, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether an execution unit may still own the run.
func (s RunStatus) Active() bool {
	return s == StatusRunning || s == StatusCancelled
}

// Run is one configured invocation of the workflow engine
type Run struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Snakefile string         `json:"snakefile"`
	Workdir   string         `json:"workdir"`
	Command   string         `json:"command"`
	Data      map[string]any `json:"data"`
	Status    RunStatus      `json:"status"`
	Output    string         `json:"output"`
	Error     string         `json:"error"`
	Retval    *int           `json:"retval"`
	PID       int            `json:"pid,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	Private   bool           `json:"private"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

const runColumns = `id, name, snakefile, workdir, command, data_json, status, output, error,
	retval, pid, started_at, private, created_at, updated_at`

// CreateRun inserts a run in the NOTRUNNING state and makes ownerID its
// first member.
func (s *Store) CreateRun(ctx context.Context, run *Run, ownerID string) error {
	dataJSON, err := marshalData(run.Data)
	if err != nil {
		return err
	}

	now := s.timestamp()
	run.Status = StatusNotRunning
	run.CreatedAt, _ = parseTime(now)
	run.UpdatedAt = run.CreatedAt

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, `
			INSERT INTO runs (id, name, snakefile, workdir, command, data_json, status, private, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, run.Name, run.Snakefile, run.Workdir, run.Command, dataJSON, string(run.Status),
			boolToInt(run.Private), now, now)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		if ownerID == "" {
			return nil
		}
		if _, err := s.exec(ctx, tx, "INSERT INTO run_members (run_id, user_id) VALUES (?, ?)", run.ID, ownerID); err != nil {
			return fmt.Errorf("failed to add run owner: %w", err)
		}
		return nil
	})
}

// GetRun loads a run by id
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+runColumns+" FROM runs WHERE id = ?"), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return run, nil
}

// GetRunStatus returns only the status of a run.
func (s *Store) GetRunStatus(ctx context.Context, id string) (RunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT status FROM runs WHERE id = ?"), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load run status: %w", err)
	}
	return RunStatus(status), nil
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Statuses []RunStatus
	// MemberID restricts to runs the user belongs to.
	MemberID string
	// VisibleTo restricts to public runs plus runs the user belongs to.
	VisibleTo string
}

// ListRuns returns runs matching filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query, args := s.runQuery("SELECT "+runColumns+" FROM runs", filter)
	rows, err := s.db.QueryContext(ctx, s.rebind(query+" ORDER BY created_at DESC, id"), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountRuns counts runs matching filter.
func (s *Store) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	query, args := s.runQuery("SELECT COUNT(*) FROM runs", filter)
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

func (s *Store) runQuery(base string, filter RunFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.MemberID != "" {
		where = append(where, "id IN (SELECT run_id FROM run_members WHERE user_id = ?)")
		args = append(args, filter.MemberID)
	}
	if filter.VisibleTo != "" {
		where = append(where, "(private = 0 OR id IN (SELECT run_id FROM run_members WHERE user_id = ?))")
		args = append(args, filter.VisibleTo)
	}
	if len(where) == 0 {
		return base, args
	}
	return base + " WHERE " + strings.Join(where, " AND "), args
}

// StartRun moves a run from NOTRUNNING to RUNNING, storing the command and
// configuration of the new attempt and clearing the results and status
// events of the previous one. It reports false, changing nothing, when the
// run is not NOTRUNNING.
func (s *Store) StartRun(ctx context.Context, id, command string, data map[string]any) (bool, error) {
	dataJSON, err := marshalData(data)
	if err != nil {
		return false, err
	}

	started := false
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		res, err := s.exec(ctx, tx, `
			UPDATE runs SET status = ?, command = ?, data_json = ?, output = '', error = '',
				retval = NULL, pid = NULL, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(StatusRunning), command, dataJSON, now, now, id, string(StatusNotRunning))
		if err != nil {
			return fmt.Errorf("failed to start run: %w", err)
		}
		if started, err = affected(res); err != nil || !started {
			return err
		}
		if _, err := s.exec(ctx, tx, "DELETE FROM run_status_events WHERE run_id = ?", id); err != nil {
			return fmt.Errorf("failed to clear status events: %w", err)
		}
		return nil
	})
	return started && err == nil, err
}

// CancelRun moves a RUNNING run to CANCELLED. It reports false when the
// run was in any other state.
func (s *Store) CancelRun(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, s.db, "UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(StatusCancelled), s.timestamp(), id, string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to cancel run: %w", err)
	}
	return affected(res)
}

// FinishRun records the result of an attempt and settles an active run to
// NOTRUNNING. It reports false when the run was not active.
func (s *Store) FinishRun(ctx context.Context, id, output, errText string, retval int) (bool, error) {
	res, err := s.exec(ctx, s.db, `
		UPDATE runs SET status = ?, output = ?, error = ?, retval = ?, pid = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(StatusNotRunning), output, errText, retval, s.timestamp(), id, string(StatusRunning), string(StatusCancelled))
	if err != nil {
		return false, fmt.Errorf("failed to finish run: %w", err)
	}
	return affected(res)
}

// UpdateRunProgress stores partial output of an active run.
func (s *Store) UpdateRunProgress(ctx context.Context, id, output, errText string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE runs SET output = ?, error = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, output, errText, s.timestamp(), id, string(StatusRunning), string(StatusCancelled))
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// SetRunPID records the process backing an active run.
func (s *Store) SetRunPID(ctx context.Context, id string, pid int) error {
	_, err := s.exec(ctx, s.db, "UPDATE runs SET pid = ? WHERE id = ? AND status IN (?, ?)",
		pid, id, string(StatusRunning), string(StatusCancelled))
	if err != nil {
		return fmt.Errorf("failed to record run pid: %w", err)
	}
	return nil
}

// DeleteRun removes a run; members and status events cascade.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run          Run
		dataJSON     string
		status       string
		retval       sql.NullInt64
		pid          sql.NullInt64
		startedAtStr sql.NullString
		private      int
		createdAtStr string
		updatedAtStr string
	)
	if err := row.Scan(&run.ID, &run.Name, &run.Snakefile, &run.Workdir, &run.Command, &dataJSON,
		&status, &run.Output, &run.Error, &retval, &pid, &startedAtStr, &private, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.Private = private != 0
	if retval.Valid {
		code := int(retval.Int64)
		run.Retval = &code
	}
	if pid.Valid {
		run.PID = int(pid.Int64)
	}
	if err := json.Unmarshal([]byte(dataJSON), &run.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run data: %w", err)
	}

	var err error
	if run.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if run.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if startedAtStr.Valid {
		startedAt, err := parseTime(startedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		run.StartedAt = &startedAt
	}
	return &run, nil
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run data: %w", err)
	}
	return string(b), nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
