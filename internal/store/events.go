package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// StatusEvent is one message reported by the engine while a run executes.
// Msg is stored verbatim.
type StatusEvent struct {
	ID    int64           `json:"id"`
	RunID string          `json:"run_id"`
	Msg   json.RawMessage `json:"msg"`
}

// AppendStatusEvent stores msg after the run's existing events. msg must be
// a JSON object.
func (s *Store) AppendStatusEvent(ctx context.Context, runID string, msg json.RawMessage) error {
	var obj map[string]any
	if err := json.Unmarshal(msg, &obj); err != nil || obj == nil {
		return fmt.Errorf("status event must be a JSON object")
	}
	_, err := s.exec(ctx, s.db, "INSERT INTO run_status_events (run_id, msg_json, created_at) VALUES (?, ?, ?)",
		runID, string(msg), s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to append status event: %w", err)
	}
	return nil
}

// ListStatusEvents returns the run's events in insertion order.
func (s *Store) ListStatusEvents(ctx context.Context, runID string) ([]StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT id, msg_json FROM run_status_events WHERE run_id = ? ORDER BY id"), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status events: %w", err)
	}
	defer rows.Close()

	var events []StatusEvent
	for rows.Next() {
		var (
			ev  StatusEvent
			msg string
		)
		if err := rows.Scan(&ev.ID, &msg); err != nil {
			return nil, err
		}
		ev.RunID = runID
		ev.Msg = json.RawMessage(msg)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteStatusEvents removes every event of a run.
func (s *Store) DeleteStatusEvents(ctx context.Context, runID string) error {
	if _, err := s.exec(ctx, s.db, "DELETE FROM run_status_events WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete status events: %w", err)
	}
	return nil
}
