package supervisor

import "time"

// EventType names a lifecycle event
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventRunFinished  EventType = "run_finished"
	EventRunCancelled EventType = "run_cancelled"
	EventRunRejected  EventType = "run_rejected"
	EventRunRecovered EventType = "run_recovered"
)

// Event is delivered to Options.OnEvent. Handlers run on the goroutine
// that produced the event and must not block.
type Event struct {
	Type     EventType
	RunID    string
	UserID   string
	Retval   int
	Duration time.Duration
	// Reason is the OutcomeKind of a rejection.
	Reason string
}
