package supervisor

// OutcomeKind classifies the result of a user request.
type OutcomeKind string

const (
	OutcomeStarted        OutcomeKind = "started"
	OutcomeCancelled      OutcomeKind = "cancelled"
	OutcomeDeleted        OutcomeKind = "deleted"
	OutcomeShared         OutcomeKind = "shared"
	OutcomeInvalid        OutcomeKind = "invalid"
	OutcomeDenied         OutcomeKind = "denied"
	OutcomeNotFound       OutcomeKind = "not_found"
	OutcomeQuotaExceeded  OutcomeKind = "quota_exceeded"
	OutcomeAlreadyRunning OutcomeKind = "already_running"
	OutcomeNotRunning     OutcomeKind = "not_running"
)

// Outcome is the user-facing answer to a submit, cancel, delete or share.
// Only Started, Cancelled, Deleted and Shared changed anything.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	RunID   string      `json:"run_id,omitempty"`
	Message string      `json:"message"`
	Errors  []string    `json:"errors,omitempty"`
	Command string      `json:"command,omitempty"`
}

// OK reports whether the request took effect.
func (o Outcome) OK() bool {
	switch o.Kind {
	case OutcomeStarted, OutcomeCancelled, OutcomeDeleted, OutcomeShared:
		return true
	}
	return false
}
