package run

import "fmt"

// TaskKind identifies the kind of agent task a run executes.
type TaskKind string

const (
	TaskSummarize TaskKind = "summarize"
	TaskTranslate TaskKind = "translate"
)

// Status is the persisted terminal (or in-flight) status of a run record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// StatusForPhase maps a terminal phase to its persisted status.
func StatusForPhase(p Phase) (Status, bool) {
	switch p {
	case PhaseCompleted:
		return StatusSucceeded, true
	case PhaseFailed:
		return StatusFailed, true
	case PhaseCancelled:
		return StatusCancelled, true
	case PhaseTimedOut:
		return StatusTimedOut, true
	}
	return "", false
}

// Owner identifies a logical run slot: one task kind against one entry, with
// a slot key disambiguating concurrent configurations (e.g. different target
// languages). Owner is a value type and is used as the admission map key; it
// is never persisted, callers recompute it from request parameters.
type Owner struct {
	Kind    TaskKind
	EntryID int64
	SlotKey string
}

func (o Owner) String() string {
	if o.SlotKey == "" {
		return fmt.Sprintf("%s/%d", o.Kind, o.EntryID)
	}
	return fmt.Sprintf("%s/%d/%s", o.Kind, o.EntryID, o.SlotKey)
}

// Decision is the outcome of submitting a run request for an owner.
type Decision string

const (
	// DecisionStartNow admits the request immediately; it now occupies the
	// owner's active slot.
	DecisionStartNow Decision = "start_now"

	// DecisionQueuedWaiting parks the request in the owner's waiting slot,
	// replacing any previously waiting request.
	DecisionQueuedWaiting Decision = "queued_waiting"

	// DecisionAlreadyWaiting means the waiting slot already holds this exact
	// request.
	DecisionAlreadyWaiting Decision = "already_waiting"

	// DecisionAlreadyActive means the active slot is already bound to this
	// exact request; the caller must discard its speculative state.
	DecisionAlreadyActive Decision = "already_active"
)
