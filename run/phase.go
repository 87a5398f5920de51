package run

// Phase represents the lifecycle phase of a single run attempt.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseWaiting    Phase = "waiting"
	PhaseRequesting Phase = "requesting"
	PhaseGenerating Phase = "generating"
	PhasePersisting Phase = "persisting"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
	PhaseTimedOut   Phase = "timed_out"
)

// transitions is the adjacency table for run phases. Terminal phases have no
// entry: the only transition they admit is identity.
var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseWaiting, PhaseRequesting},
	PhaseWaiting:    {PhaseRequesting, PhaseCancelled},
	PhaseRequesting: {PhaseGenerating, PhasePersisting, PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseTimedOut},
	PhaseGenerating: {PhasePersisting, PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseTimedOut},
	PhasePersisting: {PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseTimedOut},
}

// CanTransition reports whether a run may move from one phase to another.
// Identity transitions are always allowed.
func CanTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a phase ends the run's lifecycle.
func IsTerminal(p Phase) bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseTimedOut:
		return true
	}
	return false
}

// Phases lists every phase, in lifecycle order. Useful for exhaustive checks.
func Phases() []Phase {
	return []Phase{
		PhaseIdle, PhaseWaiting, PhaseRequesting, PhaseGenerating,
		PhasePersisting, PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseTimedOut,
	}
}
