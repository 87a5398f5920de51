package run

import "time"

// EventType identifies a progress event emitted while a run is in flight.
type EventType string

const (
	EventStarted          EventType = "started"
	EventNotice           EventType = "notice"
	EventToken            EventType = "token"
	EventSegmentCompleted EventType = "segment_completed"
	EventPersisting       EventType = "persisting"
	EventTerminal         EventType = "terminal"
)

// Outcome is the terminal result of a run attempt.
type Outcome struct {
	RunID            string        `json:"run_id"`
	Status           Status        `json:"status"`
	Reason           FailureReason `json:"reason,omitempty"`
	Message          string        `json:"message,omitempty"`
	FailedSegmentIDs []string      `json:"failed_segment_ids,omitempty"`
}

// Event is one element of a run's progress stream. Consumers drive
// projection from segment identity, never from event arrival order:
// segment completions may arrive out of document order.
type Event struct {
	Type      EventType `json:"type"`
	Owner     Owner     `json:"owner"`
	TaskID    string    `json:"task_id"`
	Phase     Phase     `json:"phase,omitempty"`
	Text      string    `json:"text,omitempty"`
	SegmentID string    `json:"segment_id,omitempty"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
	At        time.Time `json:"at"`
}

// Request describes one submission against an owner's slot. Token is the
// logical request identity used for duplicate detection; two submissions
// with the same token are the same request.
type Request struct {
	Token           string `json:"token"`
	Owner           Owner  `json:"owner"`
	TargetLanguage  string `json:"target_language,omitempty"`
	PrimaryModelID  string `json:"primary_model_id,omitempty"`
	FallbackModelID string `json:"fallback_model_id,omitempty"`
	TemplateID      string `json:"template_id,omitempty"`
	TemplateVersion string `json:"template_version,omitempty"`
}
