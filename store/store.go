// Package store persists run records, segment checkpoints, and usage
// telemetry. Three backends ship with the engine: gorm over embedded sqlite
// (the durable default), an in-memory store for tests, and a redis mirror
// for checkpoints and process liveness.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quillreader/agentrun/run"
)

var (
	// ErrRunNotFound means no task run exists for the given id.
	ErrRunNotFound = errors.New("task run not found")

	// ErrSegmentTerminal means the segment checkpoint already holds a
	// terminal status; per-segment statuses are written at most once.
	ErrSegmentTerminal = errors.New("segment checkpoint already terminal")
)

// SegmentStatus is the per-segment checkpoint status.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentSucceeded SegmentStatus = "succeeded"
	SegmentFailed    SegmentStatus = "failed"
)

// TaskRun is the persisted terminal summary of a run. For checkpointed
// translation it is created eagerly as running and flipped to its terminal
// status by the recorder; summarization writes it at terminal time only.
type TaskRun struct {
	ID                string `gorm:"primaryKey"`
	EntryID           int64  `gorm:"index:idx_task_run_entry"`
	TaskType          string `gorm:"index:idx_task_run_entry"`
	SlotKey           string
	Status            string `gorm:"index"`
	FailureReason     string
	Message           string
	ProviderProfileID string
	ModelProfileID    string
	TargetLanguage    string
	TemplateID        string
	TemplateVersion   string
	RuntimeSnapshot   string
	DurationMs        int64
	ProcessEpoch      string `gorm:"index"`
	StartedAt         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (TaskRun) TableName() string { return "task_run" }

// Terminal reports whether the run record already holds a terminal status.
func (r *TaskRun) Terminal() bool {
	return r.Status != string(run.StatusRunning)
}

// SegmentCheckpoint is one durable per-segment progress row.
type SegmentCheckpoint struct {
	RunID           string `gorm:"primaryKey"`
	SourceSegmentID string `gorm:"primaryKey"`
	TranslatedText  string
	Status          string `gorm:"index"`
	UpdatedAt       time.Time
}

func (SegmentCheckpoint) TableName() string { return "segment_checkpoint" }

// UsageEvent is token telemetry emitted at request time. TaskRunID starts
// null and is linked later by the terminal recorder; an event that never
// matches stays unlinked permanently.
type UsageEvent struct {
	ID                string  `gorm:"primaryKey"`
	TaskRunID         *string `gorm:"index"`
	EntryID           int64   `gorm:"index:idx_usage_entry"`
	TaskType          string  `gorm:"index:idx_usage_entry"`
	ProviderProfileID string
	ModelProfileID    string
	PromptTokens      int
	CompletionTokens  int
	TotalTokens       int
	Estimated         bool
	RequestStatus     string
	StartedAt         time.Time
	FinishedAt        time.Time
	CreatedAt         time.Time
}

func (UsageEvent) TableName() string { return "usage_event" }

// RunStore persists task run records.
type RunStore interface {
	// CreateRun inserts a new run record.
	CreateRun(ctx context.Context, rec *TaskRun) error

	// GetRun fetches a run record by id.
	GetRun(ctx context.Context, id string) (*TaskRun, error)

	// FinalizeRun flips a run to a terminal status exactly once. It returns
	// false without error when the run is already terminal, making
	// re-finalization a no-op.
	FinalizeRun(ctx context.Context, id string, upd TerminalUpdate) (bool, error)

	// RunningRuns returns runs still marked running. A non-empty epoch
	// excludes runs owned by that process epoch, leaving only orphans.
	RunningRuns(ctx context.Context, excludeEpoch string) ([]TaskRun, error)

	// ReopenRun flips a terminal run back to running under a new process
	// epoch, clearing its failure fields. Used when retrying the failed
	// subset of a checkpointed run so the retry keeps the original run id.
	// A run already running is left as is except for the epoch.
	ReopenRun(ctx context.Context, id, epoch string) error
}

// TerminalUpdate carries the fields written when a run reaches a terminal
// status.
type TerminalUpdate struct {
	Status          run.Status
	FailureReason   run.FailureReason
	Message         string
	RuntimeSnapshot string
	DurationMs      int64
}

// CheckpointStore persists per-segment progress.
type CheckpointStore interface {
	// SeedCheckpoints creates pending rows for segments that have none.
	// Existing rows keep their status, so reseeding on resume is safe.
	SeedCheckpoints(ctx context.Context, runID string, segmentIDs []string) error

	// SaveCheckpoint writes a segment's terminal status. Each segment
	// accepts exactly one terminal write; later writes return
	// ErrSegmentTerminal.
	SaveCheckpoint(ctx context.Context, runID, segmentID, text string, status SegmentStatus) error

	// Checkpoints returns all checkpoint rows for a run.
	Checkpoints(ctx context.Context, runID string) ([]SegmentCheckpoint, error)

	// ResetFailedCheckpoints flips failed rows back to pending so a retry
	// can re-attempt them. Succeeded rows are never touched. Returns the
	// number of rows reset.
	ResetFailedCheckpoints(ctx context.Context, runID string) (int, error)
}

// UsageStore persists and links usage telemetry.
type UsageStore interface {
	// RecordUsage inserts a usage event, initially unlinked.
	RecordUsage(ctx context.Context, ev *UsageEvent) error

	// LinkUsage attaches unlinked events matching (entry, task type) within
	// the window to the run id. Idempotent; returns the number of events
	// linked by this call.
	LinkUsage(ctx context.Context, runID string, entryID int64, taskType run.TaskKind, from, to time.Time) (int, error)

	// UsageForRun returns the events linked to a run.
	UsageForRun(ctx context.Context, runID string) ([]UsageEvent, error)
}

// Store is the full persistence surface the engine needs.
type Store interface {
	RunStore
	CheckpointStore
	UsageStore
}
