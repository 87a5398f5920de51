package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/quillreader/agentrun/run"
	"github.com/quillreader/agentrun/store"
)

// FailingStore wraps a real store and injects errors per operation name.
// Operations without an injected error pass through unchanged.
type FailingStore struct {
	store.Store

	mu   sync.Mutex
	errs map[string]error
}

// NewFailingStore wraps the inner store.
func NewFailingStore(inner store.Store) *FailingStore {
	return &FailingStore{Store: inner, errs: make(map[string]error)}
}

// FailOn injects an error for an operation: one of CreateRun, GetRun,
// FinalizeRun, ReopenRun, RunningRuns, SeedCheckpoints, SaveCheckpoint,
// Checkpoints, RecordUsage, LinkUsage, UsageForRun.
func (f *FailingStore) FailOn(op string, err error) *FailingStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
	return f
}

func (f *FailingStore) injected(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[op]
}

func (f *FailingStore) CreateRun(ctx context.Context, rec *store.TaskRun) error {
	if err := f.injected("CreateRun"); err != nil {
		return err
	}
	return f.Store.CreateRun(ctx, rec)
}

func (f *FailingStore) GetRun(ctx context.Context, id string) (*store.TaskRun, error) {
	if err := f.injected("GetRun"); err != nil {
		return nil, err
	}
	return f.Store.GetRun(ctx, id)
}

func (f *FailingStore) FinalizeRun(ctx context.Context, id string, upd store.TerminalUpdate) (bool, error) {
	if err := f.injected("FinalizeRun"); err != nil {
		return false, err
	}
	return f.Store.FinalizeRun(ctx, id, upd)
}

func (f *FailingStore) ReopenRun(ctx context.Context, id, epoch string) error {
	if err := f.injected("ReopenRun"); err != nil {
		return err
	}
	return f.Store.ReopenRun(ctx, id, epoch)
}

func (f *FailingStore) RunningRuns(ctx context.Context, excludeEpoch string) ([]store.TaskRun, error) {
	if err := f.injected("RunningRuns"); err != nil {
		return nil, err
	}
	return f.Store.RunningRuns(ctx, excludeEpoch)
}

func (f *FailingStore) SeedCheckpoints(ctx context.Context, runID string, segmentIDs []string) error {
	if err := f.injected("SeedCheckpoints"); err != nil {
		return err
	}
	return f.Store.SeedCheckpoints(ctx, runID, segmentIDs)
}

func (f *FailingStore) SaveCheckpoint(ctx context.Context, runID, segmentID, text string, status store.SegmentStatus) error {
	if err := f.injected("SaveCheckpoint"); err != nil {
		return err
	}
	return f.Store.SaveCheckpoint(ctx, runID, segmentID, text, status)
}

func (f *FailingStore) Checkpoints(ctx context.Context, runID string) ([]store.SegmentCheckpoint, error) {
	if err := f.injected("Checkpoints"); err != nil {
		return nil, err
	}
	return f.Store.Checkpoints(ctx, runID)
}

func (f *FailingStore) ResetFailedCheckpoints(ctx context.Context, runID string) (int, error) {
	if err := f.injected("ResetFailedCheckpoints"); err != nil {
		return 0, err
	}
	return f.Store.ResetFailedCheckpoints(ctx, runID)
}

func (f *FailingStore) RecordUsage(ctx context.Context, ev *store.UsageEvent) error {
	if err := f.injected("RecordUsage"); err != nil {
		return err
	}
	return f.Store.RecordUsage(ctx, ev)
}

func (f *FailingStore) LinkUsage(ctx context.Context, runID string, entryID int64, taskType run.TaskKind, from, to time.Time) (int, error) {
	if err := f.injected("LinkUsage"); err != nil {
		return 0, err
	}
	return f.Store.LinkUsage(ctx, runID, entryID, taskType, from, to)
}

func (f *FailingStore) UsageForRun(ctx context.Context, runID string) ([]store.UsageEvent, error) {
	if err := f.injected("UsageForRun"); err != nil {
		return nil, err
	}
	return f.Store.UsageForRun(ctx, runID)
}
