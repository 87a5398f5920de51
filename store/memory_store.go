package store

import (
	"context"
	"sync"
	"time"

	"github.com/quillreader/agentrun/run"
)

// MemoryStore is an in-memory Store used by tests and previews. It mirrors
// the gorm store's semantics, including write-once segment statuses and
// idempotent finalization.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*TaskRun
	segs   map[string]map[string]*SegmentCheckpoint
	events map[string]*UsageEvent
	order  []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*TaskRun),
		segs:   make(map[string]map[string]*SegmentCheckpoint),
		events: make(map[string]*UsageEvent),
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, rec *TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.runs[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*TaskRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) FinalizeRun(ctx context.Context, id string, upd TerminalUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	if rec.Terminal() {
		return false, nil
	}
	rec.Status = string(upd.Status)
	rec.FailureReason = string(upd.FailureReason)
	rec.Message = upd.Message
	rec.RuntimeSnapshot = upd.RuntimeSnapshot
	rec.DurationMs = upd.DurationMs
	rec.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ReopenRun(ctx context.Context, id, epoch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	rec.Status = string(run.StatusRunning)
	rec.FailureReason = ""
	rec.Message = ""
	rec.ProcessEpoch = epoch
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RunningRuns(ctx context.Context, excludeEpoch string) ([]TaskRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TaskRun
	for _, rec := range m.runs {
		if rec.Status != string(run.StatusRunning) {
			continue
		}
		if excludeEpoch != "" && rec.ProcessEpoch == excludeEpoch {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (m *MemoryStore) SeedCheckpoints(ctx context.Context, runID string, segmentIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.segs[runID]
	if rows == nil {
		rows = make(map[string]*SegmentCheckpoint)
		m.segs[runID] = rows
	}
	for _, id := range segmentIDs {
		if _, exists := rows[id]; exists {
			continue
		}
		rows[id] = &SegmentCheckpoint{
			RunID:           runID,
			SourceSegmentID: id,
			Status:          string(SegmentPending),
			UpdatedAt:       time.Now(),
		}
	}
	return nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, runID, segmentID, text string, status SegmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.segs[runID]
	if rows == nil {
		rows = make(map[string]*SegmentCheckpoint)
		m.segs[runID] = rows
	}
	row, ok := rows[segmentID]
	if !ok {
		rows[segmentID] = &SegmentCheckpoint{
			RunID:           runID,
			SourceSegmentID: segmentID,
			TranslatedText:  text,
			Status:          string(status),
			UpdatedAt:       time.Now(),
		}
		return nil
	}
	if row.Status != string(SegmentPending) {
		return ErrSegmentTerminal
	}
	row.TranslatedText = text
	row.Status = string(status)
	row.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Checkpoints(ctx context.Context, runID string) ([]SegmentCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.segs[runID]
	out := make([]SegmentCheckpoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func (m *MemoryStore) ResetFailedCheckpoints(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reset := 0
	for _, row := range m.segs[runID] {
		if row.Status != string(SegmentFailed) {
			continue
		}
		row.Status = string(SegmentPending)
		row.TranslatedText = ""
		row.UpdatedAt = time.Now()
		reset++
	}
	return reset, nil
}

func (m *MemoryStore) RecordUsage(ctx context.Context, ev *UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	cp.CreatedAt = time.Now()
	m.events[ev.ID] = &cp
	m.order = append(m.order, ev.ID)
	return nil
}

func (m *MemoryStore) LinkUsage(ctx context.Context, runID string, entryID int64, taskType run.TaskKind, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	linked := 0
	for _, ev := range m.events {
		if ev.TaskRunID != nil {
			continue
		}
		if ev.EntryID != entryID || ev.TaskType != string(taskType) {
			continue
		}
		if ev.StartedAt.Before(from) || ev.FinishedAt.After(to) {
			continue
		}
		id := runID
		ev.TaskRunID = &id
		linked++
	}
	return linked, nil
}

func (m *MemoryStore) UsageForRun(ctx context.Context, runID string) ([]UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []UsageEvent
	for _, id := range m.order {
		ev := m.events[id]
		if ev.TaskRunID != nil && *ev.TaskRunID == runID {
			out = append(out, *ev)
		}
	}
	return out, nil
}
