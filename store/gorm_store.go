package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quillreader/agentrun/run"
)

// GormStore is the durable store over a gorm DB (embedded sqlite in the
// reading app; any gorm dialector works).
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore migrates the run tables and returns a store.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&TaskRun{}, &SegmentCheckpoint{}, &UsageEvent{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate run tables: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

func (s *GormStore) CreateRun(ctx context.Context, rec *TaskRun) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *GormStore) GetRun(ctx context.Context, id string) (*TaskRun, error) {
	var rec TaskRun
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) FinalizeRun(ctx context.Context, id string, upd TerminalUpdate) (bool, error) {
	res := s.db.WithContext(ctx).Model(&TaskRun{}).
		Where("id = ? AND status = ?", id, string(run.StatusRunning)).
		Updates(map[string]any{
			"status":           string(upd.Status),
			"failure_reason":   string(upd.FailureReason),
			"message":          upd.Message,
			"runtime_snapshot": upd.RuntimeSnapshot,
			"duration_ms":      upd.DurationMs,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// Either the run does not exist or it is already terminal.
		var count int64
		if err := s.db.WithContext(ctx).Model(&TaskRun{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return false, err
		}
		if count == 0 {
			return false, ErrRunNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *GormStore) ReopenRun(ctx context.Context, id, epoch string) error {
	res := s.db.WithContext(ctx).Model(&TaskRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         string(run.StatusRunning),
			"failure_reason": "",
			"message":        "",
			"process_epoch":  epoch,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *GormStore) RunningRuns(ctx context.Context, excludeEpoch string) ([]TaskRun, error) {
	q := s.db.WithContext(ctx).Where("status = ?", string(run.StatusRunning))
	if excludeEpoch != "" {
		q = q.Where("process_epoch <> ?", excludeEpoch)
	}
	var runs []TaskRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *GormStore) SeedCheckpoints(ctx context.Context, runID string, segmentIDs []string) error {
	if len(segmentIDs) == 0 {
		return nil
	}
	rows := make([]SegmentCheckpoint, len(segmentIDs))
	for i, id := range segmentIDs {
		rows[i] = SegmentCheckpoint{
			RunID:           runID,
			SourceSegmentID: id,
			Status:          string(SegmentPending),
		}
	}
	// Existing rows keep their status so reseeding on resume is harmless.
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

func (s *GormStore) SaveCheckpoint(ctx context.Context, runID, segmentID, text string, status SegmentStatus) error {
	res := s.db.WithContext(ctx).Model(&SegmentCheckpoint{}).
		Where("run_id = ? AND source_segment_id = ? AND status = ?", runID, segmentID, string(SegmentPending)).
		Updates(map[string]any{
			"translated_text": text,
			"status":          string(status),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Row missing (lazy creation) or already terminal.
	var existing SegmentCheckpoint
	err := s.db.WithContext(ctx).
		First(&existing, "run_id = ? AND source_segment_id = ?", runID, segmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&SegmentCheckpoint{
			RunID:           runID,
			SourceSegmentID: segmentID,
			TranslatedText:  text,
			Status:          string(status),
		}).Error
	}
	if err != nil {
		return err
	}
	return ErrSegmentTerminal
}

func (s *GormStore) Checkpoints(ctx context.Context, runID string) ([]SegmentCheckpoint, error) {
	var rows []SegmentCheckpoint
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *GormStore) ResetFailedCheckpoints(ctx context.Context, runID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&SegmentCheckpoint{}).
		Where("run_id = ? AND status = ?", runID, string(SegmentFailed)).
		Updates(map[string]any{
			"translated_text": "",
			"status":          string(SegmentPending),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) RecordUsage(ctx context.Context, ev *UsageEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

func (s *GormStore) LinkUsage(ctx context.Context, runID string, entryID int64, taskType run.TaskKind, from, to time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&UsageEvent{}).
		Where("task_run_id IS NULL AND entry_id = ? AND task_type = ?", entryID, string(taskType)).
		Where("started_at >= ? AND finished_at <= ?", from, to).
		Update("task_run_id", runID)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) UsageForRun(ctx context.Context, runID string) ([]UsageEvent, error) {
	var events []UsageEvent
	if err := s.db.WithContext(ctx).Where("task_run_id = ?", runID).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
