package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/quillreader/agentrun/run"
	"github.com/quillreader/agentrun/store"
)

// recordTerminal is the terminal recorder: it persists the run's terminal
// record exactly once, links unlinked usage events by time window, and
// returns the outcome the driver surfaces. It never fails the caller; a
// storage error at this point is logged and the outcome still flows to the
// event stream.
func (e *Engine) recordTerminal(ctx context.Context, d *driver, upd store.TerminalUpdate, failedIDs []string) run.Outcome {
	// Terminal recording must survive the run context being cancelled.
	ctx = context.WithoutCancel(ctx)
	finished := time.Now()
	upd.DurationMs = finished.Sub(d.started).Milliseconds()
	upd.RuntimeSnapshot = e.snapshot(d, failedIDs)

	if d.eager {
		applied, err := e.store.FinalizeRun(ctx, d.runID, upd)
		if err != nil {
			e.logger.Error("terminal record write failed",
				zap.String("run_id", d.runID), zap.Error(err))
		} else if !applied {
			e.logger.Warn("run already terminal, finalize skipped",
				zap.String("run_id", d.runID))
		}
	} else {
		rec := &store.TaskRun{
			ID:                d.runID,
			EntryID:           d.owner.EntryID,
			TaskType:          string(d.owner.Kind),
			SlotKey:           d.owner.SlotKey,
			Status:            string(upd.Status),
			FailureReason:     string(upd.FailureReason),
			Message:           upd.Message,
			ProviderProfileID: d.providerID,
			ModelProfileID:    d.modelID,
			TargetLanguage:    d.req.TargetLanguage,
			TemplateID:        d.req.TemplateID,
			TemplateVersion:   d.req.TemplateVersion,
			RuntimeSnapshot:   upd.RuntimeSnapshot,
			DurationMs:        upd.DurationMs,
			ProcessEpoch:      e.epoch,
			StartedAt:         d.started,
		}
		if err := e.store.CreateRun(ctx, rec); err != nil {
			e.logger.Error("terminal record write failed",
				zap.String("run_id", d.runID), zap.Error(err))
		}
	}

	// Best-effort, idempotent linking: events that match nothing stay
	// unlinked permanently.
	from := d.started.Add(-e.cfg.UsageLinkSlack)
	to := finished.Add(e.cfg.UsageLinkSlack)
	linked, err := e.store.LinkUsage(ctx, d.runID, d.owner.EntryID, d.owner.Kind, from, to)
	if err != nil {
		e.logger.Warn("usage linking failed", zap.String("run_id", d.runID), zap.Error(err))
	} else if linked > 0 {
		e.logger.Debug("usage events linked",
			zap.String("run_id", d.runID), zap.Int("count", linked))
	}

	if e.mirror != nil && upd.Status == run.StatusSucceeded {
		if err := e.mirror.DropRun(ctx, d.runID); err != nil {
			e.logger.Warn("mirror cleanup failed", zap.String("run_id", d.runID), zap.Error(err))
		}
	}

	e.metrics.RunFinished(string(d.owner.Kind), string(upd.Status), finished.Sub(d.started))
	e.logger.Info("run finished",
		zap.String("run_id", d.runID),
		zap.String("owner", d.owner.String()),
		zap.String("status", string(upd.Status)),
		zap.String("reason", string(upd.FailureReason)),
		zap.Duration("duration", finished.Sub(d.started)),
	)

	return run.Outcome{
		RunID:            d.runID,
		Status:           upd.Status,
		Reason:           upd.FailureReason,
		Message:          upd.Message,
		FailedSegmentIDs: failedIDs,
	}
}

// snapshot builds the free-form diagnostic map persisted with the record.
func (e *Engine) snapshot(d *driver, failedIDs []string) string {
	snap := map[string]any{
		"process_epoch": e.epoch,
		"phase":         string(d.currentPhase()),
	}
	if d.req.TargetLanguage != "" {
		snap["target_language"] = d.req.TargetLanguage
	}
	if len(failedIDs) > 0 {
		snap["failed_segment_ids"] = failedIDs
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Checkpoints returns the persisted checkpoint rows for a run, preferring the
// durable store and falling back to the redis mirror when the row set is
// empty (a sibling process may have written only the mirror so far).
func (e *Engine) Checkpoints(ctx context.Context, runID string) ([]store.SegmentCheckpoint, error) {
	rows, err := e.store.Checkpoints(ctx, runID)
	if err == nil && len(rows) > 0 {
		return rows, nil
	}
	if e.mirror == nil {
		return rows, err
	}
	mirrored, merr := e.mirror.MirroredCheckpoints(ctx, runID)
	if merr != nil {
		if err != nil {
			return nil, errors.Join(err, merr)
		}
		return rows, nil
	}
	out := make([]store.SegmentCheckpoint, 0, len(mirrored))
	for _, cp := range mirrored {
		out = append(out, cp)
	}
	return out, nil
}
