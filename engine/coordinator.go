package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quillreader/agentrun/internal/pool"
	"github.com/quillreader/agentrun/provider"
	"github.com/quillreader/agentrun/route"
	"github.com/quillreader/agentrun/run"
	"github.com/quillreader/agentrun/store"
)

// Translate starts a checkpointed translation run for an admitted request.
// The run record is created eagerly as running so an interrupted process
// leaves a resumable row behind; each segment is persisted the moment it
// completes, independent of the overall outcome.
func (e *Engine) Translate(ctx context.Context, req run.Request, segments []Segment) (<-chan run.Event, error) {
	candidates, err := e.resolver.ResolveCandidates(ctx, req.Owner.Kind, req.PrimaryModelID, req.FallbackModelID)
	if err != nil {
		e.admission.Release(req.Owner)
		return nil, err
	}

	now := time.Now()
	rec := &store.TaskRun{
		ID:                uuid.NewString(),
		EntryID:           req.Owner.EntryID,
		TaskType:          string(req.Owner.Kind),
		SlotKey:           req.Owner.SlotKey,
		Status:            string(run.StatusRunning),
		ProviderProfileID: candidates[0].Provider.ID,
		ModelProfileID:    candidates[0].Model.ID,
		TargetLanguage:    req.TargetLanguage,
		TemplateID:        req.TemplateID,
		TemplateVersion:   req.TemplateVersion,
		ProcessEpoch:      e.epoch,
		StartedAt:         now,
	}
	if err := e.store.CreateRun(ctx, rec); err != nil {
		e.admission.Release(req.Owner)
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	d := e.newDriver(req, rec.ID, true, now)
	go d.translate(ctx, candidates, segments)
	return d.events, nil
}

// ResumeTranslation re-executes the non-succeeded segments of a prior run
// under its original run id. It covers both an interrupted run (row still
// running) and a partially failed one (row terminal), reopening the latter
// so the eventual finalize flips the same record instead of creating a
// duplicate. Already-succeeded segments are never re-translated.
func (e *Engine) ResumeTranslation(ctx context.Context, req run.Request, segments []Segment, priorRunID string) (<-chan run.Event, error) {
	rec, err := e.store.GetRun(ctx, priorRunID)
	if err != nil {
		e.admission.Release(req.Owner)
		return nil, err
	}

	candidates, err := e.resolver.ResolveCandidates(ctx, req.Owner.Kind, req.PrimaryModelID, req.FallbackModelID)
	if err != nil {
		e.admission.Release(req.Owner)
		return nil, err
	}

	if rec.Terminal() || rec.ProcessEpoch != e.epoch {
		if err := e.store.ReopenRun(ctx, priorRunID, e.epoch); err != nil {
			e.admission.Release(req.Owner)
			return nil, err
		}
	}
	// Failed segments from the prior attempt become pending again; succeeded
	// ones keep their checkpoint and are never re-translated.
	if _, err := e.store.ResetFailedCheckpoints(ctx, priorRunID); err != nil {
		e.admission.Release(req.Owner)
		return nil, err
	}

	d := e.newDriver(req, priorRunID, true, rec.StartedAt)
	go d.translate(ctx, candidates, segments)
	return d.events, nil
}

// segmentResults collects per-segment failures behind the pool's concurrency.
type segmentResults struct {
	failedIDs []string
	firstErr  error
}

func (d *driver) translate(ctx context.Context, candidates []route.Candidate, segments []Segment) {
	d.begin("run.translate")
	stopHeartbeat := d.e.heartbeatLoop(ctx)
	defer stopHeartbeat()

	pending, err := d.pendingSegments(ctx, segments)
	if err != nil {
		reason := run.Classify(err, d.owner.Kind)
		d.finish(ctx, failureStatus(reason), reason, errMessage(err), nil)
		return
	}
	if len(pending) < len(segments) {
		d.emit(run.Event{
			Type: run.EventNotice,
			Text: fmt.Sprintf("resuming: %d of %d segments already translated", len(segments)-len(pending), len(segments)),
		})
	}

	var (
		mu      sync.Mutex
		results segmentResults
	)
	note := func(segID string, err error) {
		mu.Lock()
		defer mu.Unlock()
		results.failedIDs = append(results.failedIDs, segID)
		if results.firstErr == nil {
			results.firstErr = err
		}
	}

	p := pool.New(d.e.cfg.SegmentWorkers, func(r any) {
		d.e.logger.Error("segment task panicked", zap.String("run_id", d.runID), zap.Any("panic", r))
	})
	for _, seg := range pending {
		seg := seg
		err := p.Submit(ctx, func(taskCtx context.Context) error {
			return d.translateSegment(taskCtx, candidates, seg, note)
		})
		if err != nil {
			// Context cancelled while queueing; the remaining segments stay
			// pending in storage for the next resume.
			break
		}
	}
	// Drain every in-flight segment before deciding the terminal outcome.
	p.CloseAndWait()

	switch {
	case ctx.Err() != nil:
		cause := runError(ctx, ctx.Err())
		reason := run.Classify(cause, d.owner.Kind)
		d.finish(ctx, failureStatus(reason), reason, errMessage(cause), results.failedIDs)
	case len(results.failedIDs) > 0:
		reason := run.Classify(results.firstErr, d.owner.Kind)
		msg := fmt.Sprintf("%d of %d segments failed: %s", len(results.failedIDs), len(segments), errMessage(results.firstErr))
		d.finish(ctx, failureStatus(reason), reason, msg, results.failedIDs)
	default:
		d.finish(ctx, run.StatusSucceeded, "", "", nil)
	}
}

// pendingSegments seeds checkpoint rows and filters out segments that already
// hold a succeeded checkpoint from a prior attempt.
func (d *driver) pendingSegments(ctx context.Context, segments []Segment) ([]Segment, error) {
	ids := make([]string, len(segments))
	for i, seg := range segments {
		ids[i] = seg.ID
	}
	if err := d.e.store.SeedCheckpoints(ctx, d.runID, ids); err != nil {
		return nil, fmt.Errorf("failed to seed checkpoints: %w", err)
	}

	rows, err := d.e.store.Checkpoints(ctx, d.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	succeeded := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.Status == string(store.SegmentSucceeded) {
			succeeded[row.SourceSegmentID] = true
		}
	}

	pending := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		if !succeeded[seg.ID] {
			pending = append(pending, seg)
		}
	}
	return pending, nil
}

// translateSegment generates one segment, trying candidates in order, and
// persists its checkpoint exactly once. Cancellation is checked before the
// provider call and again before the checkpoint write; a cancelled segment
// stays pending rather than being marked failed.
func (d *driver) translateSegment(ctx context.Context, candidates []route.Candidate, seg Segment, note func(string, error)) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	text, err := d.completeSegment(ctx, candidates, seg)
	if err != nil {
		if run.Classify(err, d.owner.Kind) == run.ReasonCancelled {
			return err
		}
		note(seg.ID, err)
		if werr := d.e.store.SaveCheckpoint(context.WithoutCancel(ctx), d.runID, seg.ID, "", store.SegmentFailed); werr != nil && !errors.Is(werr, store.ErrSegmentTerminal) {
			d.e.logger.Error("failed checkpoint write failed", zap.String("run_id", d.runID), zap.String("segment", seg.ID), zap.Error(werr))
		}
		d.e.metrics.SegmentWritten(string(store.SegmentFailed))
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := d.e.store.SaveCheckpoint(ctx, d.runID, seg.ID, text, store.SegmentSucceeded); err != nil {
		if errors.Is(err, store.ErrSegmentTerminal) {
			// A concurrent writer got there first; the row is terminal and
			// the translation is persisted.
			return nil
		}
		note(seg.ID, err)
		return err
	}
	if d.e.mirror != nil {
		if err := d.e.mirror.MirrorCheckpoint(ctx, d.runID, store.SegmentCheckpoint{
			RunID:           d.runID,
			SourceSegmentID: seg.ID,
			TranslatedText:  text,
			Status:          string(store.SegmentSucceeded),
		}); err != nil {
			d.e.logger.Warn("checkpoint mirror failed", zap.String("run_id", d.runID), zap.Error(err))
		}
	}
	d.e.metrics.SegmentWritten(string(store.SegmentSucceeded))
	d.markGenerating()
	d.emit(run.Event{Type: run.EventSegmentCompleted, SegmentID: seg.ID, Text: text})
	return nil
}

// completeSegment calls the provider, falling back through the candidate list
// the same way summarization does.
func (d *driver) completeSegment(ctx context.Context, candidates []route.Candidate, seg Segment) (string, error) {
	var lastErr error
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return "", runError(ctx, ctx.Err())
		}
		client := d.e.clients(cand)
		preq := &provider.Request{
			Model:       cand.Model.Name,
			Prompt:      seg.Text,
			Temperature: cand.Model.Temperature,
			TopP:        cand.Model.TopP,
			MaxTokens:   cand.Model.MaxTokens,
		}

		start := time.Now()
		resp, err := client.Complete(ctx, preq)
		if err != nil {
			err = runError(ctx, err)
			d.recordUsage(ctx, cand, start, nil, seg.Text, "", "failed")
			lastErr = err
			if run.Classify(err, d.owner.Kind) == run.ReasonCancelled {
				return "", err
			}
			continue
		}
		d.recordUsage(ctx, cand, start, &resp.Usage, seg.Text, resp.Text, "succeeded")
		return resp.Text, nil
	}
	return "", lastErr
}
